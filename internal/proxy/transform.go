package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// anthropicRequest is the request shape the assistant CLI emits against
// /v1/messages. Only the fields the transforms touch are modeled; the rest
// ride along untouched where the target shape allows it.
type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// flattenContent reduces a message content field (string or block array) to
// plain text for targets without block-structured content.
func flattenContent(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("unsupported message content shape")
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// TransformVertexRequestBody rewrites an Anthropic-style messages request
// into the form the Vertex publisher endpoint expects: the model moves into
// the URL, and anthropic_version takes its place in the body. The extracted
// model name and the parsed stream flag are returned for URL construction.
func TransformVertexRequestBody(body []byte) ([]byte, string, bool, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, "", false, fmt.Errorf("failed to parse request body: %w", err)
	}

	var model string
	if raw, ok := generic["model"]; ok {
		if err := json.Unmarshal(raw, &model); err != nil {
			return nil, "", false, fmt.Errorf("model field is not a string: %w", err)
		}
		delete(generic, "model")
	}
	if model == "" {
		return nil, "", false, fmt.Errorf("request body has no model")
	}

	var streaming bool
	if raw, ok := generic["stream"]; ok {
		// A malformed flag reads as false rather than failing the request.
		_ = json.Unmarshal(raw, &streaming)
	}

	generic["anthropic_version"] = json.RawMessage(`"vertex-2023-10-16"`)

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, "", false, err
	}
	return out, model, streaming, nil
}

// openAIRequest is the chat-completions shape the OpenAI-compatible upstream
// expects.
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TransformOpenAIRequestBody rewrites an Anthropic-style messages request
// into an OpenAI chat-completions request: the system prompt becomes the
// leading system message and block-structured content is flattened.
func TransformOpenAIRequestBody(body []byte) ([]byte, error) {
	var in anthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to parse request body: %w", err)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("request body has no model")
	}

	out := openAIRequest{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		Stream:      in.Stream,
		Stop:        in.StopSeqs,
	}
	if in.System != "" {
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		content, err := flattenContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("message from %s: %w", m.Role, err)
		}
		out.Messages = append(out.Messages, openAIMessage{Role: m.Role, Content: content})
	}

	return json.Marshal(out)
}
