// Package stream decodes the assistant CLI's line-delimited JSON output into
// typed events and coalesces bursts before delivery.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/sevir/capataz/pkg/models"
)

// EventKind identifies the kind of a parsed stream event.
type EventKind string

const (
	EventInit              EventKind = "init"
	EventText              EventKind = "text"
	EventToolUse           EventKind = "tool_use"
	EventToolResult        EventKind = "tool_result"
	EventAttachment        EventKind = "attachment"
	EventTodoUpdate        EventKind = "todo_update"
	EventPermissionRequest EventKind = "permission_request"
	EventQuestionRequest   EventKind = "question_request"
	EventResult            EventKind = "result"
	EventDiagnostic        EventKind = "diagnostic"
)

// IsText reports whether the event is a coalescable text delta.
func (k EventKind) IsText() bool { return k == EventText }

// Attachment references a file or screenshot the assistant produced.
type Attachment struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
}

// Event is one typed entry from the assistant's output stream.
type Event struct {
	Kind       EventKind
	SessionID  string
	Text       string
	ToolName   string
	ToolInput  json.RawMessage
	ToolOutput string
	Attachment *Attachment
	Todos      []models.TodoItem
	RequestID  string
	Payload    json.RawMessage
	Result     *models.TaskResult
}

// maxToolOutput bounds tool output placed into a displayable message.
const maxToolOutput = 16 * 1024

const truncationMarker = "\n... [output truncated]"

// rawLine mirrors the wire shape the CLI emits, one JSON object per line.
type rawLine struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"session_id,omitempty"`
	Role       string            `json:"role,omitempty"`
	Content    []rawContentBlock `json:"content,omitempty"`
	Text       string            `json:"text,omitempty"`
	Name       string            `json:"name,omitempty"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Output     string            `json:"output,omitempty"`
	Path       string            `json:"path,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	Todos      []rawTodo         `json:"todos,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Request    json.RawMessage   `json:"request,omitempty"`
	Status     string            `json:"status,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
}

type rawContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type rawTodo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	State       string `json:"state"`
}

// ParseLine parses one complete line of CLI output. A malformed or
// unrecognized line yields a single diagnostic event; parsing is never fatal
// to the task. A message line with several content blocks yields one event
// per block, in block order.
func ParseLine(line []byte) []Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return []Event{diagnostic(fmt.Sprintf("malformed stream line: %v", err))}
	}

	switch raw.Type {
	case "init":
		if raw.SessionID == "" {
			return []Event{diagnostic("init event without session_id")}
		}
		return []Event{{Kind: EventInit, SessionID: raw.SessionID}}

	case "message":
		var events []Event
		for _, block := range raw.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, Event{Kind: EventText, Text: Sanitize(block.Text)})
				}
			case "tool_use":
				events = append(events, Event{Kind: EventToolUse, ToolName: block.Name, ToolInput: block.Input})
			}
		}
		return events

	case "text":
		if raw.Text == "" {
			return nil
		}
		return []Event{{Kind: EventText, Text: Sanitize(raw.Text)}}

	case "tool_use":
		if raw.Name == "" {
			return []Event{diagnostic("tool_use event without name")}
		}
		return []Event{{Kind: EventToolUse, ToolName: raw.Name, ToolInput: raw.Input}}

	case "tool_result":
		return []Event{{Kind: EventToolResult, ToolName: raw.Name, ToolOutput: TruncateOutput(Sanitize(raw.Output))}}

	case "attachment", "screenshot":
		if raw.Path == "" {
			return []Event{diagnostic(fmt.Sprintf("%s event without path", raw.Type))}
		}
		return []Event{{Kind: EventAttachment, Attachment: &Attachment{Path: raw.Path, MimeType: raw.MimeType}}}

	case "todo_update":
		todos := make([]models.TodoItem, 0, len(raw.Todos))
		for _, td := range raw.Todos {
			todos = append(todos, models.TodoItem{
				ID:          td.ID,
				Description: td.Description,
				State:       models.TodoState(td.State),
			})
		}
		return []Event{{Kind: EventTodoUpdate, Todos: todos}}

	case "permission_request":
		return []Event{{Kind: EventPermissionRequest, RequestID: raw.RequestID, Payload: raw.Request}}

	case "question":
		return []Event{{Kind: EventQuestionRequest, RequestID: raw.RequestID, Payload: raw.Request}}

	case "result":
		status := models.ResultStatus(raw.Status)
		if !models.ValidResultStatus(status) {
			return []Event{diagnostic(fmt.Sprintf("result event with unknown status %q", raw.Status))}
		}
		return []Event{{Kind: EventResult, Result: &models.TaskResult{
			Status:     status,
			Summary:    raw.Summary,
			DurationMS: raw.DurationMS,
		}}}

	case "error":
		return []Event{diagnostic(Sanitize(raw.Output))}

	default:
		return []Event{diagnostic(fmt.Sprintf("unrecognized event type %q", raw.Type))}
	}
}

func diagnostic(msg string) Event {
	return Event{Kind: EventDiagnostic, Text: msg}
}

// Sanitize strips non-printable bytes so tool output can be placed into a
// displayable message. Newlines and tabs survive.
func Sanitize(s string) string {
	if isClean(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isClean(s string) bool {
	for _, r := range s {
		if r != '\n' && r != '\t' && !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// TruncateOutput caps tool output at maxToolOutput bytes with a marker.
func TruncateOutput(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + truncationMarker
}
