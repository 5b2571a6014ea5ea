package agent

import (
	"fmt"

	"github.com/sevir/capataz/internal/scheduler"
)

// Engine names accepted by the control API.
const (
	EngineClaude = "claude"
	EngineGemini = "gemini"
)

// Settings carries the credential and proxy wiring shared by all adapters.
type Settings struct {
	ClaudeProxyBaseURL string
	ClaudeAuthToken    string
	GeminiAPIKey       string
}

// ForEngine returns the adapter for an engine name.
func ForEngine(engine string, s Settings) (scheduler.Adapter, error) {
	switch engine {
	case EngineClaude, "":
		return &ClaudeAdapter{
			ProxyBaseURL: s.ClaudeProxyBaseURL,
			AuthToken:    s.ClaudeAuthToken,
		}, nil
	case EngineGemini:
		return &GeminiAdapter{APIKey: s.GeminiAPIKey}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}
}
