// Package agent builds the CLI invocations for the supported assistant
// binaries. Adapters carry no process state; the scheduler owns spawning.
package agent

import (
	"fmt"
	"os"

	"github.com/sevir/capataz/pkg/models"
)

// ClaudeAdapter launches the claude CLI in headless stream-json mode.
type ClaudeAdapter struct {
	// ProxyBaseURL reroutes the CLI's API traffic through a local provider
	// proxy when set.
	ProxyBaseURL string

	// AuthToken overrides the CLI's stored credentials, used together with
	// ProxyBaseURL.
	AuthToken string

	// ExtraEnv is appended after the standard variables.
	ExtraEnv []string
}

func (a *ClaudeAdapter) CLICommand() string { return "claude" }

func (a *ClaudeAdapter) BuildEnvironment(taskID string) []string {
	env := append(os.Environ(),
		"NO_COLOR=1",
		fmt.Sprintf("CAPATAZ_TASK_ID=%s", taskID),
	)
	if a.ProxyBaseURL != "" {
		env = append(env, fmt.Sprintf("ANTHROPIC_BASE_URL=%s", a.ProxyBaseURL))
	}
	if a.AuthToken != "" {
		env = append(env, fmt.Sprintf("ANTHROPIC_AUTH_TOKEN=%s", a.AuthToken))
	}
	return append(env, a.ExtraEnv...)
}

func (a *ClaudeAdapter) BuildCLIArgs(cfg models.TaskConfig, taskID string) []string {
	args := []string{
		"-p", // Print/headless mode
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}

	args = append(args, cfg.ExtraArgs...)

	// Prompt goes last so flag parsing never swallows it.
	args = append(args, cfg.Prompt)
	return args
}
