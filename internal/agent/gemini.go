package agent

import (
	"fmt"
	"os"

	"github.com/sevir/capataz/pkg/models"
)

// GeminiAdapter launches the gemini CLI in non-interactive prompt mode.
type GeminiAdapter struct {
	// APIKey is exported as GEMINI_API_KEY when set.
	APIKey string

	// ExtraEnv is appended after the standard variables.
	ExtraEnv []string
}

func (a *GeminiAdapter) CLICommand() string { return "gemini" }

func (a *GeminiAdapter) BuildEnvironment(taskID string) []string {
	env := append(os.Environ(),
		"NO_COLOR=1",
		fmt.Sprintf("CAPATAZ_TASK_ID=%s", taskID),
	)
	if a.APIKey != "" {
		env = append(env, fmt.Sprintf("GEMINI_API_KEY=%s", a.APIKey))
	}
	return append(env, a.ExtraEnv...)
}

func (a *GeminiAdapter) BuildCLIArgs(cfg models.TaskConfig, taskID string) []string {
	args := []string{
		"-p", // Non-interactive mode (prompt mode)
		"--output-format", "stream-json",
	}

	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}

	args = append(args, cfg.ExtraArgs...)
	args = append(args, cfg.Prompt)
	return args
}
