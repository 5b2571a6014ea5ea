// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the application configuration.
type Config struct {
	DefaultEngine string          `json:"default_engine" yaml:"default_engine"`
	DefaultModel  string          `json:"default_model" yaml:"default_model"`
	Server        ServerConfig    `json:"server" yaml:"server"`
	Scheduler     SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Providers     ProvidersConfig `json:"providers" yaml:"providers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// SchedulerConfig holds task scheduling configuration.
type SchedulerConfig struct {
	StorePath            string `json:"store_path" yaml:"store_path"`
	MaxParallel          int    `json:"max_parallel" yaml:"max_parallel"`
	BatchWindowMS        int    `json:"batch_window_ms" yaml:"batch_window_ms"`
	PermissionTimeoutSec int    `json:"permission_timeout_sec" yaml:"permission_timeout_sec"`
	EnforcerMaxAttempts  int    `json:"enforcer_max_attempts" yaml:"enforcer_max_attempts"`
	NudgeAfterSec        int    `json:"nudge_after_sec" yaml:"nudge_after_sec"`
}

// ProvidersConfig holds credentials for the provider proxy layer.
type ProvidersConfig struct {
	Vertex VertexConfig `json:"vertex" yaml:"vertex"`
	OpenAI OpenAIConfig `json:"openai" yaml:"openai"`
}

// VertexConfig points at a Google Cloud service-account credential file.
type VertexConfig struct {
	ProjectID   string `json:"project_id" yaml:"project_id"`
	Region      string `json:"region" yaml:"region"`
	Credentials string `json:"credentials" yaml:"credentials"`
}

// OpenAIConfig holds OpenAI-compatible endpoint settings. The API key comes
// from the OPENAI_API_KEY environment variable, never from the file.
type OpenAIConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	capatazDir := filepath.Join(home, ".capataz")

	return &Config{
		DefaultEngine: "claude",
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Scheduler: SchedulerConfig{
			StorePath:            filepath.Join(capatazDir, "tasks.json"),
			MaxParallel:          2,
			BatchWindowMS:        50,
			PermissionTimeoutSec: 120,
			EnforcerMaxAttempts:  3,
			NudgeAfterSec:        300,
		},
	}
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		// Try YAML first, then JSON
		yamlPath := filepath.Join(home, ".capataz", "config.yaml")
		jsonPath := filepath.Join(home, ".capataz", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
			baseDir = filepath.Dir(path)
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
			baseDir = filepath.Dir(path)
		} else {
			// No config file found, return defaults
			return cfg, nil
		}
	} else {
		baseDir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Detect format by extension
	isYAML := strings.HasSuffix(strings.ToLower(path), ".yaml") || strings.HasSuffix(strings.ToLower(path), ".yml")

	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// StorePath and credentials: expand ~ and resolve relative paths
	// against the config file directory.
	cfg.Scheduler.StorePath = resolvePath(cfg.Scheduler.StorePath, baseDir)
	cfg.Providers.Vertex.Credentials = resolvePath(cfg.Providers.Vertex.Credentials, baseDir)

	return cfg, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".capataz", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BatchWindow returns the stream batching window as a duration.
func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.Scheduler.BatchWindowMS) * time.Millisecond
}

// PermissionTimeout returns the broker resolution timeout as a duration.
func (c *Config) PermissionTimeout() time.Duration {
	return time.Duration(c.Scheduler.PermissionTimeoutSec) * time.Second
}

// NudgeAfter returns the inactivity reminder period as a duration.
func (c *Config) NudgeAfter() time.Duration {
	return time.Duration(c.Scheduler.NudgeAfterSec) * time.Second
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	// Support "~/..." (and Windows separators just in case)
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		rest := path[2:]
		return filepath.Join(home, rest)
	}
	// We intentionally don't expand "~user/..." forms.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	value = expandHome(value)
	if filepath.IsAbs(value) || baseDir == "" {
		return value
	}
	return filepath.Join(baseDir, value)
}
