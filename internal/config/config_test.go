package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExpandHome_TildeOnly(t *testing.T) {
	home := expandHome("~")
	if home == "" {
		t.Fatalf("expected non-empty home")
	}
}

func TestExpandHome_TildeSlash(t *testing.T) {
	got := expandHome("~/.capataz/tasks.json")
	if got == "~/.capataz/tasks.json" {
		t.Fatalf("expected ~ to be expanded, got %q", got)
	}
	if strings.Contains(got, "~") {
		t.Fatalf("expected no ~ after expansion, got %q", got)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path after expansion, got %q", got)
	}
}

func TestResolvePath_RelativeAgainstBaseDir(t *testing.T) {
	base := "/tmp/capataz-config-dir"
	got := resolvePath("tasks.json", base)
	want := filepath.Clean(filepath.Join(base, "tasks.json"))
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestResolvePath_AbsoluteUnchanged(t *testing.T) {
	abs := "/var/lib/capataz/tasks.json"
	got := resolvePath(abs, "/tmp/whatever")
	if got != abs {
		t.Fatalf("expected %q, got %q", abs, got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Scheduler.MaxParallel != 2 {
		t.Fatalf("expected max_parallel 2, got %d", cfg.Scheduler.MaxParallel)
	}
	if cfg.DefaultEngine != "claude" {
		t.Fatalf("expected default engine claude, got %q", cfg.DefaultEngine)
	}
	if cfg.Address() != "127.0.0.1:8765" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.BatchWindow() != 50*time.Millisecond {
		t.Fatalf("unexpected batch window %v", cfg.BatchWindow())
	}
	if cfg.PermissionTimeout() != 2*time.Minute {
		t.Fatalf("unexpected permission timeout %v", cfg.PermissionTimeout())
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  host: 0.0.0.0
  port: 9100
scheduler:
  store_path: data/tasks.json
  max_parallel: 4
providers:
  vertex:
    project_id: my-project
    region: us-east5
    credentials: creds.json
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("expected port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.MaxParallel != 4 {
		t.Fatalf("expected max_parallel 4, got %d", cfg.Scheduler.MaxParallel)
	}
	// Relative paths resolve against the config file directory.
	if want := filepath.Join(dir, "data", "tasks.json"); cfg.Scheduler.StorePath != want {
		t.Fatalf("expected store path %q, got %q", want, cfg.Scheduler.StorePath)
	}
	if want := filepath.Join(dir, "creds.json"); cfg.Providers.Vertex.Credentials != want {
		t.Fatalf("expected credentials %q, got %q", want, cfg.Providers.Vertex.Credentials)
	}
	// Unset fields keep their defaults.
	if cfg.Scheduler.BatchWindowMS != 50 {
		t.Fatalf("expected default batch window, got %d", cfg.Scheduler.BatchWindowMS)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"default_model":"opus","scheduler":{"max_parallel":1}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultModel != "opus" {
		t.Fatalf("expected model opus, got %q", cfg.DefaultModel)
	}
	if cfg.Scheduler.MaxParallel != 1 {
		t.Fatalf("expected max_parallel 1, got %d", cfg.Scheduler.MaxParallel)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.MaxParallel != 2 {
		t.Fatalf("expected defaults, got %+v", cfg.Scheduler)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Server.Port = 9999

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Server.Port != 9999 {
		t.Fatalf("expected port 9999, got %d", got.Server.Port)
	}
}
