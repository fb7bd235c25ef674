package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "air.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
git_tree: /repo
token_db: /etc/air/tokens.yaml
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MaxWorkTrees != DefaultMaxWorkTrees {
		t.Errorf("MaxWorkTrees = %d, want %d", cfg.MaxWorkTrees, DefaultMaxWorkTrees)
	}
	if cfg.MaxClaudeRuns != DefaultMaxClaudeRuns {
		t.Errorf("MaxClaudeRuns = %d, want %d", cfg.MaxClaudeRuns, DefaultMaxClaudeRuns)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Claude.Model != DefaultClaudeModel {
		t.Errorf("Claude.Model = %s, want %s", cfg.Claude.Model, DefaultClaudeModel)
	}
	if cfg.Claude.Timeout != DefaultClaudeTimeout {
		t.Errorf("Claude.Timeout = %v, want %v", cfg.Claude.Timeout, DefaultClaudeTimeout)
	}
	if cfg.Claude.Retries != DefaultClaudeRetries {
		t.Errorf("Claude.Retries = %d, want %d", cfg.Claude.Retries, DefaultClaudeRetries)
	}
	if cfg.Patchwork != nil {
		t.Errorf("Patchwork = %v, want nil when section absent", cfg.Patchwork)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
git_tree: /repo
token_db: /etc/air/tokens.yaml
max_work_trees: 8
claude:
  model: opus
  timeout: 30s
  retries: 1
patchwork:
  base_url: https://patchwork.example.org
  project: linux-foo
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MaxWorkTrees != 8 {
		t.Errorf("MaxWorkTrees = %d, want 8", cfg.MaxWorkTrees)
	}
	if cfg.Claude.Timeout != 30*time.Second {
		t.Errorf("Claude.Timeout = %v, want 30s", cfg.Claude.Timeout)
	}
	if cfg.Patchwork == nil || cfg.Patchwork.Project != "linux-foo" {
		t.Errorf("Patchwork = %+v, want project linux-foo", cfg.Patchwork)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	path := writeConfig(t, `max_work_trees: 4`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing git_tree/token_db")
	}
}

func TestRemoteURL(t *testing.T) {
	cfg := &Config{RemoteURLTemplate: DefaultRemoteURLTemplate}
	got := cfg.RemoteURL("net-next")
	want := "git://git.kernel.org/pub/scm/linux/kernel/git/net-next.git"
	if got != want {
		t.Errorf("RemoteURL() = %s, want %s", got, want)
	}
}
