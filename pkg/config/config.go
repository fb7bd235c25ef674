// Package config loads the AI review service's YAML configuration file
// into a typed Config, applying the same defaults as the original
// ConfigParser-based implementation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	GitTree       string `yaml:"git_tree"`
	MaxWorkTrees  int    `yaml:"max_work_trees"`
	MaxClaudeRuns int    `yaml:"max_claude_runs"`
	TokenDBPath   string `yaml:"token_db"`
	ResultsPath   string `yaml:"results_path"`
	Port          int    `yaml:"port"`

	// RemoteURLTemplate builds the default remote URL for a tree nickname
	// when no explicit remote URL is supplied; %s is replaced with the
	// nickname. Defaults to the upstream kernel.org convention.
	RemoteURLTemplate string `yaml:"remote_url_template"`

	MCP   MCPConfig   `yaml:"mcp"`
	Review ReviewConfig `yaml:"review"`
	Claude ClaudeConfig `yaml:"claude"`

	// Patchwork is nil unless the "patchwork" section is present in the
	// file, mirroring config.has_section('patchwork').
	Patchwork *PatchworkConfig `yaml:"patchwork,omitempty"`

	SkipIndexer   bool   `yaml:"skip_indexer"`
	IndexerCommand string `yaml:"indexer_command"`
	KeepSnapshots bool   `yaml:"keep_snapshots"`
}

// MCPConfig configures the MCP server passed to the review command.
type MCPConfig struct {
	ConfigPath string `yaml:"config"`
	Tools      string `yaml:"tools"`
}

// ReviewConfig locates the prompt materials copied into each snapshot.
type ReviewConfig struct {
	PromptDir  string `yaml:"prompt_dir"`
	PromptFile string `yaml:"prompt_file"`
}

// ClaudeConfig configures the external review command invocation.
type ClaudeConfig struct {
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// PatchworkConfig configures the optional external patch-tracker client.
type PatchworkConfig struct {
	BaseURL string `yaml:"base_url"`
	Project string `yaml:"project"`
}

const (
	DefaultMaxWorkTrees      = 4
	DefaultMaxClaudeRuns     = 4
	DefaultPort              = 5000
	DefaultClaudeModel       = "sonnet"
	DefaultClaudeTimeout     = 800 * time.Second
	DefaultClaudeRetries     = 3
	DefaultIndexerCommand    = "semcode-index"
	DefaultRemoteURLTemplate = "git://git.kernel.org/pub/scm/linux/kernel/git/%s.git"
)

// Load reads and parses a YAML config file, applying defaults for any
// field the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if cfg.GitTree == "" {
		return nil, fmt.Errorf("config %s: git_tree is required", path)
	}
	if cfg.TokenDBPath == "" {
		return nil, fmt.Errorf("config %s: token_db is required", path)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxWorkTrees <= 0 {
		c.MaxWorkTrees = DefaultMaxWorkTrees
	}
	if c.MaxClaudeRuns <= 0 {
		c.MaxClaudeRuns = DefaultMaxClaudeRuns
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Claude.Model == "" {
		c.Claude.Model = DefaultClaudeModel
	}
	if c.Claude.Timeout <= 0 {
		c.Claude.Timeout = DefaultClaudeTimeout
	}
	if c.Claude.Retries <= 0 {
		c.Claude.Retries = DefaultClaudeRetries
	}
	if c.IndexerCommand == "" {
		c.IndexerCommand = DefaultIndexerCommand
	}
	if c.RemoteURLTemplate == "" {
		c.RemoteURLTemplate = DefaultRemoteURLTemplate
	}
	if c.ResultsPath == "" {
		c.ResultsPath = "results/air"
	}
}

// RemoteURL builds the default remote URL for a tree nickname.
func (c *Config) RemoteURL(tree string) string {
	return fmt.Sprintf(c.RemoteURLTemplate, tree)
}

// EnsureDirs creates the results path and the token db's parent directory.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.ResultsPath, 0o755); err != nil {
		return fmt.Errorf("creating results path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.TokenDBPath), 0o755); err != nil {
		return fmt.Errorf("creating token db directory: %w", err)
	}
	return nil
}
