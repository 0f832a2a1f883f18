package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, defaults are applied for any unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./biagent.yaml, ~/.biagent/config.yaml. If none
// exists, a default config is returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"biagent.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".biagent", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills unset fields with defaults.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".biagent")
		} else {
			cfg.DataDir = ".biagent"
		}
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "biagent.db")
	}
	if cfg.CodebasePath == "" {
		cfg.CodebasePath = "/workspace"
	}
	if cfg.MaxSteps <= 0 || cfg.MaxSteps > TotalSteps {
		cfg.MaxSteps = TotalSteps
	}
	if cfg.StepTimeout == "" {
		cfg.StepTimeout = "10m"
	}

	w := &cfg.Workspace
	if w.BasePath == "" {
		w.BasePath = filepath.Join(cfg.DataDir, "repos")
	}
	if w.StoragePath == "" {
		w.StoragePath = filepath.Join(cfg.DataDir, "workspaces")
	}
	if w.SourceBranch == "" {
		w.SourceBranch = "main"
	}
	if w.BranchPrefix == "" {
		w.BranchPrefix = "biagent/"
	}
	if w.SetupTimeout == "" {
		w.SetupTimeout = "2m"
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
}
