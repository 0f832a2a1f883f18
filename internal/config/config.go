package config

import "time"

// Config is the top-level biagent configuration.
type Config struct {
	DataDir      string          `yaml:"data_dir"`      // state root; defaults to ~/.biagent
	DBPath       string          `yaml:"db_path"`       // defaults to <data_dir>/biagent.db
	CodebasePath string          `yaml:"codebase_path"` // fallback working dir when no workspace exists
	MaxSteps     int             `yaml:"max_steps"`     // 1..8; defaults to 8
	StepTimeout  string          `yaml:"step_timeout"`  // per-agent-invocation timeout
	Workspace    WorkspaceConfig `yaml:"workspace"`
	Agent        AgentConfig     `yaml:"agent"`
	Redis        RedisConfig     `yaml:"redis"`
}

// WorkspaceConfig controls isolated working-copy management.
type WorkspaceConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BasePath      string `yaml:"base_path"`    // directory containing the source repositories
	StoragePath   string `yaml:"storage_path"` // where per-ticket working copies are created
	SourceBranch  string `yaml:"source_branch"`
	BranchPrefix  string `yaml:"branch_prefix"`
	SetupTimeout  string `yaml:"setup_timeout"`
	SkipMergeGate bool   `yaml:"skip_merge_gate"` // allow cleanup while pull requests are unmerged
}

// AgentConfig configures the external agent runtime adapter.
type AgentConfig struct {
	Command string `yaml:"command"` // agent CLI binary; defaults to "claude"
	Model   string `yaml:"model"`
}

// RedisConfig configures the optional token catch-up buffer.
// An empty Addr disables buffering.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// StepTimeoutDuration returns the parsed step timeout, defaulting to 10 minutes.
func (c *Config) StepTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.StepTimeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Minute
}

// SetupTimeoutDuration returns the parsed workspace setup timeout, defaulting to 2 minutes.
func (w *WorkspaceConfig) SetupTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(w.SetupTimeout); err == nil && d > 0 {
		return d
	}
	return 2 * time.Minute
}
