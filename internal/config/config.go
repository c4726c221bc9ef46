package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultMaxSubagents          = 5
	defaultSubagentTimeoutSecs   = 300
	defaultWorkerCapacityPerGoal = 3
	defaultMessagePollIntervalMS = 2000

	// Hard ceilings. Validate clamps to these rather than erroring so an
	// over-eager config file degrades instead of refusing to start.
	maxSubagentsCeiling        = 20
	subagentTimeoutSecsCeiling = 3600
)

// Config is the on-disk configuration for warden.
//
// NOTE: This file may reference API key env var names, never key material.
// Keep it chmod 0600 anyway.
type Config struct {
	// Provider is "anthropic" or "openai".
	Provider string `json:"provider"`
	// Model is the provider model identifier.
	Model string `json:"model"`
	// APIKeyEnv names the environment variable holding the provider API key.
	// If empty, the provider SDK's default env var is used.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// StateDir is the root for databases, audit logs and lock files.
	// If empty, ~/.warden is used.
	StateDir string `json:"state_dir,omitempty"`

	// PolicyPath points at the approval policy YAML.
	// If empty, <state_dir>/policy.yaml is used.
	PolicyPath string `json:"policy_path,omitempty"`

	// MaxSubagents caps concurrently delegated child agents (ceiling 20).
	MaxSubagents int `json:"max_subagents,omitempty"`
	// SubagentTimeoutSeconds bounds a single delegation (ceiling 3600).
	SubagentTimeoutSeconds int `json:"subagent_timeout_seconds,omitempty"`

	// WorkerCapacityPerGoal caps concurrently dispatched workers per goal.
	WorkerCapacityPerGoal int `json:"worker_capacity_per_goal,omitempty"`

	// MessagePollIntervalMS is the message poller cadence.
	MessagePollIntervalMS int `json:"message_poll_interval_ms,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.Provider) {
	case "anthropic", "openai":
	case "":
		return errors.New("missing provider")
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("missing model")
	}

	if c.MaxSubagents <= 0 {
		c.MaxSubagents = defaultMaxSubagents
	}
	if c.MaxSubagents > maxSubagentsCeiling {
		c.MaxSubagents = maxSubagentsCeiling
	}
	if c.SubagentTimeoutSeconds <= 0 {
		c.SubagentTimeoutSeconds = defaultSubagentTimeoutSecs
	}
	if c.SubagentTimeoutSeconds > subagentTimeoutSecsCeiling {
		c.SubagentTimeoutSeconds = subagentTimeoutSecsCeiling
	}
	if c.WorkerCapacityPerGoal <= 0 {
		c.WorkerCapacityPerGoal = defaultWorkerCapacityPerGoal
	}
	if c.MessagePollIntervalMS <= 0 {
		c.MessagePollIntervalMS = defaultMessagePollIntervalMS
	}
	return nil
}

// ResolvedStateDir returns StateDir or the default ~/.warden.
func (c *Config) ResolvedStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return c.StateDir
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// ResolvedPolicyPath returns PolicyPath or <state_dir>/policy.yaml.
func (c *Config) ResolvedPolicyPath() string {
	if c != nil && strings.TrimSpace(c.PolicyPath) != "" {
		return c.PolicyPath
	}
	return filepath.Join(c.ResolvedStateDir(), "policy.yaml")
}

// DefaultConfigPath returns the default config path:
//
//	~/.warden/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "warden.config.json"
	}
	return filepath.Join(home, ".warden", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
