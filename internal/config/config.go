// Package config defines the engine's configuration surface: model
// selection, approval and sandbox policy, journal and gateway settings.
// Policy changes can hot-reload; they apply from the next task.
package config

import (
	"encoding/json"
	"fmt"
)

// Config is the full relay configuration.
type Config struct {
	Model   ModelConfig   `json:"model" mapstructure:"model"`
	Engine  EngineConfig  `json:"engine" mapstructure:"engine"`
	Policy  PolicyConfig  `json:"policy" mapstructure:"policy"`
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`
	Journal JournalConfig `json:"journal" mapstructure:"journal"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// DataDir is the state directory, defaulting to ~/.relay.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ModelConfig selects the inference backend.
type ModelConfig struct {
	Provider      string `json:"provider" mapstructure:"provider"` // anthropic, openai
	Name          string `json:"name" mapstructure:"name"`
	APIKeyEnv     string `json:"api_key_env" mapstructure:"api_key_env"`
	MaxTokens     int    `json:"max_tokens" mapstructure:"max_tokens"`
	ContextWindow int    `json:"context_window" mapstructure:"context_window"`
}

// EngineConfig tunes the task loop.
type EngineConfig struct {
	Instructions string `json:"instructions" mapstructure:"instructions"`
	// AutoCompactFraction is the context fraction that triggers
	// compaction. Defaults to 0.9.
	AutoCompactFraction float64 `json:"auto_compact_fraction" mapstructure:"auto_compact_fraction"`
	// KeepUserTokens bounds recent user input carried across compaction.
	KeepUserTokens int `json:"keep_user_tokens" mapstructure:"keep_user_tokens"`
	MaxTurns       int `json:"max_turns" mapstructure:"max_turns"`
	MaxRetries     int `json:"max_retries" mapstructure:"max_retries"`
}

// PolicyConfig is the approval policy. It is hot-reloadable.
type PolicyConfig struct {
	Approval             string            `json:"approval" mapstructure:"approval"` // never, on-mutation, always
	Overrides            map[string]string `json:"overrides" mapstructure:"overrides"`
	AllowEscalation      bool              `json:"allow_escalation" mapstructure:"allow_escalation"`
	DiscardPartialOnDeny bool              `json:"discard_partial_on_deny" mapstructure:"discard_partial_on_deny"`
	ToolTimeoutSeconds   int               `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
}

// SandboxConfig selects the execution tier.
type SandboxConfig struct {
	Tier          string `json:"tier" mapstructure:"tier"` // read-only, workspace-write, none
	WorkspaceRoot string `json:"workspace_root" mapstructure:"workspace_root"`
}

// JournalConfig controls event persistence.
type JournalConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	Path           string `json:"path" mapstructure:"path"`
	RetentionHours int    `json:"retention_hours" mapstructure:"retention_hours"`
}

// GatewayConfig controls the websocket gateway.
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Addr         string `json:"addr" mapstructure:"addr"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:      "anthropic",
			Name:          "claude-sonnet-4",
			APIKeyEnv:     "ANTHROPIC_API_KEY",
			MaxTokens:     8192,
			ContextWindow: 200000,
		},
		Engine: EngineConfig{
			AutoCompactFraction: 0.9,
			KeepUserTokens:      20000,
			MaxTurns:            32,
			MaxRetries:          3,
		},
		Policy: PolicyConfig{
			Approval:           "on-mutation",
			AllowEscalation:    true,
			ToolTimeoutSeconds: 30,
		},
		Sandbox: SandboxConfig{
			Tier: "workspace-write",
		},
		Journal: JournalConfig{
			Enabled:        true,
			RetentionHours: 24 * 7,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:4711",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("invalid model provider %q (must be: anthropic, openai)", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if c.Model.ContextWindow < 0 {
		return fmt.Errorf("model context window cannot be negative")
	}

	if f := c.Engine.AutoCompactFraction; f < 0 || f > 1 {
		return fmt.Errorf("auto_compact_fraction must be between 0 and 1, got %v", f)
	}
	if c.Engine.MaxTurns < 0 {
		return fmt.Errorf("max_turns cannot be negative")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	switch c.Policy.Approval {
	case "", "never", "on-mutation", "always":
	default:
		return fmt.Errorf("invalid approval mode %q (must be: never, on-mutation, always)", c.Policy.Approval)
	}
	for tool, override := range c.Policy.Overrides {
		switch override {
		case "skip", "ask", "forbid":
		default:
			return fmt.Errorf("tool %s: invalid override %q (must be: skip, ask, forbid)", tool, override)
		}
	}

	switch c.Sandbox.Tier {
	case "", "read-only", "workspace-write", "none":
	default:
		return fmt.Errorf("invalid sandbox tier %q (must be: read-only, workspace-write, none)", c.Sandbox.Tier)
	}

	if c.Gateway.Enabled && c.Gateway.Addr == "" {
		return fmt.Errorf("gateway address is required when the gateway is enabled")
	}
	return nil
}
