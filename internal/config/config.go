// Package config holds the harness configuration: defaults, the optional
// ~/.aleph/config.json5 file, and ALEPH_* environment overrides. Precedence
// is flags > env > file > defaults; flags are applied by the CLI layer after
// Load.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Permission modes.
const (
	ModeSafe    = "safe"
	ModeDefault = "default"
	ModeYolo    = "yolo"
)

// ValidMode reports whether s names a permission mode.
func ValidMode(s string) bool {
	return s == ModeSafe || s == ModeDefault || s == ModeYolo
}

// Config is the root configuration for an agent process.
type Config struct {
	// Home overrides the substrate root (default ~/.aleph, env ALEPH_HOME).
	Home string `json:"home,omitempty"`

	// Mode is the default permission mode for new sessions.
	Mode string `json:"mode"`

	Log        LogConfig        `json:"log"`
	Runtime    RuntimeConfig    `json:"runtime"`
	Retention  RetentionConfig  `json:"retention"`
	Reminders  RemindersConfig  `json:"reminders"`
	Guardrails GuardrailsConfig `json:"guardrails"`
	Spawn      SpawnConfig      `json:"spawn"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Tools      ToolsConfig      `json:"tools"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	MaxSizeMB  int    `json:"max_size_mb"` // rotation threshold per file
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig describes the wrapped agent-runtime subprocess.
type RuntimeConfig struct {
	// Binary is the runtime executable on PATH.
	Binary string `json:"binary"`
	// Args are passed verbatim before harness-managed flags.
	Args []string `json:"args,omitempty"`
	// Model is the default model identifier or alias.
	Model string `json:"model,omitempty"`
	// Aliases maps short names to runtime model identifiers.
	Aliases map[string]string `json:"aliases,omitempty"`
	// DisableMemoryEnv names the runtime's legacy memory kill-switch; it is
	// set to "1" in the subprocess environment so the runtime's own memory
	// never fights the substrate's.
	DisableMemoryEnv string `json:"disable_memory_env,omitempty"`
}

// RetentionConfig bounds growth of shared state.
type RetentionConfig struct {
	// ChannelHistory is the number of broadcasts kept per channel.
	ChannelHistory int `json:"channel_history"`
	// PruneMaxAgeDays deletes read messages older than this during prune.
	PruneMaxAgeDays int `json:"prune_max_age_days"`
	// PruneMaxCount caps read messages kept per inbox during prune.
	PruneMaxCount int `json:"prune_max_count"`
}

// RemindersConfig controls in-turn nudges and scheduled self-messages.
type RemindersConfig struct {
	// ToolCallInterval injects a status nudge every N tool calls; 0 disables.
	ToolCallInterval int `json:"tool_call_interval"`
	// Schedules are cron-expression reminders delivered as self-messages.
	Schedules []ReminderSchedule `json:"schedules,omitempty"`
}

// ReminderSchedule is one cron-driven reminder.
type ReminderSchedule struct {
	Cron    string `json:"cron"`
	Message string `json:"message"`
}

// GuardrailsConfig extends the built-in bash screening patterns.
type GuardrailsConfig struct {
	// Block patterns are denied outright, in every mode.
	Block []string `json:"block,omitempty"`
	// Confirm patterns force a prompt even when the mode would auto-allow.
	Confirm []string `json:"confirm,omitempty"`
}

// SpawnConfig controls subagent creation.
type SpawnConfig struct {
	// MaxDepth is the deepest allowed spawn chain.
	MaxDepth int `json:"max_depth"`
	// Multiplexer is the terminal multiplexer binary, normally tmux.
	Multiplexer string `json:"multiplexer"`
}

// DispatchConfig tunes the push dispatcher.
type DispatchConfig struct {
	// WakeBurst and WakePerMinute bound idle wake-up injections so a mail
	// storm cannot spin an idle agent.
	WakeBurst     int `json:"wake_burst"`
	WakePerMinute int `json:"wake_per_minute"`
}

// ToolsConfig controls user tool scripts.
type ToolsConfig struct {
	// TimeoutSeconds bounds one script invocation through the persistent
	// shell; on expiry the shell is killed and restarted.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// TelemetryConfig configures OTLP trace export. Disabled unless an endpoint
// is set here or in OTEL_EXPORTER_OTLP_ENDPOINT.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// ResolveModel maps a model alias to its runtime identifier. Bare
// identifiers pass through; an unknown alias that looks like one (no slash,
// short) is a user error only when aliases are configured and it matches
// none. Callers treat an empty result as "use the runtime default".
func (c *Config) ResolveModel(nameOrAlias string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if nameOrAlias == "" {
		return c.Runtime.Model, nil
	}
	if resolved, ok := c.Runtime.Aliases[nameOrAlias]; ok {
		return resolved, nil
	}
	if looksLikeAlias(nameOrAlias) && len(c.Runtime.Aliases) > 0 {
		return "", fmt.Errorf("unknown model alias %q", nameOrAlias)
	}
	return nameOrAlias, nil
}

func looksLikeAlias(s string) bool {
	return len(s) <= 12 && !strings.ContainsAny(s, "-/.")
}

// Validate checks cross-field rules that Load cannot express. Fails fast on
// programmer-visible mistakes like malformed guardrail regexes.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !ValidMode(c.Mode) {
		return fmt.Errorf("invalid mode %q (want safe, default or yolo)", c.Mode)
	}
	for _, p := range append(append([]string{}, c.Guardrails.Block...), c.Guardrails.Confirm...) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("guardrail pattern %q: %w", p, err)
		}
	}
	if c.Spawn.MaxDepth < 1 {
		return fmt.Errorf("spawn.max_depth must be at least 1")
	}
	if c.Retention.ChannelHistory < 1 {
		return fmt.Errorf("retention.channel_history must be at least 1")
	}
	return nil
}
