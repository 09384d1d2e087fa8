package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with working defaults; a missing config file is
// not an error.
func Default() *Config {
	return &Config{
		Mode: ModeDefault,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Runtime: RuntimeConfig{
			Binary:           "claude",
			Args:             []string{"--output-format", "stream-json", "--input-format", "stream-json", "--verbose"},
			DisableMemoryEnv: "CLAUDE_CODE_DISABLE_AUTO_MEMORY",
		},
		Retention: RetentionConfig{
			ChannelHistory:  500,
			PruneMaxAgeDays: 30,
			PruneMaxCount:   200,
		},
		Reminders: RemindersConfig{
			ToolCallInterval: 15,
		},
		Spawn: SpawnConfig{
			MaxDepth:    3,
			Multiplexer: "tmux",
		},
		Dispatch: DispatchConfig{
			WakeBurst:     5,
			WakePerMinute: 30,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 120,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "aleph",
		},
	}
}

// Load reads the config file (JSON5, comments allowed), then overlays env
// vars. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.Home = ExpandHome(cfg.Home)
	cfg.Runtime.Binary = ExpandHome(cfg.Runtime.Binary)
	return cfg, nil
}

// ExpandHome resolves a leading ~ to the user's home directory. Anything
// else passes through untouched.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if hd, err := os.UserHomeDir(); err == nil {
			return filepath.Join(hd, path[1:])
		}
	}
	return path
}

// applyEnvOverrides overlays ALEPH_* env vars; env beats file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("ALEPH_HOME", &c.Home)
	envStr("ALEPH_MODE", &c.Mode)
	envStr("ALEPH_LOG_LEVEL", &c.Log.Level)
	envStr("ALEPH_RUNTIME_BIN", &c.Runtime.Binary)
	envStr("ALEPH_MODEL", &c.Runtime.Model)
	envStr("ALEPH_MULTIPLEXER", &c.Spawn.Multiplexer)

	if v := os.Getenv("ALEPH_MAX_DEPTH"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Spawn.MaxDepth = d
		}
	}

	envStr("ALEPH_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ALEPH_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("ALEPH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if c.Telemetry.Endpoint == "" {
		// The standard OTel env var works too, matching collector tooling.
		envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	}
	// An endpoint from any source implies intent to trace.
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}
}
