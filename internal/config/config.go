// Package config loads the service configuration: a JSON5 file overlaid
// with environment variables, plus the resolution of every data-dir
// path the daemon persists to.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the root configuration for the agentmgr daemon.
type Config struct {
	LogLevel  string           `json:"log_level,omitempty"`
	DataDir   string           `json:"data_dir,omitempty"`
	KeepAlive bool             `json:"keep_alive,omitempty"`
	Providers ProvidersConfig  `json:"providers"`
	Defaults  DispatchDefaults `json:"defaults"`
	EventLog  EventLogConfig   `json:"event_log,omitempty"`
	Automation AutomationConfig `json:"automation,omitempty"`
	Workspace WorkspaceConfig  `json:"workspace,omitempty"`
	Telemetry TelemetryConfig  `json:"telemetry,omitempty"`
}

// ProvidersConfig holds credentials for the HTTP providers. Keys are
// never persisted back to disk; they come from the file or from env.
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `json:"openai"`
	Anthropic AnthropicConfig `json:"anthropic"`
}

// OpenAIConfig covers any OpenAI-compatible chat-completions endpoint.
type OpenAIConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
}

// AnthropicConfig configures the Anthropic messages API.
type AnthropicConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
}

// DispatchDefaults apply when neither the skill nor the agent sets a value.
type DispatchDefaults struct {
	MaxTokens int `json:"max_tokens"`
	TimeoutMs int `json:"timeout_ms"`
}

// EventLogConfig bounds the in-memory event ring.
type EventLogConfig struct {
	RingSize int `json:"ring_size,omitempty"`
}

// AutomationConfig bounds the execution history and review queue.
type AutomationConfig struct {
	HistoryLimit int `json:"history_limit,omitempty"`
	ReviewLimit  int `json:"review_limit,omitempty"`
}

// WorkspaceConfig tunes the workspace monitors.
type WorkspaceConfig struct {
	GitFetchIntervalMs int    `json:"git_fetch_interval_ms,omitempty"`
	MineIntervalMs     int    `json:"mine_interval_ms,omitempty"`
	MaxJSONLLines      int    `json:"max_jsonl_lines,omitempty"`
	MaxRecent          int    `json:"max_recent,omitempty"`
	StateFileMaxBytes  int64  `json:"state_file_max_bytes,omitempty"`
	SessionStorageDir  string `json:"session_storage_dir,omitempty"`
}

// TelemetryConfig configures the optional OTLP export. Telemetry is a
// no-op unless Enabled is set and an endpoint is reachable.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DataDir:  "~/.agentmgr",
		Defaults: DispatchDefaults{
			MaxTokens: 8192,
			TimeoutMs: 120000,
		},
		EventLog: EventLogConfig{RingSize: 200},
		Automation: AutomationConfig{
			HistoryLimit: 200,
			ReviewLimit:  200,
		},
		Workspace: WorkspaceConfig{
			GitFetchIntervalMs: 300000,
			MineIntervalMs:     60000,
			MaxJSONLLines:      5000,
			MaxRecent:          50,
			StateFileMaxBytes:  10 * 1024 * 1024,
		},
		Telemetry: TelemetryConfig{ServiceName: "agentmgr"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MCP_DATA_DIR", &c.DataDir)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OPENAI_API_BASE", &c.Providers.OpenAI.APIBase)
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)

	if v := os.Getenv("GIT_FETCH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Workspace.GitFetchIntervalMs = ms
		}
	}
	if v := os.Getenv("MCP_KEEP_ALIVE"); v != "" {
		c.KeepAlive = v == "persistent" || v == "1" || strings.EqualFold(v, "true")
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// MaskedCopy returns a copy of the config with credential fields masked.
// Used by the meta tool so keys never leave the process.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	return cp
}

const secretMask = "***"

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
