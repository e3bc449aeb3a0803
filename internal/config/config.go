// Package config loads the runtime configuration: defaults, then a TOML
// file, then PIPEWISE_* env vars (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM        LLMConfig              `toml:"llm"`
	Volatile   VolatileConfig         `toml:"volatile"`
	Workflow   WorkflowConfig         `toml:"workflow"`
	ToolResult ToolResultConfig       `toml:"tool_result"`
	Database   DatabaseConfig         `toml:"database"`
	Agents     map[string]AgentConfig `toml:"agent"`
	MCP        map[string]MCPConfig   `toml:"mcp"`
	CRM        CRMConfig              `toml:"crm"`
	Observer   ObserverConfig         `toml:"observer"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	// TimeoutSeconds bounds one chat completion round trip.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// RetryTransientAttempts is the number of retries after the first
	// failed call.
	RetryTransientAttempts int `toml:"retry_transient_attempts"`
}

type VolatileConfig struct {
	DefaultTTLSeconds    int `toml:"default_ttl_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

type WorkflowConfig struct {
	MaxHandoffs    int `toml:"max_handoffs"`
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type ToolResultConfig struct {
	MaxBytes int `toml:"max_bytes"`
}

type DatabaseConfig struct {
	// Driver is "postgres", "sqlite", or "" for volatile-only operation.
	Driver string `toml:"driver"`
	// DSN is the postgres connection string.
	DSN string `toml:"dsn"`
	// Path is the sqlite file path.
	Path string `toml:"path"`
}

type AgentConfig struct {
	MaxIterations int     `toml:"max_iterations"`
	Model         string  `toml:"model"`
	Temperature   float64 `toml:"temperature"`
	// CoordinatorMode selects the coordinator prompt variant,
	// "reactive" (default) or "proactive". Ignored for other agents.
	CoordinatorMode string `toml:"coordinator_mode"`
}

type MCPConfig struct {
	URL                        string            `toml:"url"`
	Headers                    map[string]string `toml:"headers"`
	CallTimeoutSeconds         int               `toml:"call_timeout_seconds"`
	ReconnectBackoffCapSeconds int               `toml:"reconnect_backoff_cap_seconds"`
	// Agent names the agent this server serves; the pool identifies itself
	// to the server as "<agent>_user" so it can bind user state.
	Agent string `toml:"agent"`
}

type CRMConfig struct {
	// CalendlyServer names the MCP server used for bookings.
	CalendlyServer string `toml:"calendly_server"`
	FallbackURL    string `toml:"fallback_url"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL:                "https://api.openai.com/v1",
			Model:                  "gpt-4o-mini",
			TimeoutSeconds:         60,
			RetryTransientAttempts: 2,
		},
		Volatile: VolatileConfig{
			DefaultTTLSeconds:    3600,
			SweepIntervalSeconds: 60,
		},
		Workflow: WorkflowConfig{
			MaxHandoffs:    8,
			TimeoutSeconds: 600,
		},
		ToolResult: ToolResultConfig{MaxBytes: 16384},
		CRM: CRMConfig{
			CalendlyServer: "calendly",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "pipewise.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("PIPEWISE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("PIPEWISE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("PIPEWISE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PIPEWISE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("PIPEWISE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("PIPEWISE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PIPEWISE_MAX_HANDOFFS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workflow.MaxHandoffs = n
		}
	}
	if v := os.Getenv("PIPEWISE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// AgentMaxIterations returns the configured iteration cap for an agent,
// falling back to the default of 16.
func (c Config) AgentMaxIterations(agentID string) int {
	if a, ok := c.Agents[agentID]; ok && a.MaxIterations > 0 {
		return a.MaxIterations
	}
	return 16
}
