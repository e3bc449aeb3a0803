package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))

	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("llm defaults = %+v", cfg.LLM)
	}
	if cfg.Workflow.MaxHandoffs != 8 || cfg.Workflow.TimeoutSeconds != 600 {
		t.Errorf("workflow defaults = %+v", cfg.Workflow)
	}
	if cfg.Volatile.DefaultTTLSeconds != 3600 || cfg.Volatile.SweepIntervalSeconds != 60 {
		t.Errorf("volatile defaults = %+v", cfg.Volatile)
	}
	if cfg.ToolResult.MaxBytes != 16384 {
		t.Errorf("tool result max = %d", cfg.ToolResult.MaxBytes)
	}
	if cfg.CRM.CalendlyServer != "calendly" {
		t.Errorf("crm defaults = %+v", cfg.CRM)
	}
	if cfg.Database.Driver != "" {
		t.Errorf("database driver = %q, want empty", cfg.Database.Driver)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipewise.toml")
	data := `
[llm]
model = "llama-3.3-70b"
base_url = "http://localhost:11434/v1"

[workflow]
max_handoffs = 4

[database]
driver = "sqlite"
path = "/tmp/pipewise.db"

[agent.coordinator]
coordinator_mode = "proactive"

[agent.lead_qualifier]
max_iterations = 5
temperature = 0.2

[mcp.calendly]
url = "http://localhost:9100/sse"
call_timeout_seconds = 10
agent = "meeting_scheduler"

[mcp.calendly.headers]
Authorization = "Bearer tok"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := Load(path)

	if cfg.LLM.Model != "llama-3.3-70b" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	// unset keys keep their defaults
	if cfg.LLM.TimeoutSeconds != 60 {
		t.Errorf("timeout = %d, want default 60", cfg.LLM.TimeoutSeconds)
	}
	if cfg.Workflow.MaxHandoffs != 4 {
		t.Errorf("max handoffs = %d", cfg.Workflow.MaxHandoffs)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "/tmp/pipewise.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Agents["coordinator"].CoordinatorMode != "proactive" {
		t.Errorf("coordinator mode = %q", cfg.Agents["coordinator"].CoordinatorMode)
	}
	mc, ok := cfg.MCP["calendly"]
	if !ok || mc.URL != "http://localhost:9100/sse" || mc.CallTimeoutSeconds != 10 {
		t.Errorf("mcp = %+v", cfg.MCP)
	}
	if mc.Headers["Authorization"] != "Bearer tok" {
		t.Errorf("headers = %v", mc.Headers)
	}
	if mc.Agent != "meeting_scheduler" {
		t.Errorf("agent = %q", mc.Agent)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PIPEWISE_LLM_API_KEY", "sk-env")
	t.Setenv("PIPEWISE_LLM_MODEL", "env-model")
	t.Setenv("PIPEWISE_DB_DRIVER", "postgres")
	t.Setenv("PIPEWISE_DB_DSN", "postgres://localhost/pipewise")
	t.Setenv("PIPEWISE_MAX_HANDOFFS", "3")
	t.Setenv("PIPEWISE_OBSERVER_ENABLED", "true")

	path := filepath.Join(t.TempDir(), "pipewise.toml")
	if err := os.WriteFile(path, []byte("[llm]\nmodel = \"file-model\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := Load(path)

	// env wins over the file
	if cfg.LLM.Model != "env-model" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/pipewise" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Workflow.MaxHandoffs != 3 {
		t.Errorf("max handoffs = %d", cfg.Workflow.MaxHandoffs)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled")
	}
}

func TestEnvBadHandoffCountIgnored(t *testing.T) {
	t.Setenv("PIPEWISE_MAX_HANDOFFS", "not-a-number")
	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.Workflow.MaxHandoffs != 8 {
		t.Errorf("max handoffs = %d, want default 8", cfg.Workflow.MaxHandoffs)
	}
}

func TestAgentMaxIterations(t *testing.T) {
	cfg := Default()
	cfg.Agents = map[string]AgentConfig{
		"lead_qualifier": {MaxIterations: 5},
		"coordinator":    {},
	}
	if got := cfg.AgentMaxIterations("lead_qualifier"); got != 5 {
		t.Errorf("configured = %d, want 5", got)
	}
	if got := cfg.AgentMaxIterations("coordinator"); got != 16 {
		t.Errorf("zero-valued = %d, want 16", got)
	}
	if got := cfg.AgentMaxIterations("unknown"); got != 16 {
		t.Errorf("unknown = %d, want 16", got)
	}
}
