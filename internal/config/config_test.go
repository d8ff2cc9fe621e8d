package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

const sample = `
[hub]
endpoint = "ws://agents.example.com/hub"
tenant_id = "acme"
participant_id = "user-1"
optimistic_send = false
dedup_window = "2m"

[connection]
max_attempts = 5
retry_delay = "250ms"

[[channels]]
id = 1
agent = "planner"
workflow_id = "wf-1"

[[channels]]
id = 2
agent = "coder"
workflow_type = "coding"

[logging]
level = "debug"
format = "json"
`

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Connection.MaxAttempts != 3 || cfg.Connection.RetryDelay != time.Second {
		t.Errorf("unexpected connect defaults: %+v", cfg.Connection)
	}
	if cfg.Connection.ReconnectInitial != time.Second || cfg.Connection.ReconnectMax != 30*time.Second {
		t.Errorf("unexpected reconnect defaults: %+v", cfg.Connection)
	}
	if !cfg.Hub.OptimisticSend || cfg.Hub.DedupWindow != 5*time.Minute || cfg.Hub.HistoryPageSize != 50 {
		t.Errorf("unexpected hub defaults: %+v", cfg.Hub)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Hub.Endpoint != "ws://agents.example.com/hub" || cfg.Hub.TenantID != "acme" {
		t.Errorf("unexpected hub section: %+v", cfg.Hub)
	}
	if cfg.Hub.OptimisticSend {
		t.Error("optimistic_send should be overridden to false")
	}
	if !cfg.Hub.FetchHistoryOnConnect {
		t.Error("keys absent from the file keep their defaults")
	}
	if cfg.Hub.DedupWindow != 2*time.Minute {
		t.Errorf("expected 2m dedup window, got %v", cfg.Hub.DedupWindow)
	}
	if cfg.Connection.MaxAttempts != 5 || cfg.Connection.RetryDelay != 250*time.Millisecond {
		t.Errorf("unexpected connection section: %+v", cfg.Connection)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[1].ChannelID != 2 || cfg.Channels[1].WorkflowType != "coding" {
		t.Errorf("unexpected channels: %+v", cfg.Channels)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging section: %+v", cfg.Logging)
	}

	settings := cfg.Settings()
	if settings.ParticipantID != "user-1" || settings.Endpoint != cfg.Hub.Endpoint {
		t.Errorf("unexpected settings: %+v", settings)
	}

	hc := cfg.HubConfig()
	if hc.Connection.MaxAttempts != 5 || hc.OptimisticSend || hc.DedupWindow != 2*time.Minute {
		t.Errorf("unexpected hub config: %+v", hc)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("SESSIONHUB_ENDPOINT", "ws://override/hub")
	t.Setenv("SESSIONHUB_ACCESS_TOKEN", "from-env")
	t.Setenv("SESSIONHUB_MAX_ATTEMPTS", "7")
	t.Setenv("SESSIONHUB_INVOKE_TIMEOUT", "5s")
	t.Setenv("SESSIONHUB_LOG_LEVEL", "warn")

	cfg, err := Parse(sample)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Hub.Endpoint != "ws://override/hub" || cfg.Hub.AccessToken != "from-env" {
		t.Errorf("env should override the file: %+v", cfg.Hub)
	}
	if cfg.Connection.MaxAttempts != 7 || cfg.Connection.InvokeTimeout != 5*time.Second {
		t.Errorf("env should override connection settings: %+v", cfg.Connection)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn, got %q", cfg.Logging.Level)
	}
	// Untouched keys keep their file values.
	if cfg.Hub.TenantID != "acme" {
		t.Errorf("expected tenant from file, got %q", cfg.Hub.TenantID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.Connection.MaxAttempts = 0 }},
		{"negative delay", func(c *Config) { c.Connection.RetryDelay = -time.Second }},
		{"zero page size", func(c *Config) { c.Hub.HistoryPageSize = 0 }},
		{"duplicate channel", func(c *Config) {
			c.Channels = []model.ChannelDescriptor{{ChannelID: 1}, {ChannelID: 1}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.toml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Channels) != 2 {
		t.Errorf("expected 2 channels, got %d", len(cfg.Channels))
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected an error for a missing explicit path")
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("[hub\nendpoint = 1"); err == nil {
		t.Error("expected a parse error")
	}
}
