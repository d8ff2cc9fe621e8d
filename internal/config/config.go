// Package config loads the session hub configuration from a TOML file, an
// optional .env file and the environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/remote-agent-terminal/sessionhub/internal/connection"
	"github.com/remote-agent-terminal/sessionhub/internal/hub"
	"github.com/remote-agent-terminal/sessionhub/internal/logger"
	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "sessionhub.toml"

// Config represents the sessionhub configuration.
type Config struct {
	Hub        HubConfig                 `toml:"hub"`
	Connection ConnectionConfig          `toml:"connection"`
	Channels   []model.ChannelDescriptor `toml:"channels"`
	Logging    logger.Config             `toml:"logging"`
	Metrics    MetricsConfig             `toml:"metrics"`
	Server     ServerConfig              `toml:"server"`
}

// HubConfig holds the session identity and message handling settings.
type HubConfig struct {
	Endpoint              string        `toml:"endpoint" env:"SESSIONHUB_ENDPOINT"`
	TenantID              string        `toml:"tenant_id" env:"SESSIONHUB_TENANT_ID"`
	ParticipantID         string        `toml:"participant_id" env:"SESSIONHUB_PARTICIPANT_ID"`
	AccessToken           string        `toml:"access_token" env:"SESSIONHUB_ACCESS_TOKEN"`
	OptimisticSend        bool          `toml:"optimistic_send" env:"SESSIONHUB_OPTIMISTIC_SEND"`
	FetchHistoryOnConnect bool          `toml:"fetch_history_on_connect" env:"SESSIONHUB_FETCH_HISTORY_ON_CONNECT"`
	HistoryPageSize       int           `toml:"history_page_size" env:"SESSIONHUB_HISTORY_PAGE_SIZE"`
	DedupWindow           time.Duration `toml:"dedup_window" env:"SESSIONHUB_DEDUP_WINDOW"`
	DedupBucket           time.Duration `toml:"dedup_bucket" env:"SESSIONHUB_DEDUP_BUCKET"`
}

// ConnectionConfig holds the connect and reconnect policy.
type ConnectionConfig struct {
	MaxAttempts          int           `toml:"max_attempts" env:"SESSIONHUB_MAX_ATTEMPTS"`
	RetryDelay           time.Duration `toml:"retry_delay" env:"SESSIONHUB_RETRY_DELAY"`
	ReconnectInitial     time.Duration `toml:"reconnect_initial" env:"SESSIONHUB_RECONNECT_INITIAL"`
	ReconnectMax         time.Duration `toml:"reconnect_max" env:"SESSIONHUB_RECONNECT_MAX"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts" env:"SESSIONHUB_MAX_RECONNECT_ATTEMPTS"`
	InvokeTimeout        time.Duration `toml:"invoke_timeout" env:"SESSIONHUB_INVOKE_TIMEOUT"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `toml:"addr" env:"SESSIONHUB_METRICS_ADDR"` // empty disables the endpoint
}

// ServerConfig holds development backend settings.
type ServerConfig struct {
	Addr   string `toml:"addr" env:"SESSIONHUB_SERVER_ADDR"`
	DBPath string `toml:"db_path" env:"SESSIONHUB_DB_PATH"`
}

// Default returns the default configuration.
func Default() *Config {
	conn := connection.DefaultConfig()
	h := hub.DefaultConfig()

	return &Config{
		Hub: HubConfig{
			Endpoint:              "ws://localhost:8080/hub",
			OptimisticSend:        h.OptimisticSend,
			FetchHistoryOnConnect: h.FetchHistoryOnConnect,
			HistoryPageSize:       h.HistoryPageSize,
			DedupWindow:           h.DedupWindow,
			DedupBucket:           h.DedupBucket,
		},
		Connection: ConnectionConfig{
			MaxAttempts:          conn.MaxAttempts,
			RetryDelay:           conn.RetryDelay,
			ReconnectInitial:     conn.ReconnectInitial,
			ReconnectMax:         conn.ReconnectMax,
			MaxReconnectAttempts: conn.MaxReconnectAttempts,
			InvokeTimeout:        conn.InvokeTimeout,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr:   ":8080",
			DBPath: "sessionhub.db",
		},
	}
}

// Load reads the configuration. An empty path falls back to DefaultPath
// when that file exists. A .env file in the working directory is loaded
// into the environment first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML data on top of the defaults and applies the
// environment.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	for _, section := range []any{&cfg.Hub, &cfg.Connection, &cfg.Logging, &cfg.Metrics, &cfg.Server} {
		if err := env.Parse(section); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
	}
	return nil
}

// Validate checks values the hub cannot run with.
func (c *Config) Validate() error {
	if c.Connection.MaxAttempts < 1 {
		return fmt.Errorf("connection.max_attempts must be at least 1")
	}
	if c.Connection.RetryDelay < 0 || c.Connection.ReconnectInitial < 0 || c.Connection.ReconnectMax < 0 {
		return fmt.Errorf("connection delays must not be negative")
	}
	if c.Hub.HistoryPageSize < 1 {
		return fmt.Errorf("hub.history_page_size must be at least 1")
	}

	seen := make(map[model.ChannelID]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if seen[ch.ChannelID] {
			return fmt.Errorf("channel %d is declared twice", ch.ChannelID)
		}
		seen[ch.ChannelID] = true
	}
	return nil
}

// Settings returns the session-wide identity.
func (c *Config) Settings() model.Settings {
	return model.Settings{
		Endpoint:      c.Hub.Endpoint,
		TenantID:      c.Hub.TenantID,
		ParticipantID: c.Hub.ParticipantID,
		AccessToken:   c.Hub.AccessToken,
	}
}

// HubConfig converts the file settings into a hub.Config.
func (c *Config) HubConfig() hub.Config {
	return hub.Config{
		Connection: connection.Config{
			MaxAttempts:          c.Connection.MaxAttempts,
			RetryDelay:           c.Connection.RetryDelay,
			ReconnectInitial:     c.Connection.ReconnectInitial,
			ReconnectMax:         c.Connection.ReconnectMax,
			MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
			InvokeTimeout:        c.Connection.InvokeTimeout,
		},
		OptimisticSend:        c.Hub.OptimisticSend,
		FetchHistoryOnConnect: c.Hub.FetchHistoryOnConnect,
		HistoryPageSize:       c.Hub.HistoryPageSize,
		DedupWindow:           c.Hub.DedupWindow,
		DedupBucket:           c.Hub.DedupBucket,
	}
}
