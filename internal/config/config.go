// Package config loads the TOML configuration file for the outpost server.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath = "config.toml"
	DefaultHTTPAddr   = ":8080"
	DefaultPGHost     = "127.0.0.1"
	DefaultPGPort     = 5432
	DefaultPGUser     = "postgres"
	DefaultPGDatabase = "outpost"
	DefaultPGSSLMode  = "disable"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Email     EmailConfig     `toml:"email"`
	WhatsApp  WhatsAppConfig  `toml:"whatsapp"`
	Assistant AssistantConfig `toml:"assistant"`
}

// AssistantConfig points at the upstream assistant runtime. Inbound
// messages are forwarded to the webhook; its reply text goes back over the
// originating channel.
type AssistantConfig struct {
	WebhookURL     string `toml:"webhook_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN builds a postgres connection string for pgx and golang-migrate.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// EmailConfig carries the inbound trust policy. Credentials live in the
// channel connection row, not here.
type EmailConfig struct {
	// AllowedSenders holds exact addresses or wildcard domain entries
	// ("*@example.com"). Mail failing both this list and the thread-trust
	// check is dropped.
	AllowedSenders []string `toml:"allowed_senders"`
}

type WhatsAppConfig struct {
	// BridgeURL is the websocket endpoint of the pairing bridge.
	BridgeURL string `toml:"bridge_url"`
}

// Load reads the config file at path, falling back to DefaultConfigPath.
// A missing file yields defaults rather than an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(&cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = DefaultPGHost
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = DefaultPGPort
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = DefaultPGUser
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = DefaultPGDatabase
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = DefaultPGSSLMode
	}
	if cfg.Assistant.TimeoutSeconds <= 0 {
		cfg.Assistant.TimeoutSeconds = 120
	}
}
