// Package config loads relay configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Mailbox drivers.
const (
	DriverBadger   = "badger"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the relay.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	Env      string `env:"ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Mailbox MailboxConfig
	Relay   RelayConfig
}

// MailboxConfig selects and locates the shared store.
type MailboxConfig struct {
	Driver string `env:"MAILBOX_DRIVER" envDefault:"badger"`

	// BadgerDir empty runs badger in memory.
	BadgerDir string `env:"BADGER_DIR"`

	RedisURL       string `env:"REDIS_URL"`
	RedisNamespace string `env:"REDIS_NAMESPACE" envDefault:"relay"`

	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/mailbox.db"`

	DatabaseURL string `env:"DATABASE_URL"`
}

// RelayConfig holds the relay's time windows and limits.
type RelayConfig struct {
	MessageTTL      time.Duration `env:"RELAY_MESSAGE_TTL" envDefault:"3s"`
	MarkerTTL       time.Duration `env:"RELAY_MARKER_TTL" envDefault:"24h"`
	Lookback        time.Duration `env:"RELAY_LOOKBACK" envDefault:"10s"`
	MaxMessageBytes int64         `env:"RELAY_MAX_MESSAGE_BYTES" envDefault:"65536"`

	// Echo turns the relay into a diagnostic echo server: frames go back to
	// their sender and the mailbox is never touched.
	Echo bool `env:"RELAY_ECHO" envDefault:"false"`
}

// Load reads configuration from environment variables, after loading a
// .env file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks driver requirements and window sizes.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mailbox.Driver {
	case DriverBadger, DriverSQLite:
	case DriverRedis:
		if c.Mailbox.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis driver"))
		}
	case DriverPostgres:
		if c.Mailbox.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MAILBOX_DRIVER %q", c.Mailbox.Driver))
	}

	if c.Relay.MessageTTL <= 0 {
		errs = append(errs, errors.New("RELAY_MESSAGE_TTL must be positive"))
	}
	if c.Relay.MarkerTTL <= 0 {
		errs = append(errs, errors.New("RELAY_MARKER_TTL must be positive"))
	}
	if c.Relay.Lookback <= 0 {
		errs = append(errs, errors.New("RELAY_LOOKBACK must be positive"))
	}
	if c.Relay.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("RELAY_MAX_MESSAGE_BYTES must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
