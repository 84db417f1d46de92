// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/share-stream/backend/internal/stream"
)

const (
	DefaultAddr           = ":8080"
	DefaultDBPath         = "data/docs.db"
	DefaultKeepAlive      = stream.DefaultKeepAlive
	DefaultPingPeriod     = 54 * time.Second
	DefaultMaxMessageSize = 64 * 1024
	DefaultOpHistory      = 256
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the server configuration.
type Config struct {
	Addr      string `env:"SHARE_STREAM_ADDR" envDefault:":8080"`
	DBPath    string `env:"SHARE_STREAM_DB_PATH" envDefault:"data/docs.db"`
	RecordDir string `env:"SHARE_STREAM_RECORD_DIR"`

	// KeepAlive is the Bridge keep-alive interval. Zero disables it.
	KeepAlive time.Duration `env:"SHARE_STREAM_KEEP_ALIVE" envDefault:"30s"`
	// PingPeriod is the WebSocket ping interval. Zero disables pings.
	PingPeriod     time.Duration `env:"SHARE_STREAM_PING_PERIOD" envDefault:"54s"`
	MaxMessageSize int64         `env:"SHARE_STREAM_MAX_MESSAGE_SIZE" envDefault:"65536"`
	OpHistory      int           `env:"SHARE_STREAM_OP_HISTORY" envDefault:"256"`
	Debug          bool          `env:"SHARE_STREAM_DEBUG"`

	// AllowedOrigins lists the browser origins accepted on /ws and by CORS.
	// Empty accepts every origin.
	AllowedOrigins []string `env:"SHARE_STREAM_ALLOWED_ORIGINS" envSeparator:","`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment into a validated Config.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills in defaults for unset values and rejects invalid ones.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("%w: keep-alive must not be negative, got %s", ErrInvalidConfig, c.KeepAlive)
	}
	if c.PingPeriod < 0 {
		return fmt.Errorf("%w: ping period must not be negative, got %s", ErrInvalidConfig, c.PingPeriod)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max message size must not be negative, got %d", ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.OpHistory < 0 {
		return fmt.Errorf("%w: op history must not be negative, got %d", ErrInvalidConfig, c.OpHistory)
	}
	if c.OpHistory == 0 {
		c.OpHistory = DefaultOpHistory
	}
	return nil
}

// BridgeKeepAlive converts KeepAlive to the stream.Config convention.
func (c *Config) BridgeKeepAlive() time.Duration {
	if c.KeepAlive == 0 {
		return stream.KeepAliveDisabled
	}
	return c.KeepAlive
}
