// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Priority: environment variables > .env file > defaults.
type Config struct {
	// Server basics
	Addr        string `env:"BITGRID_ADDR" envDefault:":3100"`
	ShardCount  int    `env:"BITGRID_SHARD_COUNT" envDefault:"8"`
	TokenSecret string `env:"BITGRID_TOKEN_SECRET" envDefault:"dev-secret-change-me"`

	TokenTTL time.Duration `env:"BITGRID_TOKEN_TTL" envDefault:"15m"`

	// Persistence
	DataDir     string `env:"BITGRID_DATA_DIR" envDefault:"./data"`
	BlobDir     string `env:"BITGRID_BLOB_DIR"`
	BlobMigrate bool   `env:"BITGRID_BLOB_MIGRATE" envDefault:"true"`

	// Fabric
	NATSURL string `env:"BITGRID_NATS_URL"`

	// Connection admission. MaxConnections 0 means size automatically
	// from the cgroup memory limit.
	MaxConnections     int     `env:"BITGRID_MAX_CONNECTIONS" envDefault:"0"`
	ConnRateIPBurst    int     `env:"BITGRID_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec   float64 `env:"BITGRID_CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateGlobBurst  int     `env:"BITGRID_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobPerSec float64 `env:"BITGRID_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`
	CPURejectThreshold float64 `env:"BITGRID_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MaxGoroutines      int     `env:"BITGRID_MAX_GOROUTINES" envDefault:"100000"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BITGRID_ADDR is required")
	}
	if c.ShardCount < 1 || c.ShardCount > 256 {
		return fmt.Errorf("BITGRID_SHARD_COUNT must be 1-256, got %d", c.ShardCount)
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("BITGRID_TOKEN_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("BITGRID_TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("BITGRID_MAX_CONNECTIONS must be >= 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("BITGRID_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig dumps the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("shard_count", c.ShardCount).
		Str("data_dir", c.DataDir).
		Str("blob_dir", c.BlobDir).
		Bool("blob_migrate", c.BlobMigrate).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("token_ttl", c.TokenTTL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
