package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"LQ_ADDR" envDefault:":3002"`

	// Database
	PostgresDSN    string        `env:"LQ_PG_DSN"`
	PgMaxOpenConns int           `env:"LQ_PG_MAX_OPEN_CONNS" envDefault:"20"`
	PgMaxIdleConns int           `env:"LQ_PG_MAX_IDLE_CONNS" envDefault:"5"`
	PgQueryTimeout time.Duration `env:"LQ_PG_QUERY_TIMEOUT" envDefault:"30s"`

	// Live query options
	BatchSize       int           `env:"LQ_BATCH_SIZE" envDefault:"100"`
	RefetchInterval time.Duration `env:"LQ_REFETCH_INTERVAL" envDefault:"1s"`
	PushWorkers     int           `env:"LQ_PUSH_WORKERS" envDefault:"0"` // 0 = 2 x GOMAXPROCS
	ExtendedDetails bool          `env:"LQ_EXTENDED_DETAILS" envDefault:"false"`

	// Telemetry
	NatsURL     string `env:"LQ_NATS_URL"`
	NatsSubject string `env:"LQ_NATS_SUBJECT" envDefault:"livequery.poll_details"`

	// Capacity
	MaxConnections int `env:"LQ_MAX_CONNECTIONS" envDefault:"500"`
	MaxGoroutines  int `env:"LQ_MAX_GOROUTINES" envDefault:"0"` // 0 disables the check

	// Connection rate limiting
	ConnRateLimitEnabled     bool    `env:"LQ_CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"LQ_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"LQ_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"LQ_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"LQ_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// CPU safety threshold: reject new connections above this percent.
	// 0 disables the check.
	CPURejectThreshold float64 `env:"LQ_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration `env:"LQ_HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"LQ_HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	HTTPIdleTimeout  time.Duration `env:"LQ_HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env file is a development convenience; production supplies
	// environment variables directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
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

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("LQ_ADDR is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("LQ_BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.RefetchInterval <= 0 {
		return fmt.Errorf("LQ_REFETCH_INTERVAL must be > 0, got %s", c.RefetchInterval)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("LQ_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("LQ_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
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

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Bool("postgres_configured", c.PostgresDSN != "").
		Bool("nats_configured", c.NatsURL != "").
		Int("batch_size", c.BatchSize).
		Dur("refetch_interval", c.RefetchInterval).
		Int("push_workers", c.PushWorkers).
		Bool("extended_details", c.ExtendedDetails).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
