// Package config loads the relay configuration from environment
// variables, with an optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	MinMessageSize = 1024
	MinIdleTimeout = 5 * time.Second
)

// Config holds all relay configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// WebSocket server
	Port           int           `env:"WS_PORT" envDefault:"9090"`
	MaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
	IdleTimeout    time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"60s"`
	EnableDeflate  bool          `env:"WS_ENABLE_DEFLATE" envDefault:"true"`
	PingInterval   time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	AutoPingPong   bool          `env:"WS_AUTO_PING_PONG" envDefault:"true"`

	// Inbound rate limiting (messages/sec per session; 0 disables)
	MessageRate  float64 `env:"WS_MESSAGE_RATE" envDefault:"0"`
	MessageBurst int     `env:"WS_MESSAGE_BURST" envDefault:"10"`

	// Message store
	StorePath string `env:"WS_STORE_PATH" envDefault:"data/chat.db"`

	// Chat application
	HistoryLimit int `env:"WS_HISTORY_LIMIT" envDefault:"50"`

	// Long-polling
	LPSessionTTL    time.Duration `env:"WS_LP_SESSION_TTL" envDefault:"60s"`
	LPMaxBuffer     int           `env:"WS_LP_MAX_BUFFER" envDefault:"256"`
	LPSweepInterval time.Duration `env:"WS_LP_SWEEP_INTERVAL" envDefault:"30s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
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

	cfg.applyClamps(logger)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyClamps enforces the documented floor values rather than failing.
func (c *Config) applyClamps(logger *zerolog.Logger) {
	if c.MaxMessageSize < MinMessageSize {
		if logger != nil {
			logger.Warn().Int64("requested", c.MaxMessageSize).Int64("min", MinMessageSize).
				Msg("WS_MAX_MESSAGE_SIZE below minimum, clamping")
		}
		c.MaxMessageSize = MinMessageSize
	}
	// 0 disables the idle close entirely; anything else has a floor.
	if c.IdleTimeout != 0 && c.IdleTimeout < MinIdleTimeout {
		if logger != nil {
			logger.Warn().Dur("requested", c.IdleTimeout).Dur("min", MinIdleTimeout).
				Msg("WS_IDLE_TIMEOUT below minimum, clamping")
		}
		c.IdleTimeout = MinIdleTimeout
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("WS_PORT must be 1024-65535, got %d", c.Port)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("WS_IDLE_TIMEOUT must be >= 0, got %s", c.IdleTimeout)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("WS_PING_INTERVAL must be >= 0, got %s", c.PingInterval)
	}
	if c.MessageRate < 0 {
		return fmt.Errorf("WS_MESSAGE_RATE must be >= 0, got %f", c.MessageRate)
	}
	if c.StorePath == "" {
		return fmt.Errorf("WS_STORE_PATH is required")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("WS_HISTORY_LIMIT must be >= 0, got %d", c.HistoryLimit)
	}
	if c.LPMaxBuffer < 1 {
		return fmt.Errorf("WS_LP_MAX_BUFFER must be > 0, got %d", c.LPMaxBuffer)
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

// Addr returns the listen address for the configured port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LogConfig logs the effective configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Int64("max_message_size", c.MaxMessageSize).
		Dur("idle_timeout", c.IdleTimeout).
		Bool("enable_deflate", c.EnableDeflate).
		Dur("ping_interval", c.PingInterval).
		Bool("auto_ping_pong", c.AutoPingPong).
		Float64("message_rate", c.MessageRate).
		Str("store_path", c.StorePath).
		Int("history_limit", c.HistoryLimit).
		Dur("lp_session_ttl", c.LPSessionTTL).
		Int("lp_max_buffer", c.LPMaxBuffer).
		Dur("lp_sweep_interval", c.LPSweepInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
