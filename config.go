package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Settings holds all server configuration. Tags:
//
//	toml: key read from config.toml (optional file)
//	env: environment variable name, prefix CB_ applied at parse time
//	envDefault: default value if neither source sets it
type Settings struct {
	// Core, spec-mandated keys.
	BindAddress         string `toml:"bind_address" env:"BIND_ADDRESS" envDefault:"[::1]:2253"`
	ParseProxyHeaders   bool   `toml:"parse_proxy_headers" env:"PARSE_PROXY_HEADERS" envDefault:"true"`
	WSPermessageDeflate bool   `toml:"ws_permessage_deflate" env:"WS_PERMESSAGE_DEFLATE" envDefault:"false"`

	// Persistence.
	StateFile           string        `toml:"state_file" env:"STATE_FILE" envDefault:"state.bin"`
	MetricsFile         string        `toml:"metrics_file" env:"METRICS_FILE" envDefault:"metrics.json"`
	PersistenceInterval time.Duration `toml:"persistence_interval" env:"PERSISTENCE_INTERVAL" envDefault:"600s"`

	// Resource limits (ambient admission control, not per-client rate limiting).
	MemoryLimit    int64 `toml:"memory_limit_bytes" env:"MEMORY_LIMIT_BYTES" envDefault:"0"` // 0 = auto-detect via cgroup
	MaxConnections int   `toml:"max_connections" env:"MAX_CONNECTIONS" envDefault:"0"`        // 0 = derive from memory limit

	// Replication bridge (C7), optional.
	ReplicationNATSURL  string        `toml:"replication_nats_url" env:"REPLICATION_NATS_URL" envDefault:""`
	ReplicationInstance string        `toml:"replication_instance_id" env:"REPLICATION_INSTANCE_ID" envDefault:""`
	ReplicationRateHz   float64       `toml:"replication_rate_hz" env:"REPLICATION_RATE_HZ" envDefault:"2000"`
	MetricsInterval     time.Duration `toml:"metrics_interval" env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging.
	LogLevel  string `toml:"log_level" env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT" envDefault:"json"`
}

const configFilePath = "config.toml"
const envPrefix = "CB_"

// LoadSettings decodes config.toml (optional) first, then applies
// CB_-prefixed environment variables over it. .env (dev convenience,
// best-effort) is loaded into the process environment beforehand without
// replacing variables that are already set, so its values take effect at
// the environment step and take precedence over config.toml. logger may be
// nil during very early startup.
func LoadSettings(logger *zerolog.Logger) (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded .env file")
	}

	s := &Settings{}

	if data, err := os.ReadFile(configFilePath); err == nil {
		if err := toml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configFilePath, err)
		}
		if logger != nil {
			logger.Info().Str("file", configFilePath).Msg("loaded config.toml")
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", configFilePath, err)
	}

	if err := env.ParseWithOptions(s, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}

	return s, nil
}

// Validate checks settings for obviously broken values.
func (s *Settings) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address must not be empty")
	}
	if s.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be >= 0, got %d", s.MaxConnections)
	}
	if s.ReplicationRateHz <= 0 {
		return fmt.Errorf("replication_rate_hz must be > 0, got %f", s.ReplicationRateHz)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[s.LogLevel] {
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", s.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[s.LogFormat] {
		return fmt.Errorf("log_format must be one of json, pretty (got %q)", s.LogFormat)
	}
	return nil
}

// Print writes a human-readable dump to stdout, for local debugging.
func (s *Settings) Print() {
	fmt.Println("=== bitmapd configuration ===")
	fmt.Printf("Bind address:          %s\n", s.BindAddress)
	fmt.Printf("Parse proxy headers:   %t\n", s.ParseProxyHeaders)
	fmt.Printf("permessage-deflate:    %t\n", s.WSPermessageDeflate)
	fmt.Printf("State file:            %s\n", s.StateFile)
	fmt.Printf("Metrics file:          %s\n", s.MetricsFile)
	fmt.Printf("Persistence interval:  %s\n", s.PersistenceInterval)
	fmt.Printf("Max connections:       %d (0 = auto)\n", s.MaxConnections)
	if s.ReplicationNATSURL != "" {
		fmt.Printf("Replication NATS URL:  %s\n", s.ReplicationNATSURL)
	} else {
		fmt.Println("Replication:           disabled")
	}
	fmt.Printf("Log level / format:    %s / %s\n", s.LogLevel, s.LogFormat)
	fmt.Println("==============================")
}

// LogSettings emits the same information as a structured log event.
func (s *Settings) LogSettings(logger zerolog.Logger) {
	logger.Info().
		Str("bind_address", s.BindAddress).
		Bool("parse_proxy_headers", s.ParseProxyHeaders).
		Bool("ws_permessage_deflate", s.WSPermessageDeflate).
		Str("state_file", s.StateFile).
		Str("metrics_file", s.MetricsFile).
		Dur("persistence_interval", s.PersistenceInterval).
		Int("max_connections", s.MaxConnections).
		Str("replication_nats_url", s.ReplicationNATSURL).
		Float64("replication_rate_hz", s.ReplicationRateHz).
		Str("log_level", s.LogLevel).
		Str("log_format", s.LogFormat).
		Msg("settings loaded")
}
