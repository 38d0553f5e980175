// Package config provides configuration management for the SpectralNotify
// broker.
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Default values (SetConfigDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.spectralnotify/config.yaml, /etc/spectralnotify/config.yaml)
//  3. .env files
//  4. Environment variables with the SPECTRAL_ prefix
//
// Environment variables use underscores for nested keys:
//   - SPECTRAL_SERVER_PORT=8080
//   - SPECTRAL_SECURITY_API_KEY=secret
//   - SPECTRAL_DATABASE_DRIVER=postgres
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	// Name is the service name
	Name string `mapstructure:"name"`

	// Version is the service version
	Version string `mapstructure:"version"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and echo debug mode
	Debug bool `mapstructure:"debug"`
}

// SecurityConfig contains authentication and rate limiting settings.
type SecurityConfig struct {
	// APIKey is required in the X-API-Key header on all write endpoints
	APIKey string `mapstructure:"api_key"`

	// RateLimit is the maximum requests per second per client (0 = no limit)
	RateLimit float64 `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects the shared store backend and the location of the
// per-entity embedded stores.
type DatabaseConfig struct {
	// Driver is the shared store backend: "sqlite" (embedded, default) or
	// "postgres"
	Driver string `mapstructure:"driver"`

	// DataDir holds the per-entity SQLite databases and, for the sqlite
	// driver, the shared store database
	DataDir string `mapstructure:"data_dir"`

	// URL is the PostgreSQL connection string (postgres driver only)
	URL string `mapstructure:"url"`
}

// BrokerConfig tunes the broker core: idempotency, history reads, and the
// WebSocket fan-out.
type BrokerConfig struct {
	// IdempotencyTTL is how long cached write responses are replayed
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`

	// HistoryLimit caps the number of rows a single getHistory call returns
	HistoryLimit int `mapstructure:"history_limit"`

	// StrictComplete rejects workflow complete calls while phases are still
	// non-terminal instead of auto-completing them
	StrictComplete bool `mapstructure:"strict_complete"`

	// PingInterval is how often the server pings each subscriber
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// IdleTimeout closes subscribers with no client frames for this long
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// SendTimeout bounds a single frame write to a subscriber
	SendTimeout time.Duration `mapstructure:"send_timeout"`

	// SendBuffer is the per-subscriber outbound queue depth; overflow evicts
	SendBuffer int `mapstructure:"send_buffer"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the full configuration for the SpectralNotify broker.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Security SecurityConfig `mapstructure:"security"`
	Database DatabaseConfig `mapstructure:"database"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix (e.g. "SPECTRAL" -> "SPECTRAL_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets the standard broker defaults. Call before Load.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "spectralnotify")
	l.v.SetDefault("service.version", "dev")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("security.api_key", "")
	l.v.SetDefault("security.rate_limit", 0)
	l.v.SetDefault("security.allowed_origins", []string{"*"})

	l.v.SetDefault("database.driver", "sqlite")
	l.v.SetDefault("database.data_dir", "./data")
	l.v.SetDefault("database.url", "")

	l.v.SetDefault("broker.idempotency_ttl", "24h")
	l.v.SetDefault("broker.history_limit", 200)
	l.v.SetDefault("broker.strict_complete", false)
	l.v.SetDefault("broker.ping_interval", "30s")
	l.v.SetDefault("broker.idle_timeout", "90s")
	l.v.SetDefault("broker.send_timeout", "5s")
	l.v.SetDefault("broker.send_buffer", 64)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, config.yaml is searched in the standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.spectralnotify")
		l.v.AddConfigPath("/etc/spectralnotify")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads configuration with standard defaults and validates it.
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.DataDir == "" {
			return fmt.Errorf("database data_dir is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.URL == "" {
			return fmt.Errorf("database url is required for the postgres driver")
		}
		if cfg.Database.DataDir == "" {
			return fmt.Errorf("database data_dir is required for entity stores")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	if cfg.Broker.IdempotencyTTL <= 0 {
		return fmt.Errorf("broker idempotency_ttl must be positive")
	}
	if cfg.Broker.SendBuffer < 1 {
		return fmt.Errorf("broker send_buffer must be at least 1")
	}
	if cfg.Broker.HistoryLimit < 1 {
		return fmt.Errorf("broker history_limit must be at least 1")
	}

	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
