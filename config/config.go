// Package config loads the optrack configuration.
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (set via SetConfigDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.optrack/config.yaml, /etc/optrack/config.yaml)
//  3. .env files
//  4. Environment variables (prefix OPTRACK_)
//
// # Usage Example
//
//	cfg, err := config.LoadConfig("OPTRACK", "config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
//
// # Environment Variables
//
// Use the prefix and underscores for nested keys:
//   - OPTRACK_SERVER_PORT=8787
//   - OPTRACK_BACKEND_STREAM_URL=ws://localhost:9000/events
//   - OPTRACK_TRACKER_LIVE_RETENTION=3s
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix used by the optrack binary
const EnvPrefix = "OPTRACK"

// TrackerConfig contains operation tracking settings.
type TrackerConfig struct {
	// LiveRetention is how long a finished operation stays in the live store
	LiveRetention time.Duration `mapstructure:"live_retention"`

	// HistoryRetention is how long completion history entries are kept
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// RefreshConfig contains refresh channel settings.
type RefreshConfig struct {
	// FullInterval is the minimum time between two full refreshes
	FullInterval time.Duration `mapstructure:"full_interval"`

	// FastInterval is the minimum time between two disk-only refreshes
	FastInterval time.Duration `mapstructure:"fast_interval"`

	// FetchTimeout bounds a single fetch (0 = no timeout)
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// BackendConfig contains the backend endpoints.
type BackendConfig struct {
	// StreamURL is the WebSocket notification stream
	StreamURL string `mapstructure:"stream_url"`

	// FullURL returns the complete data set
	FullURL string `mapstructure:"full_url"`

	// FastURL returns the disk-only data set
	FastURL string `mapstructure:"fast_url"`

	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 127.0.0.1)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8787)
	Port int `mapstructure:"port"`

	// RateLimit is the maximum requests per second (0 = no limit)
	RateLimit float64 `mapstructure:"rate_limit"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables echo debug mode
	Debug bool `mapstructure:"debug"`
}

// RedisConfig contains the history mirror settings.
type RedisConfig struct {
	// URL of the Redis server; empty disables the mirror
	URL string `mapstructure:"url"`

	// KeyPrefix is prepended to every key
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig contains local persistence settings.
type StorageConfig struct {
	// SnapshotPath is the bbolt file holding the last fetched data; empty keeps it in memory
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// IssuesConfig contains issue log settings.
type IssuesConfig struct {
	// File is where `optrack issues export` writes the log
	File string `mapstructure:"file"`

	// Capacity is the number of retained entries
	Capacity int `mapstructure:"capacity"`
}

// Config is the complete optrack configuration.
type Config struct {
	Tracker TrackerConfig `mapstructure:"tracker"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	Backend BackendConfig `mapstructure:"backend"`
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Issues  IssuesConfig  `mapstructure:"issues"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
// The prefix is used for environment variables (e.g., "OPTRACK" -> "OPTRACK_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the optrack defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("tracker.live_retention", "2s")
	l.v.SetDefault("tracker.history_retention", "3m")

	l.v.SetDefault("refresh.full_interval", "1s")
	l.v.SetDefault("refresh.fast_interval", "250ms")
	l.v.SetDefault("refresh.fetch_timeout", "0s")

	l.v.SetDefault("backend.stream_url", "")
	l.v.SetDefault("backend.full_url", "")
	l.v.SetDefault("backend.fast_url", "")
	l.v.SetDefault("backend.reconnect_initial", "1s")
	l.v.SetDefault("backend.reconnect_max", "30s")
	l.v.SetDefault("backend.ping_interval", "30s")

	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8787)
	l.v.SetDefault("server.rate_limit", 20)
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("redis.url", "")
	l.v.SetDefault("redis.key_prefix", "optrack:")

	l.v.SetDefault("storage.snapshot_path", "")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")

	l.v.SetDefault("issues.file", "optrack-issues.log")
	l.v.SetDefault("issues.capacity", 1000)
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.optrack")
		l.v.AddConfigPath("/etc/optrack")
	}

	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
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

// LoadConfig is a convenience function that loads configuration with standard defaults.
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
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %v", cfg.Server.RateLimit)
	}

	positive := map[string]time.Duration{
		"tracker.live_retention":    cfg.Tracker.LiveRetention,
		"tracker.history_retention": cfg.Tracker.HistoryRetention,
		"refresh.full_interval":     cfg.Refresh.FullInterval,
		"refresh.fast_interval":     cfg.Refresh.FastInterval,
		"backend.reconnect_initial": cfg.Backend.ReconnectInitial,
		"backend.reconnect_max":     cfg.Backend.ReconnectMax,
		"backend.ping_interval":     cfg.Backend.PingInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if cfg.Refresh.FetchTimeout < 0 {
		return fmt.Errorf("refresh.fetch_timeout must not be negative, got %s", cfg.Refresh.FetchTimeout)
	}

	if cfg.Tracker.HistoryRetention < cfg.Tracker.LiveRetention {
		return fmt.Errorf("tracker.history_retention (%s) must not be shorter than tracker.live_retention (%s)",
			cfg.Tracker.HistoryRetention, cfg.Tracker.LiveRetention)
	}
	if cfg.Backend.ReconnectMax < cfg.Backend.ReconnectInitial {
		return fmt.Errorf("backend.reconnect_max must not be shorter than backend.reconnect_initial")
	}

	return nil
}

func isFileNotFoundError(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
