package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration of the drivecache server.
//
// Values are read from an optional YAML file after which any
// DRIVECACHE_* environment variable overrides the file.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	Origin      string `yaml:"origin"`

	Log   LogConfig   `yaml:"log"`
	Store StoreConfig `yaml:"store"`

	// Google Drive
	ServiceAccount string  `yaml:"service_account"`
	DriveID        string  `yaml:"drive_id"`
	RateLimit      float64 `yaml:"rate_limit"`

	// Reorganisation
	SourceRoot      string `yaml:"source_root"`
	DestinationRoot string `yaml:"destination_root"`
	CleanupRoot     string `yaml:"cleanup_root"`

	ChannelTTL       time.Duration `yaml:"channel_ttl"`
	ExpirationBuffer time.Duration `yaml:"expiration_buffer"`
	Concurrency      int           `yaml:"concurrency"`

	// Background jobs, zero disables the job.
	QueueInterval time.Duration `yaml:"queue_interval"`
	QueueBudget   time.Duration `yaml:"queue_budget"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// StoreConfig holds the datastore configuration.
type StoreConfig struct {
	Backend      string        `yaml:"backend"` // memory, sqlite, bolt
	Path         string        `yaml:"path"`
	HotCacheSize int           `yaml:"hot_cache_size"`
	HotCacheTTL  time.Duration `yaml:"hot_cache_ttl"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend:      "sqlite",
			Path:         "drivecache.db",
			HotCacheSize: 4096,
			HotCacheTTL:  time.Minute,
		},
		RateLimit:        10,
		ChannelTTL:       24 * time.Hour,
		ExpirationBuffer: time.Hour,
		Concurrency:      8,
		QueueInterval:    10 * time.Second,
		QueueBudget:      25 * time.Second,
		PurgeInterval:    time.Hour,
	}
}

// LoadConfig reads the configuration file at path, if any, and applies
// the environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ListenAddr = envOr("DRIVECACHE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("DRIVECACHE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.Origin = envOr("DRIVECACHE_ORIGIN", cfg.Origin)
	cfg.Log.Level = envOr("DRIVECACHE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("DRIVECACHE_LOG_FORMAT", cfg.Log.Format)
	cfg.Store.Backend = envOr("DRIVECACHE_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = envOr("DRIVECACHE_STORE_PATH", cfg.Store.Path)
	cfg.Store.HotCacheSize = envInt("DRIVECACHE_HOT_CACHE_SIZE", cfg.Store.HotCacheSize)
	cfg.Store.HotCacheTTL = envDuration("DRIVECACHE_HOT_CACHE_TTL", cfg.Store.HotCacheTTL)
	cfg.ServiceAccount = envOr("DRIVECACHE_SERVICE_ACCOUNT", cfg.ServiceAccount)
	cfg.DriveID = envOr("DRIVECACHE_DRIVE_ID", cfg.DriveID)
	cfg.RateLimit = envFloat("DRIVECACHE_RATE_LIMIT", cfg.RateLimit)
	cfg.SourceRoot = envOr("DRIVECACHE_SOURCE_ROOT", cfg.SourceRoot)
	cfg.DestinationRoot = envOr("DRIVECACHE_DESTINATION_ROOT", cfg.DestinationRoot)
	cfg.CleanupRoot = envOr("DRIVECACHE_CLEANUP_ROOT", cfg.CleanupRoot)
	cfg.ChannelTTL = envDuration("DRIVECACHE_CHANNEL_TTL", cfg.ChannelTTL)
	cfg.ExpirationBuffer = envDuration("DRIVECACHE_EXPIRATION_BUFFER", cfg.ExpirationBuffer)
	cfg.Concurrency = envInt("DRIVECACHE_CONCURRENCY", cfg.Concurrency)
	cfg.QueueInterval = envDuration("DRIVECACHE_QUEUE_INTERVAL", cfg.QueueInterval)
	cfg.QueueBudget = envDuration("DRIVECACHE_QUEUE_BUDGET", cfg.QueueBudget)
	cfg.SweepInterval = envDuration("DRIVECACHE_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.PurgeInterval = envDuration("DRIVECACHE_PURGE_INTERVAL", cfg.PurgeInterval)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.ServiceAccount == "" {
		return errors.New("service_account is required")
	}

	switch cfg.Store.Backend {
	case "memory":
	case "sqlite", "bolt":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store path is required for the %v backend", cfg.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend: %v", cfg.Store.Backend)
	}

	if (cfg.SourceRoot == "") != (cfg.DestinationRoot == "") {
		return errors.New("source_root and destination_root must be set together")
	}

	if cfg.QueueInterval > 0 && cfg.QueueBudget <= 0 {
		return errors.New("queue_budget must be positive")
	}

	if cfg.ChannelTTL <= cfg.ExpirationBuffer {
		return errors.New("channel_ttl must exceed expiration_buffer")
	}

	if cfg.RateLimit <= 0 {
		return errors.New("rate_limit must be positive")
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
