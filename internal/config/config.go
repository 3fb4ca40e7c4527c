// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Storage backends
const (
	FileBackend   = "file"
	SQLiteBackend = "sqlite"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`

	// Authentication settings
	JWTSecret   string `mapstructure:"jwtsecret"`
	APIKeys     string `mapstructure:"apikeys"`     // inline "key:tenant" pairs, comma separated
	APIKeysFile string `mapstructure:"apikeysfile"` // YAML credentials file

	// Storage settings
	StorageBackend       string `mapstructure:"storagebackend"`
	StoragePath          string `mapstructure:"storagepath"`
	DatabaseName         string `mapstructure:"-"` // Derived from other settings
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Rate limiting settings
	RateLimitMax              int `mapstructure:"ratelimitmax"`
	RateLimitWindowSeconds    int `mapstructure:"ratelimitwindowseconds"`
	RateLimitRetentionSeconds int `mapstructure:"ratelimitretentionseconds"`
	RateLimitMaxBuckets       int `mapstructure:"ratelimitmaxbuckets"`

	// Deduplication settings
	DedupEnabled    bool `mapstructure:"dedupenabled"`
	DedupTTLSeconds int  `mapstructure:"dedupttlseconds"`
	DedupMaxEntries int  `mapstructure:"dedupmaxentries"`

	// Shared policy defaults
	EvictFraction     float64 `mapstructure:"evictfraction"`
	SessionGapSeconds int     `mapstructure:"sessiongapseconds"`

	// Enrichment settings
	GeoDBPath  string `mapstructure:"geodbpath"`
	FilterBots bool   `mapstructure:"filterbots"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Job scheduling settings
	JobIntervalSeconds int `mapstructure:"jobintervalseconds"`

	// Data retention settings
	EventsRetentionDays int `mapstructure:"eventsretentiondays"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		// Set defaults
		v.SetDefault("appname", "ingestly")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("storagebackend", FileBackend)
		v.SetDefault("storagepath", "storage")
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("ratelimitmax", 600)
		v.SetDefault("ratelimitwindowseconds", 60)
		v.SetDefault("ratelimitretentionseconds", 3600)
		v.SetDefault("ratelimitmaxbuckets", 10000)
		v.SetDefault("dedupenabled", true)
		v.SetDefault("dedupttlseconds", 86400)
		v.SetDefault("dedupmaxentries", 100000)
		v.SetDefault("evictfraction", 0.10)
		v.SetDefault("sessiongapseconds", 1800)
		v.SetDefault("geodbpath", "")
		v.SetDefault("filterbots", true)
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("jobintervalseconds", 60)
		v.SetDefault("eventsretentiondays", 90)

		// Bind environment variables
		v.BindEnv("appname", "INGESTLY_APP_NAME")
		v.BindEnv("appport", "INGESTLY_APP_PORT")
		v.BindEnv("environment", "INGESTLY_ENV")
		v.BindEnv("loglevel", "INGESTLY_LOG_LEVEL")
		v.BindEnv("jwtsecret", "INGESTLY_JWT_SECRET")
		v.BindEnv("apikeys", "INGESTLY_API_KEYS")
		v.BindEnv("apikeysfile", "INGESTLY_API_KEYS_FILE")
		v.BindEnv("storagebackend", "INGESTLY_STORAGE_BACKEND")
		v.BindEnv("storagepath", "INGESTLY_STORAGE_PATH")
		v.BindEnv("dbmaxopenconns", "INGESTLY_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "INGESTLY_DB_MAX_IDLE_CONNS")
		v.BindEnv("ratelimitmax", "INGESTLY_RATE_LIMIT_MAX")
		v.BindEnv("ratelimitwindowseconds", "INGESTLY_RATE_LIMIT_WINDOW_SECONDS")
		v.BindEnv("ratelimitretentionseconds", "INGESTLY_RATE_LIMIT_RETENTION_SECONDS")
		v.BindEnv("ratelimitmaxbuckets", "INGESTLY_RATE_LIMIT_MAX_BUCKETS")
		v.BindEnv("dedupenabled", "INGESTLY_DEDUP_ENABLED")
		v.BindEnv("dedupttlseconds", "INGESTLY_DEDUP_TTL_SECONDS")
		v.BindEnv("dedupmaxentries", "INGESTLY_DEDUP_MAX_ENTRIES")
		v.BindEnv("evictfraction", "INGESTLY_EVICT_FRACTION")
		v.BindEnv("sessiongapseconds", "INGESTLY_SESSION_GAP_SECONDS")
		v.BindEnv("geodbpath", "INGESTLY_GEO_DB_PATH")
		v.BindEnv("filterbots", "INGESTLY_FILTER_BOTS")
		v.BindEnv("logsdir", "INGESTLY_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "INGESTLY_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "INGESTLY_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "INGESTLY_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("jobintervalseconds", "INGESTLY_JOB_INTERVAL_SECONDS")
		v.BindEnv("eventsretentiondays", "INGESTLY_EVENTS_RETENTION_DAYS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		// Validate
		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		// Set derived values
		cfg.DatabaseName = cfg.GetDatabasePath()

		// In production at least one credential source must be configured,
		// otherwise every write request would be rejected.
		if cfg.IsProduction() && cfg.JWTSecret == "" && cfg.APIKeys == "" && cfg.APIKeysFile == "" {
			log.Fatal("Production requires INGESTLY_JWT_SECRET, INGESTLY_API_KEYS or INGESTLY_API_KEYS_FILE")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validBackends := map[string]bool{
		FileBackend:   true,
		SQLiteBackend: true,
	}
	if !validBackends[c.StorageBackend] {
		return fmt.Errorf("invalid storage backend: %s", c.StorageBackend)
	}

	if c.EvictFraction <= 0 || c.EvictFraction >= 1 {
		return fmt.Errorf("evict fraction must be in (0, 1), got %v", c.EvictFraction)
	}

	if c.RateLimitMax <= 0 || c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("rate limit max and window must be positive")
	}

	return nil
}

// GetDatabasePath returns the SQLite database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.StoragePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment.
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1 (required for test stability with SQLite)
// - Development/Production: 10 (allows concurrent reads for parallel queries)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
