// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding option is unset.
const (
	DefaultLogLevel         = "info"
	DefaultListen           = ":8088"
	DefaultDatabaseDriver   = "sqlite"
	DefaultSQLitePath       = "./glsync.db"
	DefaultAPITimeout       = "30s"
	DefaultAPIRetries       = 3
	DefaultAPIRateLimit     = 600 // requests per minute against each GitLab server
	DefaultCacheTTL         = "5m"
	DefaultCacheMaxEntries  = 10000
	DefaultSyncBatchSize    = 50
	DefaultSyncConcurrency  = 4
	DefaultSyncTimeout      = "10m"
	DefaultSyncMaxRetries   = 3
	DefaultSyncRetryDelay   = "5s"
	DefaultSyncInterval     = "1h"
	DefaultWebhookTimeout   = "10s"
	DefaultEventMaxAttempts = 3
	DefaultEventWorkers     = 2
	DefaultEventRetention   = "10m"
	DefaultMonitorInterval  = "30s"
)

// Config is the root configuration.
type Config struct {
	Global     GlobalConfig     `yaml:"global"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	GitLab     GitLabConfig     `yaml:"gitlab"`
	Cache      CacheConfig      `yaml:"cache"`
	Sync       SyncConfig       `yaml:"sync"`
	Events     EventsConfig     `yaml:"events"`
	Archive    *ArchiveConfig   `yaml:"archive,omitempty"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	TokenSecret string `yaml:"token_secret"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Webhook    RateLimitTier `yaml:"webhook,omitempty"`
	Management RateLimitTier `yaml:"management,omitempty"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// GitLabConfig contains outbound GitLab API client settings.
type GitLabConfig struct {
	Timeout           string `yaml:"timeout"`
	Retries           int    `yaml:"retries"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	PerPage           int    `yaml:"per_page,omitempty"`
}

// CacheConfig contains cache settings.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TTL        string `yaml:"ttl"`
	MaxEntries int    `yaml:"max_entries"`
}

// SyncConfig contains synchronization run settings. These are also the
// runtime-tunable values exposed through the sync configuration API.
type SyncConfig struct {
	BatchSize      int    `yaml:"batch_size"`
	Concurrency    int    `yaml:"concurrency"`
	Timeout        string `yaml:"timeout"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryInterval  string `yaml:"retry_interval"`
	EnableAutoSync bool   `yaml:"enable_auto_sync"`
	SyncInterval   string `yaml:"sync_interval"`
}

// EventsConfig contains webhook event pipeline settings.
type EventsConfig struct {
	Timeout           string   `yaml:"timeout"`
	Workers           int      `yaml:"workers"`
	MaxAttempts       int      `yaml:"max_attempts"`
	RetentionWindow   string   `yaml:"retention_window"`
	AllowedEventTypes []string `yaml:"allowed_event_types,omitempty"`
}

// ArchiveConfig contains S3 settings for archiving terminal sync results.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// MonitoringConfig contains host resource monitoring settings.
type MonitoringConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.GitLab.Timeout == "" {
		c.GitLab.Timeout = DefaultAPITimeout
	}

	if c.GitLab.Retries == 0 {
		c.GitLab.Retries = DefaultAPIRetries
	}

	if c.GitLab.RequestsPerMinute == 0 {
		c.GitLab.RequestsPerMinute = DefaultAPIRateLimit
	}

	if c.Cache.TTL == "" {
		c.Cache.TTL = DefaultCacheTTL
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = DefaultSyncBatchSize
	}

	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = DefaultSyncConcurrency
	}

	if c.Sync.Timeout == "" {
		c.Sync.Timeout = DefaultSyncTimeout
	}

	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = DefaultSyncMaxRetries
	}

	if c.Sync.RetryInterval == "" {
		c.Sync.RetryInterval = DefaultSyncRetryDelay
	}

	if c.Sync.SyncInterval == "" {
		c.Sync.SyncInterval = DefaultSyncInterval
	}

	if c.Events.Timeout == "" {
		c.Events.Timeout = DefaultWebhookTimeout
	}

	if c.Events.Workers == 0 {
		c.Events.Workers = DefaultEventWorkers
	}

	if c.Events.MaxAttempts == 0 {
		c.Events.MaxAttempts = DefaultEventMaxAttempts
	}

	if c.Events.RetentionWindow == "" {
		c.Events.RetentionWindow = DefaultEventRetention
	}

	if c.Monitoring.Interval == "" {
		c.Monitoring.Interval = DefaultMonitorInterval
	}
}

// Validate checks the configuration for errors. Invalid values fail
// fast at startup rather than surfacing as runtime misbehavior.
func (c *Config) Validate() error {
	if c.Global.TokenSecret == "" {
		return fmt.Errorf("global.token_secret is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Port <= 0 {
			return fmt.Errorf("database.postgres.port must be positive")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	for _, check := range []struct {
		name  string
		value string
	}{
		{"gitlab.timeout", c.GitLab.Timeout},
		{"cache.ttl", c.Cache.TTL},
		{"sync.timeout", c.Sync.Timeout},
		{"sync.retry_interval", c.Sync.RetryInterval},
		{"sync.sync_interval", c.Sync.SyncInterval},
		{"events.timeout", c.Events.Timeout},
		{"events.retention_window", c.Events.RetentionWindow},
		{"monitoring.interval", c.Monitoring.Interval},
	} {
		d, err := time.ParseDuration(check.value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", check.name, err)
		}

		if d <= 0 {
			return fmt.Errorf("%s must be positive", check.name)
		}
	}

	for _, check := range []struct {
		name  string
		value int
	}{
		{"gitlab.retries", c.GitLab.Retries},
		{"gitlab.requests_per_minute", c.GitLab.RequestsPerMinute},
		{"cache.max_entries", c.Cache.MaxEntries},
		{"sync.batch_size", c.Sync.BatchSize},
		{"sync.concurrency", c.Sync.Concurrency},
		{"sync.max_retries", c.Sync.MaxRetries},
		{"events.workers", c.Events.Workers},
		{"events.max_attempts", c.Events.MaxAttempts},
	} {
		if check.value <= 0 {
			return fmt.Errorf("%s must be positive", check.name)
		}
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Webhook.RequestsPerMinute <= 0 {
			return fmt.Errorf("server.rate_limit.webhook.requests_per_minute must be positive")
		}

		if c.Server.RateLimit.Management.RequestsPerMinute <= 0 {
			return fmt.Errorf("server.rate_limit.management.requests_per_minute must be positive")
		}
	}

	if c.Archive != nil && c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archiving is enabled")
		}

		if c.Archive.EndpointURL != "" {
			if _, err := url.Parse(c.Archive.EndpointURL); err != nil {
				return fmt.Errorf("parsing archive.endpoint_url: %w", err)
			}
		}
	}

	return nil
}

// Duration parses a pre-validated duration string. It panics on values
// that did not pass Validate, so call it only on config fields.
func Duration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("unvalidated duration %q: %v", value, err))
	}

	return d
}
