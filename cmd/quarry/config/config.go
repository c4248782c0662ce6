// Package config provides configuration structures for the quarry CLI.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the engine configuration.
type Config struct {
	// Storage settings
	Backend      string        `yaml:"backend" json:"backend"`
	Database     string        `yaml:"database" json:"database"`
	ReadOnly     bool          `yaml:"read_only" json:"read_only"`
	Token        string        `yaml:"token" json:"-"`
	LogLevel     string        `yaml:"log_level" json:"log_level"`
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`

	// Prepared statements kept per connection
	StatementCacheSize int `yaml:"statement_cache_size" json:"statement_cache_size"`

	// Connection pool configuration
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool"`

	// Result cache configuration
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Batch execution
	Batch BatchConfig `yaml:"batch" json:"batch"`
}

// ConnectionPoolConfig represents connection pool configuration.
type ConnectionPoolConfig struct {
	MaxOpenConnections int           `yaml:"max_open_connections" json:"max_open_connections" mapstructure:"max_open_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections" json:"max_idle_connections" mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `yaml:"health_check_period" json:"health_check_period" mapstructure:"health_check_period"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold" mapstructure:"slow_query_threshold"`
}

// CacheConfig represents result cache configuration.
type CacheConfig struct {
	Enabled    bool            `yaml:"enabled" json:"enabled"`
	MaxEntries int             `yaml:"max_entries" json:"max_entries"`
	TTL        time.Duration   `yaml:"ttl" json:"ttl"`
	Disk       DiskCacheConfig `yaml:"disk" json:"disk"`
}

// DiskCacheConfig represents the persistent cache tier.
type DiskCacheConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxEntries int    `yaml:"max_entries" json:"max_entries"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// BatchConfig represents batch execution configuration.
type BatchConfig struct {
	Workers int `yaml:"workers" json:"workers"`
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = "duckdb"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("unsupported log level: %s", c.LogLevel)
	}

	if c.QueryTimeout < 0 {
		return fmt.Errorf("query timeout cannot be negative")
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 5 * time.Minute
	}

	if c.StatementCacheSize <= 0 {
		c.StatementCacheSize = 64
	}

	// Set defaults for connection pool
	if c.ConnectionPool.MaxOpenConnections <= 0 {
		c.ConnectionPool.MaxOpenConnections = 1
	}
	if c.ConnectionPool.MaxIdleConnections <= 0 {
		c.ConnectionPool.MaxIdleConnections = 1
	}
	if c.ConnectionPool.ConnMaxLifetime <= 0 {
		c.ConnectionPool.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnectionPool.ConnMaxIdleTime <= 0 {
		c.ConnectionPool.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.ConnectionPool.HealthCheckPeriod <= 0 {
		c.ConnectionPool.HealthCheckPeriod = 1 * time.Minute
	}

	// Set defaults for cache
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 1 * time.Hour
	}
	if c.Cache.Disk.Enabled {
		if c.Cache.Disk.Path == "" {
			return fmt.Errorf("disk cache path is required when the disk cache is enabled")
		}
		if c.Cache.Disk.MaxEntries <= 0 {
			c.Cache.Disk.MaxEntries = 10 * c.Cache.MaxEntries
		}
	}

	// Set defaults for metrics
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Batch.Workers <= 0 {
		c.Batch.Workers = 4
	}

	return nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend:            "duckdb",
		Database:           ":memory:",
		ReadOnly:           false,
		LogLevel:           "info",
		QueryTimeout:       5 * time.Minute,
		StatementCacheSize: 64,
		ConnectionPool: ConnectionPoolConfig{
			MaxOpenConnections: 1,
			MaxIdleConnections: 1,
			ConnMaxLifetime:    30 * time.Minute,
			ConnMaxIdleTime:    10 * time.Minute,
			HealthCheckPeriod:  1 * time.Minute,
			SlowQueryThreshold: 1 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 1000,
			TTL:        1 * time.Hour,
			Disk: DiskCacheConfig{
				Enabled:    false,
				Path:       "quarry-cache.db",
				MaxEntries: 10000,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
		Batch: BatchConfig{
			Workers: 4,
		},
	}
}
