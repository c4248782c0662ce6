package cache

import (
	"time"

	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
)

// Config holds the configuration for the result cache.
type Config struct {
	// MaxEntries bounds the number of cached results.
	MaxEntries int
	// TTL is the age after which an entry is treated as absent.
	TTL time.Duration
	// Metrics receives cache counters. Nil disables export.
	Metrics metrics.Collector
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxEntries: 1000,
		TTL:        time.Hour,
	}
}

// WithMaxEntries sets the capacity.
func (c *Config) WithMaxEntries(n int) *Config {
	c.MaxEntries = n
	return c
}

// WithTTL sets the time-to-live for cache entries.
func (c *Config) WithTTL(ttl time.Duration) *Config {
	c.TTL = ttl
	return c
}

// WithMetrics sets the metrics collector.
func (c *Config) WithMetrics(m metrics.Collector) *Config {
	c.Metrics = m
	return c
}

func (c *Config) withDefaults() Config {
	out := *DefaultConfig()
	if c == nil {
		return out
	}
	out.Metrics = c.Metrics
	if c.MaxEntries > 0 {
		out.MaxEntries = c.MaxEntries
	}
	if c.TTL > 0 {
		out.TTL = c.TTL
	}
	return out
}
