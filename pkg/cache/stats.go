package cache

import (
	"sync/atomic"
	"time"

	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
)

// Stats holds cache statistics.
type Stats struct {
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	Evictions   uint64    `json:"evictions"`
	Expirations uint64    `json:"expirations"`
	Size        int64     `json:"size"`
	LastUpdated time.Time `json:"last_updated"`
}

// HitRate returns hits / (hits + misses).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// StatsCollector collects cache statistics and mirrors them to a metrics
// collector labelled with the cache tier.
type StatsCollector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	size        atomic.Int64
	lastUpdated atomic.Int64

	tier    string
	metrics metrics.Collector
}

// NewStatsCollector creates a new statistics collector. m may be nil.
func NewStatsCollector(tier string, m metrics.Collector) *StatsCollector {
	if m == nil {
		m = metrics.NewNoOpCollector()
	}
	c := &StatsCollector{tier: tier, metrics: m}
	c.touch()
	return c
}

func (c *StatsCollector) touch() {
	c.lastUpdated.Store(time.Now().UnixNano())
}

// RecordHit records a cache hit.
func (c *StatsCollector) RecordHit() {
	c.hits.Add(1)
	c.metrics.IncrementCounter(metrics.CacheHits, "tier", c.tier)
	c.touch()
}

// RecordMiss records a cache miss.
func (c *StatsCollector) RecordMiss() {
	c.misses.Add(1)
	c.metrics.IncrementCounter(metrics.CacheMisses, "tier", c.tier)
	c.touch()
}

// RecordEviction records a capacity eviction.
func (c *StatsCollector) RecordEviction() {
	c.evictions.Add(1)
	c.metrics.IncrementCounter(metrics.CacheEvictions, "tier", c.tier, "reason", "capacity")
	c.touch()
}

// RecordExpiration records an entry dropped for exceeding its TTL.
func (c *StatsCollector) RecordExpiration() {
	c.expirations.Add(1)
	c.metrics.IncrementCounter(metrics.CacheEvictions, "tier", c.tier, "reason", "expired")
	c.touch()
}

// UpdateSize updates the current entry count.
func (c *StatsCollector) UpdateSize(size int64) {
	c.size.Store(size)
	c.metrics.RecordGauge(metrics.CacheEntries, float64(size), "tier", c.tier)
	c.touch()
}

// GetStats returns the current cache statistics.
func (c *StatsCollector) GetStats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Size:        c.size.Load(),
		LastUpdated: time.Unix(0, c.lastUpdated.Load()),
	}
}

// HitRate returns the cache hit rate.
func (c *StatsCollector) HitRate() float64 {
	return c.GetStats().HitRate()
}

// Reset zeroes every counter except size.
func (c *StatsCollector) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.expirations.Store(0)
	c.touch()
}
