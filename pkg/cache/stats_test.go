package cache

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
)

func TestStatsCollector_Counters(t *testing.T) {
	collector := NewStatsCollector("memory", nil)

	for i := 0; i < 5; i++ {
		collector.RecordHit()
	}
	for i := 0; i < 3; i++ {
		collector.RecordMiss()
	}
	collector.RecordEviction()
	collector.RecordExpiration()
	collector.UpdateSize(7)

	stats := collector.GetStats()
	assert.Equal(t, uint64(5), stats.Hits)
	assert.Equal(t, uint64(3), stats.Misses)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(1), stats.Expirations)
	assert.Equal(t, int64(7), stats.Size)
	assert.False(t, stats.LastUpdated.IsZero())
	assert.InDelta(t, 5.0/8.0, collector.HitRate(), 1e-9)
}

func TestStatsCollector_HitRateEmpty(t *testing.T) {
	assert.Equal(t, 0.0, NewStatsCollector("memory", nil).HitRate())
}

func TestStatsCollector_Reset(t *testing.T) {
	collector := NewStatsCollector("memory", nil)
	collector.RecordHit()
	collector.RecordMiss()
	collector.UpdateSize(4)
	collector.Reset()

	stats := collector.GetStats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Equal(t, int64(4), stats.Size)
}

func TestStatsCollector_Concurrent(t *testing.T) {
	collector := NewStatsCollector("memory", nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.RecordHit()
				collector.RecordMiss()
			}
		}()
	}
	wg.Wait()

	stats := collector.GetStats()
	assert.Equal(t, uint64(1000), stats.Hits)
	assert.Equal(t, uint64(1000), stats.Misses)
}

func TestStatsCollector_ExportsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	pc := metrics.NewPrometheusCollector("test", reg)
	collector := NewStatsCollector("disk", pc)

	collector.RecordHit()
	collector.RecordHit()
	collector.RecordMiss()
	collector.UpdateSize(3)

	families, err := reg.Gather()
	assert.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["test_"+metrics.CacheHits])
	assert.Equal(t, 1.0, values["test_"+metrics.CacheMisses])
	assert.Equal(t, 3.0, values["test_"+metrics.CacheEntries])
}
