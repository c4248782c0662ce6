// Package metrics provides metrics collection for the execution engine.
package metrics

import (
	"time"
)

// Metric names recorded by the engine.
const (
	PlansExecuted        = "plans_executed_total"
	PlanFailures         = "plan_failures_total"
	PlanExecutionSeconds = "plan_execution_seconds"
	StorageQueries       = "storage_queries_total"
	StorageQuerySeconds  = "storage_query_seconds"
	CacheHits            = "cache_hits_total"
	CacheMisses          = "cache_misses_total"
	CacheEvictions       = "cache_evictions_total"
	CacheEntries         = "cache_entries"
	OpenConnections      = "storage_open_connections"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)

	// StartTimer starts a timer for measuring duration.
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop stops the timer and returns the duration in seconds.
	Stop() float64
}

// NoOpCollector discards everything.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

func (n *NoOpCollector) IncrementCounter(name string, labels ...string)               {}
func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}
func (n *NoOpCollector) RecordGauge(name string, value float64, labels ...string)     {}

// StartTimer returns a timer that only measures.
func (n *NoOpCollector) StartTimer(name string) Timer {
	return &timer{start: time.Now()}
}

type timer struct {
	start time.Time
}

// Stop returns the elapsed time in seconds.
func (t *timer) Stop() float64 {
	return time.Since(t.start).Seconds()
}
