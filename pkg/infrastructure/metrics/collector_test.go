package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOpCollector(t *testing.T) {
	collector := NewNoOpCollector()

	assert.NotPanics(t, func() {
		collector.IncrementCounter(PlansExecuted, "executor", "standard")
		collector.RecordHistogram(PlanExecutionSeconds, 0.5, "executor", "standard")
		collector.RecordGauge(CacheEntries, 3, "tier", "memory")
	})
}

func TestNoOpCollector_StartTimer(t *testing.T) {
	timer := NewNoOpCollector().StartTimer(PlanExecutionSeconds)
	time.Sleep(10 * time.Millisecond)

	duration := timer.Stop()
	assert.Greater(t, duration, 0.0)
	assert.Less(t, duration, 1.0)
}
