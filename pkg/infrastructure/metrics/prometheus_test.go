package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_IncrementCounter(t *testing.T) {
	collector := NewPrometheusCollector(DefaultNamespace, prometheus.NewRegistry())
	collector.IncrementCounter(PlansExecuted, "executor", "standard")
	collector.IncrementCounter(PlansExecuted, "executor", "standard")
	collector.IncrementCounter(PlansExecuted, "executor", "advanced")

	counter := collector.counters[PlansExecuted]
	require.NotNil(t, counter)
	assert.Equal(t, 2.0, testutil.ToFloat64(counter.WithLabelValues("standard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("advanced")))
}

func TestPrometheusCollector_RecordHistogram(t *testing.T) {
	collector := NewPrometheusCollector(DefaultNamespace, prometheus.NewRegistry())
	collector.RecordHistogram(PlanExecutionSeconds, 0.42, "executor", "multi_step")

	histogram := collector.histograms[PlanExecutionSeconds]
	require.NotNil(t, histogram)
	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestPrometheusCollector_RecordGauge(t *testing.T) {
	collector := NewPrometheusCollector(DefaultNamespace, prometheus.NewRegistry())
	collector.RecordGauge(CacheEntries, 42.0, "tier", "memory")

	gauge := collector.gauges[CacheEntries]
	require.NotNil(t, gauge)
	assert.Equal(t, 42.0, testutil.ToFloat64(gauge.WithLabelValues("memory")))
}

func TestPrometheusCollector_StartTimerObserves(t *testing.T) {
	collector := NewPrometheusCollector(DefaultNamespace, prometheus.NewRegistry())
	timer := collector.StartTimer(StorageQuerySeconds)

	time.Sleep(10 * time.Millisecond)

	duration := timer.Stop()
	assert.Greater(t, duration, 0.0)
	assert.Less(t, duration, 1.0)
	assert.Equal(t, 1, testutil.CollectAndCount(collector.histograms[StorageQuerySeconds]))
}

func TestParseLabelPairs(t *testing.T) {
	tests := []struct {
		name       string
		labels     []string
		wantNames  []string
		wantValues []string
	}{
		{"empty labels", []string{}, []string{}, []string{}},
		{"single pair", []string{"executor", "standard"}, []string{"executor"}, []string{"standard"}},
		{"multiple pairs", []string{"executor", "advanced", "query_type", "trend"}, []string{"executor", "query_type"}, []string{"advanced", "trend"}},
		{"odd number of labels", []string{"executor", "advanced", "tier"}, []string{"executor"}, []string{"advanced"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, values := parseLabelPairs(tt.labels)
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, tt.wantValues, values)
		})
	}
}

func TestMetricsServer_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewPrometheusCollector(DefaultNamespace, reg)
	collector.IncrementCounter(CacheHits, "tier", "memory")

	server := NewMetricsServer(":0", "/metrics", reg)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `quarry_cache_hits_total{tier="memory"} 1`))
}

func TestMetricsServer_StartStop(t *testing.T) {
	server := NewMetricsServer("127.0.0.1:0", "", nil)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, server.Stop(context.Background()))
	assert.NoError(t, <-errCh)
}

func TestMetricsServer_StopWithoutStart(t *testing.T) {
	server := NewMetricsServer(":0", "", nil)
	assert.NoError(t, server.Stop(context.Background()))
}
