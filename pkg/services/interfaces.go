// Package services executes query plans: routing, the three executor
// strategies and the caching front door.
package services

import (
	"context"

	"github.com/TFMV/quarry/pkg/cache"
	"github.com/TFMV/quarry/pkg/models"
)

// Executor runs one plan and returns its annotated result.
type Executor interface {
	Execute(ctx context.Context, plan models.QueryPlan) (*models.ResultSet, error)
}

// RequestExecutor runs a full execution request.
type RequestExecutor interface {
	ExecuteRequest(ctx context.Context, req *models.ExecutionRequest) (*models.ResultSet, error)
}

// MemoryCache is the in-process cache tier.
type MemoryCache interface {
	Get(key string) (*models.ResultSet, bool)
	Set(key string, rs *models.ResultSet)
	SetEntry(key string, e cache.Entry)
	InvalidateBySource(sourceID string) int
}

// DiskCache is the persistent cache tier.
type DiskCache interface {
	GetEntry(ctx context.Context, key string) (cache.Entry, bool, error)
	Set(ctx context.Context, key, sourceID string, rs *models.ResultSet) error
	InvalidateBySource(ctx context.Context, sourceID string) (int, error)
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

type noopMetrics struct{}

func (noopMetrics) IncrementCounter(string, ...string)          {}
func (noopMetrics) RecordHistogram(string, float64, ...string) {}

func orNoopLogger(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}

func orNoopMetrics(m MetricsCollector) MetricsCollector {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
