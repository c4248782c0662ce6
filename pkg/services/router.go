package services

import (
	"context"
	"time"

	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
	"github.com/TFMV/quarry/pkg/models"
	"github.com/TFMV/quarry/pkg/repositories"
)

// Executor names used in logs and metric labels.
const (
	ExecutorStandard  = "standard"
	ExecutorAdvanced  = "advanced"
	ExecutorMultiStep = "multi_step"
)

// Router picks the executor for a plan. Plans carrying steps go to the
// multi-step executor, comparison, percentage and trend plans to the
// advanced executor, and everything else to the standard executor.
type Router struct {
	standard  Executor
	advanced  Executor
	multiStep Executor
	logger    Logger
	metrics   MetricsCollector
}

// NewRouter creates a router over the three executors.
func NewRouter(standard, advanced, multiStep Executor, logger Logger, m MetricsCollector) *Router {
	return &Router{
		standard:  standard,
		advanced:  advanced,
		multiStep: multiStep,
		logger:    orNoopLogger(logger),
		metrics:   orNoopMetrics(m),
	}
}

// NewStorageRouter wires the standard executors over one storage backend.
func NewStorageRouter(storage repositories.StorageRepository, logger Logger, m MetricsCollector) *Router {
	return NewRouter(
		NewStandardExecutor(storage, logger),
		NewAdvancedExecutor(storage, logger),
		NewMultiStepExecutor(storage, logger),
		logger,
		m,
	)
}

// Route returns the executor name and executor for plan.
func (r *Router) Route(plan models.QueryPlan) (string, Executor) {
	if _, ok := plan.(*models.MultiStepPlan); ok || plan.QueryType().IsMultiStep() {
		return ExecutorMultiStep, r.multiStep
	}
	if plan.QueryType().IsAdvanced() {
		return ExecutorAdvanced, r.advanced
	}
	return ExecutorStandard, r.standard
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, plan models.QueryPlan) (*models.ResultSet, error) {
	if plan == nil {
		return nil, errors.New(errors.CodePlanValidation, "no plan")
	}

	name, exec := r.Route(plan)
	r.logger.Debug("Routing plan", "query_type", plan.QueryType(), "executor", name)

	start := time.Now()
	rs, err := exec.Execute(ctx, plan)
	r.metrics.RecordHistogram(metrics.PlanExecutionSeconds, time.Since(start).Seconds(), "executor", name)
	r.metrics.IncrementCounter(metrics.PlansExecuted, "executor", name)

	if err != nil || rs.Failed() || rs.Metadata.Error != "" {
		r.metrics.IncrementCounter(metrics.PlanFailures, "executor", name)
	}
	if err != nil {
		r.logger.Error("Plan execution failed", "query_type", plan.QueryType(), "executor", name, "error", err)
		return nil, err
	}
	return rs, nil
}
