package services

import (
	"context"
	stderrors "errors"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/models"
	"github.com/TFMV/quarry/pkg/repositories"
	"github.com/TFMV/quarry/pkg/sanity"
)

// StandardExecutor runs simple and aggregation plans as a single statement.
// Compilation and storage errors are returned to the caller; a result with
// an unexpected shape is returned with metadata.error set.
type StandardExecutor struct {
	storage  repositories.StorageRepository
	compiler *compiler.Compiler
	checker  *sanity.Checker
	logger   Logger
}

// NewStandardExecutor creates a standard executor.
func NewStandardExecutor(storage repositories.StorageRepository, logger Logger) *StandardExecutor {
	return &StandardExecutor{
		storage:  storage,
		compiler: compiler.New(storage.PlaceholderStyle()),
		checker:  sanity.New(),
		logger:   orNoopLogger(logger),
	}
}

// Execute implements Executor.
func (e *StandardExecutor) Execute(ctx context.Context, plan models.QueryPlan) (*models.ResultSet, error) {
	if plan == nil {
		return nil, errors.New(errors.CodePlanValidation, "no plan")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	stmt, err := e.compiler.Compile(plan)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Executing plan", "query_type", plan.QueryType(), "sql", stmt.SQL, "args", len(stmt.Args))

	qr, err := e.storage.Execute(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, asExecutionError(err, stmt.SQL)
	}

	rs := models.FromQueryResult(plan.QueryType(), qr)
	rs.Metadata.Queries = []string{stmt.SQL}
	if p, ok := plan.(*models.AggregationPlan); ok {
		rs.Metadata.AggregationFunction = p.AggregationFunction
		rs.Metadata.AggregationColumn = p.AggregationColumn
	}

	if err := e.checker.Check(plan, rs); err != nil {
		e.logger.Warn("Result failed sanity check", "query_type", plan.QueryType(), "error", err)
		rs.Metadata.Error = errors.GetMessage(err)
	}
	return rs, nil
}

// asExecutionError keeps engine errors and wraps anything else as EXECUTION.
func asExecutionError(err error, query string) error {
	var engineErr *errors.EngineError
	if stderrors.As(err, &engineErr) {
		return err
	}
	return errors.Wrap(err, errors.CodeExecution, "query execution failed").WithDetail("query", query)
}
