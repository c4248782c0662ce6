// Package sqlstore implements repositories.StorageRepository on top of
// database/sql. Dialect packages supply the driver and catalog query.
package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
	"github.com/TFMV/quarry/pkg/infrastructure/pool"
	"github.com/TFMV/quarry/pkg/models"
	"github.com/TFMV/quarry/pkg/repositories"
)

// DefaultStatementCacheSize bounds the number of prepared statements kept open.
const DefaultStatementCacheSize = 64

// Dialect describes what differs between SQL backends.
type Dialect struct {
	Name            string
	Placeholder     compiler.PlaceholderStyle
	ListTablesQuery string
}

// Options tunes a repository.
type Options struct {
	StatementCacheSize int
	Metrics            metrics.Collector
}

type storageRepository struct {
	pool       pool.ConnectionPool
	dialect    Dialect
	classifier *StatementClassifier
	logger     zerolog.Logger
	metrics    metrics.Collector

	// mu serializes statements over the shared connection. It is held
	// until rows are drained so an evicted statement is never in use.
	mu         sync.Mutex
	statements *lru.Cache[string, *sql.Stmt]
}

// New creates a storage repository over p. The repository owns p.
func New(p pool.ConnectionPool, dialect Dialect, opts Options, logger zerolog.Logger) (repositories.StorageRepository, error) {
	if p == nil {
		return nil, errors.New(errors.CodeConnectionFailed, "connection pool is required")
	}
	if opts.StatementCacheSize <= 0 {
		opts.StatementCacheSize = DefaultStatementCacheSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoOpCollector()
	}
	p.SetMetricsCollector(opts.Metrics)

	r := &storageRepository{
		pool:       p,
		dialect:    dialect,
		classifier: NewStatementClassifier(),
		logger:     logger,
		metrics:    opts.Metrics,
	}

	cache, err := lru.NewWithEvict(opts.StatementCacheSize, func(query string, stmt *sql.Stmt) {
		if err := stmt.Close(); err != nil {
			r.logger.Warn().Err(err).Str("query", query).Msg("Failed to close evicted statement")
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create statement cache")
	}
	r.statements = cache
	return r, nil
}

// Execute runs a read-only query and returns every row in order.
func (r *storageRepository) Execute(ctx context.Context, query string, args ...interface{}) (*models.QueryResult, error) {
	if !r.classifier.IsReadOnly(query) {
		return nil, errors.Newf(errors.CodeReadOnlyViolation,
			"only read-only queries are allowed, got %s statement", r.classifier.Classify(query)).
			WithDetail("query", query)
	}

	r.logger.Debug().
		Str("query", query).
		Int("args_count", len(args)).
		Msg("Executing query")

	start := time.Now()
	result, err := r.execute(ctx, query, args)
	elapsed := time.Since(start)

	rowCount := 0
	if result != nil {
		rowCount = len(result.Rows)
		result.ExecutionTime = elapsed
	}
	r.pool.QueryLogger().LogQuery(query, rowCount, elapsed, err)

	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.IncrementCounter(metrics.StorageQueries, "backend", r.dialect.Name, "status", status)
	r.metrics.RecordHistogram(metrics.StorageQuerySeconds, elapsed.Seconds(), "backend", r.dialect.Name)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *storageRepository) execute(ctx context.Context, query string, args []interface{}) (*models.QueryResult, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stmt, err := r.prepare(ctx, db, query)
	if err != nil {
		return nil, classifyStorageError(err, query)
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		// A failed statement may be stale; drop it so the next call re-prepares.
		r.statements.Remove(query)
		return nil, classifyStorageError(err, query)
	}
	defer rows.Close()

	columns, data, err := scanRows(rows)
	if err != nil {
		return nil, classifyStorageError(err, query)
	}
	return &models.QueryResult{Columns: columns, Rows: data}, nil
}

func (r *storageRepository) prepare(ctx context.Context, db *sql.DB, query string) (*sql.Stmt, error) {
	if stmt, ok := r.statements.Get(query); ok {
		return stmt, nil
	}
	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	r.statements.Add(query, stmt)
	return stmt, nil
}

// ListTables returns table and view names from the dialect's catalog query.
func (r *storageRepository) ListTables(ctx context.Context) ([]string, error) {
	result, err := r.Execute(ctx, r.dialect.ListTablesQuery)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		for _, col := range result.Columns {
			if name, ok := row[col].(string); ok {
				tables = append(tables, name)
			}
			break
		}
	}
	return tables, nil
}

// PlaceholderStyle returns the dialect's parameter syntax.
func (r *storageRepository) PlaceholderStyle() compiler.PlaceholderStyle {
	return r.dialect.Placeholder
}

// Close closes cached statements and the pool.
func (r *storageRepository) Close() error {
	r.mu.Lock()
	r.statements.Purge()
	r.mu.Unlock()

	r.logger.Info().Str("backend", r.dialect.Name).Msg("Closing storage")
	return r.pool.Close()
}

// classifyStorageError wraps a driver error as an execution error, flagging
// references to tables or columns that do not exist.
func classifyStorageError(err error, query string) error {
	var engineErr *errors.EngineError
	if stderrors.As(err, &engineErr) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.CodeExecution, "query cancelled").WithDetail("query", query)
	}

	engineErr = errors.Wrap(err, errors.CodeExecution, "query execution failed").WithDetail("query", query)
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "table with name"),
		strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist"):
		engineErr.WithDetail("reason", "table_not_found")
	case strings.Contains(msg, "no such column"),
		strings.Contains(msg, "referenced column"),
		strings.Contains(msg, "column") && strings.Contains(msg, "does not exist"):
		engineErr.WithDetail("reason", "column_not_found")
	case strings.Contains(msg, "does not exist"), strings.Contains(msg, "not found"):
		engineErr.WithDetail("reason", "not_found")
	}
	return engineErr
}
