// Package pool manages the shared database handle used by storage backends.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
)

// Config represents pool configuration.
type Config struct {
	Driver             string        `json:"driver" yaml:"driver"`
	DSN                string        `json:"dsn" yaml:"dsn"`
	MaxOpenConnections int           `json:"max_open_connections" yaml:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections" yaml:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `json:"health_check_period" yaml:"health_check_period"`
	ConnectionTimeout  time.Duration `json:"connection_timeout" yaml:"connection_timeout"`

	EnableSlowQueryLogging bool          `json:"enable_slow_query_logging" yaml:"enable_slow_query_logging"`
	SlowQueryThreshold     time.Duration `json:"slow_query_threshold" yaml:"slow_query_threshold"`
}

// ConnectionPool hands out the shared database handle.
type ConnectionPool interface {
	// Get returns the database handle.
	Get(ctx context.Context) (*sql.DB, error)
	// Stats returns pool statistics.
	Stats() PoolStats
	// HealthCheck pings the database and runs a trivial query.
	HealthCheck(ctx context.Context) error
	// QueryLogger returns the logger for executed statements.
	QueryLogger() *QueryLogger
	// Close closes the connection pool.
	Close() error
	// SetMetricsCollector sets the metrics collector.
	SetMetricsCollector(collector metrics.Collector)
}

// PoolStats represents connection pool statistics.
type PoolStats struct {
	Driver            string        `json:"driver"`
	OpenConnections   int           `json:"open_connections"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
	LastHealthCheck   time.Time     `json:"last_health_check"`
	HealthCheckStatus string        `json:"health_check_status"`
}

type connectionPool struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger

	closed atomic.Bool

	lastHealthCheck atomic.Int64 // unix seconds
	healthStatus    atomic.Value // string

	ctx    context.Context
	cancel context.CancelFunc

	waitCount    atomic.Int64
	waitDuration atomic.Int64

	queryLogger *QueryLogger

	mu               sync.RWMutex
	metricsCollector metrics.Collector
}

// QueryLogger logs executed statements, promoting slow ones to warnings.
type QueryLogger struct {
	logger    zerolog.Logger
	threshold time.Duration
	enabled   bool
}

// NewQueryLogger creates a new query logger.
func NewQueryLogger(logger zerolog.Logger, threshold time.Duration, enabled bool) *QueryLogger {
	return &QueryLogger{
		logger:    logger,
		threshold: threshold,
		enabled:   enabled,
	}
}

// LogQuery logs query execution details.
func (ql *QueryLogger) LogQuery(query string, rows int, duration time.Duration, err error) {
	if ql == nil {
		return
	}
	if err != nil {
		ql.logger.Error().
			Err(err).
			Str("query", truncateQuery(query)).
			Dur("duration", duration).
			Msg("Query execution failed")
		return
	}
	if !ql.enabled {
		return
	}

	logEvent := ql.logger.Debug()
	if duration > ql.threshold {
		logEvent = ql.logger.Warn().Bool("slow_query", true)
	}

	logEvent.
		Dur("duration", duration).
		Int("rows", rows).
		Str("query", truncateQuery(query)).
		Msg("Query executed")
}

// IsMemoryDSN reports whether dsn names a private in-memory database, which
// only survives on a single long-lived connection.
func IsMemoryDSN(dsn string) bool {
	d := strings.TrimSpace(dsn)
	return d == "" || strings.Contains(d, ":memory:") || strings.Contains(d, "mode=memory")
}

// New opens the database with cfg.Driver and verifies it with a health check.
func New(cfg Config, logger zerolog.Logger) (ConnectionPool, error) {
	if cfg.Driver == "" {
		return nil, pkgerrors.New(pkgerrors.CodeConnectionFailed, "no database driver configured")
	}
	if cfg.DSN == "" && cfg.Driver != "duckdb" {
		cfg.DSN = ":memory:"
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to open database")
	}
	return Wrap(db, cfg, logger)
}

// Wrap adopts an already opened handle, e.g. one built from a driver
// connector. The pool takes ownership and closes db on Close.
func Wrap(db *sql.DB, cfg Config, logger zerolog.Logger) (ConnectionPool, error) {
	if db == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConnectionFailed, "nil database handle")
	}
	applyDefaults(&cfg)

	logger.Info().
		Str("driver", cfg.Driver).
		Str("dsn", maskDSN(cfg.DSN)).
		Int("max_open", cfg.MaxOpenConnections).
		Int("max_idle", cfg.MaxIdleConnections).
		Dur("conn_lifetime", cfg.ConnMaxLifetime).
		Dur("conn_idle_time", cfg.ConnMaxIdleTime).
		Msg("Opening storage connection pool")

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return newPool(db, cfg, logger)
}

func applyDefaults(cfg *Config) {
	// One shared connection by default: statements are serialized through it.
	if cfg.MaxOpenConnections <= 0 || IsMemoryDSN(cfg.DSN) {
		cfg.MaxOpenConnections = 1
	}
	if cfg.MaxIdleConnections <= 0 || cfg.MaxIdleConnections > cfg.MaxOpenConnections {
		cfg.MaxIdleConnections = cfg.MaxOpenConnections
	}
	if IsMemoryDSN(cfg.DSN) {
		cfg.ConnMaxLifetime = 0
		cfg.ConnMaxIdleTime = 0
	} else {
		if cfg.ConnMaxLifetime <= 0 {
			cfg.ConnMaxLifetime = 30 * time.Minute
		}
		if cfg.ConnMaxIdleTime <= 0 {
			cfg.ConnMaxIdleTime = 10 * time.Minute
		}
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = time.Second
	}
}

func newPool(db *sql.DB, cfg Config, logger zerolog.Logger) (ConnectionPool, error) {
	ctx, cancel := context.WithCancel(context.Background())

	p := &connectionPool{
		db:               db,
		config:           cfg,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
		queryLogger:      NewQueryLogger(logger, cfg.SlowQueryThreshold, cfg.EnableSlowQueryLogging),
		metricsCollector: metrics.NewNoOpCollector(),
	}
	p.healthStatus.Store("unknown")

	connCtx, connCancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer connCancel()

	if err := p.HealthCheck(connCtx); err != nil {
		db.Close()
		cancel()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "initial health check failed")
	}

	if cfg.HealthCheckPeriod > 0 {
		go p.healthCheckRoutine(ctx)
	}

	logger.Info().Str("driver", cfg.Driver).Msg("Storage connection pool ready")
	return p, nil
}

// Get returns the database handle.
func (p *connectionPool) Get(ctx context.Context) (*sql.DB, error) {
	if p.closed.Load() {
		return nil, pkgerrors.New(pkgerrors.CodeConnectionFailed, "connection pool is closed")
	}

	start := time.Now()
	p.waitCount.Add(1)
	defer func() {
		p.waitDuration.Add(int64(time.Since(start)))
	}()

	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "context done before acquiring connection")
	}

	stats := p.db.Stats()
	p.collector().RecordGauge(metrics.OpenConnections, float64(stats.OpenConnections), "driver", p.config.Driver)

	return p.db, nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	dbStats := p.db.Stats()

	return PoolStats{
		Driver:            p.config.Driver,
		OpenConnections:   dbStats.OpenConnections,
		InUse:             dbStats.InUse,
		Idle:              dbStats.Idle,
		WaitCount:         p.waitCount.Load(),
		WaitDuration:      time.Duration(p.waitDuration.Load()),
		MaxIdleClosed:     dbStats.MaxIdleClosed,
		MaxLifetimeClosed: dbStats.MaxLifetimeClosed,
		LastHealthCheck:   time.Unix(p.lastHealthCheck.Load(), 0),
		HealthCheckStatus: p.getHealthStatus(),
	}
}

// QueryLogger returns the statement logger.
func (p *connectionPool) QueryLogger() *QueryLogger {
	return p.queryLogger
}

// SetMetricsCollector sets the metrics collector.
func (p *connectionPool) SetMetricsCollector(collector metrics.Collector) {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metricsCollector = collector
}

func (p *connectionPool) collector() metrics.Collector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metricsCollector
}

// HealthCheck performs a health check on the pool.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return pkgerrors.New(pkgerrors.CodeConnectionFailed, "connection pool is closed")
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.updateHealthStatus("unhealthy", err.Error())
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "health check ping failed")
	}

	var result int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		p.updateHealthStatus("unhealthy", "query test failed")
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "health check query failed")
	}
	if result != 1 {
		p.updateHealthStatus("unhealthy", "query test returned unexpected result")
		return pkgerrors.Newf(pkgerrors.CodeConnectionFailed, "health check query returned %d", result)
	}

	p.updateHealthStatus("healthy", "")
	return nil
}

// Close closes the connection pool.
func (p *connectionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.logger.Info().Str("driver", p.config.Driver).Msg("Closing storage connection pool")
	p.cancel()

	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close database")
	}
	return nil
}

// healthCheckRoutine performs periodic health checks until ctx is cancelled.
func (p *connectionPool) healthCheckRoutine(ctx context.Context) {
	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	p.logger.Info().Dur("period", p.config.HealthCheckPeriod).Msg("Health check routine started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Health check routine stopped")
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := p.HealthCheck(probeCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Msg("Periodic health check failed")
			}
			cancel()
		}
	}
}

func (p *connectionPool) updateHealthStatus(status, detail string) {
	p.lastHealthCheck.Store(time.Now().Unix())
	p.healthStatus.Store(status)

	if status == "unhealthy" && detail != "" {
		p.logger.Warn().
			Str("status", status).
			Str("detail", detail).
			Msg("Connection pool health status changed")
	}
}

func (p *connectionPool) getHealthStatus() string {
	if v := p.healthStatus.Load(); v != nil {
		return v.(string)
	}
	return "unknown"
}

// maskDSN hides passwords, tokens and secrets but keeps enough of the
// string to be recognisable in logs.
//
//   - ":memory:" or empty → returned verbatim
//   - URL-like DSNs       → redact user password and sensitive query params
//   - plain paths         → keep first/last 3 runes, mask the middle
func maskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" || u.Host != "" || u.User != nil || u.RawQuery != ""
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}

// truncateQuery truncates long queries for logging.
func truncateQuery(query string) string {
	const maxLen = 200
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}
