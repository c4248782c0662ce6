// Package sqlite opens SQLite storage through the pure-Go modernc driver.
package sqlite

import (
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/infrastructure/pool"
	"github.com/TFMV/quarry/pkg/repositories"
	"github.com/TFMV/quarry/pkg/repositories/sqlstore"
)

// Name is the registry name of this backend.
const Name = "sqlite"

// Dialect describes SQLite to the shared repository.
var Dialect = sqlstore.Dialect{
	Name:            Name,
	Placeholder:     compiler.PlaceholderQuestion,
	ListTablesQuery: "SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%' ORDER BY name",
}

// Open opens the database at cfg.DSN, or a private in-memory database.
func Open(cfg repositories.Config, logger zerolog.Logger) (repositories.StorageRepository, error) {
	poolCfg := cfg.Pool
	poolCfg.Driver = Name
	poolCfg.DSN = buildDSN(cfg.DSN, cfg.ReadOnly)

	p, err := pool.New(poolCfg, logger)
	if err != nil {
		return nil, err
	}
	return sqlstore.New(p, Dialect, sqlstore.Options{
		StatementCacheSize: cfg.StatementCacheSize,
		Metrics:            cfg.Metrics,
	}, logger)
}

// buildDSN adds a busy timeout and, for files, the read-only pragma.
func buildDSN(dsn string, readOnly bool) string {
	if pool.IsMemoryDSN(dsn) {
		if strings.TrimSpace(dsn) == "" {
			return ":memory:"
		}
		return dsn
	}

	params := []string{"_pragma=busy_timeout(5000)"}
	if readOnly {
		params = append(params, "_pragma=query_only(1)")
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + sep + strings.Join(params, "&")
}
