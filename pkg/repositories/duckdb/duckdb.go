// Package duckdb opens DuckDB storage, the engine's default embedded store.
package duckdb

import (
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/infrastructure/pool"
	"github.com/TFMV/quarry/pkg/repositories"
	"github.com/TFMV/quarry/pkg/repositories/sqlstore"
)

// Name is the registry name of this backend.
const Name = "duckdb"

// Dialect describes DuckDB to the shared repository.
var Dialect = sqlstore.Dialect{
	Name:        Name,
	Placeholder: compiler.PlaceholderQuestion,
	ListTablesQuery: `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() ORDER BY table_name`,
}

// Open opens the database file at cfg.DSN, or an in-memory database when
// the DSN is empty. md: and motherduck:// DSNs open a MotherDuck database
// authenticated with cfg.Token.
func Open(cfg repositories.Config, logger zerolog.Logger) (repositories.StorageRepository, error) {
	poolCfg := cfg.Pool
	poolCfg.Driver = Name
	poolCfg.DSN = buildDSN(cfg.DSN, cfg.ReadOnly, cfg.Token)

	p, err := pool.New(poolCfg, logger)
	if err != nil {
		return nil, err
	}
	return sqlstore.New(p, Dialect, sqlstore.Options{
		StatementCacheSize: cfg.StatementCacheSize,
		Metrics:            cfg.Metrics,
	}, logger)
}

// buildDSN requests read-only access for database files. In-memory and
// MotherDuck databases cannot be opened read-only.
func buildDSN(dsn string, readOnly bool, token string) string {
	dsn = strings.TrimSpace(dsn)
	if isMotherDuck(dsn) {
		return motherDuckDSN(dsn, token)
	}
	if !readOnly || pool.IsMemoryDSN(dsn) || strings.Contains(strings.ToLower(dsn), "access_mode=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "access_mode=READ_ONLY"
}
