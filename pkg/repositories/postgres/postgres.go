// Package postgres opens PostgreSQL storage through pgx.
package postgres

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/infrastructure/pool"
	"github.com/TFMV/quarry/pkg/repositories"
	"github.com/TFMV/quarry/pkg/repositories/sqlstore"
)

// Name is the registry name of this backend.
const Name = "postgres"

// Dialect describes PostgreSQL to the shared repository.
var Dialect = sqlstore.Dialect{
	Name:        Name,
	Placeholder: compiler.PlaceholderDollar,
	ListTablesQuery: `SELECT table_name FROM information_schema.tables
		WHERE table_schema = ANY (current_schemas(false)) ORDER BY table_name`,
}

// Open connects to cfg.DSN. With ReadOnly set, every session defaults to
// read-only transactions.
func Open(cfg repositories.Config, logger zerolog.Logger) (repositories.StorageRepository, error) {
	connCfg, err := connConfig(cfg)
	if err != nil {
		return nil, err
	}

	poolCfg := cfg.Pool
	poolCfg.Driver = Name
	poolCfg.DSN = cfg.DSN

	p, err := pool.Wrap(stdlib.OpenDB(*connCfg), poolCfg, logger)
	if err != nil {
		return nil, err
	}
	return sqlstore.New(p, Dialect, sqlstore.Options{
		StatementCacheSize: cfg.StatementCacheSize,
		Metrics:            cfg.Metrics,
	}, logger)
}

func connConfig(cfg repositories.Config) (*pgx.ConnConfig, error) {
	if cfg.DSN == "" {
		return nil, errors.New(errors.CodeConnectionFailed, "postgres backend requires a DSN")
	}
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConnectionFailed, "invalid postgres DSN")
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = make(map[string]string)
	}
	if cfg.ReadOnly {
		connCfg.RuntimeParams["default_transaction_read_only"] = "on"
	}
	connCfg.RuntimeParams["application_name"] = "quarry"
	return connCfg, nil
}
