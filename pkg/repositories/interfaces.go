// Package repositories defines the read-only storage boundary of the engine.
package repositories

import (
	"context"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
	"github.com/TFMV/quarry/pkg/infrastructure/pool"
	"github.com/TFMV/quarry/pkg/models"
)

// StorageRepository executes read-only statements against tabular storage.
type StorageRepository interface {
	// Execute runs a query with bound parameters and returns all rows in order.
	Execute(ctx context.Context, query string, args ...interface{}) (*models.QueryResult, error)
	// ListTables returns the table names visible to the engine.
	ListTables(ctx context.Context) ([]string, error)
	// PlaceholderStyle returns the parameter syntax the backend expects.
	PlaceholderStyle() compiler.PlaceholderStyle
	// Close releases the underlying connection.
	Close() error
}

// Config selects and configures a storage backend.
type Config struct {
	Backend string `json:"backend" yaml:"backend"`
	DSN     string `json:"dsn" yaml:"dsn"`
	// ReadOnly asks the backend to enforce read-only access natively where
	// it can. Statements are classified and non-queries rejected regardless.
	ReadOnly           bool        `json:"read_only" yaml:"read_only"`
	StatementCacheSize int         `json:"statement_cache_size" yaml:"statement_cache_size"`
	Pool               pool.Config `json:"pool" yaml:"pool"`

	// Token authenticates against hosted stores (MotherDuck).
	Token   string            `json:"-" yaml:"-"`
	Metrics metrics.Collector `json:"-" yaml:"-"`
}
