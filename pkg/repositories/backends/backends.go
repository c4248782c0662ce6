// Package backends assembles the registry of every built-in storage backend.
package backends

import (
	"github.com/TFMV/quarry/pkg/repositories"
	"github.com/TFMV/quarry/pkg/repositories/duckdb"
	"github.com/TFMV/quarry/pkg/repositories/postgres"
	"github.com/TFMV/quarry/pkg/repositories/sqlite"
)

// Default is the backend used when none is configured.
const Default = duckdb.Name

// NewRegistry returns a registry with duckdb, sqlite and postgres registered.
func NewRegistry() *repositories.Registry {
	r := repositories.NewRegistry()
	for name, factory := range map[string]repositories.Factory{
		duckdb.Name:   duckdb.Open,
		sqlite.Name:   sqlite.Open,
		postgres.Name: postgres.Open,
	} {
		if err := r.Register(name, factory); err != nil {
			panic(err)
		}
	}
	return r
}
