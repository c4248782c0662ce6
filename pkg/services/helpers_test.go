package services

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/infrastructure/pool"
	"github.com/TFMV/quarry/pkg/models"
	"github.com/TFMV/quarry/pkg/repositories"
	"github.com/TFMV/quarry/pkg/repositories/sqlite"
	"github.com/TFMV/quarry/pkg/repositories/sqlstore"
)

// mockStorage implements repositories.StorageRepository
type mockStorage struct {
	mu          sync.Mutex
	executeFunc func(ctx context.Context, query string, args ...interface{}) (*models.QueryResult, error)
	queries     []string
}

func (m *mockStorage) Execute(ctx context.Context, query string, args ...interface{}) (*models.QueryResult, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()
	return m.executeFunc(ctx, query, args...)
}

func (m *mockStorage) ListTables(context.Context) ([]string, error) {
	return nil, nil
}

func (m *mockStorage) PlaceholderStyle() compiler.PlaceholderStyle {
	return compiler.PlaceholderQuestion
}

func (m *mockStorage) Close() error {
	return nil
}

func (m *mockStorage) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

func resultOf(columns []string, rows ...models.Row) *models.QueryResult {
	if rows == nil {
		rows = []models.Row{}
	}
	return &models.QueryResult{Columns: columns, Rows: rows}
}

// newSalesStore returns an in-memory SQLite repository seeded with a small
// sales dataset:
//
//	month     total  east  west
//	January   150    100   50
//	February  230    150   80
//	March     320    120   200
func newSalesStore(t *testing.T) repositories.StorageRepository {
	t.Helper()

	p, err := pool.New(pool.Config{Driver: "sqlite", DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)

	db, err := p.Get(context.Background())
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE sales (region TEXT, month TEXT, period TEXT, product TEXT, amount REAL, units INTEGER);
		INSERT INTO sales VALUES
			('east', 'January',  '2024-01', 'widget', 100, 2),
			('west', 'January',  '2024-01', 'gadget', 50,  1),
			('east', 'February', '2024-02', 'widget', 150, 3),
			('west', 'February', '2024-02', 'gadget', 80,  2),
			('east', 'March',    '2024-03', 'gizmo',  120, 1),
			('west', 'March',    '2024-03', 'widget', 200, 4);
		CREATE TABLE products (name TEXT, category TEXT);
		INSERT INTO products VALUES
			('widget', 'tools'),
			('gadget', 'toys'),
			('gizmo',  'tools');`)
	require.NoError(t, err)

	repo, err := sqlstore.New(p, sqlite.Dialect, sqlstore.Options{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func where(field, op string, value interface{}) models.Filter {
	return models.Filter{Field: field, Operator: op, Value: value}
}
