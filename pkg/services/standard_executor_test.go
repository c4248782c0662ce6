package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/models"
)

func TestStandardExecutor_Simple(t *testing.T) {
	exec := NewStandardExecutor(newSalesStore(t), nil)

	rs, err := exec.Execute(context.Background(), &models.SimplePlan{
		Table:   "sales",
		Columns: models.StringList{"month", "amount"},
		Filters: []models.Filter{where("region", "=", "east")},
		OrderBy: models.OrderByList{{Field: "amount", Direction: "desc"}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.QueryTypeSimple, rs.Metadata.QueryType)
	assert.Equal(t, []string{"month", "amount"}, rs.Columns)
	require.Len(t, rs.Rows, 3)
	assert.Equal(t, "February", rs.Rows[0]["month"])
	assert.Equal(t, float64(150), rs.Rows[0]["amount"])
	assert.Len(t, rs.Metadata.Queries, 1)
	assert.Empty(t, rs.Metadata.Error)
}

func TestStandardExecutor_AggregationOnSubset(t *testing.T) {
	exec := NewStandardExecutor(newSalesStore(t), nil)

	rs, err := exec.Execute(context.Background(), &models.AggregationPlan{
		Table:               "sales",
		Filters:             []models.Filter{where("region", "=", "west")},
		AggregationFunction: "sum",
		AggregationColumn:   "amount",
	})
	require.NoError(t, err)

	assert.Equal(t, models.QueryTypeAggregationOnSubset, rs.Metadata.QueryType)
	assert.Equal(t, []string{"sum_amount"}, rs.Columns)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, float64(330), rs.Rows[0]["sum_amount"])
	assert.Equal(t, "sum", rs.Metadata.AggregationFunction)
	assert.Equal(t, "amount", rs.Metadata.AggregationColumn)
}

func TestStandardExecutor_GroupedAggregation(t *testing.T) {
	exec := NewStandardExecutor(newSalesStore(t), nil)

	rs, err := exec.Execute(context.Background(), &models.AggregationPlan{
		Table:               "sales",
		AggregationFunction: "count",
		GroupBy:             models.StringList{"region"},
		OrderBy:             models.OrderByList{{Field: "region"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"region", "count"}, rs.Columns)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, "east", rs.Rows[0]["region"])
	assert.EqualValues(t, 3, rs.Rows[0]["count"])
}

func TestStandardExecutor_ValuesAreParameterized(t *testing.T) {
	store := &mockStorage{executeFunc: func(_ context.Context, query string, args ...interface{}) (*models.QueryResult, error) {
		assert.NotContains(t, query, "Robert")
		assert.Equal(t, []interface{}{"Robert'); DROP TABLE sales;--"}, args)
		return resultOf([]string{"name"}, models.Row{"name": "x"}), nil
	}}
	exec := NewStandardExecutor(store, nil)

	_, err := exec.Execute(context.Background(), &models.SimplePlan{
		Table:   "users",
		Columns: models.StringList{"name"},
		Filters: []models.Filter{where("name", "=", "Robert'); DROP TABLE sales;--")},
	})
	require.NoError(t, err)
}

func TestStandardExecutor_Errors(t *testing.T) {
	store := &mockStorage{executeFunc: func(context.Context, string, ...interface{}) (*models.QueryResult, error) {
		return nil, fmt.Errorf("no such table: nope")
	}}
	exec := NewStandardExecutor(store, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		plan  models.QueryPlan
		check func(error) bool
	}{
		{"nil plan", nil, errors.IsPlanValidation},
		{"missing table", &models.SimplePlan{}, errors.IsPlanValidation},
		{"unsupported function", &models.AggregationPlan{Table: "t", AggregationFunction: "median", AggregationColumn: "x"}, errors.IsCompilation},
		{"storage failure", &models.SimplePlan{Table: "nope"}, errors.IsExecution},
		{"advanced plan", &models.TrendPlan{Table: "t", TimeColumn: "m", AggregationFunction: "sum", AggregationColumn: "x"}, errors.IsCompilation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := exec.Execute(ctx, tt.plan)
			require.Error(t, err)
			assert.Nil(t, rs)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func TestStandardExecutor_SanityFailureAnnotatesResult(t *testing.T) {
	store := &mockStorage{executeFunc: func(context.Context, string, ...interface{}) (*models.QueryResult, error) {
		return resultOf([]string{"unexpected"}, models.Row{"unexpected": 1}), nil
	}}
	exec := NewStandardExecutor(store, nil)

	rs, err := exec.Execute(context.Background(), &models.AggregationPlan{
		Table:               "sales",
		AggregationFunction: "sum",
		AggregationColumn:   "amount",
	})
	require.NoError(t, err)
	assert.Contains(t, rs.Metadata.Error, "sum_amount")
	assert.Len(t, rs.Rows, 1)
}
