package sanity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/models"
)

func resultSet(qt models.QueryType, columns []string, rows ...models.Row) *models.ResultSet {
	rs := models.NewResultSet(qt)
	rs.Columns = columns
	rs.Rows = append(rs.Rows, rows...)
	return rs
}

func TestCheck_Aggregation(t *testing.T) {
	plan := &models.AggregationPlan{Table: "sales", AggregationFunction: "sum", AggregationColumn: "amount"}
	qt := models.QueryTypeAggregationOnSubset

	tests := []struct {
		name    string
		plan    *models.AggregationPlan
		rs      *models.ResultSet
		wantErr bool
	}{
		{
			name: "single aggregate row",
			plan: plan,
			rs:   resultSet(qt, []string{"sum_amount"}, models.Row{"sum_amount": 1200.0}),
		},
		{
			name:    "missing alias",
			plan:    plan,
			rs:      resultSet(qt, []string{"amount"}, models.Row{"amount": 1.0}),
			wantErr: true,
		},
		{
			name:    "ungrouped with many rows",
			plan:    plan,
			rs:      resultSet(qt, []string{"sum_amount"}, models.Row{"sum_amount": 1.0}, models.Row{"sum_amount": 2.0}),
			wantErr: true,
		},
		{
			name: "grouped with many rows",
			plan: &models.AggregationPlan{Table: "sales", AggregationFunction: "sum", AggregationColumn: "amount", GroupBy: []string{"region"}},
			rs: resultSet(qt, []string{"region", "sum_amount"},
				models.Row{"region": "N", "sum_amount": 1.0},
				models.Row{"region": "S", "sum_amount": 2.0}),
		},
	}

	checker := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.Check(tt.plan, tt.rs)
			if tt.wantErr {
				assert.True(t, errors.IsSanityCheck(err), "expected SANITY_CHECK, got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCheck_SimpleUnlabeledScalar(t *testing.T) {
	checker := New()
	plan := &models.SimplePlan{Table: "sales"}

	for _, col := range []string{"", "count_star()", "?column?", "42"} {
		rs := resultSet(models.QueryTypeSimple, []string{col}, models.Row{col: int64(7)})
		assert.True(t, errors.IsSanityCheck(checker.Check(plan, rs)), "column %q", col)
	}

	labeled := resultSet(models.QueryTypeSimple, []string{"region"}, models.Row{"region": "North"})
	assert.NoError(t, checker.Check(plan, labeled))

	many := resultSet(models.QueryTypeSimple, []string{""}, models.Row{"": 1}, models.Row{"": 2})
	assert.NoError(t, checker.Check(plan, many))

	requested := &models.SimplePlan{Table: "sales", Columns: []string{"42"}}
	rs := resultSet(models.QueryTypeSimple, []string{"42"}, models.Row{"42": 1})
	assert.NoError(t, checker.Check(requested, rs))
}

func TestCheck_RequiresQueryType(t *testing.T) {
	checker := New()
	assert.Error(t, checker.Check(&models.SimplePlan{Table: "t"}, nil))
	assert.Error(t, checker.Check(&models.SimplePlan{Table: "t"}, &models.ResultSet{}))
}
