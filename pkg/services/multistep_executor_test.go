package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/quarry/pkg/models"
)

func TestMultiStepExecutor_PeakMonthTotal(t *testing.T) {
	exec := NewMultiStepExecutor(newSalesStore(t), nil)

	rs, err := exec.Execute(context.Background(), &models.MultiStepPlan{
		Steps: []models.Step{
			{
				Description:       "find the month of the largest sale",
				Table:             "sales",
				Operation:         models.StepOperationMax,
				AggregationColumn: "amount",
				Produces:          "peak_month",
				ProducesColumn:    "month",
			},
			{
				Description:         "total sales in that month",
				Table:               "sales",
				Operation:           models.StepOperationAggregate,
				AggregationFunction: "sum",
				AggregationColumn:   "amount",
				Filters:             []models.Filter{where("month", "=", "@peak_month")},
			},
		},
	})
	require.NoError(t, err)

	require.NotNil(t, rs.Metadata.Success)
	assert.True(t, *rs.Metadata.Success)
	assert.True(t, rs.Metadata.IsMultiStep)
	assert.Equal(t, "March", rs.Metadata.Variables["peak_month"])
	assert.Equal(t, []string{"sum_amount"}, rs.Columns)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, float64(320), rs.Rows[0]["sum_amount"])

	require.Len(t, rs.Metadata.StepsExecuted, 2)
	assert.Equal(t, models.StepBound, rs.Metadata.StepsExecuted[0].Status)
	assert.Equal(t, "March", rs.Metadata.StepsExecuted[0].Value)
	assert.Equal(t, models.StepCompleted, rs.Metadata.StepsExecuted[1].Status)
	assert.Len(t, rs.Metadata.Queries, 2)
}

func TestMultiStepExecutor_CrossTableList(t *testing.T) {
	exec := NewMultiStepExecutor(newSalesStore(t), nil)

	rs, err := exec.Execute(context.Background(), &models.MultiStepPlan{
		Type: models.QueryTypeCrossTable,
		Steps: []models.Step{
			{
				Table:        "products",
				Columns:      models.StringList{"name"},
				Filters:      []models.Filter{where("category", "=", "tools")},
				Produces:     "tools",
				ProducesList: true,
			},
			{
				Table:               "sales",
				Operation:           models.StepOperationAggregate,
				AggregationFunction: "sum",
				AggregationColumn:   "amount",
				Filters:             []models.Filter{where("product", "=", "@tools")},
			},
		},
	})
	require.NoError(t, err)

	assert.True(t, *rs.Metadata.Success)
	assert.Equal(t, models.QueryTypeCrossTable, rs.Metadata.QueryType)
	assert.ElementsMatch(t, []interface{}{"widget", "gizmo"}, rs.Metadata.Variables["tools"])
	assert.Equal(t, float64(570), rs.Rows[0]["sum_amount"])
	assert.Contains(t, rs.Metadata.Queries[1], "IN (")
}

func TestMultiStepExecutor_ZeroRowsFailDependentStep(t *testing.T) {
	exec := NewMultiStepExecutor(newSalesStore(t), nil)

	rs, err := exec.Execute(context.Background(), &models.MultiStepPlan{
		Steps: []models.Step{
			{
				Description: "month of northern sales",
				Table:       "sales",
				Columns:     models.StringList{"month"},
				Filters:     []models.Filter{where("region", "=", "north")},
				Produces:    "north_month",
			},
			{
				Table:   "sales",
				Filters: []models.Filter{where("month", "=", "@north_month")},
			},
		},
	})
	require.NoError(t, err)

	require.NotNil(t, rs.Metadata.Success)
	assert.False(t, *rs.Metadata.Success)
	assert.Empty(t, rs.Rows)
	require.NotNil(t, rs.Metadata.Analysis)
	assert.Equal(t, 1, rs.Metadata.Analysis.FailedStep)
	assert.Contains(t, rs.Metadata.Analysis.Error, "step 1 (month of northern sales) failed")
	assert.Equal(t, models.StepFailed, rs.Metadata.StepsExecuted[0].Status)
	assert.Equal(t, models.StepPending, rs.Metadata.StepsExecuted[1].Status)
	assert.Len(t, rs.Metadata.Queries, 1)
}

func TestMultiStepExecutor_ZeroRowsWithoutDependentBindsNil(t *testing.T) {
	exec := NewMultiStepExecutor(newSalesStore(t), nil)

	rs, err := exec.Execute(context.Background(), &models.MultiStepPlan{
		Steps: []models.Step{
			{
				Table:    "sales",
				Columns:  models.StringList{"month"},
				Filters:  []models.Filter{where("region", "=", "north")},
				Produces: "unused",
			},
			{Table: "products", Columns: models.StringList{"name"}},
		},
	})
	require.NoError(t, err)

	assert.True(t, *rs.Metadata.Success)
	v, ok := rs.Metadata.Variables["unused"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Len(t, rs.Rows, 3)
}

func TestMultiStepExecutor_ForwardReference(t *testing.T) {
	store := &mockStorage{executeFunc: func(context.Context, string, ...interface{}) (*models.QueryResult, error) {
		t.Fatal("no statement should run")
		return nil, nil
	}}
	exec := NewMultiStepExecutor(store, nil)

	rs, err := exec.Execute(context.Background(), &models.MultiStepPlan{
		Steps: []models.Step{
			{Table: "sales", Filters: []models.Filter{where("month", "=", "@later")}},
			{Table: "sales", Columns: models.StringList{"month"}, Produces: "later"},
		},
	})
	require.NoError(t, err)

	assert.False(t, *rs.Metadata.Success)
	assert.Equal(t, 1, rs.Metadata.Analysis.FailedStep)
	assert.Contains(t, rs.Metadata.Analysis.Error, "@later")
	assert.Contains(t, rs.Metadata.Analysis.Error, "produced by step 2")
	assert.Empty(t, store.executed())
}

func TestMultiStepExecutor_InvalidPlans(t *testing.T) {
	exec := NewMultiStepExecutor(&mockStorage{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		plan models.QueryPlan
		want string
	}{
		{"nil plan", nil, "no plan"},
		{"wrong variant", &models.SimplePlan{Table: "sales"}, "not multi-step"},
		{"no steps", &models.MultiStepPlan{}, "at least one step"},
		{"unknown operation", &models.MultiStepPlan{Steps: []models.Step{{Table: "t", Operation: "pivot"}}}, "unknown operation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := exec.Execute(ctx, tt.plan)
			require.NoError(t, err)
			assert.False(t, *rs.Metadata.Success)
			assert.Contains(t, rs.Metadata.Analysis.Error, tt.want)
		})
	}
}

func TestBindFilters(t *testing.T) {
	vars := map[string]interface{}{
		"month":  "March",
		"names":  []interface{}{"a", "b"},
		"amount": 10.5,
	}

	got, err := bindFilters([]models.Filter{
		where("month", "=", "@month"),
		where("name", "=", "@names"),
		where("name", "!=", "@names"),
		where("amount", ">", "@amount"),
		where("tag", "in", []interface{}{"@month", "x"}),
		where("note", "=", "@"),
	}, vars)
	require.NoError(t, err)

	assert.Equal(t, where("month", "=", "March"), got[0])
	assert.Equal(t, where("name", "in", []interface{}{"a", "b"}), got[1])
	assert.Equal(t, where("name", "not in", []interface{}{"a", "b"}), got[2])
	assert.Equal(t, where("amount", ">", 10.5), got[3])
	assert.Equal(t, where("tag", "in", []interface{}{"March", "x"}), got[4])
	assert.Equal(t, where("note", "=", "@"), got[5])

	_, err = bindFilters([]models.Filter{where("x", "=", "@missing")}, vars)
	assert.Error(t, err)
}
