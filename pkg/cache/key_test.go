package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TFMV/quarry/pkg/models"
)

func TestNormalizeQuestion(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"basic", "  What were total SALES in November?  ", "what were total sales in november"},
		{"collapse whitespace", "total\t\tsales \n by   region", "total sales by region"},
		{"trailing punctuation", "total sales?!...", "total sales"},
		{"filler words", "Please can you tell me the total sales", "the total sales"},
		{"month abbreviation", "sales in Nov.", "sales in november"},
		{"month abbreviation mid sentence", "compare jan and feb revenue", "compare january and february revenue"},
		{"only filler kept", "please", "please"},
		{"non-ascii skips aggressive step", "Ventes totales en nov. s'il vous plaît ?", "ventes totales en nov. s'il vous plaît"},
		{"non-ascii keeps fillers", "please montre-moi les données à jour", "please montre-moi les données à jour"},
		{"cjk punctuation", "十一月的销售额是多少？", "十一月的销售额是多少"},
		{"nfc", "café sales", "café sales"},
		{"kelvin sign counts as non-ascii", "Please show sales for nov \u212A", "please show sales for nov k"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuestion(tt.in))
		})
	}
}

func TestNormalizeQuestion_Idempotent(t *testing.T) {
	inputs := []string{
		"What were total SALES in November?",
		"please please just show me jan sales.",
		"Can you tell me, please, the sales ?",
		"um uh hey",
		"sales in sept. vs oct.?",
		"données de ventes ?",
		"tell me tell me",
		strings.Repeat("tell ", 10) + "please" + strings.Repeat(" me", 10) + " sales",
		strings.Repeat("can you ", 6) + "please" + strings.Repeat(" tell me", 6) + " jan sales",
		"",
	}
	for _, in := range inputs {
		once := NormalizeQuestion(in)
		assert.Equal(t, once, NormalizeQuestion(once), "input %q", in)
	}
}

func TestKey(t *testing.T) {
	base := Key("sales_csv", "Total sales in Nov?", []string{"month = November", "region = east"}, "sales")

	assert.Len(t, base, 64)
	assert.Equal(t, base, Key("sales_csv", "total sales in november", []string{"region = east", "month = November"}, "sales"),
		"normalized question and filter order do not matter")

	assert.NotEqual(t, base, Key("other_csv", "Total sales in Nov?", []string{"month = November", "region = east"}, "sales"))
	assert.NotEqual(t, base, Key("sales_csv", "Total sales in Dec?", []string{"month = November", "region = east"}, "sales"))
	assert.NotEqual(t, base, Key("sales_csv", "Total sales in Nov?", []string{"month = November"}, "sales"))
	assert.NotEqual(t, base, Key("sales_csv", "Total sales in Nov?", []string{"month = November", "region = east"}, ""))
}

func TestKey_DoesNotMutateFilters(t *testing.T) {
	filters := []string{"b", "a"}
	Key("s", "q", filters, "")
	assert.Equal(t, []string{"b", "a"}, filters)
}

func TestKey_FieldBoundaries(t *testing.T) {
	assert.NotEqual(t, Key("ab", "c", nil, ""), Key("a", "bc", nil, ""))
	assert.NotEqual(t, Key("s", "q", []string{"t"}, ""), Key("s", "q", nil, "t"))
}

func TestRequestKey(t *testing.T) {
	plan := &models.AggregationPlan{
		Table:               "sales",
		AggregationFunction: "sum",
		AggregationColumn:   "amount",
		Filters:             []models.Filter{{Field: "month", Operator: "=", Value: "November"}},
	}
	req := &models.ExecutionRequest{SourceID: "sales_csv", Question: "Total sales in November?", Plan: plan}

	assert.Equal(t, RequestKey(req), RequestKey(&models.ExecutionRequest{
		SourceID: "sales_csv", Question: "total sales in nov", Plan: plan,
	}))
	assert.NotEqual(t, Key("sales_csv", "Total sales in November?", []string{"month = November"}, "sales"), RequestKey(req))
	assert.Equal(t, Key("", "", nil, ""), RequestKey(nil))
}

func TestRequestKey_DistinguishesPlans(t *testing.T) {
	filters := []models.Filter{{Field: "month", Operator: "=", Value: "November"}}
	plans := []models.QueryPlan{
		&models.SimplePlan{Table: "sales", Filters: filters},
		&models.AggregationPlan{Table: "sales", Filters: filters, AggregationFunction: "sum", AggregationColumn: "amount"},
		&models.AggregationPlan{Table: "sales", Filters: filters, AggregationFunction: "avg", AggregationColumn: "amount"},
		&models.AggregationPlan{Table: "sales", Filters: filters, AggregationFunction: "sum", AggregationColumn: "amount", GroupBy: models.StringList{"region"}},
		&models.TrendPlan{Table: "sales", Filters: filters, AggregationFunction: "sum", AggregationColumn: "amount", TimeColumn: "month"},
	}

	keys := make(map[string]bool)
	for _, plan := range plans {
		for _, question := range []string{"", "How are sales?"} {
			keys[RequestKey(&models.ExecutionRequest{SourceID: "sales_csv", Question: question, Plan: plan})] = true
		}
	}
	assert.Len(t, keys, 2*len(plans))
}

func TestPlanFingerprint(t *testing.T) {
	simple := &models.SimplePlan{Table: "sales"}

	assert.Equal(t, "", PlanFingerprint(nil))
	assert.True(t, strings.HasPrefix(PlanFingerprint(simple), "simple:"))
	assert.Equal(t, PlanFingerprint(simple), PlanFingerprint(&models.SimplePlan{Table: "sales"}))
	assert.NotEqual(t, PlanFingerprint(simple), PlanFingerprint(&models.SimplePlan{Table: "sales", Limit: 5}))
}
