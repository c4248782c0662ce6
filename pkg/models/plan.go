// Package models provides the plan and result types shared by the engine.
package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TFMV/quarry/pkg/errors"
)

// QueryType tags a plan variant.
type QueryType string

const (
	// QueryTypeSimple is a plain filtered lookup.
	QueryTypeSimple QueryType = "simple"
	// QueryTypeAggregationOnSubset aggregates one column over a filtered subset.
	QueryTypeAggregationOnSubset QueryType = "aggregation_on_subset"
	// QueryTypeComparison compares an aggregate across two or more subsets.
	QueryTypeComparison QueryType = "comparison"
	// QueryTypePercentage expresses one subset as a share of another.
	QueryTypePercentage QueryType = "percentage"
	// QueryTypeTrend describes an aggregate over ordered time buckets.
	QueryTypeTrend QueryType = "trend"
	// QueryTypeMultiStep runs dependent steps against one table.
	QueryTypeMultiStep QueryType = "multi_step"
	// QueryTypeCrossTable runs dependent steps across tables.
	QueryTypeCrossTable QueryType = "cross_table"
)

// IsAdvanced reports whether the type needs in-process derived computation.
func (t QueryType) IsAdvanced() bool {
	switch t {
	case QueryTypeComparison, QueryTypePercentage, QueryTypeTrend:
		return true
	}
	return false
}

// IsMultiStep reports whether the type is executed as ordered steps.
func (t QueryType) IsMultiStep() bool {
	return t == QueryTypeMultiStep || t == QueryTypeCrossTable
}

// Known reports whether t is one of the declared query types.
func (t QueryType) Known() bool {
	switch t {
	case QueryTypeSimple, QueryTypeAggregationOnSubset, QueryTypeComparison,
		QueryTypePercentage, QueryTypeTrend, QueryTypeMultiStep, QueryTypeCrossTable:
		return true
	}
	return false
}

// variablePrefix marks a filter value as a reference to a bound variable.
const variablePrefix = "@"

// Filter is a single predicate on a field.
type Filter struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// String renders the filter in a stable form used for cache keys and traces.
func (f Filter) String() string {
	op := strings.ToLower(strings.TrimSpace(f.Operator))
	if op == "" {
		op = "="
	}
	if f.Value == nil {
		return fmt.Sprintf("%s %s", f.Field, op)
	}
	return fmt.Sprintf("%s %s %s", f.Field, op, FormatScalar(f.Value))
}

// References returns the variable names the filter value refers to.
func (f Filter) References() []string {
	var refs []string
	collect := func(v interface{}) {
		if name, ok := VariableRef(v); ok {
			refs = append(refs, name)
		}
	}
	if list, ok := f.Value.([]interface{}); ok {
		for _, v := range list {
			collect(v)
		}
		return refs
	}
	collect(f.Value)
	return refs
}

// VariableRef reports whether v is a variable reference like "@peak_date".
func VariableRef(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || len(s) <= len(variablePrefix) || !strings.HasPrefix(s, variablePrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, variablePrefix), true
}

// OrderBy orders results by a field.
type OrderBy struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

// UnmarshalJSON accepts "field", "field desc" or {"field": ..., "direction": ...}.
func (o *OrderBy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parts := strings.Fields(s)
		switch len(parts) {
		case 0:
			return fmt.Errorf("empty order_by")
		case 1:
			o.Field = parts[0]
		default:
			last := strings.ToLower(parts[len(parts)-1])
			if last == "asc" || last == "desc" {
				o.Field = strings.Join(parts[:len(parts)-1], " ")
				o.Direction = last
			} else {
				o.Field = s
			}
		}
		return nil
	}
	type plain OrderBy
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = OrderBy(p)
	return nil
}

// OrderByList accepts a single order_by entry or a list of them.
type OrderByList []OrderBy

// UnmarshalJSON implements json.Unmarshaler.
func (l *OrderByList) UnmarshalJSON(data []byte) error {
	var many []OrderBy
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one OrderBy
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*l = OrderByList{one}
	return nil
}

// StringList accepts a single string or a list of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	if one == "" {
		*l = nil
		return nil
	}
	*l = StringList{one}
	return nil
}

// QueryPlan is the sealed sum type over plan variants.
type QueryPlan interface {
	// QueryType returns the declared variant tag.
	QueryType() QueryType
	// TableName returns the plan's primary table, if any.
	TableName() string
	// PlanFilters returns the plan-level filters in declared order.
	PlanFilters() []Filter
	// Validate checks the fields required by the variant.
	Validate() error

	isQueryPlan()
}

// SimplePlan is a filtered lookup executed as one statement.
type SimplePlan struct {
	Table   string      `json:"table"`
	Columns StringList  `json:"columns,omitempty"`
	Filters []Filter    `json:"filters,omitempty"`
	GroupBy StringList  `json:"group_by,omitempty"`
	OrderBy OrderByList `json:"order_by,omitempty"`
	Limit   int         `json:"limit,omitempty"`
}

// AggregationPlan aggregates one column over a filtered subset.
type AggregationPlan struct {
	Table               string      `json:"table"`
	Filters             []Filter    `json:"filters,omitempty"`
	AggregationFunction string      `json:"aggregation_function"`
	AggregationColumn   string      `json:"aggregation_column"`
	GroupBy             StringList  `json:"group_by,omitempty"`
	OrderBy             OrderByList `json:"order_by,omitempty"`
	Limit               int         `json:"limit,omitempty"`
}

// ComparisonSide is one labelled subset of a comparison.
type ComparisonSide struct {
	Label   string   `json:"label"`
	Filters []Filter `json:"filters,omitempty"`
}

// ComparisonPlan compares an aggregate across labelled subsets.
type ComparisonPlan struct {
	Table               string           `json:"table"`
	Filters             []Filter         `json:"filters,omitempty"`
	AggregationFunction string           `json:"aggregation_function"`
	AggregationColumn   string           `json:"aggregation_column"`
	Sides               []ComparisonSide `json:"sides"`
}

// PercentagePlan expresses a subset's aggregate as a share of the whole.
type PercentagePlan struct {
	Table               string   `json:"table"`
	Filters             []Filter `json:"filters,omitempty"`
	SubsetFilters       []Filter `json:"subset_filters"`
	AggregationFunction string   `json:"aggregation_function"`
	AggregationColumn   string   `json:"aggregation_column,omitempty"`
}

// TrendPlan aggregates a column across ordered time buckets.
type TrendPlan struct {
	Table               string     `json:"table"`
	Filters             []Filter   `json:"filters,omitempty"`
	AggregationFunction string     `json:"aggregation_function"`
	AggregationColumn   string     `json:"aggregation_column"`
	TimeColumn          string     `json:"time_column"`
	Buckets             StringList `json:"time_buckets,omitempty"`
}

// MultiStepPlan runs dependent steps in declared order. Type keeps the
// declared query type, which may be any variant that carried steps.
type MultiStepPlan struct {
	Type  QueryType `json:"query_type"`
	Table string    `json:"table,omitempty"`
	Steps []Step    `json:"steps"`
}

// StepOperation selects how a step is compiled.
type StepOperation string

const (
	StepOperationSelect    StepOperation = "select"
	StepOperationAggregate StepOperation = "aggregate"
	StepOperationMax       StepOperation = "max"
	StepOperationMin       StepOperation = "min"
)

// Step is one stage of a multi-step plan.
type Step struct {
	Description         string        `json:"description,omitempty"`
	Table               string        `json:"table"`
	Operation           StepOperation `json:"operation,omitempty"`
	Columns             StringList    `json:"columns,omitempty"`
	Filters             []Filter      `json:"filters,omitempty"`
	AggregationFunction string        `json:"aggregation_function,omitempty"`
	AggregationColumn   string        `json:"aggregation_column,omitempty"`
	GroupBy             StringList    `json:"group_by,omitempty"`
	OrderBy             OrderByList   `json:"order_by,omitempty"`
	Limit               int           `json:"limit,omitempty"`
	Produces            string        `json:"produces,omitempty"`
	ProducesColumn      string        `json:"produces_column,omitempty"`
	ProducesList        bool          `json:"produces_list,omitempty"`
}

// References returns every variable the step's filters refer to.
func (s Step) References() []string {
	var refs []string
	for _, f := range s.Filters {
		refs = append(refs, f.References()...)
	}
	return refs
}

// Label returns the description or a generated one.
func (s Step) Label(index int) string {
	if s.Description != "" {
		return s.Description
	}
	op := s.Operation
	if op == "" {
		op = StepOperationSelect
	}
	return fmt.Sprintf("step %d: %s on %s", index+1, op, s.Table)
}

func (*SimplePlan) isQueryPlan()      {}
func (*AggregationPlan) isQueryPlan() {}
func (*ComparisonPlan) isQueryPlan()  {}
func (*PercentagePlan) isQueryPlan()  {}
func (*TrendPlan) isQueryPlan()       {}
func (*MultiStepPlan) isQueryPlan()   {}

func (*SimplePlan) QueryType() QueryType      { return QueryTypeSimple }
func (*AggregationPlan) QueryType() QueryType { return QueryTypeAggregationOnSubset }
func (*ComparisonPlan) QueryType() QueryType  { return QueryTypeComparison }
func (*PercentagePlan) QueryType() QueryType  { return QueryTypePercentage }
func (*TrendPlan) QueryType() QueryType       { return QueryTypeTrend }

// QueryType returns the declared type, defaulting to multi_step.
func (p *MultiStepPlan) QueryType() QueryType {
	if p.Type == "" {
		return QueryTypeMultiStep
	}
	return p.Type
}

func (p *SimplePlan) TableName() string      { return p.Table }
func (p *AggregationPlan) TableName() string { return p.Table }
func (p *ComparisonPlan) TableName() string  { return p.Table }
func (p *PercentagePlan) TableName() string  { return p.Table }
func (p *TrendPlan) TableName() string       { return p.Table }

// TableName returns the plan table or, failing that, the first step's table.
func (p *MultiStepPlan) TableName() string {
	if p.Table != "" || len(p.Steps) == 0 {
		return p.Table
	}
	return p.Steps[0].Table
}

func (p *SimplePlan) PlanFilters() []Filter      { return p.Filters }
func (p *AggregationPlan) PlanFilters() []Filter { return p.Filters }
func (p *ComparisonPlan) PlanFilters() []Filter  { return p.Filters }
func (p *PercentagePlan) PlanFilters() []Filter  { return p.Filters }
func (p *TrendPlan) PlanFilters() []Filter       { return p.Filters }

// PlanFilters returns the filters of every step, in step order.
func (p *MultiStepPlan) PlanFilters() []Filter {
	var out []Filter
	for _, s := range p.Steps {
		out = append(out, s.Filters...)
	}
	return out
}

func invalid(qt QueryType, field, format string, args ...interface{}) error {
	return errors.Newf(errors.CodePlanValidation, format, args...).
		WithDetail("query_type", string(qt)).
		WithDetail("field", field)
}

func validateFilters(qt QueryType, field string, filters []Filter) error {
	for i, f := range filters {
		if strings.TrimSpace(f.Field) == "" {
			return invalid(qt, field, "%s[%d] has no field", field, i)
		}
	}
	return nil
}

func validateTable(qt QueryType, table string) error {
	if strings.TrimSpace(table) == "" {
		return invalid(qt, "table", "%s plan requires a table", qt)
	}
	return nil
}

// validateAggregate requires a function and, except for count, a column.
func validateAggregate(qt QueryType, function, column string) error {
	if strings.TrimSpace(function) == "" {
		return invalid(qt, "aggregation_function", "%s plan requires aggregation_function", qt)
	}
	if strings.TrimSpace(column) == "" && !strings.EqualFold(function, "count") {
		return invalid(qt, "aggregation_column", "%s plan requires aggregation_column", qt)
	}
	return nil
}

// Validate implements QueryPlan.
func (p *SimplePlan) Validate() error {
	if err := validateTable(QueryTypeSimple, p.Table); err != nil {
		return err
	}
	if p.Limit < 0 {
		return invalid(QueryTypeSimple, "limit", "limit cannot be negative")
	}
	return validateFilters(QueryTypeSimple, "filters", p.Filters)
}

// Validate implements QueryPlan.
func (p *AggregationPlan) Validate() error {
	qt := QueryTypeAggregationOnSubset
	if err := validateTable(qt, p.Table); err != nil {
		return err
	}
	if err := validateAggregate(qt, p.AggregationFunction, p.AggregationColumn); err != nil {
		return err
	}
	if p.Limit < 0 {
		return invalid(qt, "limit", "limit cannot be negative")
	}
	return validateFilters(qt, "filters", p.Filters)
}

// Validate implements QueryPlan.
func (p *ComparisonPlan) Validate() error {
	qt := QueryTypeComparison
	if err := validateTable(qt, p.Table); err != nil {
		return err
	}
	if err := validateAggregate(qt, p.AggregationFunction, p.AggregationColumn); err != nil {
		return err
	}
	if len(p.Sides) < 2 {
		return invalid(qt, "sides", "comparison plan requires at least two sides, got %d", len(p.Sides))
	}
	seen := make(map[string]bool, len(p.Sides))
	for i, side := range p.Sides {
		if side.Label == "" {
			return invalid(qt, "sides", "sides[%d] has no label", i)
		}
		if seen[side.Label] {
			return invalid(qt, "sides", "duplicate side label %q", side.Label)
		}
		seen[side.Label] = true
		if err := validateFilters(qt, fmt.Sprintf("sides[%d].filters", i), side.Filters); err != nil {
			return err
		}
	}
	return validateFilters(qt, "filters", p.Filters)
}

// Validate implements QueryPlan.
func (p *PercentagePlan) Validate() error {
	qt := QueryTypePercentage
	if err := validateTable(qt, p.Table); err != nil {
		return err
	}
	if err := validateAggregate(qt, p.AggregationFunction, p.AggregationColumn); err != nil {
		return err
	}
	if len(p.SubsetFilters) == 0 {
		return invalid(qt, "subset_filters", "percentage plan requires subset_filters")
	}
	if err := validateFilters(qt, "subset_filters", p.SubsetFilters); err != nil {
		return err
	}
	return validateFilters(qt, "filters", p.Filters)
}

// Validate implements QueryPlan.
func (p *TrendPlan) Validate() error {
	qt := QueryTypeTrend
	if err := validateTable(qt, p.Table); err != nil {
		return err
	}
	if strings.TrimSpace(p.TimeColumn) == "" {
		return invalid(qt, "time_column", "trend plan requires time_column")
	}
	if err := validateAggregate(qt, p.AggregationFunction, p.AggregationColumn); err != nil {
		return err
	}
	return validateFilters(qt, "filters", p.Filters)
}

// Validate implements QueryPlan. Variable references are checked by the
// executor, not here.
func (p *MultiStepPlan) Validate() error {
	qt := p.QueryType()
	if len(p.Steps) == 0 {
		return invalid(qt, "steps", "%s plan requires at least one step", qt)
	}
	produced := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.Table) == "" {
			return invalid(qt, field+".table", "step %d has no table", i+1)
		}
		switch s.Operation {
		case "", StepOperationSelect:
		case StepOperationAggregate:
			if err := validateAggregate(qt, s.AggregationFunction, s.AggregationColumn); err != nil {
				return err
			}
		case StepOperationMax, StepOperationMin:
			if strings.TrimSpace(s.AggregationColumn) == "" {
				return invalid(qt, field+".aggregation_column", "step %d (%s) requires aggregation_column", i+1, s.Operation)
			}
		default:
			return invalid(qt, field+".operation", "step %d has unknown operation %q", i+1, s.Operation)
		}
		if s.Limit < 0 {
			return invalid(qt, field+".limit", "step %d limit cannot be negative", i+1)
		}
		if s.Produces != "" {
			if prev, ok := produced[s.Produces]; ok {
				return invalid(qt, field+".produces", "variable %q is produced by both step %d and step %d", s.Produces, prev+1, i+1)
			}
			produced[s.Produces] = i
		}
		if err := validateFilters(qt, field+".filters", s.Filters); err != nil {
			return err
		}
	}
	return nil
}

// FilterStrings renders a plan's filters in declared order.
func FilterStrings(plan QueryPlan) []string {
	if plan == nil {
		return nil
	}
	filters := plan.PlanFilters()
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		out = append(out, f.String())
	}
	return out
}

// Compile-time interface checks.
var (
	_ QueryPlan = (*SimplePlan)(nil)
	_ QueryPlan = (*AggregationPlan)(nil)
	_ QueryPlan = (*ComparisonPlan)(nil)
	_ QueryPlan = (*PercentagePlan)(nil)
	_ QueryPlan = (*TrendPlan)(nil)
	_ QueryPlan = (*MultiStepPlan)(nil)
)
