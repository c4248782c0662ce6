package services

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/models"
	"github.com/TFMV/quarry/pkg/repositories"
)

// flatThreshold is the change, in percent of the starting value, below
// which a trend counts as flat.
const flatThreshold = 1.0

// AdvancedExecutor runs comparison, percentage and trend plans. It issues
// one or more aggregate queries and derives the metric in process. It never
// returns an error: failures come back as an empty result whose
// analysis.error explains what went wrong.
type AdvancedExecutor struct {
	storage  repositories.StorageRepository
	compiler *compiler.Compiler
	logger   Logger
}

// NewAdvancedExecutor creates an advanced executor.
func NewAdvancedExecutor(storage repositories.StorageRepository, logger Logger) *AdvancedExecutor {
	return &AdvancedExecutor{
		storage:  storage,
		compiler: compiler.New(storage.PlaceholderStyle()),
		logger:   orNoopLogger(logger),
	}
}

// run accumulates the statements issued for one plan.
type run struct {
	queries []string
}

// Execute implements Executor. The returned error is always nil.
func (e *AdvancedExecutor) Execute(ctx context.Context, plan models.QueryPlan) (rs *models.ResultSet, err error) {
	qt := models.QueryType("unknown")
	if plan != nil {
		qt = plan.QueryType()
	}
	r := &run{}

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("Advanced executor panic", "query_type", qt, "panic", rec)
			rs = e.failure(qt, r, fmt.Errorf("internal error: %v", rec))
			err = nil
		}
	}()

	if plan == nil {
		return e.failure(qt, r, errors.New(errors.CodePlanValidation, "no plan")), nil
	}
	if verr := plan.Validate(); verr != nil {
		return e.failure(qt, r, verr), nil
	}

	var out *models.ResultSet
	var runErr error
	switch p := plan.(type) {
	case *models.ComparisonPlan:
		out, runErr = e.comparison(ctx, r, p)
	case *models.PercentagePlan:
		out, runErr = e.percentage(ctx, r, p)
	case *models.TrendPlan:
		out, runErr = e.trend(ctx, r, p)
	default:
		runErr = errors.Newf(errors.CodePlanValidation, "%s plans are not advanced plans", qt)
	}
	if runErr != nil {
		return e.failure(qt, r, runErr), nil
	}

	out.Metadata.IsAdvancedQuery = true
	out.Metadata.Queries = r.queries
	return out, nil
}

func (e *AdvancedExecutor) failure(qt models.QueryType, r *run, err error) *models.ResultSet {
	e.logger.Warn("Advanced plan failed", "query_type", qt, "error", err)

	rs := models.NewResultSet(qt)
	rs.Metadata.IsAdvancedQuery = true
	rs.Metadata.Queries = r.queries
	rs.Metadata.Analysis = &models.Analysis{
		Kind:  string(qt),
		Error: errors.GetMessage(err),
	}
	return rs
}

// aggregate runs one ungrouped aggregate and returns its value, or nil when
// no rows matched.
func (e *AdvancedExecutor) aggregate(ctx context.Context, r *run, table, function, column string, filters []models.Filter) (*float64, error) {
	stmt, err := e.compiler.CompileSelect(compiler.SelectSpec{
		Table:     table,
		Filters:   filters,
		Aggregate: &compiler.Aggregate{Function: function, Column: column},
	})
	if err != nil {
		return nil, err
	}
	r.queries = append(r.queries, stmt.SQL)

	qr, err := e.storage.Execute(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, asExecutionError(err, stmt.SQL)
	}
	if qr.RowCount() == 0 {
		return nil, nil
	}
	return numericValue(qr.Rows[0][compiler.AggregateAlias(function, column)])
}

func numericValue(v interface{}) (*float64, error) {
	if v == nil {
		return nil, nil
	}
	f, ok := models.ToFloat(v)
	if !ok {
		return nil, errors.Newf(errors.CodeExecution, "aggregate returned non-numeric value %v", v)
	}
	return &f, nil
}

func joinFilters(groups ...[]models.Filter) []models.Filter {
	var out []models.Filter
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func (e *AdvancedExecutor) comparison(ctx context.Context, r *run, p *models.ComparisonPlan) (*models.ResultSet, error) {
	alias := compiler.AggregateAlias(p.AggregationFunction, p.AggregationColumn)

	sides := make([]models.SideValue, 0, len(p.Sides))
	for _, side := range p.Sides {
		v, err := e.aggregate(ctx, r, p.Table, p.AggregationFunction, p.AggregationColumn, joinFilters(p.Filters, side.Filters))
		if err != nil {
			return nil, errors.Wrapf(err, errors.GetCode(err), "side %q: %s", side.Label, errors.GetMessage(err))
		}
		sides = append(sides, models.SideValue{Label: side.Label, Value: v})
	}

	analysis := compareSides(p.AggregationFunction, p.AggregationColumn, sides)

	rs := models.NewResultSet(models.QueryTypeComparison)
	rs.Columns = []string{"side", alias}
	for _, s := range sides {
		var v interface{}
		if s.Value != nil {
			v = *s.Value
		}
		rs.Rows = append(rs.Rows, models.Row{"side": s.Label, alias: v})
	}
	rs.Metadata.AggregationFunction = p.AggregationFunction
	rs.Metadata.AggregationColumn = p.AggregationColumn
	rs.Metadata.Analysis = &models.Analysis{
		Kind:       string(models.QueryTypeComparison),
		Summary:    summarizeComparison(alias, analysis),
		Comparison: analysis,
	}
	if len(analysis.Deltas) > 0 {
		d := analysis.Deltas[0].Absolute
		rs.Metadata.CalculationResult = &models.Calculation{Value: &d, Unit: "difference"}
	}
	return rs, nil
}

// compareSides measures every side against the first one.
func compareSides(function, column string, sides []models.SideValue) *models.ComparisonAnalysis {
	out := &models.ComparisonAnalysis{
		Function: function,
		Column:   column,
		Sides:    sides,
		Baseline: sides[0].Label,
	}

	base := sides[0].Value
	var leader *models.SideValue
	for i := range sides {
		s := &sides[i]
		if s.Value != nil && (leader == nil || *s.Value > *leader.Value) {
			leader = s
		}
		if i == 0 || base == nil || s.Value == nil {
			continue
		}
		delta := models.ComparisonDelta{Label: s.Label, Absolute: *s.Value - *base}
		if *base != 0 {
			pct := delta.Absolute / math.Abs(*base) * 100
			delta.Percent = &pct
		}
		out.Deltas = append(out.Deltas, delta)
	}
	if leader != nil {
		out.Leader = leader.Label
	}
	return out
}

func summarizeComparison(alias string, a *models.ComparisonAnalysis) string {
	parts := make([]string, 0, len(a.Sides))
	for _, s := range a.Sides {
		if s.Value == nil {
			parts = append(parts, fmt.Sprintf("%s: no data", s.Label))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", s.Label, models.FormatScalar(*s.Value)))
	}
	summary := fmt.Sprintf("%s by side (%s)", alias, strings.Join(parts, ", "))
	if a.Leader == "" {
		return summary + "; no side matched any rows"
	}
	summary += fmt.Sprintf("; %s is highest", a.Leader)
	for _, d := range a.Deltas {
		if d.Percent != nil {
			summary += fmt.Sprintf("; %s vs %s: %+.2f (%+.1f%%)", d.Label, a.Baseline, d.Absolute, *d.Percent)
		} else {
			summary += fmt.Sprintf("; %s vs %s: %+.2f", d.Label, a.Baseline, d.Absolute)
		}
	}
	return summary
}

func (e *AdvancedExecutor) percentage(ctx context.Context, r *run, p *models.PercentagePlan) (*models.ResultSet, error) {
	den, err := e.aggregate(ctx, r, p.Table, p.AggregationFunction, p.AggregationColumn, p.Filters)
	if err != nil {
		return nil, err
	}
	num, err := e.aggregate(ctx, r, p.Table, p.AggregationFunction, p.AggregationColumn, joinFilters(p.Filters, p.SubsetFilters))
	if err != nil {
		return nil, err
	}

	if den == nil || *den == 0 {
		return nil, errors.New(errors.CodeExecution, "the total is zero, so a percentage cannot be computed")
	}
	numerator := 0.0
	if num != nil {
		numerator = *num
	}
	pct := numerator / *den * 100

	subset := make([]string, 0, len(p.SubsetFilters))
	for _, f := range p.SubsetFilters {
		subset = append(subset, f.String())
	}

	rs := models.NewResultSet(models.QueryTypePercentage)
	rs.Columns = []string{"numerator", "denominator", "percentage"}
	rs.Rows = []models.Row{{"numerator": numerator, "denominator": *den, "percentage": pct}}
	rs.Metadata.AggregationFunction = p.AggregationFunction
	rs.Metadata.AggregationColumn = p.AggregationColumn
	rs.Metadata.CalculationResult = &models.Calculation{Value: &pct, Unit: "percent"}
	rs.Metadata.Analysis = &models.Analysis{
		Kind: string(models.QueryTypePercentage),
		Summary: fmt.Sprintf("%s of %s is %.1f%% of the total (%s of %s)",
			strings.Join(subset, " and "), compiler.AggregateAlias(p.AggregationFunction, p.AggregationColumn),
			pct, models.FormatScalar(numerator), models.FormatScalar(*den)),
		Percentage: &models.PercentageAnalysis{
			Numerator:   numerator,
			Denominator: *den,
			Percentage:  pct,
			Subset:      strings.Join(subset, " AND "),
		},
	}
	return rs, nil
}

func (e *AdvancedExecutor) trend(ctx context.Context, r *run, p *models.TrendPlan) (*models.ResultSet, error) {
	alias := compiler.AggregateAlias(p.AggregationFunction, p.AggregationColumn)

	var points []models.TrendPoint
	var err error
	if len(p.Buckets) > 0 {
		points, err = e.bucketSeries(ctx, r, p)
	} else {
		points, err = e.groupedSeries(ctx, r, p, alias)
	}
	if err != nil {
		return nil, err
	}

	analysis := analyzeTrend(points)

	rs := models.NewResultSet(models.QueryTypeTrend)
	rs.Columns = []string{p.TimeColumn, alias}
	for _, pt := range points {
		rs.Rows = append(rs.Rows, models.Row{p.TimeColumn: pt.Period, alias: pt.Value})
	}
	rs.Metadata.AggregationFunction = p.AggregationFunction
	rs.Metadata.AggregationColumn = p.AggregationColumn

	calc := &models.Calculation{Series: points}
	if analysis.ChangePercent != nil {
		calc.Value = floatRef(*analysis.ChangePercent)
		calc.Unit = "percent"
	} else if len(points) > 1 {
		calc.Value = floatRef(analysis.ChangeAmount)
		calc.Unit = "difference"
	}
	rs.Metadata.CalculationResult = calc
	rs.Metadata.Analysis = &models.Analysis{
		Kind:    string(models.QueryTypeTrend),
		Summary: summarizeTrend(alias, analysis),
		Trend:   analysis,
	}
	return rs, nil
}

// bucketSeries runs one query per declared bucket. Buckets without rows
// count as zero for additive functions and are skipped otherwise.
func (e *AdvancedExecutor) bucketSeries(ctx context.Context, r *run, p *models.TrendPlan) ([]models.TrendPoint, error) {
	points := make([]models.TrendPoint, 0, len(p.Buckets))
	for _, bucket := range p.Buckets {
		filters := joinFilters(p.Filters, []models.Filter{{Field: p.TimeColumn, Operator: "=", Value: bucket}})
		v, err := e.aggregate(ctx, r, p.Table, p.AggregationFunction, p.AggregationColumn, filters)
		if err != nil {
			return nil, errors.Wrapf(err, errors.GetCode(err), "bucket %q: %s", bucket, errors.GetMessage(err))
		}
		switch {
		case v != nil:
			points = append(points, models.TrendPoint{Period: bucket, Value: *v})
		case additive(p.AggregationFunction):
			points = append(points, models.TrendPoint{Period: bucket, Value: 0})
		}
	}
	return points, nil
}

// groupedSeries runs a single query grouped and ordered by the time column.
func (e *AdvancedExecutor) groupedSeries(ctx context.Context, r *run, p *models.TrendPlan, alias string) ([]models.TrendPoint, error) {
	stmt, err := e.compiler.CompileSelect(compiler.SelectSpec{
		Table:     p.Table,
		Filters:   p.Filters,
		Aggregate: &compiler.Aggregate{Function: p.AggregationFunction, Column: p.AggregationColumn},
		GroupBy:   []string{p.TimeColumn},
		OrderBy:   []models.OrderBy{{Field: p.TimeColumn, Direction: "asc"}},
	})
	if err != nil {
		return nil, err
	}
	r.queries = append(r.queries, stmt.SQL)

	qr, err := e.storage.Execute(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, asExecutionError(err, stmt.SQL)
	}

	points := make([]models.TrendPoint, 0, qr.RowCount())
	for _, row := range qr.Rows {
		v, err := numericValue(row[alias])
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		points = append(points, models.TrendPoint{Period: models.FormatScalar(row[p.TimeColumn]), Value: *v})
	}
	return points, nil
}

func additive(function string) bool {
	switch strings.ToLower(function) {
	case "sum", "count", "count_distinct":
		return true
	}
	return false
}

func floatRef(v float64) *float64 {
	return &v
}

// analyzeTrend derives direction, change, extremes and local peaks of an
// ordered series.
func analyzeTrend(points []models.TrendPoint) *models.TrendAnalysis {
	out := &models.TrendAnalysis{Direction: models.TrendInsufficientData}
	if len(points) == 0 {
		return out
	}

	first, last := points[0], points[len(points)-1]
	out.StartPeriod, out.EndPeriod = first.Period, last.Period
	out.StartValue, out.EndValue = first.Value, last.Value

	peak, trough := first, first
	for _, pt := range points[1:] {
		if pt.Value > peak.Value {
			peak = pt
		}
		if pt.Value < trough.Value {
			trough = pt
		}
	}
	out.Peak, out.Trough = &peak, &trough

	if len(points) < 2 {
		return out
	}

	out.ChangeAmount = last.Value - first.Value
	if first.Value != 0 {
		out.ChangePercent = floatRef(out.ChangeAmount / math.Abs(first.Value) * 100)
	}

	switch {
	case out.ChangePercent != nil && math.Abs(*out.ChangePercent) < flatThreshold,
		out.ChangePercent == nil && out.ChangeAmount == 0:
		out.Direction = models.TrendFlat
	case out.ChangeAmount > 0:
		out.Direction = models.TrendIncreasing
	default:
		out.Direction = models.TrendDecreasing
	}

	for i := 1; i < len(points)-1; i++ {
		if points[i].Value > points[i-1].Value && points[i].Value > points[i+1].Value {
			out.LocalPeaks = append(out.LocalPeaks, points[i])
		}
	}
	return out
}

func summarizeTrend(alias string, t *models.TrendAnalysis) string {
	if t.Direction == models.TrendInsufficientData {
		if t.Peak == nil {
			return fmt.Sprintf("no data for %s", alias)
		}
		return fmt.Sprintf("%s is %s in %s; more periods are needed for a trend",
			alias, models.FormatScalar(t.StartValue), t.StartPeriod)
	}
	s := fmt.Sprintf("%s is %s from %s (%s) to %s (%s)", alias, t.Direction,
		t.StartPeriod, models.FormatScalar(t.StartValue), t.EndPeriod, models.FormatScalar(t.EndValue))
	if t.ChangePercent != nil {
		s += fmt.Sprintf(", a change of %+.1f%%", *t.ChangePercent)
	}
	s += fmt.Sprintf("; peak %s in %s", models.FormatScalar(t.Peak.Value), t.Peak.Period)
	return s
}
