// Package compiler turns simple and aggregation plans into parameterized SQL.
package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/models"
)

// Statement is compiled query text plus its bound parameters.
type Statement struct {
	SQL  string        `json:"sql"`
	Args []interface{} `json:"args,omitempty"`
}

// String returns the query text.
func (s *Statement) String() string {
	if s == nil {
		return ""
	}
	return s.SQL
}

// Aggregate wraps a column in an aggregation function.
type Aggregate struct {
	Function string
	Column   string
	// Alias defaults to AggregateAlias(Function, Column).
	Alias string
}

// SelectSpec describes one SELECT statement.
type SelectSpec struct {
	Table     string
	Columns   []string
	Filters   []models.Filter
	Aggregate *Aggregate
	GroupBy   []string
	OrderBy   []models.OrderBy
	Limit     int
}

// Compiler builds statements for one placeholder style.
type Compiler struct {
	style PlaceholderStyle
}

// New creates a compiler.
func New(style PlaceholderStyle) *Compiler {
	return &Compiler{style: style}
}

// Style returns the placeholder style.
func (c *Compiler) Style() PlaceholderStyle {
	return c.style
}

// Compile builds the statement for a simple or aggregation plan.
func (c *Compiler) Compile(plan models.QueryPlan) (*Statement, error) {
	switch p := plan.(type) {
	case *models.SimplePlan:
		return c.CompileSelect(SelectSpec{
			Table:   p.Table,
			Columns: p.Columns,
			Filters: p.Filters,
			GroupBy: p.GroupBy,
			OrderBy: p.OrderBy,
			Limit:   p.Limit,
		})
	case *models.AggregationPlan:
		if strings.TrimSpace(p.AggregationFunction) == "" {
			return nil, errors.New(errors.CodeCompilation, "aggregation plan requires aggregation_function")
		}
		if strings.TrimSpace(p.AggregationColumn) == "" && !isCount(p.AggregationFunction) {
			return nil, errors.New(errors.CodeCompilation, "aggregation plan requires aggregation_column")
		}
		return c.CompileSelect(SelectSpec{
			Table:     p.Table,
			Filters:   p.Filters,
			Aggregate: &Aggregate{Function: p.AggregationFunction, Column: p.AggregationColumn},
			GroupBy:   p.GroupBy,
			OrderBy:   p.OrderBy,
			Limit:     p.Limit,
		})
	case nil:
		return nil, errors.New(errors.CodeCompilation, "no plan to compile")
	default:
		return nil, errors.Newf(errors.CodeCompilation, "%s plans are not compiled to a single statement", plan.QueryType())
	}
}

// CompileSelect builds one SELECT. Predicates appear in filter order and
// every filter value is bound as a parameter.
func (c *Compiler) CompileSelect(spec SelectSpec) (*Statement, error) {
	if strings.TrimSpace(spec.Table) == "" {
		return nil, errors.New(errors.CodeCompilation, "statement requires a table")
	}
	if spec.Limit < 0 {
		return nil, errors.Newf(errors.CodeCompilation, "limit cannot be negative: %d", spec.Limit)
	}

	args := newArgBuilder(c.style)
	var sb strings.Builder

	projection, err := buildProjection(spec)
	if err != nil {
		return nil, err
	}
	sb.WriteString("SELECT ")
	sb.WriteString(projection)
	sb.WriteString(" FROM ")
	sb.WriteString(QuoteIdentifier(spec.Table))

	if len(spec.Filters) > 0 {
		predicates := make([]string, 0, len(spec.Filters))
		for i, f := range spec.Filters {
			pred, err := buildPredicate(f, args)
			if err != nil {
				return nil, errors.Wrapf(err, errors.CodeCompilation, "filter %d (%s)", i, f.String())
			}
			predicates = append(predicates, pred)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(predicates, " AND "))
	}

	if len(spec.GroupBy) > 0 {
		groups := make([]string, 0, len(spec.GroupBy))
		for _, g := range spec.GroupBy {
			if strings.TrimSpace(g) == "" {
				return nil, errors.New(errors.CodeCompilation, "empty group_by field")
			}
			groups = append(groups, QuoteIdentifier(g))
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(groups, ", "))
	}

	if len(spec.OrderBy) > 0 {
		orders := make([]string, 0, len(spec.OrderBy))
		for _, o := range spec.OrderBy {
			clause, err := buildOrder(o)
			if err != nil {
				return nil, err
			}
			orders = append(orders, clause)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orders, ", "))
	}

	if spec.Limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(spec.Limit))
	}

	return &Statement{SQL: sb.String(), Args: args.Args()}, nil
}

// AggregateAlias returns the result column name of an aggregate, e.g. sum_amount.
func AggregateAlias(function, column string) string {
	fn := strings.ToLower(strings.TrimSpace(function))
	col := strings.TrimSpace(column)
	if col == "" || col == "*" {
		return fn
	}
	return fn + "_" + col
}

func isCount(function string) bool {
	return strings.EqualFold(strings.TrimSpace(function), "count")
}

func buildProjection(spec SelectSpec) (string, error) {
	var cols []string
	if spec.Aggregate != nil {
		for _, g := range spec.GroupBy {
			cols = append(cols, QuoteIdentifier(g))
		}
		expr, err := buildAggregate(*spec.Aggregate)
		if err != nil {
			return "", err
		}
		cols = append(cols, expr)
		return strings.Join(cols, ", "), nil
	}

	columns := spec.Columns
	if len(columns) == 0 && len(spec.GroupBy) > 0 {
		columns = spec.GroupBy
	}
	for _, col := range columns {
		cols = append(cols, quoteColumn(col))
	}
	if len(cols) == 0 {
		return "*", nil
	}
	return strings.Join(cols, ", "), nil
}

func buildAggregate(agg Aggregate) (string, error) {
	fn := strings.ToLower(strings.TrimSpace(agg.Function))
	col := strings.TrimSpace(agg.Column)
	alias := agg.Alias
	if alias == "" {
		alias = AggregateAlias(fn, col)
	}

	var expr string
	switch fn {
	case "sum", "avg", "min", "max":
		if col == "" || col == "*" {
			return "", errors.Newf(errors.CodeCompilation, "%s requires an aggregation column", fn)
		}
		expr = fmt.Sprintf("%s(%s)", strings.ToUpper(fn), QuoteIdentifier(col))
	case "count":
		if col == "" || col == "*" {
			expr = "COUNT(*)"
		} else {
			expr = fmt.Sprintf("COUNT(%s)", QuoteIdentifier(col))
		}
	case "count_distinct":
		if col == "" || col == "*" {
			return "", errors.New(errors.CodeCompilation, "count_distinct requires an aggregation column")
		}
		expr = fmt.Sprintf("COUNT(DISTINCT %s)", QuoteIdentifier(col))
	case "":
		return "", errors.New(errors.CodeCompilation, "missing aggregation function")
	default:
		return "", errors.Newf(errors.CodeCompilation, "unsupported aggregation function %q", agg.Function)
	}
	return expr + " AS " + QuoteIdentifier(alias), nil
}

func quoteColumn(col string) string {
	if col == "*" {
		return col
	}
	return QuoteIdentifier(col)
}

func buildOrder(o models.OrderBy) (string, error) {
	if strings.TrimSpace(o.Field) == "" {
		return "", errors.New(errors.CodeCompilation, "empty order_by field")
	}
	switch dir := strings.ToUpper(strings.TrimSpace(o.Direction)); dir {
	case "":
		return QuoteIdentifier(o.Field), nil
	case "ASC", "DESC":
		return QuoteIdentifier(o.Field) + " " + dir, nil
	default:
		return "", errors.Newf(errors.CodeCompilation, "invalid order direction %q", o.Direction)
	}
}

func buildPredicate(f models.Filter, args *argBuilder) (string, error) {
	if strings.TrimSpace(f.Field) == "" {
		return "", fmt.Errorf("filter has no field")
	}
	field := QuoteIdentifier(f.Field)
	op := strings.ToLower(strings.Join(strings.Fields(f.Operator), " "))

	switch op {
	case "", "=", "==", "eq":
		if f.Value == nil {
			return field + " IS NULL", nil
		}
		return field + " = " + args.Arg(f.Value), nil
	case "!=", "<>", "ne":
		if f.Value == nil {
			return field + " IS NOT NULL", nil
		}
		return field + " <> " + args.Arg(f.Value), nil
	case ">", ">=", "<", "<=":
		if f.Value == nil {
			return "", fmt.Errorf("operator %s requires a value", op)
		}
		return field + " " + op + " " + args.Arg(f.Value), nil
	case "like", "not like":
		s, err := stringValue(op, f.Value)
		if err != nil {
			return "", err
		}
		return field + " " + strings.ToUpper(op) + " " + args.Arg(s), nil
	case "ilike":
		s, err := stringValue(op, f.Value)
		if err != nil {
			return "", err
		}
		return "LOWER(" + field + ") LIKE " + args.Arg(strings.ToLower(s)), nil
	case "contains":
		s, err := stringValue(op, f.Value)
		if err != nil {
			return "", err
		}
		return "LOWER(" + field + ") LIKE " + args.Arg("%"+strings.ToLower(s)+"%"), nil
	case "starts_with":
		s, err := stringValue(op, f.Value)
		if err != nil {
			return "", err
		}
		return "LOWER(" + field + ") LIKE " + args.Arg(strings.ToLower(s)+"%"), nil
	case "in", "not in":
		values := listValue(f.Value)
		if len(values) == 0 {
			return "", fmt.Errorf("operator %s requires a non-empty list", op)
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = args.Arg(v)
		}
		return field + " " + strings.ToUpper(op) + " (" + strings.Join(placeholders, ", ") + ")", nil
	case "between":
		values := listValue(f.Value)
		if len(values) != 2 {
			return "", fmt.Errorf("between requires exactly two values, got %d", len(values))
		}
		return field + " BETWEEN " + args.Arg(values[0]) + " AND " + args.Arg(values[1]), nil
	case "is null":
		return field + " IS NULL", nil
	case "is not null":
		return field + " IS NOT NULL", nil
	default:
		return "", fmt.Errorf("unsupported operator %q", f.Operator)
	}
}

func stringValue(op string, v interface{}) (string, error) {
	if v == nil {
		return "", fmt.Errorf("operator %s requires a value", op)
	}
	return models.FormatScalar(v), nil
}

func listValue(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []interface{}{v}
	}
}
