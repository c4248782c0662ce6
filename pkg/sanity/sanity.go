// Package sanity checks that a result's shape matches what its plan asked for.
package sanity

import (
	"strconv"
	"strings"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/models"
)

// Checker validates result sets against their plans.
type Checker struct{}

// New creates a Checker.
func New() *Checker {
	return &Checker{}
}

// Check returns a SANITY_CHECK error when rs does not have the shape
// expected for plan's query type.
func (c *Checker) Check(plan models.QueryPlan, rs *models.ResultSet) error {
	if rs == nil {
		return errors.New(errors.CodeSanityCheck, "no result set")
	}
	if rs.Metadata.QueryType == "" {
		return errors.New(errors.CodeSanityCheck, "result set has no query_type")
	}

	switch p := plan.(type) {
	case *models.AggregationPlan:
		return checkAggregation(p, rs)
	case *models.SimplePlan:
		return checkSimple(p, rs)
	}
	return nil
}

func checkAggregation(p *models.AggregationPlan, rs *models.ResultSet) error {
	alias := compiler.AggregateAlias(p.AggregationFunction, p.AggregationColumn)
	if !hasColumn(rs, alias) {
		return errors.Newf(errors.CodeSanityCheck, "aggregate column %q missing from result", alias).
			WithDetail("columns", rs.Columns)
	}
	if len(p.GroupBy) == 0 && rs.RowCount() != 1 {
		return errors.Newf(errors.CodeSanityCheck, "ungrouped aggregation returned %d rows, expected 1", rs.RowCount())
	}
	return nil
}

// checkSimple rejects a lookup that came back as a single unlabeled scalar.
func checkSimple(p *models.SimplePlan, rs *models.ResultSet) error {
	if rs.RowCount() != 1 || len(rs.Columns) != 1 {
		return nil
	}
	if len(p.Columns) == 1 && p.Columns[0] == rs.Columns[0] {
		return nil
	}
	if unlabeled(rs.Columns[0]) {
		return errors.Newf(errors.CodeSanityCheck, "lookup returned a single unlabeled scalar (column %q)", rs.Columns[0])
	}
	return nil
}

func hasColumn(rs *models.ResultSet, name string) bool {
	for _, c := range rs.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// unlabeled matches generated column names such as "", "?column?",
// "count_star()", "SUM(amount)" or "0".
func unlabeled(name string) bool {
	n := strings.TrimSpace(name)
	if n == "" || strings.ContainsAny(n, "()?*") {
		return true
	}
	_, err := strconv.ParseFloat(n, 64)
	return err == nil
}
