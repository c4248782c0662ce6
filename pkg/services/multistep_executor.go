package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/TFMV/quarry/pkg/compiler"
	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/models"
	"github.com/TFMV/quarry/pkg/repositories"
)

// MultiStepExecutor runs dependent steps in order. A step may bind a value
// from its first row (or a list from all rows) to a variable that later
// steps reference as "@name" in their filter values. Like the advanced
// executor it reports failures in the result instead of returning them.
type MultiStepExecutor struct {
	storage  repositories.StorageRepository
	compiler *compiler.Compiler
	logger   Logger
}

// NewMultiStepExecutor creates a multi-step executor.
func NewMultiStepExecutor(storage repositories.StorageRepository, logger Logger) *MultiStepExecutor {
	return &MultiStepExecutor{
		storage:  storage,
		compiler: compiler.New(storage.PlaceholderStyle()),
		logger:   orNoopLogger(logger),
	}
}

// stepState is the mutable progress of one multi-step run.
type stepState struct {
	plan      *models.MultiStepPlan
	rs        *models.ResultSet
	variables map[string]interface{}
	// consumers maps a variable to the steps that reference it.
	consumers map[string][]int
}

// Execute implements Executor. The returned error is always nil.
func (e *MultiStepExecutor) Execute(ctx context.Context, plan models.QueryPlan) (rs *models.ResultSet, err error) {
	qt := models.QueryTypeMultiStep
	if plan != nil {
		qt = plan.QueryType()
	}
	rs = models.NewResultSet(qt)
	rs.Metadata.IsMultiStep = true
	rs.Metadata.Variables = map[string]interface{}{}

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("Multi-step executor panic", "query_type", qt, "panic", rec)
			e.fail(rs, 0, errors.Newf(errors.CodeInternal, "internal error: %v", rec))
			err = nil
		}
	}()

	if plan == nil {
		e.fail(rs, 0, errors.New(errors.CodePlanValidation, "no plan"))
		return rs, nil
	}
	p, ok := plan.(*models.MultiStepPlan)
	if !ok || p == nil {
		e.fail(rs, 0, errors.Newf(errors.CodePlanValidation, "%s plans are not multi-step plans", qt))
		return rs, nil
	}
	if verr := p.Validate(); verr != nil {
		e.fail(rs, 0, verr)
		return rs, nil
	}

	st := &stepState{
		plan:      p,
		rs:        rs,
		variables: rs.Metadata.Variables,
		consumers: make(map[string][]int),
	}
	rs.Metadata.StepsExecuted = make([]models.StepTrace, len(p.Steps))
	for i, s := range p.Steps {
		op := s.Operation
		if op == "" {
			op = models.StepOperationSelect
		}
		rs.Metadata.StepsExecuted[i] = models.StepTrace{
			Index:       i + 1,
			Description: s.Label(i),
			Table:       s.Table,
			Operation:   op,
			Status:      models.StepPending,
			Produces:    s.Produces,
		}
	}

	if step, derr := checkDependencies(p, st.consumers); derr != nil {
		e.fail(rs, step, derr)
		return rs, nil
	}

	var last *models.QueryResult
	for i := range p.Steps {
		qr, serr := e.runStep(ctx, st, i)
		if serr != nil {
			trace := &rs.Metadata.StepsExecuted[i]
			trace.Status = models.StepFailed
			trace.Error = errors.GetMessage(serr)
			e.fail(rs, i+1, fmt.Errorf("step %d (%s) failed: %s", i+1, p.Steps[i].Label(i), errors.GetMessage(serr)))
			return rs, nil
		}
		last = qr
	}

	final := models.FromQueryResult(qt, last)
	rs.Columns, rs.Rows = final.Columns, final.Rows
	rs.SetSuccess(true)
	e.logger.Debug("Multi-step plan completed", "query_type", qt, "steps", len(p.Steps), "rows", rs.RowCount())
	return rs, nil
}

func (e *MultiStepExecutor) fail(rs *models.ResultSet, step int, err error) {
	e.logger.Warn("Multi-step plan failed", "query_type", rs.Metadata.QueryType, "step", step, "error", err)

	rs.Columns = []string{}
	rs.Rows = []models.Row{}
	rs.SetSuccess(false)
	rs.Metadata.Analysis = &models.Analysis{
		Kind:       string(rs.Metadata.QueryType),
		Error:      errors.GetMessage(err),
		FailedStep: step,
	}
}

// checkDependencies verifies that every reference names a variable
// produced by a strictly earlier step. It fills consumers and returns the
// 1-based index of the offending step on failure.
func checkDependencies(p *models.MultiStepPlan, consumers map[string][]int) (int, error) {
	producedBy := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		for _, ref := range s.References() {
			if _, ok := producedBy[ref]; !ok {
				later := ""
				for j := i; j < len(p.Steps); j++ {
					if p.Steps[j].Produces == ref {
						later = fmt.Sprintf(" (it is produced by step %d)", j+1)
						break
					}
				}
				return i + 1, errors.Newf(errors.CodeStepDependency,
					"step %d (%s) references @%s before it is bound%s", i+1, s.Label(i), ref, later).
					WithDetail("step", i+1).
					WithDetail("variable", ref)
			}
			consumers[ref] = append(consumers[ref], i)
		}
		if s.Produces != "" {
			producedBy[s.Produces] = i
		}
	}
	return 0, nil
}

func (e *MultiStepExecutor) runStep(ctx context.Context, st *stepState, i int) (*models.QueryResult, error) {
	step := st.plan.Steps[i]
	trace := &st.rs.Metadata.StepsExecuted[i]
	trace.Status = models.StepExecuting

	filters, err := bindFilters(step.Filters, st.variables)
	if err != nil {
		return nil, err
	}

	spec, err := stepSpec(step, filters)
	if err != nil {
		return nil, err
	}
	stmt, err := e.compiler.CompileSelect(spec)
	if err != nil {
		return nil, err
	}
	trace.Query = stmt.SQL
	st.rs.Metadata.Queries = append(st.rs.Metadata.Queries, stmt.SQL)

	e.logger.Debug("Executing step", "step", i+1, "sql", stmt.SQL, "args", len(stmt.Args))

	qr, err := e.storage.Execute(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, asExecutionError(err, stmt.SQL)
	}
	trace.RowCount = qr.RowCount()

	if step.Produces != "" {
		if err := e.bind(st, i, spec, qr); err != nil {
			return nil, err
		}
		trace.Status = models.StepBound
		trace.Value = st.variables[step.Produces]
		return qr, nil
	}
	trace.Status = models.StepCompleted
	return qr, nil
}

// bind records the value a step produces. An empty result binds nil unless
// a later step depends on the variable, in which case the step fails.
func (e *MultiStepExecutor) bind(st *stepState, i int, spec compiler.SelectSpec, qr *models.QueryResult) error {
	step := st.plan.Steps[i]
	column := produceColumn(step, spec, qr)

	if qr.RowCount() == 0 {
		if deps := st.consumers[step.Produces]; len(deps) > 0 {
			return errors.Newf(errors.CodeStepDependency,
				"no rows to bind @%s, which step %d depends on", step.Produces, deps[0]+1).
				WithDetail("variable", step.Produces)
		}
		st.variables[step.Produces] = nil
		return nil
	}

	if _, ok := qr.Rows[0][column]; !ok {
		return errors.Newf(errors.CodeExecution, "column %q is not in the step result", column).
			WithDetail("columns", qr.Columns)
	}

	if step.ProducesList {
		values := make([]interface{}, 0, len(qr.Rows))
		for _, row := range qr.Rows {
			values = append(values, row[column])
		}
		st.variables[step.Produces] = values
		return nil
	}
	st.variables[step.Produces] = qr.Rows[0][column]
	return nil
}

// produceColumn picks the column whose value is bound: the explicit
// produces_column, the aggregate alias, the aggregation column, or the
// first result column.
func produceColumn(step models.Step, spec compiler.SelectSpec, qr *models.QueryResult) string {
	switch {
	case step.ProducesColumn != "":
		return step.ProducesColumn
	case spec.Aggregate != nil:
		return compiler.AggregateAlias(spec.Aggregate.Function, spec.Aggregate.Column)
	case step.AggregationColumn != "":
		return step.AggregationColumn
	case len(qr.Columns) > 0:
		return qr.Columns[0]
	}
	return ""
}

// stepSpec translates a step into a SELECT.
func stepSpec(step models.Step, filters []models.Filter) (compiler.SelectSpec, error) {
	spec := compiler.SelectSpec{
		Table:   step.Table,
		Columns: step.Columns,
		Filters: filters,
		GroupBy: step.GroupBy,
		OrderBy: step.OrderBy,
		Limit:   step.Limit,
	}

	switch step.Operation {
	case "", models.StepOperationSelect:
	case models.StepOperationAggregate:
		spec.Columns = nil
		spec.Aggregate = &compiler.Aggregate{Function: step.AggregationFunction, Column: step.AggregationColumn}
	case models.StepOperationMax, models.StepOperationMin:
		dir := "desc"
		if step.Operation == models.StepOperationMin {
			dir = "asc"
		}
		spec.Filters = append(append([]models.Filter(nil), filters...),
			models.Filter{Field: step.AggregationColumn, Operator: "is not null"})
		spec.OrderBy = []models.OrderBy{{Field: step.AggregationColumn, Direction: dir}}
		spec.Limit = 1
	default:
		return spec, errors.Newf(errors.CodePlanValidation, "unknown step operation %q", step.Operation)
	}
	return spec, nil
}

// bindFilters substitutes variable references in filter values. A list
// bound under "=" or "!=" becomes "in" or "not in".
func bindFilters(filters []models.Filter, variables map[string]interface{}) ([]models.Filter, error) {
	out := make([]models.Filter, 0, len(filters))
	for _, f := range filters {
		bound, err := bindValue(f.Value, variables)
		if err != nil {
			return nil, err
		}
		f.Value = bound
		if _, isList := bound.([]interface{}); isList {
			switch strings.TrimSpace(f.Operator) {
			case "", "=", "==", "eq":
				f.Operator = "in"
			case "!=", "<>", "ne":
				f.Operator = "not in"
			}
		}
		out = append(out, f)
	}
	return out, nil
}

func bindValue(v interface{}, variables map[string]interface{}) (interface{}, error) {
	if list, ok := v.([]interface{}); ok {
		out := make([]interface{}, 0, len(list))
		for _, item := range list {
			bound, err := bindValue(item, variables)
			if err != nil {
				return nil, err
			}
			if nested, ok := bound.([]interface{}); ok {
				out = append(out, nested...)
				continue
			}
			out = append(out, bound)
		}
		return out, nil
	}
	name, ok := models.VariableRef(v)
	if !ok {
		return v, nil
	}
	value, bound := variables[name]
	if !bound {
		return nil, errors.Newf(errors.CodeStepDependency, "variable @%s is not bound", name).
			WithDetail("variable", name)
	}
	return value, nil
}
