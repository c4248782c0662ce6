package models

// Row maps column names to scalar values.
type Row map[string]interface{}

// ResultSet is the uniform output of every executor.
type ResultSet struct {
	Columns  []string       `json:"columns"`
	Rows     []Row          `json:"rows"`
	Metadata ResultMetadata `json:"metadata"`
}

// ResultMetadata is the fixed-shape annotation record of a ResultSet.
// QueryType is always set; every other field is optional.
type ResultMetadata struct {
	QueryType           QueryType              `json:"query_type"`
	Analysis            *Analysis              `json:"analysis,omitempty"`
	CalculationResult   *Calculation           `json:"calculation_result,omitempty"`
	AggregationFunction string                 `json:"aggregation_function,omitempty"`
	AggregationColumn   string                 `json:"aggregation_column,omitempty"`
	IsAdvancedQuery     bool                   `json:"is_advanced_query,omitempty"`
	IsMultiStep         bool                   `json:"is_multi_step,omitempty"`
	Success             *bool                  `json:"success,omitempty"`
	StepsExecuted       []StepTrace            `json:"steps_executed,omitempty"`
	Variables           map[string]interface{} `json:"variables,omitempty"`
	Queries             []string               `json:"queries,omitempty"`
	Error               string                 `json:"error,omitempty"`
	FromCache           bool                   `json:"from_cache,omitempty"`
}

// Analysis holds structured findings for the explainer.
type Analysis struct {
	Kind       string              `json:"kind,omitempty"`
	Summary    string              `json:"summary,omitempty"`
	Error      string              `json:"error,omitempty"`
	FailedStep int                 `json:"failed_step,omitempty"`
	Comparison *ComparisonAnalysis `json:"comparison,omitempty"`
	Percentage *PercentageAnalysis `json:"percentage,omitempty"`
	Trend      *TrendAnalysis      `json:"trend,omitempty"`
}

// SideValue is the aggregate of one comparison side. Value is nil when
// the side matched no rows.
type SideValue struct {
	Label string   `json:"label"`
	Value *float64 `json:"value"`
}

// ComparisonDelta compares one side against the baseline.
type ComparisonDelta struct {
	Label    string   `json:"label"`
	Absolute float64  `json:"absolute"`
	Percent  *float64 `json:"percent,omitempty"`
}

// ComparisonAnalysis is the outcome of a comparison plan.
type ComparisonAnalysis struct {
	Function string            `json:"function"`
	Column   string            `json:"column,omitempty"`
	Sides    []SideValue       `json:"sides"`
	Baseline string            `json:"baseline"`
	Deltas   []ComparisonDelta `json:"deltas,omitempty"`
	Leader   string            `json:"leader,omitempty"`
}

// PercentageAnalysis is the outcome of a percentage plan.
type PercentageAnalysis struct {
	Numerator   float64 `json:"numerator"`
	Denominator float64 `json:"denominator"`
	Percentage  float64 `json:"percentage"`
	Subset      string  `json:"subset,omitempty"`
}

// TrendPoint is one bucket of a trend series.
type TrendPoint struct {
	Period string  `json:"period"`
	Value  float64 `json:"value"`
}

// Trend directions.
const (
	TrendIncreasing       = "increasing"
	TrendDecreasing       = "decreasing"
	TrendFlat             = "flat"
	TrendInsufficientData = "insufficient data"
)

// TrendAnalysis is the outcome of a trend plan.
type TrendAnalysis struct {
	Direction     string       `json:"direction"`
	StartPeriod   string       `json:"start_period,omitempty"`
	EndPeriod     string       `json:"end_period,omitempty"`
	StartValue    float64      `json:"start_value"`
	EndValue      float64      `json:"end_value"`
	ChangeAmount  float64      `json:"change_amount"`
	ChangePercent *float64     `json:"change_percent,omitempty"`
	Peak          *TrendPoint  `json:"peak,omitempty"`
	Trough        *TrendPoint  `json:"trough,omitempty"`
	LocalPeaks    []TrendPoint `json:"local_peaks,omitempty"`
}

// Calculation is the computed scalar or series of an advanced plan.
type Calculation struct {
	Value  *float64     `json:"value,omitempty"`
	Unit   string       `json:"unit,omitempty"`
	Series []TrendPoint `json:"series,omitempty"`
}

// StepStatus is the lifecycle state of one multi-step stage.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepBound     StepStatus = "bound"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepTrace records what happened to one step.
type StepTrace struct {
	Index       int           `json:"index"`
	Description string        `json:"description"`
	Table       string        `json:"table"`
	Operation   StepOperation `json:"operation"`
	Status      StepStatus    `json:"status"`
	RowCount    int           `json:"row_count"`
	Produces    string        `json:"produces,omitempty"`
	Value       interface{}   `json:"value,omitempty"`
	Query       string        `json:"query,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// NewResultSet returns an empty ResultSet tagged with qt.
func NewResultSet(qt QueryType) *ResultSet {
	return &ResultSet{
		Columns:  []string{},
		Rows:     []Row{},
		Metadata: ResultMetadata{QueryType: qt},
	}
}

// FromQueryResult wraps storage output in a ResultSet.
func FromQueryResult(qt QueryType, qr *QueryResult) *ResultSet {
	rs := NewResultSet(qt)
	if qr == nil {
		return rs
	}
	if qr.Columns != nil {
		rs.Columns = qr.Columns
	}
	if qr.Rows != nil {
		rs.Rows = qr.Rows
	}
	return rs
}

// RowCount returns the number of rows.
func (r *ResultSet) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// IsEmpty reports whether the result has no rows.
func (r *ResultSet) IsEmpty() bool {
	return r.RowCount() == 0
}

// Failed reports whether the metadata signals a failed execution.
func (r *ResultSet) Failed() bool {
	if r == nil {
		return true
	}
	m := r.Metadata
	if m.Analysis != nil && m.Analysis.Error != "" {
		return true
	}
	return m.Success != nil && !*m.Success
}

// SetSuccess records the multi-step outcome.
func (r *ResultSet) SetSuccess(ok bool) {
	r.Metadata.Success = &ok
}

// Clone returns a deep copy of r.
func (r *ResultSet) Clone() *ResultSet {
	if r == nil {
		return nil
	}
	out := &ResultSet{
		Columns:  append([]string{}, r.Columns...),
		Rows:     make([]Row, len(r.Rows)),
		Metadata: r.Metadata,
	}
	for i, row := range r.Rows {
		out.Rows[i] = cloneRow(row)
	}

	m := &out.Metadata
	m.Analysis = r.Metadata.Analysis.clone()
	m.CalculationResult = r.Metadata.CalculationResult.clone()
	if r.Metadata.Success != nil {
		ok := *r.Metadata.Success
		m.Success = &ok
	}
	if r.Metadata.StepsExecuted != nil {
		m.StepsExecuted = append([]StepTrace{}, r.Metadata.StepsExecuted...)
	}
	if r.Metadata.Variables != nil {
		m.Variables = make(map[string]interface{}, len(r.Metadata.Variables))
		for k, v := range r.Metadata.Variables {
			m.Variables[k] = cloneValue(v)
		}
	}
	if r.Metadata.Queries != nil {
		m.Queries = append([]string{}, r.Metadata.Queries...)
	}
	return out
}

func cloneRow(row Row) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return append([]byte{}, t...)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func floatPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (a *Analysis) clone() *Analysis {
	if a == nil {
		return nil
	}
	out := *a
	if a.Comparison != nil {
		c := *a.Comparison
		if a.Comparison.Sides != nil {
			c.Sides = make([]SideValue, len(a.Comparison.Sides))
			for i, s := range a.Comparison.Sides {
				c.Sides[i] = SideValue{Label: s.Label, Value: floatPtr(s.Value)}
			}
		}
		if a.Comparison.Deltas != nil {
			c.Deltas = make([]ComparisonDelta, len(a.Comparison.Deltas))
			for i, d := range a.Comparison.Deltas {
				c.Deltas[i] = ComparisonDelta{Label: d.Label, Absolute: d.Absolute, Percent: floatPtr(d.Percent)}
			}
		}
		out.Comparison = &c
	}
	if a.Percentage != nil {
		p := *a.Percentage
		out.Percentage = &p
	}
	if a.Trend != nil {
		t := *a.Trend
		t.ChangePercent = floatPtr(a.Trend.ChangePercent)
		if a.Trend.Peak != nil {
			peak := *a.Trend.Peak
			t.Peak = &peak
		}
		if a.Trend.Trough != nil {
			trough := *a.Trend.Trough
			t.Trough = &trough
		}
		t.LocalPeaks = append([]TrendPoint(nil), a.Trend.LocalPeaks...)
		out.Trend = &t
	}
	return &out
}

func (c *Calculation) clone() *Calculation {
	if c == nil {
		return nil
	}
	return &Calculation{
		Value:  floatPtr(c.Value),
		Unit:   c.Unit,
		Series: append([]TrendPoint(nil), c.Series...),
	}
}
