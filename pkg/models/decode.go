package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/TFMV/quarry/pkg/errors"
)

// planSchemaJSON is the structural contract for plan documents. Variant
// specific requirements are checked by each plan's Validate.
const planSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["query_type"],
  "properties": {
    "query_type": {
      "type": "string",
      "enum": ["simple", "aggregation_on_subset", "comparison", "percentage", "trend", "multi_step", "cross_table"]
    },
    "table": {"type": "string"},
    "table_name": {"type": "string"},
    "columns": {"type": ["string", "array"], "items": {"type": "string"}},
    "filters": {"$ref": "#/definitions/filters"},
    "subset_filters": {"$ref": "#/definitions/filters"},
    "group_by": {"type": ["string", "array"], "items": {"type": "string"}},
    "order_by": {"$ref": "#/definitions/order_by"},
    "limit": {"type": "integer", "minimum": 0},
    "aggregation_function": {"type": "string"},
    "aggregation_column": {"type": "string"},
    "time_column": {"type": "string"},
    "time_buckets": {"type": ["string", "array"], "items": {"type": "string"}},
    "compare_field": {"type": "string"},
    "compare_values": {"type": "array"},
    "sides": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label"],
        "properties": {
          "label": {"type": "string"},
          "filters": {"$ref": "#/definitions/filters"}
        }
      }
    },
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "table": {"type": "string"},
          "operation": {"type": "string"},
          "filters": {"$ref": "#/definitions/filters"},
          "produces": {"type": "string"},
          "produces_column": {"type": "string"},
          "limit": {"type": "integer", "minimum": 0}
        }
      }
    }
  },
  "definitions": {
    "filters": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "operator": {"type": "string"}
        }
      }
    },
    "order_by": {
      "anyOf": [
        {"type": "string"},
        {"type": "object", "required": ["field"]},
        {"type": "array"}
      ]
    }
  }
}`

var (
	planSchemaOnce sync.Once
	planSchema     *gojsonschema.Schema
	planSchemaErr  error
)

func compiledPlanSchema() (*gojsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		planSchema, planSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(planSchemaJSON))
	})
	return planSchema, planSchemaErr
}

// planDocument is the wire shape of every plan variant.
type planDocument struct {
	QueryType           QueryType        `json:"query_type"`
	Table               string           `json:"table"`
	TableName           string           `json:"table_name"`
	Columns             StringList       `json:"columns"`
	Filters             []Filter         `json:"filters"`
	SubsetFilters       []Filter         `json:"subset_filters"`
	GroupBy             StringList       `json:"group_by"`
	OrderBy             OrderByList      `json:"order_by"`
	Limit               int              `json:"limit"`
	AggregationFunction string           `json:"aggregation_function"`
	AggregationColumn   string           `json:"aggregation_column"`
	TimeColumn          string           `json:"time_column"`
	Buckets             StringList       `json:"time_buckets"`
	CompareField        string           `json:"compare_field"`
	CompareValues       []interface{}    `json:"compare_values"`
	Sides               []ComparisonSide `json:"sides"`
	Steps               []Step           `json:"steps"`
}

// DecodePlan parses and validates a JSON plan document. Any failure is a
// PLAN_VALIDATION error.
func DecodePlan(data []byte) (QueryPlan, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}

	var doc planDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, errors.CodePlanValidation, "failed to decode plan")
	}

	plan := doc.toPlan()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// DecodeRequest parses {"source_id", "question", "plan"}. A document
// without a "plan" member is treated as a bare plan.
func DecodeRequest(data []byte) (*ExecutionRequest, error) {
	var envelope struct {
		RequestID string          `json:"request_id"`
		SourceID  string          `json:"source_id"`
		Question  string          `json:"question"`
		Plan      json.RawMessage `json:"plan"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Wrap(err, errors.CodePlanValidation, "failed to decode request")
	}

	raw := []byte(envelope.Plan)
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = data
	}
	plan, err := DecodePlan(raw)
	if err != nil {
		return nil, err
	}
	return &ExecutionRequest{
		RequestID: envelope.RequestID,
		SourceID:  envelope.SourceID,
		Question:  envelope.Question,
		Plan:      plan,
	}, nil
}

func validateDocument(data []byte) error {
	schema, err := compiledPlanSchema()
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "invalid plan schema")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.Wrap(err, errors.CodePlanValidation, "plan is not valid JSON")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return errors.Newf(errors.CodePlanValidation, "plan does not match schema: %s", strings.Join(msgs, "; ")).
			WithDetail("violations", msgs)
	}
	return nil
}

func (d *planDocument) toPlan() QueryPlan {
	table := d.Table
	if table == "" {
		table = d.TableName
	}
	filters := normalizeFilters(d.Filters)

	if len(d.Steps) > 0 || d.QueryType.IsMultiStep() {
		steps := make([]Step, len(d.Steps))
		for i, s := range d.Steps {
			if s.Table == "" {
				s.Table = table
			}
			s.Operation = StepOperation(strings.ToLower(string(s.Operation)))
			s.Filters = normalizeFilters(s.Filters)
			steps[i] = s
		}
		return &MultiStepPlan{Type: d.QueryType, Table: table, Steps: steps}
	}

	fn := strings.ToLower(strings.TrimSpace(d.AggregationFunction))
	switch d.QueryType {
	case QueryTypeAggregationOnSubset:
		return &AggregationPlan{
			Table:               table,
			Filters:             filters,
			AggregationFunction: fn,
			AggregationColumn:   d.AggregationColumn,
			GroupBy:             d.GroupBy,
			OrderBy:             d.OrderBy,
			Limit:               d.Limit,
		}
	case QueryTypeComparison:
		sides := make([]ComparisonSide, 0, len(d.Sides)+len(d.CompareValues))
		for _, s := range d.Sides {
			sides = append(sides, ComparisonSide{Label: s.Label, Filters: normalizeFilters(s.Filters)})
		}
		if len(sides) == 0 && d.CompareField != "" {
			for _, v := range d.CompareValues {
				v = normalizeValue(v)
				sides = append(sides, ComparisonSide{
					Label:   FormatScalar(v),
					Filters: []Filter{{Field: d.CompareField, Operator: "=", Value: v}},
				})
			}
		}
		return &ComparisonPlan{
			Table:               table,
			Filters:             filters,
			AggregationFunction: fn,
			AggregationColumn:   d.AggregationColumn,
			Sides:               sides,
		}
	case QueryTypePercentage:
		if fn == "" {
			fn = defaultPercentageFunction(d.AggregationColumn)
		}
		return &PercentagePlan{
			Table:               table,
			Filters:             filters,
			SubsetFilters:       normalizeFilters(d.SubsetFilters),
			AggregationFunction: fn,
			AggregationColumn:   d.AggregationColumn,
		}
	case QueryTypeTrend:
		if fn == "" {
			fn = "sum"
		}
		return &TrendPlan{
			Table:               table,
			Filters:             filters,
			AggregationFunction: fn,
			AggregationColumn:   d.AggregationColumn,
			TimeColumn:          d.TimeColumn,
			Buckets:             d.Buckets,
		}
	default:
		return &SimplePlan{
			Table:   table,
			Columns: d.Columns,
			Filters: filters,
			GroupBy: d.GroupBy,
			OrderBy: d.OrderBy,
			Limit:   d.Limit,
		}
	}
}

func defaultPercentageFunction(column string) string {
	if column == "" {
		return "count"
	}
	return "sum"
}

func normalizeFilters(filters []Filter) []Filter {
	if filters == nil {
		return nil
	}
	out := make([]Filter, len(filters))
	for i, f := range filters {
		f.Operator = strings.ToLower(strings.TrimSpace(f.Operator))
		if f.Operator == "" {
			f.Operator = "="
		}
		f.Value = normalizeValue(f.Value)
		out[i] = f
	}
	return out
}

// normalizeValue converts json.Number into int64 or float64.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
