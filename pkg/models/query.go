package models

import (
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// ExecutionRequest is one unit of work handed to the engine.
type ExecutionRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	SourceID  string    `json:"source_id,omitempty"`
	Question  string    `json:"question,omitempty"`
	Plan      QueryPlan `json:"-"`
}

// QueryResult is the raw output of one storage statement.
type QueryResult struct {
	Columns       []string      `json:"columns"`
	Rows          []Row         `json:"rows"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// RowCount returns the number of rows.
func (r *QueryResult) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// FormatScalar renders a scalar the way it appears in labels and cache keys.
func FormatScalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case []interface{}:
		s := "["
		for i, item := range t {
			if i > 0 {
				s += ", "
			}
			s += FormatScalar(item)
		}
		return s + "]"
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ToFloat converts a numeric scalar to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case *big.Int:
		if t == nil {
			return 0, false
		}
		f, _ := new(big.Float).SetInt(t).Float64()
		return f, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(t), 64)
		return f, err == nil
	case interface{ Float64() float64 }:
		return t.Float64(), true
	default:
		return 0, false
	}
}
