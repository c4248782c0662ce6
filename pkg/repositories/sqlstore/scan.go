package sqlstore

import (
	"database/sql"
	"math/big"

	"github.com/TFMV/quarry/pkg/models"
)

// scanRows drains rows into ordered column-keyed maps.
func scanRows(rows *sql.Rows) ([]string, []models.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.Row, 0)
	values := make([]interface{}, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, err
		}
		row := make(models.Row, len(columns))
		for i, name := range columns {
			row[name] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if columns == nil {
		columns = []string{}
	}
	return columns, out, nil
}

// normalizeValue turns driver-specific scalars into plain Go values.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case *big.Int:
		if t == nil {
			return nil
		}
		if t.IsInt64() {
			return t.Int64()
		}
		f, _ := new(big.Float).SetInt(t).Float64()
		return f
	case interface{ Float64() float64 }:
		// DECIMAL values from DuckDB.
		return t.Float64()
	default:
		return v
	}
}
