package formatters

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// EncodeValue normalizes one driver value for JSON output. encoding/json
// rejects NaN and ±Inf, so those become null.
func EncodeValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil
		}
		return v
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v
	case bool, string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// EncodeRow pairs columns with values, passing each through EncodeValue
func EncodeRow(columns []string, values []any) map[string]any {
	row := make(map[string]any, len(columns))
	for i, col := range columns {
		var value any
		if i < len(values) {
			value = values[i]
		}
		row[col] = EncodeValue(value)
	}
	return row
}

// ScanRows drains rows and returns the column names with JSON-safe rows.
// The caller still owns rows and must close it.
func ScanRows(rows *sql.Rows) ([]string, []map[string]any, error) {
	columns, raw, err := scanAll(rows)
	if err != nil {
		return nil, nil, err
	}

	out := make([]map[string]any, len(raw))
	for i, values := range raw {
		out[i] = EncodeRow(columns, values)
	}
	return columns, out, nil
}

// ScanRawRows drains rows keeping driver types, for writers that need them
// (Parquet). It also returns each column's database type name.
func ScanRawRows(rows *sql.Rows) ([]string, []string, []map[string]any, error) {
	// Column types are only available before the result set is drained
	var databaseTypes []string
	if types, err := rows.ColumnTypes(); err == nil {
		databaseTypes = make([]string, len(types))
		for i, ct := range types {
			databaseTypes[i] = ct.DatabaseTypeName()
		}
	}

	columns, raw, err := scanAll(rows)
	if err != nil {
		return nil, nil, nil, err
	}

	out := make([]map[string]any, len(raw))
	for i, values := range raw {
		row := make(map[string]any, len(columns))
		for j, col := range columns {
			row[col] = values[j]
		}
		out[i] = row
	}
	return columns, databaseTypes, out, nil
}

func scanAll(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		// lib/pq reuses its read buffer for []byte values
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = append([]byte(nil), b...)
			}
		}
		result = append(result, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return columns, result, nil
}
