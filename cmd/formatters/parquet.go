package formatters

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ColumnKind is the physical layout chosen for one artifact column
type ColumnKind int

const (
	KindString ColumnKind = iota
	KindBoolean
	KindInt32
	KindInt64
	KindDouble
	KindTimestamp
)

func (k ColumnKind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindTimestamp:
		return "timestamp"
	default:
		return "string"
	}
}

// Column is a named artifact column
type Column struct {
	Name string
	Kind ColumnKind
}

// KindForDatabaseType maps a PostgreSQL type name, as reported by
// sql.ColumnType.DatabaseTypeName, to a column kind.
func KindForDatabaseType(name string) (ColumnKind, bool) {
	switch strings.ToUpper(name) {
	case "BOOL":
		return KindBoolean, true
	case "INT2", "INT4":
		return KindInt32, true
	case "INT8":
		return KindInt64, true
	case "FLOAT4", "FLOAT8", "NUMERIC":
		return KindDouble, true
	case "TIMESTAMP", "TIMESTAMPTZ", "DATE":
		return KindTimestamp, true
	case "TEXT", "VARCHAR", "BPCHAR", "CHAR", "NAME", "UUID", "JSON", "JSONB", "INTERVAL", "TIME", "TIMETZ":
		return KindString, true
	default:
		return KindString, false
	}
}

func kindForValue(value any) ColumnKind {
	switch value.(type) {
	case bool:
		return KindBoolean
	case int, int8, int16, int32:
		return KindInt32
	case int64:
		return KindInt64
	case float32, float64:
		return KindDouble
	case time.Time:
		return KindTimestamp
	default:
		return KindString
	}
}

// ColumnsFor derives the artifact layout. Known database types win; for the
// rest the first non-nil value in sample decides, and all-null columns are strings.
func ColumnsFor(names, databaseTypes []string, sample []map[string]any) []Column {
	columns := make([]Column, len(names))
	for i, name := range names {
		columns[i] = Column{Name: name, Kind: KindString}

		if i < len(databaseTypes) {
			if kind, ok := KindForDatabaseType(databaseTypes[i]); ok {
				columns[i].Kind = kind
				continue
			}
		}

		for _, row := range sample {
			if value := row[name]; value != nil {
				columns[i].Kind = kindForValue(value)
				break
			}
		}
	}
	return columns
}

func columnNode(kind ColumnKind) parquet.Node {
	switch kind {
	case KindBoolean:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	case KindInt32:
		return parquet.Optional(parquet.Leaf(parquet.Int32Type))
	case KindInt64:
		return parquet.Optional(parquet.Leaf(parquet.Int64Type))
	case KindDouble:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	case KindTimestamp:
		return parquet.Optional(parquet.Timestamp(parquet.Microsecond))
	default:
		// Byte-array columns are dictionary encoded; flight data repeats
		// callsigns, airports and sectors heavily
		return parquet.Optional(parquet.Encoded(parquet.String(), &parquet.RLEDictionary))
	}
}

// buildSchema creates the Parquet schema for columns. parquet.Group orders
// fields by name, so the file's column order is alphabetical.
func buildSchema(columns []Column) *parquet.Schema {
	fields := make(parquet.Group, len(columns))
	for _, col := range columns {
		fields[col.Name] = columnNode(col.Kind)
	}
	return parquet.NewSchema("flight_features", fields)
}

// compressionOption maps a codec name to a writer option. gzip is the
// default because every Parquet decoder we target (DuckDB-WASM included) reads it.
func compressionOption(compression string) (parquet.WriterOption, error) {
	switch compression {
	case "", "gzip":
		return parquet.Compression(&parquet.Gzip), nil
	case "snappy":
		return parquet.Compression(&parquet.Snappy), nil
	case "zstd":
		return parquet.Compression(&parquet.Zstd), nil
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw), nil
	case "none":
		return parquet.Compression(&parquet.Uncompressed), nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression %q", compression)
	}
}

// ParquetWriter streams row chunks into a single Parquet file
type ParquetWriter struct {
	writer  *parquet.GenericWriter[map[string]any]
	columns []Column
	rows    int64
}

// NewParquetWriter creates a writer for columns with the named compression codec
func NewParquetWriter(w io.Writer, columns []Column, compression string) (*ParquetWriter, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("parquet writer needs at least one column")
	}

	codec, err := compressionOption(compression)
	if err != nil {
		return nil, err
	}

	schema := buildSchema(columns)
	writer := parquet.NewGenericWriter[map[string]any](w, schema,
		codec,
		parquet.DataPageStatistics(true),
		parquet.CreatedBy("flight-features", "", ""),
	)

	return &ParquetWriter{writer: writer, columns: columns}, nil
}

// Columns returns the layout the writer was created with
func (p *ParquetWriter) Columns() []Column {
	return p.columns
}

// Write converts rows to the column kinds and appends them
func (p *ParquetWriter) Write(rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}

	converted := make([]map[string]any, len(rows))
	for i, row := range rows {
		out := make(map[string]any, len(p.columns))
		for _, col := range p.columns {
			out[col.Name] = convertValue(col.Kind, row[col.Name])
		}
		converted[i] = out
	}

	if _, err := p.writer.Write(converted); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	p.rows += int64(len(rows))
	return nil
}

// Rows returns how many rows have been written
func (p *ParquetWriter) Rows() int64 {
	return p.rows
}

// Close flushes the footer
func (p *ParquetWriter) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// convertValue coerces a driver value into the Go type the column kind stores.
// Values that cannot be represented become null.
func convertValue(kind ColumnKind, value any) any {
	if value == nil {
		return nil
	}

	switch kind {
	case KindBoolean:
		switch v := value.(type) {
		case bool:
			return v
		case string, []byte:
			b, err := strconv.ParseBool(asString(v))
			if err != nil {
				return nil
			}
			return b
		}
		return nil

	case KindInt32:
		n, ok := asInt64(value)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return nil
		}
		return int32(n)

	case KindInt64:
		n, ok := asInt64(value)
		if !ok {
			return nil
		}
		return n

	case KindDouble:
		f, ok := asFloat64(value)
		if !ok {
			return nil
		}
		return f

	case KindTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v.UnixMicro()
		case string, []byte:
			t, err := time.Parse(time.RFC3339Nano, asString(v))
			if err != nil {
				return nil
			}
			return t.UnixMicro()
		}
		return nil

	default:
		switch v := value.(type) {
		case string:
			return v
		case []byte:
			return string(v)
		case time.Time:
			return v.Format(time.RFC3339Nano)
		default:
			return fmt.Sprint(v)
		}
	}
}

func asString(value any) string {
	if b, ok := value.([]byte); ok {
		return string(b)
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case string, []byte:
		n, err := strconv.ParseInt(asString(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func asFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string, []byte:
		// NUMERIC arrives from lib/pq as text
		f, err := strconv.ParseFloat(asString(v), 64)
		return f, err == nil
	}
	return 0, false
}

// SortedColumnNames returns the names in the order they appear in the written file
func SortedColumnNames(columns []Column) []string {
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}
	sort.Strings(names)
	return names
}
