package formatters

import (
	"bytes"
	"testing"
	"time"
)

func TestKindForDatabaseType(t *testing.T) {
	tests := []struct {
		dbType string
		want   ColumnKind
		known  bool
	}{
		{"INT4", KindInt32, true},
		{"int8", KindInt64, true},
		{"FLOAT8", KindDouble, true},
		{"NUMERIC", KindDouble, true},
		{"BOOL", KindBoolean, true},
		{"TIMESTAMPTZ", KindTimestamp, true},
		{"VARCHAR", KindString, true},
		{"GEOMETRY", KindString, false},
		{"", KindString, false},
	}

	for _, tt := range tests {
		t.Run(tt.dbType, func(t *testing.T) {
			got, known := KindForDatabaseType(tt.dbType)
			if got != tt.want || known != tt.known {
				t.Errorf("KindForDatabaseType(%q) = %v, %v; want %v, %v", tt.dbType, got, known, tt.want, tt.known)
			}
		})
	}
}

func TestColumnsFor(t *testing.T) {
	sample := []map[string]any{
		{"flight_key": "K1", "track_no": nil, "geo_alt": 100.5, "ok": nil},
		{"flight_key": "K2", "track_no": int64(7), "geo_alt": nil, "ok": nil},
	}

	columns := ColumnsFor(
		[]string{"flight_key", "track_no", "geo_alt", "ok"},
		[]string{"", "", "", "BOOL"},
		sample,
	)

	want := map[string]ColumnKind{
		"flight_key": KindString,
		"track_no":   KindInt64,
		"geo_alt":    KindDouble,
		"ok":         KindBoolean,
	}
	for _, col := range columns {
		if want[col.Name] != col.Kind {
			t.Errorf("column %s: kind %v, want %v", col.Name, col.Kind, want[col.Name])
		}
	}
}

func TestParquetWriterRoundTrip(t *testing.T) {
	columns := []Column{
		{Name: "flight_key", Kind: KindString},
		{Name: "track_no", Kind: KindInt32},
		{Name: "geo_alt", Kind: KindDouble},
		{Name: "time_of_track", Kind: KindTimestamp},
	}
	ts := time.Date(2024, 7, 27, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	writer, err := NewParquetWriter(&buf, columns, "gzip")
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	// Two chunks, as the artifact builder writes them
	if err := writer.Write([]map[string]any{
		{"flight_key": "K1", "track_no": int64(1), "geo_alt": 1000.0, "time_of_track": ts},
		{"flight_key": "K1", "track_no": int64(1), "geo_alt": nil, "time_of_track": ts.Add(time.Second)},
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := writer.Write([]map[string]any{
		{"flight_key": "K2", "track_no": []byte("2"), "geo_alt": []byte("2000.5"), "time_of_track": nil},
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if writer.Rows() != 3 {
		t.Fatalf("Rows() = %d, want 3", writer.Rows())
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	file, err := OpenParquet(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
	if err != nil {
		t.Fatalf("failed to open written file: %v", err)
	}
	defer file.Close()

	if file.NumRows() != 3 {
		t.Fatalf("NumRows() = %d, want 3", file.NumRows())
	}

	for _, col := range file.Columns() {
		if col.Compression != "GZIP" {
			t.Errorf("column %s compressed with %s, want GZIP", col.Name, col.Compression)
		}
	}

	rows, err := file.ReadRows(0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("read %d rows, want 3", len(rows))
	}
	if rows[0]["flight_key"] != "K1" || rows[2]["flight_key"] != "K2" {
		t.Errorf("row order not preserved: %v", rows)
	}
	if rows[0]["time_of_track"] != ts.UnixMicro() {
		t.Errorf("timestamp = %v, want %d", rows[0]["time_of_track"], ts.UnixMicro())
	}
	if rows[1]["geo_alt"] != nil {
		t.Errorf("null double should read back as nil, got %v", rows[1]["geo_alt"])
	}
	if rows[2]["track_no"] != int32(2) || rows[2]["geo_alt"] != 2000.5 {
		t.Errorf("text values should be coerced to column kinds: %v", rows[2])
	}

	limited, err := file.ReadRows(2)
	if err != nil {
		t.Fatalf("limited read failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ReadRows(2) returned %d rows", len(limited))
	}
}

func TestNewParquetWriterRejectsUnknownCodec(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewParquetWriter(&buf, []Column{{Name: "a"}}, "brotli9000"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
	if _, err := NewParquetWriter(&buf, nil, "gzip"); err == nil {
		t.Fatal("expected error for empty column list")
	}
}

func TestConvertValue(t *testing.T) {
	tests := []struct {
		name  string
		kind  ColumnKind
		input any
		want  any
	}{
		{"int32 from int64", KindInt32, int64(42), int32(42)},
		{"int32 overflow", KindInt32, int64(1 << 40), nil},
		{"int64 from text", KindInt64, "99", int64(99)},
		{"double from numeric", KindDouble, []byte("1.5"), 1.5},
		{"double from garbage", KindDouble, "abc", nil},
		{"bool from text", KindBoolean, "true", true},
		{"string from int", KindString, int64(5), "5"},
		{"nil stays nil", KindInt64, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := convertValue(tt.kind, tt.input); got != tt.want {
				t.Errorf("convertValue() = %#v, want %#v", got, tt.want)
			}
		})
	}
}
