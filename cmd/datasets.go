package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/airframesio/flight-features/cmd/formatters"
)

const (
	// maxPreviewRows caps any single raw or preview page
	maxPreviewRows     = 500
	defaultPreviewRows = 50
	defaultBatchSize   = 50000
	// maxExportBatch bounds the rows held in memory for one export request
	maxExportBatch     = 50000
)

type RowsResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	Error   string           `json:"error,omitempty"`
}

type ExportRequest struct {
	Dataset   string
	Dep       string
	Dest      string
	Limit     int
	Offset    int
	BatchSize int
}

type ExportFilters struct {
	Dep  *string `json:"dep"`
	Dest *string `json:"dest"`
}

type ExportResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Offset    int              `json:"offset"`
	BatchSize int              `json:"batch_size"`
	HasMore   bool             `json:"has_more"`
	Filters   ExportFilters    `json:"filters"`
	Error     string           `json:"error,omitempty"`
}

type CountResult struct {
	Count   int64  `json:"count"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

type AirportCodes struct {
	DepCodes  []string `json:"dep_codes"`
	DestCodes []string `json:"dest_codes"`
	Error     string   `json:"error,omitempty"`
}

// DatasetReader serves the read-only views of a materialized dataset
type DatasetReader struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDatasetReader(db *sql.DB, logger *slog.Logger) *DatasetReader {
	return &DatasetReader{db: db, logger: logger}
}

// clampLimit applies the default and the safety ceiling to a page size
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPreviewRows
	}
	if limit > maxPreviewRows {
		return maxPreviewRows
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// Preview returns one page of a dataset in storage order
func (d *DatasetReader) Preview(ctx context.Context, dataset string, limit, offset int) RowsResult {
	limit = clampLimit(limit)
	offset = clampOffset(offset)

	query := "SELECT * FROM " + QualifiedTable(datasetSchema, dataset) + " LIMIT $1 OFFSET $2"
	columns, rows, err := d.queryRows(ctx, query, limit, offset)
	if err != nil {
		return RowsResult{Columns: []string{}, Rows: []map[string]any{}, Error: err.Error()}
	}
	return RowsResult{Columns: columns, Rows: rows, Limit: limit, Offset: offset}
}

// Export returns one batch of a dataset ordered by flight and time, with
// exact dep/dest filters. has_more is set when the batch came back full.
func (d *DatasetReader) Export(ctx context.Context, req ExportRequest) ExportResult {
	batch := req.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	if batch > maxExportBatch {
		batch = maxExportBatch
	}
	if req.Limit > 0 && req.Limit < batch {
		batch = req.Limit
	}
	offset := clampOffset(req.Offset)

	dep, dest := normalizeFilters(req.Dep, req.Dest)
	filters := ExportFilters{}
	if dep != "" {
		filters.Dep = &dep
	}
	if dest != "" {
		filters.Dest = &dest
	}

	query, args := datasetFilter("SELECT * FROM "+QualifiedTable(datasetSchema, req.Dataset), dep, dest)
	query += fmt.Sprintf(" ORDER BY flight_key, time_of_track LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, batch, offset)

	columns, rows, err := d.queryRows(ctx, query, args...)
	if err != nil {
		return ExportResult{Columns: []string{}, Rows: []map[string]any{}, Filters: filters, Error: err.Error()}
	}

	return ExportResult{
		Columns:   columns,
		Rows:      rows,
		RowCount:  len(rows),
		Offset:    offset,
		BatchSize: batch,
		HasMore:   len(rows) == batch,
		Filters:   filters,
	}
}

// Count counts dataset rows matching the optional dep/dest filters
func (d *DatasetReader) Count(ctx context.Context, dataset, dep, dest string) CountResult {
	query, args := datasetFilter("SELECT COUNT(*) FROM "+QualifiedTable(datasetSchema, dataset), dep, dest)

	var count int64
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return CountResult{Count: 0, Error: err.Error()}
	}
	return CountResult{Count: count}
}

// AirportCodes lists the distinct non-empty dep and dest codes in a dataset
func (d *DatasetReader) AirportCodes(ctx context.Context, dataset string) AirportCodes {
	table := QualifiedTable(datasetSchema, dataset)

	dep, err := d.distinct(ctx, "SELECT DISTINCT dep FROM "+table+" WHERE dep IS NOT NULL AND dep != '' ORDER BY dep")
	if err != nil {
		return AirportCodes{DepCodes: []string{}, DestCodes: []string{}, Error: err.Error()}
	}
	dest, err := d.distinct(ctx, "SELECT DISTINCT dest FROM "+table+" WHERE dest IS NOT NULL AND dest != '' ORDER BY dest")
	if err != nil {
		return AirportCodes{DepCodes: []string{}, DestCodes: []string{}, Error: err.Error()}
	}
	return AirportCodes{DepCodes: dep, DestCodes: dest}
}

func (d *DatasetReader) distinct(ctx context.Context, query string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func (d *DatasetReader) queryRows(ctx context.Context, query string, args ...any) ([]string, []map[string]any, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, out, err := formatters.ScanRows(rows)
	if err != nil {
		return nil, nil, err
	}
	if out == nil {
		out = []map[string]any{}
	}
	return columns, out, nil
}
