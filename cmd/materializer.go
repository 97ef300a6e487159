package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrDatasetNameInvalid is returned for names that would be truncated by PostgreSQL
var ErrDatasetNameInvalid = errors.New("dataset name is invalid: must be 1-63 characters after sanitizing")

type MaterializeRequest struct {
	Date    string
	Name    string
	Airport string

	// OnChunk is forwarded to the artifact build that follows a successful create
	OnChunk func(ChunkProgress) `json:"-"`
}

type MaterializeResult struct {
	Success           bool    `json:"success"`
	DatasetName       string  `json:"dataset_name,omitempty"`
	Schema            string  `json:"schema,omitempty"`
	Table             string  `json:"table,omitempty"`
	RowCount          int64   `json:"row_count"`
	Date              string  `json:"date,omitempty"`
	SurveillanceTable string  `json:"sur_air_table,omitempty"`
	TrackTable        *string `json:"track_table"`
	PublicURL         string  `json:"r2_url,omitempty"`
	ParquetSizeMB     float64 `json:"parquet_size_mb,omitempty"`
	ParquetError      string  `json:"parquet_error,omitempty"`
	Error             string  `json:"error,omitempty"`

	// Err keeps the typed failure for callers that map it (HTTP status, exit code)
	Err error `json:"-"`
}

type DeleteResult struct {
	Success bool   `json:"success"`
	Deleted string `json:"deleted,omitempty"`
	Error   string `json:"error,omitempty"`
}

type DatasetInfo struct {
	TableName string `json:"table_name"`
}

// Materializer creates and drops datasets in the flight_features schema.
// Writes to one dataset name are serialized within the process.
type Materializer struct {
	db       *sql.DB
	resolver *Resolver
	builder  *ArtifactBuilder
	locks    *keyedMutex
	logger   *slog.Logger
}

func NewMaterializer(db *sql.DB, resolver *Resolver, builder *ArtifactBuilder, logger *slog.Logger) *Materializer {
	return &Materializer{
		db:       db,
		resolver: resolver,
		builder:  builder,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// DatasetName derives the dataset name for a date and optional airport,
// or sanitizes the explicit name when one is given
func DatasetName(date, name, airport string) string {
	if name == "" {
		name = "flight_data_" + compactDate(date)
		if airport != "" {
			name += "_" + strings.ToUpper(airport)
		}
	}
	return SanitizeName(name)
}

func failedMaterialize(err error) MaterializeResult {
	return MaterializeResult{Success: false, Error: err.Error(), Err: err}
}

// Materialize builds flight_features.<name> as the surveillance partition for
// req.Date LEFT JOINed with its track partition, then builds the unfiltered
// artifact. Failures are returned in the result, never raised.
func (m *Materializer) Materialize(ctx context.Context, req MaterializeRequest) MaterializeResult {
	if err := ValidateDate(req.Date); err != nil {
		return failedMaterialize(err)
	}

	name := DatasetName(req.Date, req.Name, req.Airport)
	if name == "" || len(name) > maxIdentifierLength {
		return failedMaterialize(fmt.Errorf("%w: '%s'", ErrDatasetNameInvalid, name))
	}
	airport := SanitizeAirport(req.Airport)

	unlock := m.locks.Lock(name)
	defer unlock()

	start := time.Now()
	m.logger.Info(fmt.Sprintf("🛠️  Materializing %s.%s for %s", datasetSchema, name, req.Date))

	surveillance, err := m.resolver.ResolveSurveillance(ctx, req.Date)
	if err != nil {
		return failedMaterialize(err)
	}

	track, found, err := m.resolver.ResolveTrack(ctx, req.Date)
	if err != nil {
		m.logger.Warn(fmt.Sprintf("⚠️  Track lookup failed, continuing without track data: %v", err))
		found = false
	}
	var trackTable *string
	if found {
		trackTable = &track
	}

	if _, err := m.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(datasetSchema)); err != nil {
		return failedMaterialize(fmt.Errorf("failed to create schema %s: %w", datasetSchema, err))
	}

	target := QualifiedTable(datasetSchema, name)

	// Drop and create are separate statements. A failed create leaves the
	// dataset absent rather than restoring the previous version.
	if _, err := m.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+target); err != nil {
		return failedMaterialize(fmt.Errorf("failed to drop %s: %w", target, err))
	}

	if _, err := m.db.ExecContext(ctx, createDatasetSQL(name, surveillance, trackTable, req.Date, airport)); err != nil {
		return failedMaterialize(fmt.Errorf("failed to create %s: %w", target, err))
	}

	var rowCount int64
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+target).Scan(&rowCount); err != nil {
		return failedMaterialize(fmt.Errorf("failed to count %s: %w", target, err))
	}

	m.logger.Info(fmt.Sprintf("  ✅ %s: %d rows in %s", name, rowCount, time.Since(start).Round(time.Millisecond)))

	result := MaterializeResult{
		Success:           true,
		DatasetName:       name,
		Schema:            datasetSchema,
		Table:             name,
		RowCount:          rowCount,
		Date:              req.Date,
		SurveillanceTable: surveillance,
		TrackTable:        trackTable,
	}

	// The table was just replaced, so any earlier artifact for it is stale
	artifact := m.builder.Build(ctx, BuildRequest{Dataset: name, Force: true, OnChunk: req.OnChunk})
	if artifact.Success {
		result.PublicURL = artifact.PublicURL
		result.ParquetSizeMB = artifact.SizeMB
		if artifact.UploadError != "" {
			result.ParquetError = artifact.UploadError
		}
	} else {
		m.logger.Warn(fmt.Sprintf("⚠️  Artifact build for %s failed: %s", name, artifact.Error))
		result.ParquetError = artifact.Error
	}

	return result
}

// createDatasetSQL renders the CREATE TABLE AS statement. Utility statements
// cannot take bind parameters, so the date and airport go in as quoted
// literals; both have already been validated (date) or reduced to [A-Z0-9] (airport).
func createDatasetSQL(name, surveillance string, track *string, date, airport string) string {
	projection := make([]string, len(featureColumns))
	for i, col := range featureColumns {
		projection[i] = "s." + pq.QuoteIdentifier(col)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s AS\nSELECT\n\t%s\nFROM %s s",
		QualifiedTable(datasetSchema, name),
		strings.Join(projection, ",\n\t"),
		QualifiedTable(surveillanceSchema, surveillance))

	if track != nil {
		fmt.Fprintf(&b, "\nLEFT JOIN %s t\n\tON s.flight_key = t.flight_key\n\tAND DATE(t.start_time) = %s",
			QualifiedTable(trackSchema, *track), pq.QuoteLiteral(date))
	}

	if airport != "" {
		literal := pq.QuoteLiteral(airport)
		fmt.Fprintf(&b, "\nWHERE (s.dep = %s OR s.dest = %s)", literal, literal)
	}

	b.WriteString("\nORDER BY s.flight_key ASC")
	return b.String()
}

// Delete drops a dataset. Dropping a dataset that does not exist succeeds.
func (m *Materializer) Delete(ctx context.Context, dataset string) DeleteResult {
	name := SanitizeName(dataset)
	if name == "" {
		return DeleteResult{Success: false, Error: fmt.Sprintf("%v: '%s'", ErrDatasetNameInvalid, dataset)}
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	if _, err := m.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+QualifiedTable(datasetSchema, name)); err != nil {
		return DeleteResult{Success: false, Error: err.Error()}
	}

	m.logger.Info(fmt.Sprintf("🗑️  Dropped %s.%s", datasetSchema, name))
	return DeleteResult{Success: true, Deleted: name}
}

// ListDatasets returns every table in the flight_features schema
func (m *Materializer) ListDatasets(ctx context.Context) ([]DatasetInfo, error) {
	tables, err := m.resolver.listTables(ctx, schemaTablesSQL, datasetSchema)
	if err != nil {
		return nil, err
	}

	datasets := make([]DatasetInfo, len(tables))
	for i, table := range tables {
		datasets[i] = DatasetInfo{TableName: table}
	}
	return datasets, nil
}
