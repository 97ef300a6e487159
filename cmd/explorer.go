package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type SchemaInfo struct {
	SchemaName string `json:"schema_name"`
}

type TableInfo struct {
	TableName string `json:"table_name"`
}

// ColumnInfo represents metadata about a database column
type ColumnInfo struct {
	ColumnName    string  `json:"column_name"`
	DataType      string  `json:"data_type"`
	IsNullable    string  `json:"is_nullable"`
	ColumnDefault *string `json:"column_default"`
}

// Explorer browses arbitrary schemas and tables. Caller-supplied names are
// checked with IsIdentifier and rejected, never rewritten.
type Explorer struct {
	db     *sql.DB
	rows   *DatasetReader
	logger *slog.Logger
}

func NewExplorer(db *sql.DB, logger *slog.Logger) *Explorer {
	return &Explorer{db: db, rows: NewDatasetReader(db, logger), logger: logger}
}

func (e *Explorer) Schemas(ctx context.Context) ([]SchemaInfo, error) {
	names, err := e.strings(ctx, listSchemasSQL)
	if err != nil {
		return nil, err
	}
	schemas := make([]SchemaInfo, len(names))
	for i, name := range names {
		schemas[i] = SchemaInfo{SchemaName: name}
	}
	return schemas, nil
}

func (e *Explorer) Tables(ctx context.Context, schema string) ([]TableInfo, error) {
	names, err := e.strings(ctx, listBaseTablesSQL, schema)
	if err != nil {
		return nil, err
	}
	tables := make([]TableInfo, len(names))
	for i, name := range names {
		tables[i] = TableInfo{TableName: name}
	}
	return tables, nil
}

// Columns needs no identifier check: schema and table are bound parameters
func (e *Explorer) Columns(ctx context.Context, schema, table string) ([]ColumnInfo, error) {
	rows, err := e.db.QueryContext(ctx, listColumnsSQL, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	columns := []ColumnInfo{}
	for rows.Next() {
		var col ColumnInfo
		var def sql.NullString
		if err := rows.Scan(&col.ColumnName, &col.DataType, &col.IsNullable, &def); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		if def.Valid {
			col.ColumnDefault = &def.String
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}
	return columns, nil
}

// Count returns the exact row count of schema.table
func (e *Explorer) Count(ctx context.Context, schema, table string) CountResult {
	if err := requireIdentifiers(schema, table); err != nil {
		return CountResult{Count: 0, Error: "Invalid schema or table name"}
	}

	var count int64
	if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QualifiedTable(schema, table)).Scan(&count); err != nil {
		return CountResult{Count: 0, Error: err.Error()}
	}
	return CountResult{Count: count}
}

// Rows returns one page of schema.table, at most maxPreviewRows rows
func (e *Explorer) Rows(ctx context.Context, schema, table string, limit, offset int) RowsResult {
	if err := requireIdentifiers(schema, table); err != nil {
		return RowsResult{Columns: []string{}, Rows: []map[string]any{}, Error: "Invalid schema or table name"}
	}

	limit = clampLimit(limit)
	offset = clampOffset(offset)

	query := "SELECT * FROM " + QualifiedTable(schema, table) + " LIMIT $1 OFFSET $2"
	columns, rows, err := e.rows.queryRows(ctx, query, limit, offset)
	if err != nil {
		return RowsResult{Columns: []string{}, Rows: []map[string]any{}, Error: err.Error()}
	}
	return RowsResult{Columns: columns, Rows: rows, Limit: limit, Offset: offset}
}

func (e *Explorer) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
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
