package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Static errors for partition resolution
var (
	ErrInvalidDate       = errors.New("invalid date format. Use YYYY-MM-DD")
	ErrPartitionNotFound = errors.New("sur_air table not found")
)

var (
	datePattern          = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	partitionDatePattern = regexp.MustCompile(`(\d{4})(\d{2})(\d{2})$`)
)

// ValidateDate accepts YYYY-MM-DD with month 1-12 and day 1-31. Day counts
// per month are not checked; a 2024-02-31 partition simply won't exist.
func ValidateDate(date string) error {
	if !datePattern.MatchString(date) {
		return fmt.Errorf("%w: '%s'", ErrInvalidDate, date)
	}
	month, _ := strconv.Atoi(date[5:7])
	day, _ := strconv.Atoi(date[8:10])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return fmt.Errorf("%w: '%s'", ErrInvalidDate, date)
	}
	return nil
}

// compactDate turns YYYY-MM-DD into YYYYMMDD
func compactDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}

// SurveillanceTableName returns the daily surveillance partition name for a date
func SurveillanceTableName(date string) string {
	return surveillancePrefix + compactDate(date)
}

// PartitionDate is one day for which a surveillance partition exists
type PartitionDate struct {
	Date      string `json:"date"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	Day       int    `json:"day"`
	TableName string `json:"table_name"`
}

// Resolver maps calendar dates to the physical partitions that hold them
type Resolver struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewResolver(db *sql.DB, logger *slog.Logger) *Resolver {
	return &Resolver{db: db, logger: logger}
}

// ResolveSurveillance returns the surveillance partition for date or
// ErrPartitionNotFound. The name is always prefix + compact date.
func (r *Resolver) ResolveSurveillance(ctx context.Context, date string) (string, error) {
	if err := ValidateDate(date); err != nil {
		return "", err
	}

	table := SurveillanceTableName(date)

	var exists bool
	if err := r.db.QueryRowContext(ctx, tableExistsSQL, surveillanceSchema, table).Scan(&exists); err != nil {
		return "", fmt.Errorf("failed to check partition %s: %w", table, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrPartitionNotFound, table)
	}

	r.logger.Debug(fmt.Sprintf("  📋 Surveillance partition: %s.%s", surveillanceSchema, table))
	return table, nil
}

// ResolveTrack scans track partitions in name order and returns the first
// whose name contains either the 8-digit date or the 6-digit month. Each
// name is tested for both before moving on, so a monthly partition sorting
// ahead of a daily one wins.
func (r *Resolver) ResolveTrack(ctx context.Context, date string) (string, bool, error) {
	if err := ValidateDate(date); err != nil {
		return "", false, err
	}

	day := compactDate(date)
	month := day[:6]

	tables, err := r.listTables(ctx, schemaTablesSQL, trackSchema)
	if err != nil {
		return "", false, err
	}

	for _, table := range tables {
		if strings.Contains(table, day) || strings.Contains(table, month) {
			r.logger.Debug(fmt.Sprintf("  📋 Track partition: %s.%s", trackSchema, table))
			return table, true, nil
		}
	}

	r.logger.Debug(fmt.Sprintf("  ⚠️  No track partition for %s", date))
	return "", false, nil
}

// AvailableDates lists every surveillance partition date, newest first
func (r *Resolver) AvailableDates(ctx context.Context) ([]PartitionDate, error) {
	tables, err := r.listTables(ctx, schemaTablesDescSQL, surveillanceSchema)
	if err != nil {
		return nil, err
	}

	dates := make([]PartitionDate, 0, len(tables))
	for _, table := range tables {
		match := partitionDatePattern.FindStringSubmatch(table)
		if match == nil {
			continue
		}
		year, _ := strconv.Atoi(match[1])
		month, _ := strconv.Atoi(match[2])
		day, _ := strconv.Atoi(match[3])
		dates = append(dates, PartitionDate{
			Date:      fmt.Sprintf("%04d-%02d-%02d", year, month, day),
			Year:      year,
			Month:     month,
			Day:       day,
			TableName: table,
		})
	}
	return dates, nil
}

// AirportsForDate returns the distinct departure and destination codes seen
// on date, sorted. A failing query (usually a missing partition) yields an
// empty list.
func (r *Resolver) AirportsForDate(ctx context.Context, date string) ([]string, error) {
	if err := ValidateDate(date); err != nil {
		return nil, err
	}

	table := QualifiedTable(surveillanceSchema, SurveillanceTableName(date))
	query := fmt.Sprintf(`
SELECT DISTINCT airport FROM (
	SELECT dep AS airport FROM %[1]s WHERE dep IS NOT NULL AND dep != ''
	UNION
	SELECT dest AS airport FROM %[1]s WHERE dest IS NOT NULL AND dest != ''
) AS airports
ORDER BY airport`, table)

	airports := []string{}
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		r.logger.Debug(fmt.Sprintf("Airport lookup for %s failed: %v", date, err))
		return airports, nil
	}
	defer rows.Close()

	for rows.Next() {
		var code sql.NullString
		if err := rows.Scan(&code); err != nil {
			r.logger.Debug(fmt.Sprintf("Airport lookup for %s failed: %v", date, err))
			return []string{}, nil
		}
		if code.Valid && code.String != "" {
			airports = append(airports, code.String)
		}
	}
	if err := rows.Err(); err != nil {
		r.logger.Debug(fmt.Sprintf("Airport lookup for %s failed: %v", date, err))
		return []string{}, nil
	}
	return airports, nil
}

// CountForDate counts surveillance rows for date, optionally restricted to
// flights departing from or arriving at airport
func (r *Resolver) CountForDate(ctx context.Context, date, airport string) (int64, error) {
	if err := ValidateDate(date); err != nil {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM " + QualifiedTable(surveillanceSchema, SurveillanceTableName(date))
	var args []any
	if code := SanitizeAirport(airport); code != "" {
		query += " WHERE (dep = $1 OR dest = $1)"
		args = append(args, code)
	}

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows for %s: %w", date, err)
	}
	return count, nil
}

func (r *Resolver) listTables(ctx context.Context, query, schema string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables in %s: %w", schema, err)
	}
	return tables, nil
}
