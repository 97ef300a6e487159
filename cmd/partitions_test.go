package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// newTestLogger creates a logger for tests that only shows errors
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newMockDB(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewResolver(db, newTestLogger()), mock
}

func TestValidateDate(t *testing.T) {
	tests := []struct {
		date    string
		wantErr bool
	}{
		{"2024-07-27", false},
		{"2024-02-31", false}, // day-of-month is not checked against the calendar
		{"2024-12-01", false},
		{"2024-13-01", true},
		{"2024-00-10", true},
		{"2024-07-00", true},
		{"2024-07-32", true},
		{"20240727", true},
		{"2024-7-27", true},
		{"2024-07-27'; DROP TABLE x; --", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			err := ValidateDate(tt.date)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateDate(%q) error = %v, wantErr %v", tt.date, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDate) {
				t.Fatalf("expected ErrInvalidDate, got %v", err)
			}
		})
	}
}

func TestResolveSurveillance(t *testing.T) {
	t.Run("Exists", func(t *testing.T) {
		resolver, mock := newMockDB(t)
		mock.ExpectQuery("information_schema.tables").
			WithArgs("sur_air", "cat062_20240727").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		table, err := resolver.ResolveSurveillance(context.Background(), "2024-07-27")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if table != "cat062_20240727" {
			t.Errorf("table = %s, want cat062_20240727", table)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		resolver, mock := newMockDB(t)
		mock.ExpectQuery("information_schema.tables").
			WithArgs("sur_air", "cat062_20240101").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := resolver.ResolveSurveillance(context.Background(), "2024-01-01")
		if !errors.Is(err, ErrPartitionNotFound) {
			t.Fatalf("expected ErrPartitionNotFound, got %v", err)
		}
	})

	t.Run("InvalidDateIssuesNoQuery", func(t *testing.T) {
		resolver, mock := newMockDB(t)
		_, err := resolver.ResolveSurveillance(context.Background(), "27/07/2024")
		if !errors.Is(err, ErrInvalidDate) {
			t.Fatalf("expected ErrInvalidDate, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
}

func TestProperty_SurveillanceNameIsPrefixPlusDate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("existing partitions resolve to cat062_ + compact date", prop.ForAll(
		func(year, month, day int) bool {
			date := fmt.Sprintf("%04d-%02d-%02d", year, month, day)
			want := fmt.Sprintf("cat062_%04d%02d%02d", year, month, day)

			db, mock, err := sqlmock.New()
			if err != nil {
				return false
			}
			defer db.Close()
			mock.ExpectQuery("information_schema.tables").
				WithArgs("sur_air", want).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

			got, err := NewResolver(db, newTestLogger()).ResolveSurveillance(context.Background(), date)
			return err == nil && got == want && mock.ExpectationsWereMet() == nil
		},
		gen.IntRange(2000, 2099),
		gen.IntRange(1, 12),
		gen.IntRange(1, 31),
	))

	properties.TestingRun(t)
}

func TestResolveTrack(t *testing.T) {
	tests := []struct {
		name   string
		tables []string
		want   string
		found  bool
	}{
		{
			name:   "monthly partition",
			tables: []string{"track_cat62_202406", "track_cat62_202407", "track_cat62_202408"},
			want:   "track_cat62_202407",
			found:  true,
		},
		{
			name:   "daily partition",
			tables: []string{"track_cat62_20240726", "track_cat62_20240727"},
			want:   "track_cat62_20240726", // month match on the earlier name wins by scan order
			found:  true,
		},
		{
			name:   "daily only other month",
			tables: []string{"track_cat62_20240601", "track_cat62_20240727"},
			want:   "track_cat62_20240727",
			found:  true,
		},
		{
			name:   "none",
			tables: []string{"track_cat62_202401", "track_cat62_202402"},
			found:  false,
		},
		{
			name:   "empty schema",
			tables: nil,
			found:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, mock := newMockDB(t)
			rows := sqlmock.NewRows([]string{"table_name"})
			for _, name := range tt.tables {
				rows.AddRow(name)
			}
			mock.ExpectQuery("ORDER BY table_name").WithArgs("track").WillReturnRows(rows)

			got, found, err := resolver.ResolveTrack(context.Background(), "2024-07-27")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if found != tt.found || got != tt.want {
				t.Errorf("ResolveTrack() = %q, %v; want %q, %v", got, found, tt.want, tt.found)
			}
		})
	}
}

func TestAvailableDates(t *testing.T) {
	resolver, mock := newMockDB(t)
	mock.ExpectQuery("ORDER BY table_name DESC").WithArgs("sur_air").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
			AddRow("cat062_20240728").
			AddRow("cat062_20240727").
			AddRow("cat062_staging"))

	dates, err := resolver.AvailableDates(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("expected 2 dates, got %d", len(dates))
	}
	want := PartitionDate{Date: "2024-07-28", Year: 2024, Month: 7, Day: 28, TableName: "cat062_20240728"}
	if dates[0] != want {
		t.Errorf("dates[0] = %+v, want %+v", dates[0], want)
	}
}

func TestAirportsForDate(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		resolver, mock := newMockDB(t)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM "sur_air"."cat062_20240727"`)).
			WillReturnRows(sqlmock.NewRows([]string{"airport"}).AddRow("EGLL").AddRow("LFPG"))

		airports, err := resolver.AirportsForDate(context.Background(), "2024-07-27")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(airports) != 2 || airports[0] != "EGLL" {
			t.Errorf("unexpected airports: %v", airports)
		}
	})

	t.Run("QueryFailureIsEmpty", func(t *testing.T) {
		resolver, mock := newMockDB(t)
		mock.ExpectQuery("SELECT DISTINCT airport").
			WillReturnError(errors.New(`relation "sur_air.cat062_20240101" does not exist`))

		airports, err := resolver.AirportsForDate(context.Background(), "2024-01-01")
		if err != nil {
			t.Fatalf("query failure should not be an error: %v", err)
		}
		if airports == nil || len(airports) != 0 {
			t.Errorf("expected empty non-nil list, got %#v", airports)
		}
	})
}

func TestCountForDateBindsAirport(t *testing.T) {
	resolver, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "sur_air"."cat062_20240727" WHERE (dep = $1 OR dest = $1)`)).
		WithArgs("LFPG").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := resolver.CountForDate(context.Background(), "2024-07-27", "lf'pg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 42 {
		t.Errorf("count = %d, want 42", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCountForDateWithoutAirport(t *testing.T) {
	resolver, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "sur_air"."cat062_20240727"`)).
		WithArgs().
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(10)))

	count, err := resolver.CountForDate(context.Background(), "2024-07-27", "")
	if err != nil || count != 10 {
		t.Fatalf("CountForDate() = %d, %v", count, err)
	}
}
