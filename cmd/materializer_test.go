package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestMaterializer(t *testing.T) (*Materializer, *artifactFixture) {
	t.Helper()
	f := newArtifactFixture(t, 100)
	resolver := NewResolver(f.db, newTestLogger())
	return NewMaterializer(f.db, resolver, f.builder, newTestLogger()), f
}

// pattern joins literal SQL fragments with .* for the default regexp matcher
func pattern(fragments ...string) string {
	quoted := make([]string, len(fragments))
	for i, fragment := range fragments {
		quoted[i] = regexp.QuoteMeta(fragment)
	}
	return strings.Join(quoted, ".*")
}

func expectPartitions(mock sqlmock.Sqlmock, surveillance string, trackTables ...string) {
	mock.ExpectQuery("information_schema.tables").
		WithArgs("sur_air", surveillance).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rows := sqlmock.NewRows([]string{"table_name"})
	for _, table := range trackTables {
		rows.AddRow(table)
	}
	mock.ExpectQuery("ORDER BY table_name").WithArgs("track").WillReturnRows(rows)
}

func expectCreate(mock sqlmock.Sqlmock, dataset string, createPattern string) {
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "flight_features"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "flight_features"."` + dataset + `"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(createPattern).
		WillReturnResult(sqlmock.NewResult(0, 10))
}

func expectCount(mock sqlmock.Sqlmock, dataset string, count int64) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "flight_features"."` + dataset + `"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(count))
}

func TestDatasetName(t *testing.T) {
	tests := []struct {
		date    string
		name    string
		airport string
		want    string
	}{
		{"2024-07-27", "", "", "flight_data_20240727"},
		{"2024-07-27", "", "egll", "flight_data_20240727_EGLL"},
		{"2024-07-27", "my dataset!", "EGLL", "my_dataset_"},
		{"2024-07-27", "", "EG-LL", "flight_data_20240727_EG_LL"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := DatasetName(tt.date, tt.name, tt.airport); got != tt.want {
				t.Errorf("DatasetName() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCreateDatasetSQL(t *testing.T) {
	track := "track_cat62_20240727"

	t.Run("WithTrack", func(t *testing.T) {
		sql := createDatasetSQL("flight_data_20240727", "cat062_20240727", &track, "2024-07-27", "")

		for _, want := range []string{
			`CREATE TABLE "flight_features"."flight_data_20240727" AS`,
			`s."track_no"`,
			`s."flight_key"`,
			`FROM "sur_air"."cat062_20240727" s`,
			`LEFT JOIN "track"."track_cat62_20240727" t`,
			`ON s.flight_key = t.flight_key`,
			`AND DATE(t.start_time) = '2024-07-27'`,
		} {
			if !strings.Contains(sql, want) {
				t.Errorf("missing %q in:\n%s", want, sql)
			}
		}
		if strings.Contains(sql, "WHERE") {
			t.Errorf("unexpected airport filter:\n%s", sql)
		}
		if !strings.HasSuffix(sql, "ORDER BY s.flight_key ASC") {
			t.Errorf("statement must end with the flight_key ordering:\n%s", sql)
		}
		if strings.Count(sql, "s.\"") != len(featureColumns) {
			t.Errorf("expected %d projected columns", len(featureColumns))
		}
	})

	t.Run("WithoutTrack", func(t *testing.T) {
		sql := createDatasetSQL("flight_data_20240727", "cat062_20240727", nil, "2024-07-27", "")
		if strings.Contains(sql, "JOIN") {
			t.Errorf("no track partition should mean no join:\n%s", sql)
		}
		if !strings.Contains(sql, `s."geo_alt"`) {
			t.Errorf("projection must not change without track data:\n%s", sql)
		}
	})

	t.Run("AirportFilter", func(t *testing.T) {
		sql := createDatasetSQL("flight_data_20240727_EGLL", "cat062_20240727", nil, "2024-07-27", "EGLL")
		if !strings.Contains(sql, `WHERE (s.dep = 'EGLL' OR s.dest = 'EGLL')`) {
			t.Errorf("missing airport filter:\n%s", sql)
		}
	})
}

func TestMaterialize(t *testing.T) {
	m, f := newTestMaterializer(t)
	const dataset = "flight_data_20240727"

	expectPartitions(f.mock, "cat062_20240727", "track_cat62_20240726", "track_cat62_20240727")
	expectCreate(f.mock, dataset, pattern(
		`CREATE TABLE "flight_features"."flight_data_20240727" AS SELECT`,
		`FROM "sur_air"."cat062_20240727" s`,
		`LEFT JOIN "track"."track_cat62_20240726" t`,
		`ORDER BY s.flight_key ASC`,
	))
	expectCount(f.mock, dataset, 10)
	f.mock.ExpectQuery(chunkQuery(dataset)).WithArgs(100, 0).WillReturnRows(flightRows(10))

	var chunks int
	result := m.Materialize(context.Background(), MaterializeRequest{
		Date:    "2024-07-27",
		OnChunk: func(ChunkProgress) { chunks++ },
	})

	if !result.Success {
		t.Fatalf("materialize failed: %s", result.Error)
	}
	if result.DatasetName != dataset || result.Schema != "flight_features" || result.Table != dataset {
		t.Errorf("unexpected naming: %+v", result)
	}
	if result.RowCount != 10 || result.SurveillanceTable != "cat062_20240727" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.TrackTable == nil || *result.TrackTable != "track_cat62_20240726" {
		t.Errorf("TrackTable = %v", result.TrackTable)
	}
	if result.PublicURL != testPublicURL+"/flight_data_20240727.parquet" || result.ParquetError != "" {
		t.Errorf("artifact not published: %+v", result)
	}
	if chunks != 1 {
		t.Errorf("OnChunk called %d times, want 1", chunks)
	}
	if f.store.PutCount(dataset+".parquet") != 1 {
		t.Error("artifact should be uploaded once")
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaterializeRebuildsExistingArtifact(t *testing.T) {
	m, f := newTestMaterializer(t)
	const dataset = "flight_data_20240727"
	putObject(t, f.store, dataset+".parquet", "PAR1stale")

	expectPartitions(f.mock, "cat062_20240727")
	expectCreate(f.mock, dataset, pattern(`CREATE TABLE "flight_features"."flight_data_20240727" AS`))
	expectCount(f.mock, dataset, 10)
	f.mock.ExpectQuery(chunkQuery(dataset)).WithArgs(100, 0).WillReturnRows(flightRows(10))

	result := m.Materialize(context.Background(), MaterializeRequest{Date: "2024-07-27"})
	if !result.Success || result.ParquetError != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if f.store.PutCount(dataset+".parquet") != 2 {
		t.Error("a replaced table must overwrite its artifact")
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaterializeWithoutTrack(t *testing.T) {
	m, f := newTestMaterializer(t)
	const dataset = "flight_data_20240727"

	expectPartitions(f.mock, "cat062_20240727", "track_cat62_202401")
	expectCreate(f.mock, dataset, pattern(
		`FROM "sur_air"."cat062_20240727" s ORDER BY s.flight_key ASC`,
	))
	expectCount(f.mock, dataset, 10)
	f.mock.ExpectQuery(chunkQuery(dataset)).WithArgs(100, 0).WillReturnRows(flightRows(10))

	result := m.Materialize(context.Background(), MaterializeRequest{Date: "2024-07-27"})
	if !result.Success {
		t.Fatalf("materialize failed: %s", result.Error)
	}
	if result.TrackTable != nil {
		t.Errorf("TrackTable = %s, want nil", *result.TrackTable)
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"track_table":null`) {
		t.Errorf("track_table should serialize as null: %s", data)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaterializeTrackLookupFailure(t *testing.T) {
	m, f := newTestMaterializer(t)
	const dataset = "flight_data_20240727"

	f.mock.ExpectQuery("information_schema.tables").
		WithArgs("sur_air", "cat062_20240727").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	f.mock.ExpectQuery("ORDER BY table_name").WithArgs("track").
		WillReturnError(errors.New(`permission denied for schema track`))
	expectCreate(f.mock, dataset, pattern(`FROM "sur_air"."cat062_20240727" s ORDER BY`))
	expectCount(f.mock, dataset, 10)
	f.mock.ExpectQuery(chunkQuery(dataset)).WithArgs(100, 0).WillReturnRows(flightRows(10))

	result := m.Materialize(context.Background(), MaterializeRequest{Date: "2024-07-27"})
	if !result.Success || result.TrackTable != nil {
		t.Fatalf("track failure should degrade to no join: %+v", result)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaterializeAirport(t *testing.T) {
	m, f := newTestMaterializer(t)
	const dataset = "flight_data_20240727_EGLL"

	expectPartitions(f.mock, "cat062_20240727", "track_cat62_20240727")
	expectCreate(f.mock, dataset, pattern(
		`CREATE TABLE "flight_features"."flight_data_20240727_EGLL" AS`,
		`WHERE (s.dep = 'EGLL' OR s.dest = 'EGLL')`,
		`ORDER BY s.flight_key ASC`,
	))
	expectCount(f.mock, dataset, 4)
	f.mock.ExpectQuery(chunkQuery(dataset)).WithArgs(100, 0).WillReturnRows(flightRows(4))

	result := m.Materialize(context.Background(), MaterializeRequest{Date: "2024-07-27", Airport: "egll"})
	if !result.Success || result.DatasetName != dataset || result.RowCount != 4 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaterializeAirportInjection(t *testing.T) {
	m, f := newTestMaterializer(t)
	const dataset = "flight_data_20240727_EG___LL___DROP_TABLE_X_"

	expectPartitions(f.mock, "cat062_20240727")
	expectCreate(f.mock, dataset, pattern(`WHERE (s.dep = 'EGLLDROPTABLEX' OR s.dest = 'EGLLDROPTABLEX')`))
	expectCount(f.mock, dataset, 0)
	f.mock.ExpectQuery(chunkQuery(dataset)).WithArgs(100, 0).WillReturnRows(flightRows(0))

	result := m.Materialize(context.Background(), MaterializeRequest{
		Date:    "2024-07-27",
		Airport: "eg'; ll'; drop table x;",
	})
	if !result.Success {
		t.Fatalf("materialize failed: %s", result.Error)
	}
	if result.DatasetName != dataset {
		t.Errorf("DatasetName = %s", result.DatasetName)
	}
	if result.ParquetError != "no data found" {
		t.Errorf("ParquetError = %q", result.ParquetError)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaterializeMissingPartition(t *testing.T) {
	m, f := newTestMaterializer(t)
	f.mock.ExpectQuery("information_schema.tables").
		WithArgs("sur_air", "cat062_20240101").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	result := m.Materialize(context.Background(), MaterializeRequest{Date: "2024-01-01"})
	if result.Success {
		t.Fatal("expected failure for a missing partition")
	}
	if !errors.Is(result.Err, ErrPartitionNotFound) || !strings.Contains(result.Error, "sur_air table not found") {
		t.Errorf("unexpected error: %v", result.Err)
	}
	// No CREATE, DROP or artifact query may follow
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaterializeInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		req     MaterializeRequest
		wantErr error
	}{
		{"BadDate", MaterializeRequest{Date: "2024-7-27"}, ErrInvalidDate},
		{"InjectedDate", MaterializeRequest{Date: "2024-07-27' OR '1'='1"}, ErrInvalidDate},
		{"LongName", MaterializeRequest{Date: "2024-07-27", Name: strings.Repeat("x", 64)}, ErrDatasetNameInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, f := newTestMaterializer(t)
			result := m.Materialize(context.Background(), tt.req)
			if result.Success || !errors.Is(result.Err, tt.wantErr) {
				t.Fatalf("expected %v, got %+v", tt.wantErr, result)
			}
			if err := f.mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestMaterializeCreateFailure(t *testing.T) {
	m, f := newTestMaterializer(t)
	const dataset = "flight_data_20240727"

	expectPartitions(f.mock, "cat062_20240727")
	f.mock.ExpectExec("CREATE SCHEMA").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec("DROP TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("canceling statement due to statement timeout"))

	result := m.Materialize(context.Background(), MaterializeRequest{Date: "2024-07-27"})
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "failed to create") || !strings.Contains(result.Error, "statement timeout") {
		t.Errorf("unexpected error: %s", result.Error)
	}
	if _, _, ok := f.store.Object(dataset + ".parquet"); ok {
		t.Error("no artifact should be built after a failed create")
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaterializeArtifactFailure(t *testing.T) {
	m, f := newTestMaterializer(t)
	const dataset = "flight_data_20240727"

	expectPartitions(f.mock, "cat062_20240727")
	expectCreate(f.mock, dataset, "CREATE TABLE")
	expectCount(f.mock, dataset, 10)
	f.mock.ExpectQuery(chunkQuery(dataset)).WithArgs(100, 0).WillReturnError(errors.New("connection reset"))

	result := m.Materialize(context.Background(), MaterializeRequest{Date: "2024-07-27"})
	if !result.Success {
		t.Fatalf("the dataset exists, so materialize succeeds: %+v", result)
	}
	if !strings.Contains(result.ParquetError, "connection reset") || result.PublicURL != "" {
		t.Errorf("unexpected artifact outcome: %+v", result)
	}
}

func TestMaterializerDelete(t *testing.T) {
	m, f := newTestMaterializer(t)
	f.mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "flight_features"."flight_data_20240727"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	result := m.Delete(context.Background(), "flight_data_20240727")
	if !result.Success || result.Deleted != "flight_data_20240727" {
		t.Errorf("unexpected result: %+v", result)
	}

	t.Run("SanitizedName", func(t *testing.T) {
		f.mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE IF EXISTS "flight_features"."x__DROP_SCHEMA_public"`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		result := m.Delete(context.Background(), "x; DROP SCHEMA public")
		if !result.Success || result.Deleted != "x__DROP_SCHEMA_public" {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("EmptyName", func(t *testing.T) {
		if result := m.Delete(context.Background(), ""); result.Success {
			t.Error("empty name must be rejected")
		}
	})

	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListDatasets(t *testing.T) {
	m, f := newTestMaterializer(t)
	f.mock.ExpectQuery("ORDER BY table_name").WithArgs("flight_features").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
			AddRow("flight_data_20240727").
			AddRow("flight_data_20240727_EGLL"))

	datasets, err := m.ListDatasets(context.Background())
	if err != nil {
		t.Fatalf("ListDatasets failed: %v", err)
	}
	if len(datasets) != 2 || datasets[1].TableName != "flight_data_20240727_EGLL" {
		t.Errorf("unexpected datasets: %+v", datasets)
	}
}
