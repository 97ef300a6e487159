package cmd

const (
	surveillanceSchema = "sur_air"
	trackSchema        = "track"
	datasetSchema      = "flight_features"

	surveillancePrefix = "cat062_"
)

// tableExistsSQL checks a single table in information_schema
const tableExistsSQL = `
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = $1
		AND table_name = $2
);
`

// schemaTablesSQL lists every table in a schema in catalog (name) order
const schemaTablesSQL = `
SELECT table_name::text
FROM information_schema.tables
WHERE table_schema = $1
ORDER BY table_name;
`

// schemaTablesDescSQL lists tables newest-first; partition names end in YYYYMMDD
const schemaTablesDescSQL = `
SELECT table_name::text
FROM information_schema.tables
WHERE table_schema = $1
ORDER BY table_name DESC;
`

const listSchemasSQL = `
SELECT schema_name::text
FROM information_schema.schemata
WHERE schema_name NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
ORDER BY schema_name;
`

const listBaseTablesSQL = `
SELECT table_name::text
FROM information_schema.tables
WHERE table_schema = $1
	AND table_type = 'BASE TABLE'
ORDER BY table_name;
`

const listColumnsSQL = `
SELECT column_name::text, data_type::text, is_nullable::text, column_default::text
FROM information_schema.columns
WHERE table_schema = $1
	AND table_name = $2
ORDER BY ordinal_position;
`

// featureColumns is the fixed projection every dataset is built with.
// The track side contributes only the join; its geometry column never leaves the database.
var featureColumns = []string{
	"track_no",
	"app_time",
	"time_of_track",
	"icao_24bit_dap",
	"mode_a_code",
	"acid",
	"dep",
	"dest",
	"latitude",
	"longitude",
	"geo_alt",
	"baro_alt",
	"measured_fl",
	"vert",
	"rate_cd",
	"ias_dap",
	"mag_heading_dap",
	"ground_speed",
	"sector",
	"flight_id",
	"flight_key",
}
