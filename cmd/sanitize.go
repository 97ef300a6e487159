package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
)

// ErrInvalidIdentifier is returned when a caller-supplied schema or table
// name fails the strict identifier check
var ErrInvalidIdentifier = errors.New("invalid identifier: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")

// maxIdentifierLength is PostgreSQL's NAMEDATALEN - 1
const maxIdentifierLength = 63

var (
	nonNameChars    = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	nonAirportChars = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// SanitizeName rewrites every character outside [A-Za-z0-9_] to '_'.
// Every dataset and generated table name goes through here before it is
// placed in query text.
func SanitizeName(name string) string {
	return nonNameChars.ReplaceAllString(name, "_")
}

// SanitizeAirport strips everything but letters and digits and upper-cases the rest
func SanitizeAirport(code string) string {
	return strings.ToUpper(nonAirportChars.ReplaceAllString(code, ""))
}

// normalizeFilters reduces dep/dest filter values to the airport form used
// both in artifact keys and in bound query parameters
func normalizeFilters(dep, dest string) (string, string) {
	return SanitizeAirport(dep), SanitizeAirport(dest)
}

// IsIdentifier reports whether name is usable verbatim as an identifier.
// Used where a bad name must be rejected rather than rewritten.
func IsIdentifier(name string) bool {
	if name == "" || len(name) > maxIdentifierLength {
		return false
	}
	return validPostgreSQLIdentifier.MatchString(name)
}

// requireIdentifiers validates each name with IsIdentifier
func requireIdentifiers(names ...string) error {
	for _, name := range names {
		if !IsIdentifier(name) {
			return fmt.Errorf("%w: '%s'", ErrInvalidIdentifier, name)
		}
	}
	return nil
}

// QualifiedTable renders schema.table for query text. Both parts are
// sanitized and then quoted; this is the only way identifiers reach SQL.
func QualifiedTable(schema, table string) string {
	return pq.QuoteIdentifier(SanitizeName(schema)) + "." + pq.QuoteIdentifier(SanitizeName(table))
}
