package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect isolates the differences between the supported SQL databases.
type Dialect interface {
	// DriverName returns the driver name for sql.Open
	DriverName() string

	// DSN returns the data source name for the connection
	DSN(config DialectConfig) (string, error)

	// RewriteQuery converts ? placeholders when the driver needs another syntax
	RewriteQuery(query string) string

	// ConfigureConnection applies pool settings and session pragmas
	ConfigureConnection(db *sql.DB) error

	// TimestampType is the column type used for timestamps
	TimestampType() string

	// LockClause is appended to reads that precede a write in the same transaction
	LockClause() string

	// IsUniqueViolation reports whether err is a unique constraint failure
	IsUniqueViolation(err error) bool
}

// DialectConfig holds configuration for database connection
type DialectConfig struct {
	// For SQLite
	Path string

	// For PostgreSQL/MySQL
	URL string
}

// NewDialect returns the dialect for a DB_TYPE value.
func NewDialect(dbType string) (Dialect, error) {
	switch strings.ToLower(dbType) {
	case "sqlite3", "":
		return NewSQLiteDialect(), nil
	case "sqlite":
		return NewPureSQLiteDialect(), nil
	case "postgres", "postgresql":
		return NewPostgresDialect(), nil
	case "mysql":
		return NewMySQLDialect(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

var placeholderRegexp = regexp.MustCompile(`\?`)

// rewritePlaceholdersToNumbered converts ? placeholders to $1, $2, etc.
func rewritePlaceholdersToNumbered(query string) string {
	counter := 0
	return placeholderRegexp.ReplaceAllStringFunc(query, func(string) string {
		counter++
		return "$" + strconv.Itoa(counter)
	})
}
