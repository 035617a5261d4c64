package store

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// PureSQLiteDialect implements Dialect for the pure Go SQLite driver, for
// builds without cgo.
type PureSQLiteDialect struct{}

func NewPureSQLiteDialect() *PureSQLiteDialect {
	return &PureSQLiteDialect{}
}

func (d *PureSQLiteDialect) DriverName() string {
	return "sqlite"
}

func (d *PureSQLiteDialect) DSN(config DialectConfig) (string, error) {
	if config.Path == "" {
		return "", fmt.Errorf("sqlite requires a database path")
	}
	return appendParams(config.Path, "_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_txlock=immediate", "_time_format=sqlite"), nil
}

func (d *PureSQLiteDialect) RewriteQuery(query string) string {
	return query
}

func (d *PureSQLiteDialect) ConfigureConnection(db *sql.DB) error {
	return configureSQLite(db)
}

func (d *PureSQLiteDialect) TimestampType() string {
	return "DATETIME"
}

func (d *PureSQLiteDialect) LockClause() string {
	return ""
}

func (d *PureSQLiteDialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
}
