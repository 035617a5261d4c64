package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/models"
)

var _ Storage = (*SQLStore)(nil)

// SQLStore implements Storage on database/sql for every supported Dialect.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore opens the database for dbType, applies connection settings and
// creates missing tables.
func NewSQLStore(dbType string, config DialectConfig) (*SQLStore, error) {
	dialect, err := NewDialect(dbType)
	if err != nil {
		return nil, err
	}
	dsn, err := dialect.DSN(config)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	if err := dialect.ConfigureConnection(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure connection: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	slog.Info("Database connection established and schema initialized", "driver", dialect.DriverName())
	return s, nil
}

// NewSQLiteStore opens a SQLite database file with the cgo driver.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return NewSQLStore("sqlite3", DialectConfig{Path: path})
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range schemaFor(s.dialect) {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn rewrites placeholders for the dialect on every call.
type conn struct {
	q       querier
	dialect Dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.RewriteQuery(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.RewriteQuery(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.RewriteQuery(query), args...)
}

// execOne runs a conditional write and reports whether exactly one row changed.
func (c conn) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) conn() conn {
	return conn{q: s.db, dialect: s.dialect}
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (s *SQLStore) withTx(ctx context.Context, op string, fn func(c conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.translate(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(conn{q: tx, dialect: s.dialect}); err != nil {
		return s.translate(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.translate(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// translate attaches an apperr kind to a driver error. Errors that already
// carry a kind pass through unchanged.
func (s *SQLStore) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if s.dialect.IsUniqueViolation(err) {
		return &apperr.Error{Kind: apperr.KindConflict, Msg: op + ": duplicate record", Err: err}
	}
	return apperr.Unavailable(op, err)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// in returns "(?, ?, ...)" for n placeholders.
func in(n int) string {
	b := make([]byte, 0, 3*n+1)
	b = append(b, '(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(append(b, ')'))
}

func (s *SQLStore) UpsertUser(ctx context.Context, user *models.User) error {
	const op = "failed to upsert user"
	return s.withTx(ctx, op, func(c conn) error {
		updated, err := c.execOne(ctx,
			`UPDATE users SET email = ?, name = ?, image = ?, updated_at = ? WHERE id = ?`,
			user.Email, user.Name, user.Image, utc(user.UpdatedAt), user.ID,
		)
		if err != nil || updated {
			return err
		}
		_, err = c.exec(ctx,
			`INSERT INTO users (id, email, name, image, updated_at) VALUES (?, ?, ?, ?, ?)`,
			user.ID, user.Email, user.Name, user.Image, utc(user.UpdatedAt),
		)
		return err
	})
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.conn().queryRow(ctx, `SELECT id, email, name, image, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, s.translate("failed to get user", err)
	}
	u.UpdatedAt = utc(u.UpdatedAt)
	return &u, nil
}

func (s *SQLStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := s.conn().exec(ctx,
		`INSERT INTO notifications (id, recipient_user_id, type, title, message, action_link, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientUserID, string(n.Type), n.Title, n.Message, n.ActionLink, utc(n.CreatedAt),
	)
	return s.translate("failed to create notification", err)
}
