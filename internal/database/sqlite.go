package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"wi-go/internal/database/migrations"
	"wi-go/internal/wi"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// connParams are appended to every DSN. _txlock=immediate makes BeginTx issue
// BEGIN IMMEDIATE so the write lock is taken up front.
const connParams = "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"

// SQLiteStore implements wi.Store on top of a single SQLite connection.
type SQLiteStore struct {
	reader
	db   *sql.DB
	path string
}

var _ wi.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path and provisions the reserved
// tables. path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("provisioning %s: %w", path, err)
	}

	s := NewSQLiteStoreFromDB(db)
	s.path = path
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured
// and migrated.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		reader: reader{q: db},
		db:     db,
	}
}

// OpenConnection opens and configures a SQLite database connection.
// The pool is pinned to one connection: SQLite allows a single writer, and an
// in-memory database lives only as long as its connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?"+connParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	return db, nil
}

// Begin opens a write transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (wi.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wi.E(wi.ErrTransactionFailure, "", fmt.Errorf("beginning transaction: %w", err))
	}
	return &sqliteTx{reader: reader{q: tx}, tx: tx}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CheckMigrations reports whether the reserved schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// IntegrityCheck runs PRAGMA integrity_check (or quick_check) and returns the
// engine's findings. A healthy database yields the single line "ok".
func (s *SQLiteStore) IntegrityCheck(ctx context.Context, quick bool) ([]string, error) {
	pragma := "PRAGMA integrity_check"
	if quick {
		pragma = "PRAGMA quick_check"
	}

	rows, err := s.db.QueryContext(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", pragma, err)
	}
	defer rows.Close()

	var findings []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("reading %s result: %w", pragma, err)
		}
		findings = append(findings, line)
	}
	return findings, rows.Err()
}

// BackupTo writes a consistent copy of the database to dst using VACUUM INTO.
// dst must not exist.
func (s *SQLiteStore) BackupTo(ctx context.Context, dst string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("backing up database to %s: %w", dst, err)
	}
	return nil
}

// sqliteTx implements wi.Tx.
type sqliteTx struct {
	reader
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) Exec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, stmt, args...)
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return wi.Ef(wi.ErrTransactionFailure, "", "transaction already released")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return wi.E(wi.ErrTransactionFailure, "", fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return wi.E(wi.ErrTransactionFailure, "", fmt.Errorf("rolling back transaction: %w", err))
	}
	return nil
}

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader implements wi.Reader over either the connection or a transaction.
type reader struct {
	q querier
}

func (r reader) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, query, args...)
}

func (r reader) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, query, args...)
}

func (r reader) ReadRows(ctx context.Context, table string, projection []string, ordering []string) (*sql.Rows, error) {
	if len(projection) == 0 {
		return nil, fmt.Errorf("reading %s: empty projection", table)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(projection, ", "))
	b.WriteString(" FROM ")
	b.WriteString(wi.QuoteIdent(table))
	if len(ordering) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(ordering, ", "))
	}

	rows, err := r.q.QueryContext(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	return rows, nil
}

// TableSchema returns wi.ErrNotFound when the table does not exist.
func (r reader) TableSchema(ctx context.Context, table string) ([]wi.Column, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("reading schema of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []wi.Column
	for rows.Next() {
		var c wi.Column
		if err := rows.Scan(&c.Name, &c.Type, &c.NotNull, &c.PK); err != nil {
			return nil, fmt.Errorf("reading schema of %s: %w", table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading schema of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, wi.Ef(wi.ErrNotFound, wi.TableSubject(table), "no such table")
	}
	return cols, nil
}

func (r reader) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE", table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return n > 0, nil
}

func (r reader) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("listing tables: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// UserTables filters out reserved tables.
func UserTables(tables []string) []string {
	var out []string
	for _, t := range tables {
		if !wi.IsReserved(t) {
			out = append(out, t)
		}
	}
	return out
}
