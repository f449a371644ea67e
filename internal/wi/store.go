package wi

import (
	"context"
	"database/sql"
	"strings"
)

// ReservedPrefix marks tables owned by the core. User-facing listings,
// snapshots and fingerprints of whole databases skip them.
const ReservedPrefix = "_wi_"

// Reader is the read side of the storage collaborator.
//
// Projection and ordering terms passed to ReadRows are SQL expressions;
// callers quote identifiers with QuoteIdent.
type Reader interface {
	// Query runs an arbitrary read statement.
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// QueryRow runs a statement expected to return at most one row.
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row

	// ReadRows streams rows of table. An empty ordering leaves the order to
	// the engine.
	ReadRows(ctx context.Context, table string, projection []string, ordering []string) (*sql.Rows, error)

	// TableSchema returns the column signature of table in declaration order.
	TableSchema(ctx context.Context, table string) ([]Column, error)

	// TableExists reports whether a table with the given name exists.
	TableExists(ctx context.Context, table string) (bool, error)

	// ListTables returns the names of all tables, reserved ones included.
	ListTables(ctx context.Context) ([]string, error)
}

// Tx is an open transaction. Every mutation performed by the core runs
// through a Tx and is released (committed or rolled back) before the
// operation returns.
type Tx interface {
	Reader

	// Exec runs a mutating statement inside the transaction.
	Exec(ctx context.Context, stmt string, args ...any) (sql.Result, error)

	Commit() error

	// Rollback is safe to call after Commit; it is then a no-op.
	Rollback() error
}

// Store is the storage collaborator consumed by the core: a single-file
// relational database with transactional writes.
type Store interface {
	Reader

	// Begin opens a write transaction.
	Begin(ctx context.Context) (Tx, error)

	// Path returns the database file path (or ":memory:").
	Path() string

	Close() error
}

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// IsReserved reports whether a table name belongs to the core or to the
// engine itself.
func IsReserved(table string) bool {
	lower := strings.ToLower(table)
	return strings.HasPrefix(lower, ReservedPrefix) || strings.HasPrefix(lower, "sqlite_")
}
