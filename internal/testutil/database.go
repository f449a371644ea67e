package testutil

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"wi-go/internal/database"
	"wi-go/internal/wi"
)

// NewTestStore creates a new in-memory store with the reserved schema applied.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	s, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// MustExec runs statements in one committed transaction.
func MustExec(t *testing.T, s wi.Store, stmts ...string) {
	t.Helper()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			t.Fatalf("Exec(%q) error = %v", stmt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

// CountRows returns the row count of table.
func CountRows(t *testing.T, r wi.Reader, table string) int64 {
	t.Helper()

	var n int64
	if err := r.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+wi.QuoteIdent(table)).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

// ErrInjected is returned by FailingStore at the configured failure point.
var ErrInjected = errors.New("injected failure")

// FailPoint selects where a FailingStore fails.
type FailPoint struct {
	Begin bool
	// ExecContaining fails the first Exec whose statement contains the string.
	ExecContaining string
	// ExecSkip lets that many matching Execs through before failing.
	ExecSkip int
	Commit   bool
}

// FailingStore wraps a store and injects a failure at one point of the
// transaction lifecycle.
type FailingStore struct {
	wi.Store
	Fail FailPoint
}

func NewFailingStore(s wi.Store, fail FailPoint) *FailingStore {
	return &FailingStore{Store: s, Fail: fail}
}

func (s *FailingStore) Begin(ctx context.Context) (wi.Tx, error) {
	if s.Fail.Begin {
		return nil, wi.E(wi.ErrTransactionFailure, "", ErrInjected)
	}
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, fail: s.Fail}, nil
}

type failingTx struct {
	wi.Tx
	fail    FailPoint
	matched int
}

func (t *failingTx) Exec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	if t.fail.ExecContaining != "" && strings.Contains(stmt, t.fail.ExecContaining) {
		t.matched++
		if t.matched > t.fail.ExecSkip {
			return nil, ErrInjected
		}
	}
	return t.Tx.Exec(ctx, stmt, args...)
}

func (t *failingTx) Commit() error {
	if t.fail.Commit {
		t.Tx.Rollback()
		return wi.E(wi.ErrTransactionFailure, "", ErrInjected)
	}
	return t.Tx.Commit()
}
