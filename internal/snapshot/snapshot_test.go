package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wi-go/internal/integrity"
	"wi-go/internal/testutil"
	"wi-go/internal/wi"
)

func newManager() *Manager {
	return NewManager(testutil.FixedClock(), testutil.NewSequentialIDs(), nil)
}

// inTx runs fn in a transaction, committing on success.
func inTx(t *testing.T, s wi.Store, fn func(tx wi.Tx) error) error {
	t.Helper()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func create(t *testing.T, s wi.Store, m *Manager, table, name string) *wi.Snapshot {
	t.Helper()
	var snap *wi.Snapshot
	err := inTx(t, s, func(tx wi.Tx) error {
		var err error
		snap, err = m.Create(context.Background(), tx, table, name, "")
		return err
	})
	require.NoError(t, err)
	return snap
}

func restore(t *testing.T, s wi.Store, m *Manager, table, name string, opts RestoreOptions) (*wi.RestoreReport, error) {
	t.Helper()
	var report *wi.RestoreReport
	err := inTx(t, s, func(tx wi.Tx) error {
		var err error
		report, err = m.Restore(context.Background(), tx, table, name, opts)
		return err
	})
	return report, err
}

func fingerprint(t *testing.T, r wi.Reader, table string) string {
	t.Helper()
	fp, err := integrity.New(nil).Fingerprint(context.Background(), r, table, integrity.Options{Scope: wi.ScopeDataAndSchema})
	require.NoError(t, err)
	return fp.Value
}

func setupAccounts(t *testing.T) wi.Store {
	t.Helper()
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE accounts (id INTEGER PRIMARY KEY, name TEXT NOT NULL, balance INTEGER)",
		"CREATE INDEX accounts_name ON accounts (name)",
		"INSERT INTO accounts VALUES (1, 'a', 100), (2, 'b', 200)",
	)
	return s
}

func TestCreate(t *testing.T) {
	s := setupAccounts(t)
	m := newManager()

	snap := create(t, s, m, "accounts", "s1")

	assert.Equal(t, "s1", snap.Name)
	assert.Equal(t, "accounts", snap.SourceTable)
	assert.Equal(t, "_wi_snap_00000000000000000000000000000001", snap.StorageTable)
	assert.Equal(t, int64(2), snap.RowCount)
	assert.Len(t, snap.Columns, 3)
	assert.Equal(t, []string{"CREATE INDEX accounts_name ON accounts (name)"}, snap.Indexes)
	assert.Equal(t, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, name TEXT NOT NULL, balance INTEGER)", snap.Definition)
	assert.Empty(t, snap.Triggers)
	assert.Equal(t, dataFingerprint(t, s, "accounts"), dataFingerprint(t, s, snap.StorageTable))

	got, err := m.Get(context.Background(), s, "s1")
	require.NoError(t, err)
	assert.Equal(t, snap.Columns, got.Columns)
	assert.Equal(t, snap.Indexes, got.Indexes)
	assert.Equal(t, snap.Definition, got.Definition)
	assert.Equal(t, snap.Triggers, got.Triggers)
	assert.True(t, got.CreatedAt.Equal(snap.CreatedAt))
}

func dataFingerprint(t *testing.T, r wi.Reader, table string) string {
	t.Helper()
	fp, err := integrity.New(nil).Fingerprint(context.Background(), r, table, integrity.Options{})
	require.NoError(t, err)
	return fp.Value
}

func TestCreate_IsACopy(t *testing.T) {
	s := setupAccounts(t)
	m := newManager()
	snap := create(t, s, m, "accounts", "s1")

	testutil.MustExec(t, s, "DELETE FROM accounts", "INSERT INTO accounts VALUES (9, 'z', 0)")

	assert.Equal(t, int64(2), testutil.CountRows(t, s, snap.StorageTable))
}

func TestCreate_Errors(t *testing.T) {
	s := setupAccounts(t)
	m := newManager()
	create(t, s, m, "accounts", "s1")
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		snap   string
		kind   error
	}{
		{"duplicate name", "accounts", "s1", wi.ErrNameConflict},
		{"missing table", "ghosts", "s2", wi.ErrNotFound},
		{"reserved table", "_wi_audit_ledger", "s3", wi.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := inTx(t, s, func(tx wi.Tx) error {
				_, err := m.Create(ctx, tx, tt.source, tt.snap, "")
				return err
			})
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	snaps, err := m.List(ctx, s, "")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestList(t *testing.T) {
	s := setupAccounts(t)
	testutil.MustExec(t, s, "CREATE TABLE orders (id INTEGER)")
	clock := testutil.FixedClock()
	m := NewManager(clock, testutil.NewSequentialIDs(), nil)

	create(t, s, m, "accounts", "first")
	clock.Advance(time.Minute)
	create(t, s, m, "orders", "second")
	clock.Advance(time.Minute)
	create(t, s, m, "accounts", "third")

	all, err := m.List(context.Background(), s, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{all[0].Name, all[1].Name, all[2].Name})

	accounts, err := m.List(context.Background(), s, "ACCOUNTS")
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestRestore_ReproducesSnapshot(t *testing.T) {
	s := setupAccounts(t)
	m := newManager()
	before := fingerprint(t, s, "accounts")
	create(t, s, m, "accounts", "s1")

	testutil.MustExec(t, s,
		"DELETE FROM accounts WHERE id = 2",
		"UPDATE accounts SET balance = 0 WHERE id = 1",
		"INSERT INTO accounts VALUES (3, 'c', 300), (4, 'd', 400)",
	)

	report, err := restore(t, s, m, "accounts", "s1", RestoreOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.RowsBefore)
	assert.Equal(t, int64(2), report.RowsAfter)
	assert.Equal(t, int64(3), report.RowsOnlyInLive)
	assert.Equal(t, int64(2), report.RowsOnlyInSnapshot)
	assert.Empty(t, report.ColumnsAdded)
	assert.Empty(t, report.ColumnsRemoved)
	assert.False(t, report.DryRun)

	assert.Equal(t, before, fingerprint(t, s, "accounts"))

	var idx int
	require.NoError(t, s.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'accounts_name'").Scan(&idx))
	assert.Equal(t, 1, idx)
}

func TestRestore_IsRepeatable(t *testing.T) {
	s := setupAccounts(t)
	m := newManager()
	before := fingerprint(t, s, "accounts")
	create(t, s, m, "accounts", "s1")

	for i := 0; i < 2; i++ {
		testutil.MustExec(t, s, "INSERT INTO accounts VALUES (NULL, 'x', 1)")
		_, err := restore(t, s, m, "accounts", "s1", RestoreOptions{})
		require.NoError(t, err)
		assert.Equal(t, before, fingerprint(t, s, "accounts"))
	}
}

func TestRestore_KeepsPrimaryKeyBehaviour(t *testing.T) {
	s := setupAccounts(t)
	m := newManager()
	create(t, s, m, "accounts", "s1")

	_, err := restore(t, s, m, "accounts", "s1", RestoreOptions{})
	require.NoError(t, err)

	cols, err := s.TableSchema(context.Background(), "accounts")
	require.NoError(t, err)
	assert.Equal(t, wi.Column{Name: "id", Type: "INTEGER", PK: 1}, cols[0])
	assert.Equal(t, wi.Column{Name: "name", Type: "TEXT", NotNull: true}, cols[1])

	err = inTx(t, s, func(tx wi.Tx) error {
		_, err := tx.Exec(context.Background(), "INSERT INTO accounts VALUES (1, 'dup', 0)")
		return err
	})
	assert.Error(t, err, "primary key should reject duplicate id")
}

func TestRestore_DryRunChangesNothing(t *testing.T) {
	s := setupAccounts(t)
	m := newManager()
	create(t, s, m, "accounts", "s1")
	testutil.MustExec(t, s, "INSERT INTO accounts VALUES (3, 'c', 300)")
	live := fingerprint(t, s, "accounts")

	report, err := restore(t, s, m, "accounts", "s1", RestoreOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, int64(3), report.RowsBefore)
	assert.Equal(t, int64(2), report.RowsAfter)
	assert.Equal(t, int64(1), report.RowsOnlyInLive)
	assert.Equal(t, int64(0), report.RowsOnlyInSnapshot)
	assert.Equal(t, live, fingerprint(t, s, "accounts"))
}

func TestRestore_SchemaChanges(t *testing.T) {
	t.Run("added and removed columns", func(t *testing.T) {
		s := setupAccounts(t)
		m := newManager()
		create(t, s, m, "accounts", "s1")
		testutil.MustExec(t, s,
			"ALTER TABLE accounts ADD COLUMN email TEXT",
			"ALTER TABLE accounts DROP COLUMN balance",
		)

		report, err := restore(t, s, m, "accounts", "s1", RestoreOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"balance"}, report.ColumnsAdded)
		assert.Equal(t, []string{"email"}, report.ColumnsRemoved)

		cols, err := s.TableSchema(context.Background(), "accounts")
		require.NoError(t, err)
		_, hasEmail := wi.FindColumn(cols, "email")
		_, hasBalance := wi.FindColumn(cols, "balance")
		assert.False(t, hasEmail)
		assert.True(t, hasBalance)
	})

	t.Run("type change needs force", func(t *testing.T) {
		s := setupAccounts(t)
		m := newManager()
		create(t, s, m, "accounts", "s1")
		testutil.MustExec(t, s,
			"DROP INDEX accounts_name",
			"DROP TABLE accounts",
			"CREATE TABLE accounts (id INTEGER PRIMARY KEY, name TEXT NOT NULL, balance TEXT)",
			"INSERT INTO accounts VALUES (1, 'a', 'lots')",
		)

		_, err := restore(t, s, m, "accounts", "s1", RestoreOptions{})
		assert.ErrorIs(t, err, wi.ErrSchemaIncompatible)
		assert.Equal(t, int64(1), testutil.CountRows(t, s, "accounts"))

		report, err := restore(t, s, m, "accounts", "s1", RestoreOptions{DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"balance: TEXT -> INTEGER"}, report.TypeChanges)

		_, err = restore(t, s, m, "accounts", "s1", RestoreOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, int64(2), testutil.CountRows(t, s, "accounts"))
	})

	t.Run("dropped live table is recreated", func(t *testing.T) {
		s := setupAccounts(t)
		m := newManager()
		before := fingerprint(t, s, "accounts")
		create(t, s, m, "accounts", "s1")
		testutil.MustExec(t, s, "DROP TABLE accounts")

		report, err := restore(t, s, m, "accounts", "s1", RestoreOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(0), report.RowsBefore)
		assert.Len(t, report.ColumnsAdded, 3)
		assert.Equal(t, before, fingerprint(t, s, "accounts"))
	})
}

func TestRestore_Errors(t *testing.T) {
	s := setupAccounts(t)
	testutil.MustExec(t, s, "CREATE TABLE orders (id INTEGER)")
	m := newManager()
	create(t, s, m, "accounts", "s1")

	_, err := restore(t, s, m, "accounts", "missing", RestoreOptions{})
	assert.ErrorIs(t, err, wi.ErrNotFound)

	_, err = restore(t, s, m, "orders", "s1", RestoreOptions{})
	assert.ErrorIs(t, err, wi.ErrNotFound)
}

func TestRestore_FailureLeavesLiveTable(t *testing.T) {
	base := setupAccounts(t)
	m := newManager()
	create(t, base, m, "accounts", "s1")
	testutil.MustExec(t, base, "INSERT INTO accounts VALUES (3, 'c', 300)")
	live := fingerprint(t, base, "accounts")

	for _, point := range []string{"DROP TABLE", "CREATE TABLE", "INSERT INTO", "CREATE INDEX"} {
		t.Run(point, func(t *testing.T) {
			s := testutil.NewFailingStore(base, testutil.FailPoint{ExecContaining: point})
			_, err := restore(t, s, m, "accounts", "s1", RestoreOptions{})
			require.ErrorIs(t, err, testutil.ErrInjected)
			assert.Equal(t, live, fingerprint(t, base, "accounts"))
		})
	}
}

func schemaSQL(t *testing.T, r wi.Reader, kind, name string) string {
	t.Helper()
	var stmt string
	err := r.QueryRow(context.Background(), "SELECT sql FROM sqlite_master WHERE type = ? AND name = ?", kind, name).Scan(&stmt)
	require.NoError(t, err)
	return stmt
}

// execOne runs stmt in its own transaction and returns its error.
func execOne(t *testing.T, s wi.Store, stmt string) error {
	t.Helper()
	return inTx(t, s, func(tx wi.Tx) error {
		_, err := tx.Exec(context.Background(), stmt)
		return err
	})
}

func setupUsers(t *testing.T) wi.Store {
	t.Helper()
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE COLLATE NOCASE,
			role TEXT DEFAULT 'member',
			age INTEGER CHECK (age >= 0)
		)`,
		"CREATE TABLE user_log (email TEXT)",
		"CREATE TRIGGER users_log AFTER INSERT ON users BEGIN INSERT INTO user_log VALUES (new.email); END",
		"INSERT INTO users (email, age) VALUES ('a@example.com', 30), ('b@example.com', 40)",
	)
	return s
}

func TestRestore_KeepsTableDefinition(t *testing.T) {
	s := setupUsers(t)
	m := newManager()
	ctx := context.Background()
	ddl := schemaSQL(t, s, "table", "users")
	trigger := schemaSQL(t, s, "trigger", "users_log")

	snap := create(t, s, m, "users", "s1")
	assert.Equal(t, ddl, snap.Definition)
	assert.Equal(t, []string{trigger}, snap.Triggers)

	testutil.MustExec(t, s, "INSERT INTO users (email, age) VALUES ('c@example.com', 50)")
	require.Equal(t, int64(3), testutil.CountRows(t, s, "user_log"))

	_, err := restore(t, s, m, "users", "s1", RestoreOptions{})
	require.NoError(t, err)

	assert.Equal(t, ddl, schemaSQL(t, s, "table", "users"))
	assert.Equal(t, trigger, schemaSQL(t, s, "trigger", "users_log"))
	assert.Equal(t, int64(2), testutil.CountRows(t, s, "users"))
	assert.Equal(t, int64(3), testutil.CountRows(t, s, "user_log"), "copying rows back must not fire triggers")

	assert.Error(t, execOne(t, s, "INSERT INTO users (email, age) VALUES ('A@EXAMPLE.COM', 1)"), "UNIQUE COLLATE NOCASE")
	assert.Error(t, execOne(t, s, "INSERT INTO users (email, age) VALUES ('d@example.com', -5)"), "CHECK")

	require.NoError(t, execOne(t, s, "INSERT INTO users (email) VALUES ('e@example.com')"))
	var role string
	require.NoError(t, s.QueryRow(ctx, "SELECT role FROM users WHERE email = 'e@example.com'").Scan(&role))
	assert.Equal(t, "member", role)
	assert.Equal(t, int64(4), testutil.CountRows(t, s, "user_log"))
}

func TestRestore_TriggerFailureLeavesLiveTable(t *testing.T) {
	base := setupUsers(t)
	m := newManager()
	create(t, base, m, "users", "s1")
	testutil.MustExec(t, base, "INSERT INTO users (email, age) VALUES ('c@example.com', 50)")
	live := fingerprint(t, base, "users")
	trigger := schemaSQL(t, base, "trigger", "users_log")

	s := testutil.NewFailingStore(base, testutil.FailPoint{ExecContaining: "CREATE TRIGGER"})
	_, err := restore(t, s, m, "users", "s1", RestoreOptions{})
	require.ErrorIs(t, err, testutil.ErrInjected)
	assert.Equal(t, live, fingerprint(t, base, "users"))
	assert.Equal(t, trigger, schemaSQL(t, base, "trigger", "users_log"))
}

func TestRestore_RefusesReferencedTable(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE parents (id INTEGER PRIMARY KEY, name TEXT)",
		"CREATE TABLE children (id INTEGER PRIMARY KEY, parent_id INTEGER REFERENCES parents (id) ON DELETE CASCADE)",
		"INSERT INTO parents VALUES (1, 'p')",
		"INSERT INTO children VALUES (10, 1), (11, 1)",
	)
	m := newManager()
	create(t, s, m, "parents", "s1")
	testutil.MustExec(t, s, "UPDATE parents SET name = 'q'")
	live := fingerprint(t, s, "parents")

	report, err := restore(t, s, m, "parents", "s1", RestoreOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"children"}, report.ReferencedBy)

	for _, opts := range []RestoreOptions{{}, {Force: true}} {
		_, err = restore(t, s, m, "parents", "s1", opts)
		assert.ErrorIs(t, err, wi.ErrSchemaIncompatible)
	}
	assert.Equal(t, int64(2), testutil.CountRows(t, s, "children"))
	assert.Equal(t, live, fingerprint(t, s, "parents"))

	// The referencing table itself restores normally.
	create(t, s, m, "children", "c1")
	testutil.MustExec(t, s, "DELETE FROM children WHERE id = 11")
	_, err = restore(t, s, m, "children", "c1", RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), testutil.CountRows(t, s, "children"))
}

func TestReadSnapshotRows(t *testing.T) {
	s := setupAccounts(t)
	m := newManager()
	snap := create(t, s, m, "accounts", "s1")
	testutil.MustExec(t, s, "UPDATE accounts SET balance = balance * 10")

	rows, err := m.ReadSnapshotRows(context.Background(), s, snap, []string{`"balance"`}, []string{`"balance"`})
	require.NoError(t, err)
	defer rows.Close()

	var got []int64
	for rows.Next() {
		var v int64
		require.NoError(t, rows.Scan(&v))
		got = append(got, v)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{100, 200}, got)
}
