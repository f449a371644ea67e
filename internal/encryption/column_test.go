package encryption

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wi-go/internal/testutil"
	"wi-go/internal/wi"
)

func encryptColumn(t *testing.T, v *Vault, s wi.Store, table, column string, ks KeySource) *ColumnResult {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	res, err := v.EncryptColumn(ctx, tx, table, column, ks)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return res
}

func decryptColumn(t *testing.T, v *Vault, s wi.Store, table, column string, ks KeySource) *ColumnResult {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	res, err := v.DecryptColumn(ctx, tx, table, column, ks)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return res
}

func cell(t *testing.T, r wi.Reader, query string, args ...any) any {
	t.Helper()
	var v any
	require.NoError(t, r.QueryRow(context.Background(), query, args...).Scan(&v))
	return v
}

func TestColumn_RoundTripRestoresStorageClasses(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE people (id INTEGER PRIMARY KEY, v)",
		"INSERT INTO people VALUES (1, 'alice'), (2, 42), (3, 2.5), (4, x'00ff'), (5, NULL), (6, '')",
	)
	v := newTestVault(t)

	for _, ks := range []KeySource{
		{Passphrase: "column-pass"},
		{KeyFile: filepath.Join(t.TempDir(), "wi.key")},
	} {
		enc := encryptColumn(t, v, s, "people", "v", ks)
		assert.Equal(t, 5, enc.Encrypted)
		assert.Equal(t, 1, enc.Skipped)

		for id := 1; id <= 6; id++ {
			got := cell(t, s, "SELECT v FROM people WHERE id = ?", id)
			if id == 5 {
				assert.Nil(t, got)
				continue
			}
			assert.True(t, IsEncrypted(got), "row %d stored %v", id, got)
		}

		dec := decryptColumn(t, v, s, "people", "v", ks)
		assert.Equal(t, 5, dec.Decrypted)
		assert.Empty(t, dec.Failures)

		assert.Equal(t, "alice", cell(t, s, "SELECT v FROM people WHERE id = 1"))
		assert.Equal(t, int64(42), cell(t, s, "SELECT v FROM people WHERE id = 2"))
		assert.Equal(t, 2.5, cell(t, s, "SELECT v FROM people WHERE id = 3"))
		assert.Equal(t, []byte{0x00, 0xff}, cell(t, s, "SELECT v FROM people WHERE id = 4"))
		assert.Nil(t, cell(t, s, "SELECT v FROM people WHERE id = 5"))
		assert.Equal(t, "", cell(t, s, "SELECT v FROM people WHERE id = 6"))
		assert.Equal(t, "text", cell(t, s, "SELECT typeof(v) FROM people WHERE id = 1"))
	}
}

func TestColumn_EncryptSkipsEncryptedCells(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (id INTEGER PRIMARY KEY, secret TEXT)",
		"INSERT INTO t VALUES (1, 'a'), (2, 'b')",
	)
	v := newTestVault(t)
	ks := KeySource{Passphrase: "pw"}

	encryptColumn(t, v, s, "t", "secret", ks)
	first := cell(t, s, "SELECT secret FROM t WHERE id = 1")

	testutil.MustExec(t, s, "INSERT INTO t VALUES (3, 'c')")
	res := encryptColumn(t, v, s, "t", "secret", ks)
	assert.Equal(t, 1, res.Encrypted)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, first, cell(t, s, "SELECT secret FROM t WHERE id = 1"))

	dec := decryptColumn(t, v, s, "t", "secret", ks)
	assert.Equal(t, 3, dec.Decrypted)
	assert.Equal(t, "c", cell(t, s, "SELECT secret FROM t WHERE id = 3"))
}

func TestColumn_ManyRowsSpanBatches(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (v TEXT)",
		"WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < 1234) INSERT INTO t SELECT 'row-' || n FROM seq",
	)
	v := newTestVault(t)
	ks := KeySource{KeyFile: filepath.Join(t.TempDir(), "wi.key")}

	res := encryptColumn(t, v, s, "t", "v", ks)
	assert.Equal(t, 1234, res.Encrypted)
	assert.True(t, res.KeyGenerated)
	assert.Equal(t, int64(0), cell(t, s, "SELECT count(*) FROM t WHERE v NOT LIKE 'wienc:v1:k:%'"))

	dec := decryptColumn(t, v, s, "t", "v", ks)
	assert.Equal(t, 1234, dec.Decrypted)
	assert.Equal(t, "row-1234", cell(t, s, "SELECT v FROM t WHERE rowid = 1234"))
}

func TestColumn_WrongKeyReportsEveryCell(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)",
		"INSERT INTO t VALUES (1, 'a'), (2, 'b')",
	)
	v := newTestVault(t)
	encryptColumn(t, v, s, "t", "v", KeySource{Passphrase: "right"})
	sealed := cell(t, s, "SELECT v FROM t WHERE id = 1")

	res := decryptColumn(t, v, s, "t", "v", KeySource{Passphrase: "wrong"})
	assert.Equal(t, 0, res.Decrypted)
	require.Len(t, res.Failures, 2)
	for _, f := range res.Failures {
		assert.ErrorIs(t, f.Err, wi.ErrAuthenticationFailure)
	}
	assert.Equal(t, sealed, cell(t, s, "SELECT v FROM t WHERE id = 1"))

	keyFile := filepath.Join(t.TempDir(), "wi.key")
	_, err := EnsureKeyFile(keyFile, testutil.FixedClock().Now())
	require.NoError(t, err)
	res = decryptColumn(t, v, s, "t", "v", KeySource{KeyFile: keyFile})
	assert.Len(t, res.Failures, 2)
}

func TestColumn_TamperedCellFailsAlone(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)",
		"INSERT INTO t VALUES (1, 'a'), (2, 'b'), (3, 'c')",
	)
	v := newTestVault(t)
	ks := KeySource{Passphrase: "pw"}
	encryptColumn(t, v, s, "t", "v", ks)

	sealed := cell(t, s, "SELECT v FROM t WHERE id = 2").(string)
	i := len(sealed) - 10
	flipped := byte('A')
	if sealed[i] == 'A' {
		flipped = 'B'
	}
	tampered := sealed[:i] + string(flipped) + sealed[i+1:]
	testutil.MustExec(t, s, "UPDATE t SET v = '"+tampered+"' WHERE id = 2")

	res := decryptColumn(t, v, s, "t", "v", ks)
	assert.Equal(t, 2, res.Decrypted)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, int64(2), res.Failures[0].RowID)
	assert.ErrorIs(t, res.Failures[0].Err, wi.ErrAuthenticationFailure)

	assert.Equal(t, "a", cell(t, s, "SELECT v FROM t WHERE id = 1"))
	assert.Equal(t, tampered, cell(t, s, "SELECT v FROM t WHERE id = 2"))
	assert.Equal(t, "c", cell(t, s, "SELECT v FROM t WHERE id = 3"))
}

func TestColumn_DamagedEnvelopeHeaderIsAFailure(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)",
		"INSERT INTO t VALUES (1, 'a'), (2, 'b'), (3, 'c'), (4, 'd')",
	)
	v := newTestVault(t)
	ks := KeySource{Passphrase: "pw"}
	encryptColumn(t, v, s, "t", "v", ks)

	damage := map[int64]func(string) string{
		2: func(env string) string { return strings.Replace(env, "wienc:v1:", "wienc:v9:", 1) },
		3: func(env string) string { return strings.Replace(env, "wienc:v1:p:", "wienc:v1:x:", 1) },
		4: func(env string) string { return "wienc:" },
	}
	for id, fn := range damage {
		sealed := cell(t, s, "SELECT v FROM t WHERE id = ?", id).(string)
		testutil.MustExec(t, s, "UPDATE t SET v = '"+fn(sealed)+"' WHERE id = "+strconv.FormatInt(id, 10))
	}

	res := encryptColumn(t, v, s, "t", "v", ks)
	assert.Equal(t, 0, res.Encrypted, "damaged envelopes must not be encrypted again")
	assert.Equal(t, 4, res.Skipped)

	dec := decryptColumn(t, v, s, "t", "v", ks)
	assert.Equal(t, 1, dec.Decrypted)
	assert.Equal(t, 0, dec.Skipped)
	require.Len(t, dec.Failures, 3)
	var rows []int64
	for _, f := range dec.Failures {
		rows = append(rows, f.RowID)
		assert.ErrorIs(t, f.Err, wi.ErrAuthenticationFailure)
	}
	assert.ElementsMatch(t, []int64{2, 3, 4}, rows)
	assert.Equal(t, "a", cell(t, s, "SELECT v FROM t WHERE id = 1"))
}

func TestColumn_CiphertextBoundToColumn(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (id INTEGER PRIMARY KEY, a TEXT, b TEXT)",
		"INSERT INTO t VALUES (1, 'alpha', NULL)",
	)
	v := newTestVault(t)
	ks := KeySource{Passphrase: "pw"}
	encryptColumn(t, v, s, "t", "a", ks)
	testutil.MustExec(t, s, "UPDATE t SET b = a")

	res := decryptColumn(t, v, s, "t", "b", ks)
	assert.Len(t, res.Failures, 1)
}

func TestColumn_DecryptNeverGeneratesKey(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s, "CREATE TABLE t (v TEXT)", "INSERT INTO t VALUES ('x')")
	v := newTestVault(t)
	keyFile := filepath.Join(t.TempDir(), "absent.key")

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = v.DecryptColumn(ctx, tx, "t", "v", KeySource{KeyFile: keyFile})
	assert.ErrorIs(t, err, wi.ErrNotFound)
	assert.NoFileExists(t, keyFile)
}

func TestColumn_Errors(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (v TEXT)",
		"CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT) WITHOUT ROWID",
	)
	v := newTestVault(t)
	ks := KeySource{Passphrase: "pw"}
	ctx := context.Background()

	tests := []struct {
		name   string
		table  string
		column string
		kind   error
	}{
		{"missing table", "nope", "v", wi.ErrNotFound},
		{"missing column", "t", "nope", wi.ErrNotFound},
		{"reserved table", "_wi_audit_ledger", "actor", wi.ErrNotFound},
		{"without rowid", "kv", "v", wi.ErrSchemaIncompatible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := s.Begin(ctx)
			require.NoError(t, err)
			defer tx.Rollback()

			_, err = v.EncryptColumn(ctx, tx, tt.table, tt.column, ks)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestColumn_ColumnNameIsCaseInsensitive(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s, "CREATE TABLE t (Email TEXT)", "INSERT INTO t VALUES ('a@b.c')")
	v := newTestVault(t)

	res := encryptColumn(t, v, s, "t", "EMAIL", KeySource{Passphrase: "pw"})
	assert.Equal(t, "Email", res.Column)
	got := cell(t, s, "SELECT Email FROM t").(string)
	assert.True(t, strings.HasPrefix(got, EnvelopePrefix+"p:"))

	dec := decryptColumn(t, v, s, "t", "email", KeySource{Passphrase: "pw"})
	assert.Equal(t, 1, dec.Decrypted)
}

func TestPlainEncoding(t *testing.T) {
	for _, in := range []any{"text", "", int64(-7), 0.1, 1e300, []byte{}, []byte{1, 2}} {
		p, err := encodePlain(in)
		require.NoError(t, err)
		out, err := decodePlain(p)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}

	_, err := encodePlain(true)
	assert.Error(t, err)
	_, err = decodePlain(nil)
	assert.Error(t, err)
}
