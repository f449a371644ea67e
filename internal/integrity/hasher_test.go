package integrity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wi-go/internal/testutil"
	"wi-go/internal/wi"
)

func fingerprint(t *testing.T, r wi.Reader, table string, opts Options) *wi.Fingerprint {
	t.Helper()
	fp, err := New(nil).Fingerprint(context.Background(), r, table, opts)
	require.NoError(t, err)
	return fp
}

func TestFingerprint_IndependentOfInsertionOrder(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE a (id INTEGER PRIMARY KEY, name TEXT, amount REAL)",
		"CREATE TABLE b (id INTEGER PRIMARY KEY, name TEXT, amount REAL)",
		"INSERT INTO a VALUES (1, 'x', 1.5), (2, 'y', NULL), (3, '', 0)",
		"INSERT INTO b VALUES (3, '', 0), (1, 'x', 1.5), (2, 'y', NULL)",
	)

	fa := fingerprint(t, s, "a", Options{})
	fb := fingerprint(t, s, "b", Options{})
	assert.Equal(t, fa.Value, fb.Value)
	assert.Equal(t, int64(3), fa.Rows)
	assert.Equal(t, wi.SHA256, fa.Algorithm)
	assert.Equal(t, wi.ScopeData, fa.Scope)
}

func TestFingerprint_InsertThenDeleteIsStable(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (k TEXT, v INTEGER)",
		"INSERT INTO t VALUES ('a', 1), ('b', 2)",
	)
	before := fingerprint(t, s, "t", Options{})

	testutil.MustExec(t, s, "INSERT INTO t VALUES ('c', 3)")
	during := fingerprint(t, s, "t", Options{})
	assert.NotEqual(t, before.Value, during.Value)

	testutil.MustExec(t, s, "DELETE FROM t WHERE k = 'c'")
	after := fingerprint(t, s, "t", Options{})
	assert.Equal(t, before.Value, after.Value)
}

func TestFingerprint_DistinguishesNullEmptyAndZero(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE n (v)", "INSERT INTO n VALUES (NULL)",
		"CREATE TABLE e (v)", "INSERT INTO e VALUES ('')",
		"CREATE TABLE z (v)", "INSERT INTO z VALUES (0)",
		"CREATE TABLE f (v)", "INSERT INTO f VALUES (0.0)",
		"CREATE TABLE s (v)", "INSERT INTO s VALUES ('0')",
		"CREATE TABLE x (v)", "INSERT INTO x VALUES (x'')",
	)

	seen := map[string]string{}
	for _, table := range []string{"n", "e", "z", "f", "s", "x"} {
		v := fingerprint(t, s, table, Options{}).Value
		if other, ok := seen[v]; ok {
			t.Errorf("tables %s and %s share fingerprint %s", table, other, v)
		}
		seen[v] = table
	}
}

func TestFingerprint_FieldBoundaries(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE a (x TEXT, y TEXT)", "INSERT INTO a VALUES ('ab', 'c')",
		"CREATE TABLE b (x TEXT, y TEXT)", "INSERT INTO b VALUES ('a', 'bc')",
	)

	assert.NotEqual(t, fingerprint(t, s, "a", Options{}).Value, fingerprint(t, s, "b", Options{}).Value)
}

func TestFingerprint_MixedNumericTypesOrderTotally(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE a (v)", "INSERT INTO a VALUES (1), (1.0), ('1')",
		"CREATE TABLE b (v)", "INSERT INTO b VALUES ('1'), (1.0), (1)",
	)

	assert.Equal(t, fingerprint(t, s, "a", Options{}).Value, fingerprint(t, s, "b", Options{}).Value)
}

func TestFingerprint_NegativeZero(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE a (v REAL)", "INSERT INTO a VALUES (-0.0)",
		"CREATE TABLE b (v REAL)", "INSERT INTO b VALUES (0.0)",
	)

	assert.Equal(t, fingerprint(t, s, "a", Options{}).Value, fingerprint(t, s, "b", Options{}).Value)
}

func TestFingerprint_DeclaredTypesDoNotLeakIntoValues(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE a (created TIMESTAMP, flag BOOLEAN)",
		"INSERT INTO a VALUES ('2024-01-15 10:30:00', 1)",
		"CREATE TABLE b (created TEXT, flag INTEGER)",
		"INSERT INTO b VALUES ('2024-01-15 10:30:00', 1)",
	)

	assert.Equal(t, fingerprint(t, s, "a", Options{}).Value, fingerprint(t, s, "b", Options{}).Value)
}

func TestFingerprint_EmptyTableDigestsHeader(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s, "CREATE TABLE t (v INTEGER)")

	fp := fingerprint(t, s, "t", Options{})

	sum := sha256.Sum256([]byte("wi/fingerprint/v1\x004:data0:"))
	assert.Equal(t, hex.EncodeToString(sum[:]), fp.Value)
	assert.Equal(t, int64(0), fp.Rows)
}

func TestFingerprint_ChunkSizeDoesNotMatter(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (v INTEGER)",
		"WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < 2500) INSERT INTO t SELECT n FROM seq",
	)

	small := fingerprint(t, s, "t", Options{ChunkSize: 7})
	large := fingerprint(t, s, "t", Options{ChunkSize: 5000})
	assert.Equal(t, small.Value, large.Value)
	assert.Equal(t, int64(2500), small.Rows)
}

func TestFingerprint_Options(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT NOT NULL, updated_at TEXT)",
		"INSERT INTO t VALUES (1, 'a', '2024-01-01'), (2, 'b', '2024-01-02')",
	)
	base := fingerprint(t, s, "t", Options{})

	t.Run("salt changes digest", func(t *testing.T) {
		salted := fingerprint(t, s, "t", Options{Salt: "pepper"})
		assert.NotEqual(t, base.Value, salted.Value)
		assert.Equal(t, "pepper", salted.Salt)
	})

	t.Run("sha512", func(t *testing.T) {
		fp := fingerprint(t, s, "t", Options{Algorithm: wi.SHA512})
		assert.Len(t, fp.Value, 128)
	})

	t.Run("schema scope differs", func(t *testing.T) {
		fp := fingerprint(t, s, "t", Options{Scope: wi.ScopeDataAndSchema})
		assert.NotEqual(t, base.Value, fp.Value)
	})

	t.Run("excluded column is ignored", func(t *testing.T) {
		before := fingerprint(t, s, "t", Options{Exclude: []string{"UPDATED_AT"}})
		assert.Equal(t, []string{"updated_at"}, before.ExcludedColumns)

		testutil.MustExec(t, s, "UPDATE t SET updated_at = '2025-06-01'")
		after := fingerprint(t, s, "t", Options{Exclude: []string{"updated_at"}})
		assert.Equal(t, before.Value, after.Value)
	})
}

func TestFingerprint_SchemaScopeSeesConstraints(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE a (x INTEGER NOT NULL)", "INSERT INTO a VALUES (1)",
		"CREATE TABLE b (x INTEGER)", "INSERT INTO b VALUES (1)",
	)

	assert.Equal(t, fingerprint(t, s, "a", Options{}).Value, fingerprint(t, s, "b", Options{}).Value)
	assert.NotEqual(t,
		fingerprint(t, s, "a", Options{Scope: wi.ScopeDataAndSchema}).Value,
		fingerprint(t, s, "b", Options{Scope: wi.ScopeDataAndSchema}).Value)
}

func TestFingerprint_Errors(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s, "CREATE TABLE t (a INTEGER, b TEXT)")
	h := New(nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		table string
		opts  Options
		kind  error
	}{
		{"missing table", "nope", Options{}, wi.ErrNotFound},
		{"unknown excluded column", "t", Options{Exclude: []string{"c"}}, wi.ErrNotFound},
		{"every column excluded", "t", Options{Exclude: []string{"a", "b"}}, wi.ErrSchemaIncompatible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Fingerprint(ctx, s, tt.table, tt.opts)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := h.Fingerprint(ctx, s, "t", Options{Algorithm: "md5"})
		assert.Error(t, err)
	})
}

func TestVerify(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance REAL)",
		"INSERT INTO accounts VALUES (1, 100.0), (2, 250.5)",
	)
	h := New(nil)
	ctx := context.Background()

	for _, alg := range []wi.Algorithm{wi.SHA256, wi.SHA512} {
		t.Run(string(alg)+" inferred from digest length", func(t *testing.T) {
			fp := fingerprint(t, s, "accounts", Options{Algorithm: alg})

			res, err := h.Verify(ctx, s, "accounts", fp.Value, Options{})
			require.NoError(t, err)
			assert.True(t, res.Match)
			assert.Equal(t, alg, res.Computed.Algorithm)
		})
	}

	t.Run("tampering is a mismatch, not an error", func(t *testing.T) {
		fp := fingerprint(t, s, "accounts", Options{})
		testutil.MustExec(t, s, "UPDATE accounts SET balance = 0 WHERE id = 2")

		res, err := h.Verify(ctx, s, "accounts", fp.Value, Options{})
		require.NoError(t, err)
		assert.False(t, res.Match)
		assert.NotEqual(t, fp.Value, res.Computed.Value)
	})

	t.Run("uninferable digest", func(t *testing.T) {
		_, err := h.Verify(ctx, s, "accounts", "abc123", Options{})
		assert.Error(t, err)
	})
}

func TestEncodeCell(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, "n"},
		{"integer", int64(-42), "i-42"},
		{"real", 1.5, "r1.5000000000000000e+00"},
		{"negative zero", math.Copysign(0, -1), "r0.0000000000000000e+00"},
		{"text", "h\u00e9llo", "t6:h\u00e9llo"},
		{"empty text", "", "t0:"},
		{"blob", []byte{0x00, 0xff}, "b2:\x00\xff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b bytes.Buffer
			require.NoError(t, encodeCell(&b, tt.in))
			assert.Equal(t, tt.want, b.String())
		})
	}
}
