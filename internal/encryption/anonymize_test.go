package encryption

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wi-go/internal/testutil"
	"wi-go/internal/wi"
)

func anonymize(t *testing.T, v *Vault, s wi.Store, table, column string, opts AnonymizeOptions) (*ColumnResult, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	res, err := v.AnonymizeColumn(ctx, tx, table, column, opts)
	if err != nil {
		return nil, err
	}
	require.NoError(t, tx.Commit())
	return res, nil
}

func setupPeople(t *testing.T) wi.Store {
	t.Helper()
	s := testutil.NewTestStore(t)
	testutil.MustExec(t, s,
		"CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT, age INTEGER, score REAL)",
		"INSERT INTO people VALUES (1, 'Alexander', 42, 1.5), (2, 'Bo', NULL, NULL), (3, NULL, 7, 2.25), (4, 'Émilie', 19, 3)",
	)
	return s
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestAnonymize_Mask(t *testing.T) {
	tests := []struct {
		name  string
		chars int
		want  map[int64]any
	}{
		{"default length", 0, map[int64]any{1: "****ander", 2: "**", 3: nil, 4: "****ie"}},
		{"explicit length", 2, map[int64]any{1: "**exander", 2: "**", 3: nil, 4: "**ilie"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupPeople(t)
			res, err := anonymize(t, newTestVault(t), s, "people", "name", AnonymizeOptions{Method: MethodMask, Chars: tt.chars})
			require.NoError(t, err)
			assert.Equal(t, 3, res.Anonymized)
			assert.Equal(t, 1, res.Skipped)
			for id, want := range tt.want {
				assert.Equal(t, want, cell(t, s, "SELECT name FROM people WHERE id = ?", id), "row %d", id)
			}
		})
	}
}

func TestAnonymize_HashUsesTextForm(t *testing.T) {
	s := setupPeople(t)
	v := newTestVault(t)

	_, err := anonymize(t, v, s, "people", "age", AnonymizeOptions{Method: MethodHash})
	require.NoError(t, err)
	res, err := anonymize(t, v, s, "people", "score", AnonymizeOptions{Method: MethodHash})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Anonymized)

	assert.Equal(t, sha256Hex("42"), cell(t, s, "SELECT age FROM people WHERE id = 1"))
	assert.Nil(t, cell(t, s, "SELECT age FROM people WHERE id = 2"))
	assert.Equal(t, sha256Hex("1.5"), cell(t, s, "SELECT score FROM people WHERE id = 1"))
	assert.Equal(t, sha256Hex("3"), cell(t, s, "SELECT score FROM people WHERE id = 4"))
}

func TestAnonymize_Redact(t *testing.T) {
	s := setupPeople(t)
	res, err := anonymize(t, newTestVault(t), s, "people", "NAME", AnonymizeOptions{Method: MethodRedact})
	require.NoError(t, err)
	assert.Equal(t, "name", res.Column)
	assert.Equal(t, 3, res.Anonymized)
	assert.Equal(t, int64(3), cell(t, s, "SELECT COUNT(*) FROM people WHERE name = ?", RedactedValue))
	assert.Equal(t, RedactedValue, cell(t, s, "SELECT name FROM people WHERE id = 4"))
	assert.Nil(t, cell(t, s, "SELECT name FROM people WHERE id = 3"))
}

func TestAnonymize_LeavesEncryptedCells(t *testing.T) {
	s := setupPeople(t)
	v := newTestVault(t)
	ks := KeySource{Passphrase: "pw"}
	encryptColumn(t, v, s, "people", "name", ks)
	sealed := cell(t, s, "SELECT name FROM people WHERE id = 1")

	res, err := anonymize(t, v, s, "people", "name", AnonymizeOptions{Method: MethodRedact})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Anonymized)
	assert.Equal(t, 4, res.Skipped)
	assert.Equal(t, sealed, cell(t, s, "SELECT name FROM people WHERE id = 1"))

	dec := decryptColumn(t, v, s, "people", "name", ks)
	assert.Equal(t, 3, dec.Decrypted)
	assert.Equal(t, "Alexander", cell(t, s, "SELECT name FROM people WHERE id = 1"))
}

func TestAnonymize_Errors(t *testing.T) {
	s := setupPeople(t)
	v := newTestVault(t)

	_, err := anonymize(t, v, s, "people", "name", AnonymizeOptions{Method: "scramble"})
	assert.Error(t, err)
	_, err = anonymize(t, v, s, "people", "name", AnonymizeOptions{Method: MethodMask, Chars: -1})
	assert.Error(t, err)
	_, err = anonymize(t, v, s, "people", "missing", AnonymizeOptions{Method: MethodRedact})
	assert.ErrorIs(t, err, wi.ErrNotFound)
	_, err = anonymize(t, v, s, "nope", "name", AnonymizeOptions{Method: MethodRedact})
	assert.ErrorIs(t, err, wi.ErrNotFound)

	assert.Equal(t, "Alexander", cell(t, s, "SELECT name FROM people WHERE id = 1"))
}
