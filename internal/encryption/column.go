package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"wi-go/internal/wi"
)

// Cell envelope: prefix, key mode, then base64 fields.
//
//	wienc:v1:k:<nonce||ciphertext>          key derived from an identity file
//	wienc:v1:p:<salt>:<nonce||ciphertext>   key derived from a passphrase
const (
	EnvelopePrefix = "wienc:v1:"
	// envelopeMarker identifies an envelope of any version. A value with the
	// marker but an unknown version or mode is a damaged envelope, never
	// plaintext.
	envelopeMarker = "wienc:"

	modeKeyFile    = "k"
	modePassphrase = "p"

	saltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1

	// DefaultColumnChunk is the number of rows read per batch.
	DefaultColumnChunk = 500
)

var b64 = base64.RawStdEncoding

// CellFailure reports a cell that could not be decrypted.
type CellFailure struct {
	RowID int64 `json:"rowid"`
	Err   error `json:"-"`
}

// ColumnResult describes a completed column operation.
type ColumnResult struct {
	Table        string        `json:"table"`
	Column       string        `json:"column"`
	Encrypted    int           `json:"encrypted,omitempty"`
	Decrypted    int           `json:"decrypted,omitempty"`
	Anonymized   int           `json:"anonymized,omitempty"`
	Skipped      int           `json:"skipped"`
	Failures     []CellFailure `json:"failures,omitempty"`
	KeyGenerated bool          `json:"key_generated,omitempty"`
}

// IsEncrypted reports whether a stored value carries the cell envelope.
func IsEncrypted(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, envelopeMarker)
}

// EncryptColumn encrypts every non-NULL, not yet encrypted cell of
// table.column inside tx. The original storage class of each cell is kept
// inside the ciphertext so decryption restores it exactly.
func (v *Vault) EncryptColumn(ctx context.Context, tx wi.Tx, table, column string, ks KeySource) (*ColumnResult, error) {
	if err := ks.validate(); err != nil {
		return nil, err
	}
	col, err := resolveColumn(ctx, tx, table, column)
	if err != nil {
		return nil, err
	}
	res := &ColumnResult{Table: table, Column: col}

	var seal func(plain, aad []byte) (string, error)
	if ks.KeyFile != "" {
		generated, err := EnsureKeyFile(ks.KeyFile, v.clock.Now())
		if err != nil {
			return nil, err
		}
		res.KeyGenerated = generated
		key, err := DeriveKey(ks.KeyFile, PurposeColumn)
		if err != nil {
			return nil, err
		}
		seal = func(plain, aad []byte) (string, error) {
			ct, err := sealBox(key, plain, aad)
			if err != nil {
				return "", err
			}
			return EnvelopePrefix + modeKeyFile + ":" + b64.EncodeToString(ct), nil
		}
	} else {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}
		key := passphraseKey(ks.Passphrase, salt)
		encSalt := b64.EncodeToString(salt)
		seal = func(plain, aad []byte) (string, error) {
			ct, err := sealBox(key, plain, aad)
			if err != nil {
				return "", err
			}
			return EnvelopePrefix + modePassphrase + ":" + encSalt + ":" + b64.EncodeToString(ct), nil
		}
	}

	aad := cellAAD(table, col)
	err = scanColumn(ctx, tx, table, col, func(rowid int64, val any) error {
		if val == nil || IsEncrypted(val) {
			res.Skipped++
			return nil
		}
		plain, err := encodePlain(val)
		if err != nil {
			return fmt.Errorf("row %d: %w", rowid, err)
		}
		env, err := seal(plain, aad)
		if err != nil {
			return fmt.Errorf("row %d: %w", rowid, err)
		}
		if err := updateCell(ctx, tx, table, col, rowid, env); err != nil {
			return err
		}
		res.Encrypted++
		return nil
	})
	if err != nil {
		return nil, err
	}

	v.logger.Info("column encrypted", "table", table, "column", col, "cells", res.Encrypted, "skipped", res.Skipped)
	return res, nil
}

// DecryptColumn decrypts every enveloped cell of table.column inside tx.
// Cells that fail authentication are left untouched and listed in
// Failures; the other cells are decrypted. Plaintext cells are skipped.
// A key file is never generated here.
func (v *Vault) DecryptColumn(ctx context.Context, tx wi.Tx, table, column string, ks KeySource) (*ColumnResult, error) {
	if err := ks.validate(); err != nil {
		return nil, err
	}
	col, err := resolveColumn(ctx, tx, table, column)
	if err != nil {
		return nil, err
	}
	res := &ColumnResult{Table: table, Column: col}

	var fileKey []byte
	if ks.KeyFile != "" {
		if fileKey, err = DeriveKey(ks.KeyFile, PurposeColumn); err != nil {
			return nil, err
		}
	}
	saltKeys := map[string][]byte{}
	subject := wi.ColumnSubject(table, col)
	aad := cellAAD(table, col)

	err = scanColumn(ctx, tx, table, col, func(rowid int64, val any) error {
		if !IsEncrypted(val) {
			res.Skipped++
			return nil
		}

		plain, err := openEnvelope(val.(string), aad, ks, fileKey, saltKeys)
		if err != nil {
			res.Failures = append(res.Failures, CellFailure{RowID: rowid, Err: wi.E(wi.ErrAuthenticationFailure, subject, err)})
			return nil
		}
		decoded, err := decodePlain(plain)
		if err != nil {
			res.Failures = append(res.Failures, CellFailure{RowID: rowid, Err: wi.E(wi.ErrAuthenticationFailure, subject, err)})
			return nil
		}
		if err := updateCell(ctx, tx, table, col, rowid, decoded); err != nil {
			return err
		}
		res.Decrypted++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(res.Failures) > 0 {
		v.logger.Warn("column cells failed authentication", "table", table, "column", col, "failures", len(res.Failures))
	}
	v.logger.Info("column decrypted", "table", table, "column", col, "cells", res.Decrypted, "skipped", res.Skipped)
	return res, nil
}

func openEnvelope(env string, aad []byte, ks KeySource, fileKey []byte, saltKeys map[string][]byte) ([]byte, error) {
	body, ok := strings.CutPrefix(env, EnvelopePrefix)
	if !ok {
		return nil, fmt.Errorf("unsupported envelope version")
	}
	mode, rest, ok := strings.Cut(body, ":")
	if !ok {
		return nil, fmt.Errorf("malformed envelope")
	}

	var (
		key     []byte
		payload string
	)
	switch mode {
	case modeKeyFile:
		if fileKey == nil {
			return nil, fmt.Errorf("cell was encrypted with a key file")
		}
		key, payload = fileKey, rest
	case modePassphrase:
		if ks.Passphrase == "" {
			return nil, fmt.Errorf("cell was encrypted with a passphrase")
		}
		encSalt, p, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("malformed envelope")
		}
		key, ok = saltKeys[encSalt]
		if !ok {
			salt, err := b64.DecodeString(encSalt)
			if err != nil || len(salt) != saltLen {
				return nil, fmt.Errorf("malformed salt")
			}
			key = passphraseKey(ks.Passphrase, salt)
			saltKeys[encSalt] = key
		}
		payload = p
	default:
		return nil, fmt.Errorf("unknown key mode %q", mode)
	}

	box, err := b64.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext")
	}
	return openBox(key, box, aad)
}

func passphraseKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, derivedKeyLen)
}

func sealBox(key, plain, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, aad), nil
}

func openBox(key, box, aad []byte) ([]byte, error) {
	if len(box) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("ciphertext too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := box[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, box[chacha20poly1305.NonceSizeX:], aad)
}

// cellAAD binds a ciphertext to its table and column.
func cellAAD(table, column string) []byte {
	return []byte(strings.ToLower(table) + "\x00" + strings.ToLower(column))
}

// encodePlain tags a storage value with its class: t text, i integer,
// r real, b blob.
func encodePlain(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return append([]byte{'t'}, x...), nil
	case int64:
		return append([]byte{'i'}, strconv.FormatInt(x, 10)...), nil
	case float64:
		return append([]byte{'r'}, strconv.FormatFloat(x, 'g', -1, 64)...), nil
	case []byte:
		return append([]byte{'b'}, x...), nil
	default:
		return nil, fmt.Errorf("unsupported storage value %T", v)
	}
}

func decodePlain(p []byte) (any, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	body := p[1:]
	switch p[0] {
	case 't':
		return string(body), nil
	case 'i':
		return strconv.ParseInt(string(body), 10, 64)
	case 'r':
		return strconv.ParseFloat(string(body), 64)
	case 'b':
		return append([]byte{}, body...), nil
	default:
		return nil, fmt.Errorf("unknown value tag %q", p[0])
	}
}

func resolveColumn(ctx context.Context, r wi.Reader, table, column string) (string, error) {
	if wi.IsReserved(table) {
		return "", wi.Ef(wi.ErrNotFound, wi.TableSubject(table), "not a user table")
	}
	cols, err := r.TableSchema(ctx, table)
	if err != nil {
		return "", err
	}
	c, ok := wi.FindColumn(cols, column)
	if !ok {
		return "", wi.Ef(wi.ErrNotFound, wi.ColumnSubject(table, column), "no such column")
	}

	var ddl string
	if err := r.QueryRow(ctx, "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE", table).Scan(&ddl); err != nil {
		return "", fmt.Errorf("reading definition of %s: %w", table, err)
	}
	if strings.Contains(strings.ToUpper(ddl), "WITHOUT ROWID") {
		return "", wi.Ef(wi.ErrSchemaIncompatible, wi.TableSubject(table), "tables without rowid are not supported")
	}
	return c.Name, nil
}

// scanColumn visits every row of table.column in rowid order. Rows are read
// a batch at a time and the batch is closed before fn runs, so fn may write.
func scanColumn(ctx context.Context, r wi.Reader, table, column string, fn func(rowid int64, val any) error) error {
	type cell struct {
		rowid int64
		val   any
	}
	q := "SELECT rowid, +" + wi.QuoteIdent(column) + " FROM " + wi.QuoteIdent(table) +
		" WHERE rowid > ? ORDER BY rowid LIMIT " + strconv.Itoa(DefaultColumnChunk)

	var last int64 = -1 << 63
	for {
		rows, err := r.Query(ctx, q, last)
		if err != nil {
			return fmt.Errorf("reading %s.%s: %w", table, column, err)
		}
		var batch []cell
		for rows.Next() {
			var c cell
			if err := rows.Scan(&c.rowid, &c.val); err != nil {
				rows.Close()
				return fmt.Errorf("reading %s.%s: %w", table, column, err)
			}
			batch = append(batch, c)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("reading %s.%s: %w", table, column, err)
		}

		for _, c := range batch {
			if err := fn(c.rowid, c.val); err != nil {
				return err
			}
		}
		if len(batch) < DefaultColumnChunk {
			return nil
		}
		last = batch[len(batch)-1].rowid
	}
}

func updateCell(ctx context.Context, tx wi.Tx, table, column string, rowid int64, val any) error {
	_, err := tx.Exec(ctx, "UPDATE "+wi.QuoteIdent(table)+" SET "+wi.QuoteIdent(column)+" = ? WHERE rowid = ?", val, rowid)
	if err != nil {
		return fmt.Errorf("updating %s.%s row %d: %w", table, column, rowid, err)
	}
	return nil
}
