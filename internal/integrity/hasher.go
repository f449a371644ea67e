// Package integrity computes deterministic fingerprints of table content.
//
// A fingerprint is independent of physical row order and storage layout: rows
// are streamed in a total order over every hashed column and each cell is
// serialized with a type tag and a length prefix, so NULL, the empty string
// and zero never collide.
package integrity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"wi-go/internal/wi"
)

const (
	fingerprintDomain = "wi/fingerprint/v1"

	// DefaultChunkSize is the number of rows buffered before feeding the digest.
	DefaultChunkSize = 1000
)

// Separators borrowed from the ASCII information separators.
const (
	fieldSep  = 0x1F
	rowSep    = 0x1E
	headerEnd = 0x1D
)

// Options control what a fingerprint covers.
type Options struct {
	Algorithm wi.Algorithm // empty means sha256 (or inferred by Verify)
	Salt      string
	Exclude   []string
	Scope     wi.Scope // empty means data
	ChunkSize int
}

// VerifyResult is the outcome of comparing a table with an expected digest.
// A mismatch is a normal result.
type VerifyResult struct {
	Match    bool            `json:"match"`
	Expected string          `json:"expected"`
	Computed *wi.Fingerprint `json:"computed"`
}

// Hasher computes table fingerprints.
type Hasher struct {
	logger wi.Logger
}

func New(logger wi.Logger) *Hasher {
	if logger == nil {
		logger = wi.NewNopLogger()
	}
	return &Hasher{logger: logger}
}

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(s string) (wi.Algorithm, error) {
	switch a := wi.Algorithm(strings.ToLower(s)); a {
	case wi.SHA256, wi.SHA512:
		return a, nil
	case "":
		return wi.SHA256, nil
	default:
		return "", fmt.Errorf("unsupported algorithm %q (want sha256 or sha512)", s)
	}
}

// ParseScope validates a scope name.
func ParseScope(s string) (wi.Scope, error) {
	switch sc := wi.Scope(strings.ToLower(s)); sc {
	case wi.ScopeData, wi.ScopeDataAndSchema:
		return sc, nil
	case "":
		return wi.ScopeData, nil
	default:
		return "", fmt.Errorf("unsupported scope %q (want data or data+schema)", s)
	}
}

// InferAlgorithm picks the algorithm matching a hex digest's length.
func InferAlgorithm(digest string) (wi.Algorithm, error) {
	switch len(strings.TrimSpace(digest)) {
	case sha256.Size * 2:
		return wi.SHA256, nil
	case sha512.Size * 2:
		return wi.SHA512, nil
	default:
		return "", fmt.Errorf("cannot infer algorithm from a %d character digest", len(strings.TrimSpace(digest)))
	}
}

// Fingerprint digests the logical content of table as seen by r.
func (h *Hasher) Fingerprint(ctx context.Context, r wi.Reader, table string, opts Options) (*wi.Fingerprint, error) {
	alg, err := ParseAlgorithm(string(opts.Algorithm))
	if err != nil {
		return nil, err
	}
	scope, err := ParseScope(string(opts.Scope))
	if err != nil {
		return nil, err
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	schema, err := r.TableSchema(ctx, table)
	if err != nil {
		return nil, err
	}
	cols, excluded, err := selectColumns(table, schema, opts.Exclude)
	if err != nil {
		return nil, err
	}

	d := newDigest(alg)
	writeHeader(d, scope, opts.Salt, cols)

	projection := make([]string, len(cols))
	ordering := make([]string, 0, 2*len(cols))
	for i, c := range cols {
		q := wi.QuoteIdent(c.Name)
		// Unary + strips the declared type so the driver hands back raw
		// storage values instead of converting dates and booleans.
		projection[i] = "+" + q
		ordering = append(ordering, q+" COLLATE BINARY", "typeof("+q+")")
	}

	rows, err := r.ReadRows(ctx, table, projection, ordering)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		buf   bytes.Buffer
		count int64
		vals  = make([]any, len(cols))
		ptrs  = make([]any, len(cols))
	)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("reading %s: %w", table, err)
		}
		for i, v := range vals {
			if i > 0 {
				buf.WriteByte(fieldSep)
			}
			if err := encodeCell(&buf, v); err != nil {
				return nil, fmt.Errorf("encoding %s.%s: %w", table, cols[i].Name, err)
			}
		}
		buf.WriteByte(rowSep)
		count++

		if count%int64(chunk) == 0 {
			d.Write(buf.Bytes())
			buf.Reset()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	d.Write(buf.Bytes())

	fp := &wi.Fingerprint{
		Table:           table,
		Algorithm:       alg,
		Salt:            opts.Salt,
		ExcludedColumns: excluded,
		Scope:           scope,
		Rows:            count,
		Value:           hex.EncodeToString(d.Sum(nil)),
	}
	h.logger.Debug("fingerprint computed", "table", table, "algorithm", alg, "rows", count)
	return fp, nil
}

// Verify recomputes the fingerprint of table and compares it with expected.
// When opts.Algorithm is empty it is inferred from the digest length.
func (h *Hasher) Verify(ctx context.Context, r wi.Reader, table, expected string, opts Options) (*VerifyResult, error) {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if opts.Algorithm == "" {
		alg, err := InferAlgorithm(expected)
		if err != nil {
			return nil, err
		}
		opts.Algorithm = alg
	}

	fp, err := h.Fingerprint(ctx, r, table, opts)
	if err != nil {
		return nil, err
	}

	match := subtle.ConstantTimeCompare([]byte(fp.Value), []byte(expected)) == 1
	if !match {
		h.logger.Warn("fingerprint mismatch", "table", table, "expected", expected, "computed", fp.Value)
	}
	return &VerifyResult{Match: match, Expected: expected, Computed: fp}, nil
}

// selectColumns drops excluded columns, failing on names the table lacks.
func selectColumns(table string, schema []wi.Column, exclude []string) ([]wi.Column, []string, error) {
	skip := make(map[string]bool, len(exclude))
	var excluded []string
	for _, name := range exclude {
		c, ok := wi.FindColumn(schema, name)
		if !ok {
			return nil, nil, wi.Ef(wi.ErrNotFound, wi.ColumnSubject(table, name), "no such column")
		}
		if !skip[c.Name] {
			skip[c.Name] = true
			excluded = append(excluded, c.Name)
		}
	}

	var cols []wi.Column
	for _, c := range schema {
		if !skip[c.Name] {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return nil, nil, wi.Ef(wi.ErrSchemaIncompatible, wi.TableSubject(table), "every column is excluded")
	}
	return cols, excluded, nil
}

func newDigest(alg wi.Algorithm) hash.Hash {
	if alg == wi.SHA512 {
		return sha512.New()
	}
	return sha256.New()
}

func writeHeader(d hash.Hash, scope wi.Scope, salt string, cols []wi.Column) {
	var b bytes.Buffer
	b.WriteString(fingerprintDomain)
	b.WriteByte(0x00)
	writeLengthPrefixed(&b, string(scope))
	writeLengthPrefixed(&b, salt)

	if scope == wi.ScopeDataAndSchema {
		for _, c := range cols {
			writeLengthPrefixed(&b, norm.NFC.String(c.Name))
			b.WriteByte(fieldSep)
			writeLengthPrefixed(&b, c.NormalizedType())
			b.WriteByte(fieldSep)
			if c.NotNull {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
			b.WriteByte(fieldSep)
			b.WriteString(strconv.Itoa(c.PK))
			b.WriteByte(rowSep)
		}
		b.WriteByte(headerEnd)
	}
	d.Write(b.Bytes())
}

// encodeCell writes the canonical form of one storage value:
//
//	n            NULL
//	i<int>       INTEGER
//	r<float>     REAL, 17 significant digits in exponent form, -0 as 0
//	t<len>:<s>   TEXT
//	b<len>:<raw> BLOB
func encodeCell(b *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteByte('n')
	case int64:
		b.WriteByte('i')
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		if x == 0 {
			x = 0
		}
		b.WriteByte('r')
		b.WriteString(formatFloat(x))
	case string:
		b.WriteByte('t')
		writeLengthPrefixed(b, x)
	case []byte:
		b.WriteByte('b')
		b.WriteString(strconv.Itoa(len(x)))
		b.WriteByte(':')
		b.Write(x)
	default:
		return fmt.Errorf("unsupported storage value %T", v)
	}
	return nil
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) {
		if f > 0 {
			return "+inf"
		}
		return "-inf"
	}
	return strconv.FormatFloat(f, 'e', 16, 64)
}

func writeLengthPrefixed(b *bytes.Buffer, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
