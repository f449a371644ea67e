package encryption

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"wi-go/internal/wi"
)

// AnonymizeMethod selects how AnonymizeColumn rewrites a cell.
type AnonymizeMethod string

const (
	// MethodMask replaces the leading characters with '*'.
	MethodMask AnonymizeMethod = "mask"
	// MethodHash replaces the value with its SHA-256 hex digest.
	MethodHash AnonymizeMethod = "hash"
	// MethodRedact replaces the value with RedactedValue.
	MethodRedact AnonymizeMethod = "redact"

	RedactedValue = "[REDACTED]"

	// DefaultMaskChars is the number of characters masked when none is set.
	DefaultMaskChars = 4
)

// AnonymizeOptions configures AnonymizeColumn.
type AnonymizeOptions struct {
	Method AnonymizeMethod
	// Chars is the number of leading characters MethodMask hides. Zero
	// means DefaultMaskChars.
	Chars int
}

func (o AnonymizeOptions) rewriter() (func(string) string, error) {
	switch o.Method {
	case MethodMask:
		n := o.Chars
		if n < 0 {
			return nil, fmt.Errorf("mask length must not be negative, got %d", n)
		}
		if n == 0 {
			n = DefaultMaskChars
		}
		return func(s string) string { return maskLeading(s, n) }, nil
	case MethodHash:
		return func(s string) string {
			sum := sha256.Sum256([]byte(s))
			return hex.EncodeToString(sum[:])
		}, nil
	case MethodRedact:
		return func(string) string { return RedactedValue }, nil
	default:
		return nil, fmt.Errorf("unknown anonymize method %q (want mask, hash or redact)", o.Method)
	}
}

// AnonymizeColumn irreversibly rewrites every non-NULL cell of table.column
// inside tx. Rewritten cells are stored as text. NULL cells and cells that
// carry an encryption envelope are left alone and counted as skipped.
func (v *Vault) AnonymizeColumn(ctx context.Context, tx wi.Tx, table, column string, opts AnonymizeOptions) (*ColumnResult, error) {
	rewrite, err := opts.rewriter()
	if err != nil {
		return nil, err
	}
	col, err := resolveColumn(ctx, tx, table, column)
	if err != nil {
		return nil, err
	}
	res := &ColumnResult{Table: table, Column: col}

	err = scanColumn(ctx, tx, table, col, func(rowid int64, val any) error {
		if val == nil || IsEncrypted(val) {
			res.Skipped++
			return nil
		}
		text, err := cellText(val)
		if err != nil {
			return fmt.Errorf("row %d: %w", rowid, err)
		}
		if err := updateCell(ctx, tx, table, col, rowid, rewrite(text)); err != nil {
			return err
		}
		res.Anonymized++
		return nil
	})
	if err != nil {
		return nil, err
	}

	v.logger.Info("column anonymized", "table", table, "column", col, "method", string(opts.Method),
		"cells", res.Anonymized, "skipped", res.Skipped)
	return res, nil
}

// maskLeading hides the first n characters of s, or all of it when s is
// not longer than n.
func maskLeading(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", n) + string(r[n:])
}

func cellText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("unsupported storage value %T", v)
	}
}
