package wi

import (
	"errors"
	"fmt"
)

// Failure kinds. Domain failures returned by the core wrap exactly one of
// these so callers can branch with errors.Is. A fingerprint mismatch and detected
// drift are not errors: they are negative verdicts on successful results.
var (
	// ErrNotFound indicates a missing table, column, snapshot or key file.
	ErrNotFound = errors.New("not found")

	// ErrNameConflict indicates a duplicate snapshot name.
	ErrNameConflict = errors.New("name conflict")

	// ErrAuthenticationFailure indicates tampered ciphertext or a wrong key.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrTransactionFailure indicates a failed begin, append, commit or rollback.
	ErrTransactionFailure = errors.New("transaction failure")

	// ErrSchemaIncompatible indicates a restore target that cannot accept the
	// snapshot schema without force, or an unusable column selection.
	ErrSchemaIncompatible = errors.New("schema incompatible")
)

// Error carries a failure kind together with the subject it concerns.
type Error struct {
	Kind    error  // one of the Err* sentinels
	Subject string // e.g. `table "accounts"`, `file "/tmp/d.db"`
	Err     error  // underlying cause, may be nil
}

// E builds an *Error.
func E(kind error, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// Ef builds an *Error whose cause is a formatted message.
func Ef(kind error, subject string, format string, args ...any) *Error {
	return &Error{Kind: kind, Subject: subject, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Subject != "" {
		msg += ": " + e.Subject
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the failure kind wrapped by err, or nil if err carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrNotFound, ErrNameConflict, ErrAuthenticationFailure, ErrTransactionFailure, ErrSchemaIncompatible} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// TableSubject formats a table as an error subject.
func TableSubject(table string) string { return fmt.Sprintf("table %q", table) }

// ColumnSubject formats a column as an error subject.
func ColumnSubject(table, column string) string {
	return fmt.Sprintf("column %q of table %q", column, table)
}

// FileSubject formats a file path as an error subject.
func FileSubject(path string) string { return fmt.Sprintf("file %q", path) }

// SnapshotSubject formats a snapshot as an error subject.
func SnapshotSubject(name string) string { return fmt.Sprintf("snapshot %q", name) }
