package wi

import (
	"strings"
	"time"
)

// Column is one entry of a table's column signature.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"not_null"`
	PK      int    `json:"pk"` // 1-based position in the primary key, 0 if not part of it
}

// Affinity returns the SQLite type affinity implied by the declared type.
func (c Column) Affinity() string {
	t := strings.ToUpper(c.Type)
	switch {
	case strings.Contains(t, "INT"):
		return "INTEGER"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return "TEXT"
	case t == "", strings.Contains(t, "BLOB"):
		return "BLOB"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return "REAL"
	default:
		return "NUMERIC"
	}
}

// Numeric reports whether the column's affinity stores numbers.
func (c Column) Numeric() bool {
	switch c.Affinity() {
	case "INTEGER", "REAL", "NUMERIC":
		return true
	}
	return false
}

// NormalizedType returns the declared type in a comparable form.
func (c Column) NormalizedType() string {
	return strings.Join(strings.Fields(strings.ToUpper(c.Type)), " ")
}

// FindColumn returns the column with the given name (case-insensitive).
func FindColumn(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// AuditRecord is one immutable entry of the audit ledger.
type AuditRecord struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Operation  Operation `json:"operation"`
	Target     string    `json:"target"`
	Detail     string    `json:"detail"` // JSON object
	Status     Status    `json:"status"`
	PrevHash   string    `json:"prev_hash"`
	RecordHash string    `json:"record_hash"`
}

// Snapshot describes an immutable point-in-time copy of a table kept inside
// the same database.
type Snapshot struct {
	Name         string    `json:"name"`
	SourceTable  string    `json:"source_table"`
	StorageTable string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	Comment      string    `json:"comment,omitempty"`
	RowCount     int64     `json:"row_count"`
	Columns      []Column  `json:"columns"`
	Definition   string    `json:"-"` // CREATE TABLE statement of the source
	Indexes      []string  `json:"-"` // CREATE INDEX statements captured with the copy
	Triggers     []string  `json:"-"` // CREATE TRIGGER statements captured with the copy
}

// Algorithm names a fingerprint digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// Scope selects what a fingerprint covers.
type Scope string

const (
	ScopeData          Scope = "data"
	ScopeDataAndSchema Scope = "data+schema"
)

// Fingerprint is a deterministic digest of a table's logical content. It is
// handed to the caller and never persisted by the core.
type Fingerprint struct {
	Table           string    `json:"table"`
	Algorithm       Algorithm `json:"algorithm"`
	Salt            string    `json:"salt,omitempty"`
	ExcludedColumns []string  `json:"excluded_columns,omitempty"`
	Scope           Scope     `json:"scope"`
	Rows            int64     `json:"rows"`
	Value           string    `json:"value"`
}

// RestoreReport describes the effect of restoring a table from a snapshot.
// ColumnsAdded and ColumnsRemoved are relative to the live table: columns the
// restore brings back and columns it drops.
type RestoreReport struct {
	Table              string   `json:"table"`
	Snapshot           string   `json:"snapshot"`
	DryRun             bool     `json:"dry_run"`
	RowsBefore         int64    `json:"rows_before"`
	RowsAfter          int64    `json:"rows_after"`
	ColumnsAdded       []string `json:"columns_added"`
	ColumnsRemoved     []string `json:"columns_removed"`
	TypeChanges        []string `json:"type_changes,omitempty"`
	RowsOnlyInLive     int64    `json:"rows_only_in_live"`
	RowsOnlyInSnapshot int64    `json:"rows_only_in_snapshot"`
	// ReferencedBy lists tables whose foreign keys point at the live table.
	// A restore refuses to run while any exist.
	ReferencedBy []string `json:"referenced_by,omitempty"`
}

// ColumnDrift is the two-sample test result for one numeric column.
type ColumnDrift struct {
	Column       string  `json:"column"`
	Test         string  `json:"test"`
	Statistic    float64 `json:"statistic"`
	PValue       float64 `json:"p_value"`
	Drifted      bool    `json:"drifted"`
	Insufficient bool    `json:"insufficient,omitempty"`
	NCurrent     int     `json:"n_current"`
	NBaseline    int     `json:"n_baseline"`
}

// DriftReport compares the numeric columns of a table with a baseline
// snapshot. DriftDetected is a verdict, not an error.
type DriftReport struct {
	Table         string        `json:"table"`
	Baseline      string        `json:"baseline"`
	Threshold     float64       `json:"threshold"`
	Columns       []ColumnDrift `json:"columns"`
	DriftDetected bool          `json:"drift_detected"`
}
