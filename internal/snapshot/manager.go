// Package snapshot keeps point-in-time copies of user tables inside the
// managed database and restores tables from them.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wi-go/internal/wi"
)

const (
	// Table holds snapshot metadata.
	Table = "_wi_snapshots"

	storagePrefix = wi.ReservedPrefix + "snap_"

	timestampLayout = "2006-01-02T15:04:05.000000000Z"
)

// RestoreOptions control Restore.
type RestoreOptions struct {
	// DryRun computes the report without touching the live table.
	DryRun bool
	// Force restores even when a shared column's declared type changed. It
	// never overrides a foreign key reference from another table.
	Force bool
}

// Manager creates, lists and restores snapshots. It holds no state beyond its
// collaborators; every call runs against the reader or transaction it is
// given.
type Manager struct {
	clock  wi.Clock
	ids    wi.IDGenerator
	logger wi.Logger
}

func NewManager(clock wi.Clock, ids wi.IDGenerator, logger wi.Logger) *Manager {
	if clock == nil {
		clock = wi.RealClock{}
	}
	if ids == nil {
		ids = wi.UUIDGenerator{}
	}
	if logger == nil {
		logger = wi.NewNopLogger()
	}
	return &Manager{clock: clock, ids: ids, logger: logger}
}

// Get returns the named snapshot.
func (m *Manager) Get(ctx context.Context, r wi.Reader, name string) (*wi.Snapshot, error) {
	row := r.QueryRow(ctx, "SELECT "+metaColumns+" FROM "+Table+" WHERE name = ?", name)
	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wi.Ef(wi.ErrNotFound, wi.SnapshotSubject(name), "no such snapshot")
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// List returns snapshots oldest first. A non-empty table restricts the list
// to snapshots of that table.
func (m *Manager) List(ctx context.Context, r wi.Reader, table string) ([]wi.Snapshot, error) {
	q := "SELECT " + metaColumns + " FROM " + Table
	var args []any
	if table != "" {
		q += " WHERE source_table = ? COLLATE NOCASE"
		args = append(args, table)
	}
	q += " ORDER BY created_at, name"

	rows, err := r.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []wi.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snaps, nil
}

// ReadSnapshotRows streams rows of the snapshot copy, like wi.Reader.ReadRows
// does for live tables.
func (m *Manager) ReadSnapshotRows(ctx context.Context, r wi.Reader, snap *wi.Snapshot, projection, ordering []string) (*sql.Rows, error) {
	return r.ReadRows(ctx, snap.StorageTable, projection, ordering)
}

const metaColumns = "name, source_table, storage_table, created_at, comment, row_count, columns, indexes, definition, triggers"

func scanSnapshot(scan func(dest ...any) error) (*wi.Snapshot, error) {
	var (
		snap               wi.Snapshot
		ts, cols, idx, trg string
	)
	if err := scan(&snap.Name, &snap.SourceTable, &snap.StorageTable, &ts, &snap.Comment, &snap.RowCount, &cols, &idx, &snap.Definition, &trg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("reading snapshot metadata: %w", err)
	}

	t, err := time.Parse(timestampLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at of snapshot %s: %w", snap.Name, err)
	}
	snap.CreatedAt = t

	if err := json.Unmarshal([]byte(cols), &snap.Columns); err != nil {
		return nil, fmt.Errorf("decoding columns of snapshot %s: %w", snap.Name, err)
	}
	if err := json.Unmarshal([]byte(idx), &snap.Indexes); err != nil {
		return nil, fmt.Errorf("decoding indexes of snapshot %s: %w", snap.Name, err)
	}
	if err := json.Unmarshal([]byte(trg), &snap.Triggers); err != nil {
		return nil, fmt.Errorf("decoding triggers of snapshot %s: %w", snap.Name, err)
	}
	return &snap, nil
}

// tableName resolves table to its stored spelling.
func tableName(ctx context.Context, r wi.Reader, table string) (string, error) {
	var name string
	err := r.QueryRow(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE", table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", wi.Ef(wi.ErrNotFound, wi.TableSubject(table), "no such table")
	}
	if err != nil {
		return "", fmt.Errorf("resolving table %s: %w", table, err)
	}
	return name, nil
}

func countRows(ctx context.Context, r wi.Reader, table string) (int64, error) {
	var n int64
	if err := r.QueryRow(ctx, "SELECT COUNT(*) FROM "+wi.QuoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows of %s: %w", table, err)
	}
	return n, nil
}

func quoteColumns(cols []wi.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = wi.QuoteIdent(c.Name)
	}
	return strings.Join(names, ", ")
}
