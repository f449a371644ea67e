package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"wi-go/internal/wi"
)

// Create copies source into a hidden storage table inside tx and records the
// snapshot under name. The copy is complete before Create returns; nothing is
// shared with the live table.
func (m *Manager) Create(ctx context.Context, tx wi.Tx, source, name, comment string) (*wi.Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("snapshot name required")
	}
	if wi.IsReserved(source) {
		return nil, wi.Ef(wi.ErrNotFound, wi.TableSubject(source), "not a user table")
	}

	source, err := tableName(ctx, tx, source)
	if err != nil {
		return nil, err
	}
	cols, err := tx.TableSchema(ctx, source)
	if err != nil {
		return nil, err
	}

	var taken int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+Table+" WHERE name = ?", name).Scan(&taken); err != nil {
		return nil, fmt.Errorf("checking snapshot name: %w", err)
	}
	if taken > 0 {
		return nil, wi.Ef(wi.ErrNameConflict, wi.SnapshotSubject(name), "snapshot already exists")
	}

	var definition string
	if err := tx.QueryRow(ctx, "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", source).Scan(&definition); err != nil {
		return nil, fmt.Errorf("reading definition of %s: %w", source, err)
	}
	indexes, err := captureSchema(ctx, tx, "index", source)
	if err != nil {
		return nil, err
	}
	triggers, err := captureSchema(ctx, tx, "trigger", source)
	if err != nil {
		return nil, err
	}

	storage := storagePrefix + m.ids.New()

	// Declared types only: affinity is kept so values copy back unchanged,
	// constraints are not, so the copy accepts whatever the live table held.
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = strings.TrimSpace(wi.QuoteIdent(c.Name) + " " + c.Type)
	}
	if _, err := tx.Exec(ctx, "CREATE TABLE "+wi.QuoteIdent(storage)+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return nil, fmt.Errorf("creating storage for snapshot %s: %w", name, err)
	}

	list := quoteColumns(cols)
	if _, err := tx.Exec(ctx, "INSERT INTO "+wi.QuoteIdent(storage)+" ("+list+") SELECT "+list+" FROM "+wi.QuoteIdent(source)); err != nil {
		return nil, fmt.Errorf("copying %s into snapshot %s: %w", source, name, err)
	}

	count, err := countRows(ctx, tx, storage)
	if err != nil {
		return nil, err
	}

	snap := &wi.Snapshot{
		Name:         name,
		SourceTable:  source,
		StorageTable: storage,
		CreatedAt:    m.clock.Now().UTC(),
		Comment:      comment,
		RowCount:     count,
		Columns:      cols,
		Definition:   definition,
		Indexes:      indexes,
		Triggers:     triggers,
	}

	colsJSON, err := json.Marshal(snap.Columns)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot columns: %w", err)
	}
	idxJSON, err := json.Marshal(snap.Indexes)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot indexes: %w", err)
	}

	trgJSON, err := json.Marshal(snap.Triggers)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot triggers: %w", err)
	}

	_, err = tx.Exec(ctx, "INSERT INTO "+Table+" ("+metaColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		snap.Name, snap.SourceTable, snap.StorageTable, snap.CreatedAt.Format(timestampLayout),
		snap.Comment, snap.RowCount, string(colsJSON), string(idxJSON), snap.Definition, string(trgJSON))
	if err != nil {
		return nil, fmt.Errorf("recording snapshot %s: %w", name, err)
	}

	m.logger.Info("snapshot created", "snapshot", name, "table", source, "rows", count)
	return snap, nil
}

// captureSchema returns the CREATE statements of the explicit indexes or
// triggers on table. Automatic indexes have no SQL; the table definition
// re-creates them.
func captureSchema(ctx context.Context, r wi.Reader, kind, table string) ([]string, error) {
	rows, err := r.Query(ctx,
		"SELECT sql FROM sqlite_master WHERE type = ? AND tbl_name = ? AND sql IS NOT NULL ORDER BY name", kind, table)
	if err != nil {
		return nil, fmt.Errorf("reading %ss of %s: %w", kind, table, err)
	}
	defer rows.Close()

	stmts := []string{}
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return nil, fmt.Errorf("reading %ss of %s: %w", kind, table, err)
		}
		stmts = append(stmts, stmt)
	}
	return stmts, rows.Err()
}
