package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"wi-go/internal/wi"
)

// Restore replaces table with the content of the named snapshot inside tx.
//
// The report is computed first. With DryRun nothing is written. Otherwise the
// live table is dropped, re-created from its captured CREATE TABLE statement,
// filled from the snapshot and given back its captured indexes and triggers.
// Every step runs in tx, so any failure leaves the live table as it was.
//
// A table other tables reference through foreign keys is never restored:
// dropping it would run their ON DELETE actions.
func (m *Manager) Restore(ctx context.Context, tx wi.Tx, table, name string, opts RestoreOptions) (*wi.RestoreReport, error) {
	snap, err := m.Get(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(snap.SourceTable, table) {
		return nil, wi.Ef(wi.ErrNotFound, wi.SnapshotSubject(name), "snapshot belongs to table %q, not %q", snap.SourceTable, table)
	}

	report, live, err := m.diff(ctx, tx, snap)
	if err != nil {
		return nil, err
	}
	report.DryRun = opts.DryRun

	if len(report.TypeChanges) > 0 && !opts.Force && !opts.DryRun {
		return nil, wi.Ef(wi.ErrSchemaIncompatible, wi.TableSubject(table),
			"column types changed since snapshot %s (%s); use force to restore anyway",
			name, strings.Join(report.TypeChanges, ", "))
	}
	if live != "" {
		if report.ReferencedBy, err = referencingTables(ctx, tx, live); err != nil {
			return nil, err
		}
	}
	if len(report.ReferencedBy) > 0 && !opts.DryRun {
		return nil, wi.Ef(wi.ErrSchemaIncompatible, wi.TableSubject(table),
			"table is referenced by foreign keys from %s; restoring would cascade into them",
			strings.Join(report.ReferencedBy, ", "))
	}
	if opts.DryRun {
		return report, nil
	}

	target := snap.SourceTable
	if live != "" {
		target = live
	}
	if err := rebuild(ctx, tx, snap, target); err != nil {
		return nil, err
	}

	after, err := countRows(ctx, tx, target)
	if err != nil {
		return nil, err
	}
	report.RowsAfter = after

	m.logger.Info("table restored", "table", target, "snapshot", name,
		"rows_before", report.RowsBefore, "rows_after", report.RowsAfter)
	return report, nil
}

// diff compares the live table (if any) with the snapshot. It returns the
// live table's stored name, or "" when it no longer exists.
func (m *Manager) diff(ctx context.Context, r wi.Reader, snap *wi.Snapshot) (*wi.RestoreReport, string, error) {
	report := &wi.RestoreReport{
		Table:          snap.SourceTable,
		Snapshot:       snap.Name,
		RowsAfter:      snap.RowCount,
		ColumnsAdded:   []string{},
		ColumnsRemoved: []string{},
	}

	exists, err := r.TableExists(ctx, snap.SourceTable)
	if err != nil {
		return nil, "", err
	}
	if !exists {
		for _, c := range snap.Columns {
			report.ColumnsAdded = append(report.ColumnsAdded, c.Name)
		}
		report.RowsOnlyInSnapshot = snap.RowCount
		return report, "", nil
	}

	live, err := tableName(ctx, r, snap.SourceTable)
	if err != nil {
		return nil, "", err
	}
	liveCols, err := r.TableSchema(ctx, live)
	if err != nil {
		return nil, "", err
	}
	if report.RowsBefore, err = countRows(ctx, r, live); err != nil {
		return nil, "", err
	}

	var shared []wi.Column
	for _, c := range snap.Columns {
		lc, ok := wi.FindColumn(liveCols, c.Name)
		if !ok {
			report.ColumnsAdded = append(report.ColumnsAdded, c.Name)
			continue
		}
		shared = append(shared, c)
		if lc.NormalizedType() != c.NormalizedType() {
			report.TypeChanges = append(report.TypeChanges,
				fmt.Sprintf("%s: %s -> %s", c.Name, typeLabel(lc), typeLabel(c)))
		}
	}
	for _, lc := range liveCols {
		if _, ok := wi.FindColumn(snap.Columns, lc.Name); !ok {
			report.ColumnsRemoved = append(report.ColumnsRemoved, lc.Name)
		}
	}
	sort.Strings(report.ColumnsAdded)
	sort.Strings(report.ColumnsRemoved)

	if len(shared) == 0 {
		report.RowsOnlyInLive = report.RowsBefore
		report.RowsOnlyInSnapshot = snap.RowCount
		return report, live, nil
	}

	// Distinct rows over the shared columns present on one side only.
	list := quoteColumns(shared)
	except := func(a, b string) (int64, error) {
		var n int64
		q := "SELECT COUNT(*) FROM (SELECT " + list + " FROM " + wi.QuoteIdent(a) +
			" EXCEPT SELECT " + list + " FROM " + wi.QuoteIdent(b) + ")"
		if err := r.QueryRow(ctx, q).Scan(&n); err != nil {
			return 0, fmt.Errorf("comparing %s with snapshot %s: %w", live, snap.Name, err)
		}
		return n, nil
	}
	if report.RowsOnlyInLive, err = except(live, snap.StorageTable); err != nil {
		return nil, "", err
	}
	if report.RowsOnlyInSnapshot, err = except(snap.StorageTable, live); err != nil {
		return nil, "", err
	}
	return report, live, nil
}

// rebuild drops target and re-creates it from the snapshot. Triggers come
// back after the copy so the copy never fires them.
func rebuild(ctx context.Context, tx wi.Tx, snap *wi.Snapshot, target string) error {
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+wi.QuoteIdent(target)); err != nil {
		return fmt.Errorf("dropping %s: %w", target, err)
	}

	ddl := snap.Definition
	if ddl == "" {
		// Snapshots taken before definitions were captured.
		ddl = "CREATE TABLE " + wi.QuoteIdent(target) + " (" + tableDefinition(snap.Columns) + ")"
	}
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("re-creating %s: %w", target, err)
	}

	list := quoteColumns(snap.Columns)
	if _, err := tx.Exec(ctx, "INSERT INTO "+wi.QuoteIdent(target)+" ("+list+") SELECT "+list+" FROM "+wi.QuoteIdent(snap.StorageTable)); err != nil {
		return fmt.Errorf("copying snapshot %s: %w", snap.Name, err)
	}

	for _, stmt := range snap.Indexes {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("re-creating index on %s: %w", target, err)
		}
	}
	for _, stmt := range snap.Triggers {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("re-creating trigger on %s: %w", target, err)
		}
	}
	return nil
}

// referencingTables lists the other tables with a foreign key to table.
func referencingTables(ctx context.Context, r wi.Reader, table string) ([]string, error) {
	rows, err := r.Query(ctx, `SELECT DISTINCT m.name FROM sqlite_master AS m, pragma_foreign_key_list(m.name) AS f
		WHERE m.type = 'table' AND f."table" = ? COLLATE NOCASE AND m.name <> ? COLLATE NOCASE
		ORDER BY m.name`, table, table)
	if err != nil {
		return nil, fmt.Errorf("reading foreign keys to %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("reading foreign keys to %s: %w", table, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// tableDefinition renders columns with their declared type, NOT NULL and
// the primary key in key order.
func tableDefinition(cols []wi.Column) string {
	defs := make([]string, 0, len(cols)+1)
	var pk []wi.Column
	for _, c := range cols {
		def := strings.TrimSpace(wi.QuoteIdent(c.Name) + " " + c.Type)
		if c.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		if c.PK > 0 {
			pk = append(pk, c)
		}
	}
	if len(pk) > 0 {
		sort.Slice(pk, func(i, j int) bool { return pk[i].PK < pk[j].PK })
		defs = append(defs, "PRIMARY KEY ("+quoteColumns(pk)+")")
	}
	return strings.Join(defs, ", ")
}

func typeLabel(c wi.Column) string {
	if t := c.NormalizedType(); t != "" {
		return t
	}
	return "(none)"
}
