// Package ledger implements the append-only audit ledger kept in the reserved
// _wi_audit_ledger table of the managed database.
//
// Records are written inside the caller's transaction so a mutation and its
// ledger entry commit or roll back together. Each record is hash-chained to
// its predecessor; VerifyChain detects edits made behind the triggers' back.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"wi-go/internal/wi"
)

const (
	// Table is the reserved ledger table.
	Table = "_wi_audit_ledger"

	// GenesisHash is the prev_hash of the first record.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

	// DefaultLimit caps Query when no limit is given.
	DefaultLimit = 50

	recordDomain = "wi/audit-record/v1"

	// Fixed-width UTC layout: lexical order equals chronological order.
	timestampLayout = "2006-01-02T15:04:05.000000000Z"
)

var subject = wi.TableSubject(Table)

// Entry is the caller-supplied part of an audit record.
type Entry struct {
	Actor     string
	Operation wi.Operation
	Target    string
	Detail    map[string]any
	Status    wi.Status // defaults to success
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	Actor     string
	Operation wi.Operation
	Target    string
	Since     time.Time
	Limit     int
}

// ChainReport is the outcome of walking the hash chain.
type ChainReport struct {
	Records  int64  `json:"records"`
	Head     string `json:"head"`
	Intact   bool   `json:"intact"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Ledger appends and reads audit records.
type Ledger struct {
	clock  wi.Clock
	logger wi.Logger
}

func New(clock wi.Clock, logger wi.Logger) *Ledger {
	if clock == nil {
		clock = wi.RealClock{}
	}
	if logger == nil {
		logger = wi.NewNopLogger()
	}
	return &Ledger{clock: clock, logger: logger}
}

// Record appends an entry inside tx and returns the new record id. It never
// opens or commits a transaction; any error means the caller must roll back.
func (l *Ledger) Record(ctx context.Context, tx wi.Tx, e Entry) (int64, error) {
	if !e.Operation.Valid() {
		return 0, wi.Ef(wi.ErrTransactionFailure, subject, "unknown operation %q", e.Operation)
	}
	if e.Status == "" {
		e.Status = wi.StatusSuccess
	}
	if !e.Status.Valid() {
		return 0, wi.Ef(wi.ErrTransactionFailure, subject, "unknown status %q", e.Status)
	}
	if strings.TrimSpace(e.Actor) == "" {
		return 0, wi.Ef(wi.ErrTransactionFailure, subject, "actor required")
	}

	detail, err := encodeDetail(e.Detail)
	if err != nil {
		return 0, wi.E(wi.ErrTransactionFailure, subject, err)
	}

	prev, err := head(ctx, tx)
	if err != nil {
		return 0, wi.E(wi.ErrTransactionFailure, subject, err)
	}

	rec := wi.AuditRecord{
		Timestamp: l.clock.Now().UTC(),
		Actor:     norm.NFC.String(e.Actor),
		Operation: e.Operation,
		Target:    norm.NFC.String(e.Target),
		Detail:    detail,
		Status:    e.Status,
		PrevHash:  prev,
	}
	ts := rec.Timestamp.Format(timestampLayout)
	rec.RecordHash = recordHash(rec, ts)

	res, err := tx.Exec(ctx, `INSERT INTO `+Table+`
		(timestamp, actor, operation, target, detail, status, prev_hash, record_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, rec.Actor, string(rec.Operation), rec.Target, rec.Detail, string(rec.Status), rec.PrevHash, rec.RecordHash)
	if err != nil {
		return 0, wi.E(wi.ErrTransactionFailure, subject, fmt.Errorf("appending record: %w", err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, wi.E(wi.ErrTransactionFailure, subject, fmt.Errorf("reading record id: %w", err))
	}

	l.logger.Debug("audit record appended", "id", id, "operation", rec.Operation, "target", rec.Target)
	return id, nil
}

// Query returns matching records, newest first.
func (l *Ledger) Query(ctx context.Context, r wi.Reader, f Filter) ([]wi.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, norm.NFC.String(f.Actor))
	}
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, string(f.Operation))
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, norm.NFC.String(f.Target))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(timestampLayout))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	q := "SELECT " + recordColumns + " FROM " + Table
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT " + strconv.Itoa(limit)

	rows, err := r.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit ledger: %w", err)
	}
	defer rows.Close()

	var records []wi.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying audit ledger: %w", err)
	}
	return records, nil
}

// Head returns the hash of the newest record, or GenesisHash for an empty
// ledger.
func (l *Ledger) Head(ctx context.Context, r wi.Reader) (string, error) {
	return head(ctx, r)
}

// VerifyChain walks every record oldest first, checking each link and
// recomputing each record hash. A broken chain is a verdict, not an error.
func (l *Ledger) VerifyChain(ctx context.Context, r wi.Reader) (*ChainReport, error) {
	rows, err := r.Query(ctx, "SELECT "+recordColumns+" FROM "+Table+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("reading audit ledger: %w", err)
	}
	defer rows.Close()

	report := &ChainReport{Head: GenesisHash, Intact: true}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		report.Records++

		if report.Intact {
			switch {
			case rec.PrevHash != report.Head:
				report.Intact = false
				report.BrokenAt = rec.ID
				report.Reason = "prev_hash does not match preceding record"
			case recordHash(rec, rec.Timestamp.Format(timestampLayout)) != rec.RecordHash:
				report.Intact = false
				report.BrokenAt = rec.ID
				report.Reason = "record_hash does not match record content"
			}
		}
		report.Head = rec.RecordHash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading audit ledger: %w", err)
	}

	if !report.Intact {
		l.logger.Warn("audit chain broken", "record", report.BrokenAt, "reason", report.Reason)
	}
	return report, nil
}

const recordColumns = "id, timestamp, actor, operation, target, detail, status, prev_hash, record_hash"

func scanRecord(rows *sql.Rows) (wi.AuditRecord, error) {
	var (
		rec         wi.AuditRecord
		ts, op, st string
	)
	if err := rows.Scan(&rec.ID, &ts, &rec.Actor, &op, &rec.Target, &rec.Detail, &st, &rec.PrevHash, &rec.RecordHash); err != nil {
		return rec, fmt.Errorf("scanning audit record: %w", err)
	}
	t, err := time.Parse(timestampLayout, ts)
	if err != nil {
		return rec, fmt.Errorf("parsing timestamp of audit record %d: %w", rec.ID, err)
	}
	rec.Timestamp = t
	rec.Operation = wi.Operation(op)
	rec.Status = wi.Status(st)
	return rec, nil
}

func head(ctx context.Context, r wi.Reader) (string, error) {
	var h string
	err := r.QueryRow(ctx, "SELECT record_hash FROM "+Table+" ORDER BY id DESC LIMIT 1").Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading ledger head: %w", err)
	}
	return h, nil
}

func encodeDetail(detail map[string]any) (string, error) {
	if len(detail) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("encoding detail: %w", err)
	}
	return string(b), nil
}

// recordHash is SHA256(domain 0x00 fields...) over length-prefixed fields.
// The id is excluded: it is assigned by the engine after hashing.
func recordHash(rec wi.AuditRecord, ts string) string {
	h := sha256.New()
	h.Write([]byte(recordDomain))
	h.Write([]byte{0x00})
	for _, f := range []string{
		rec.PrevHash,
		ts,
		rec.Actor,
		string(rec.Operation),
		rec.Target,
		rec.Detail,
		string(rec.Status),
	} {
		writeField(h, f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	h.Write([]byte(strconv.Itoa(len(s))))
	h.Write([]byte{':'})
	h.Write([]byte(s))
}
