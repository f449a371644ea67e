package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wi-go/internal/config"
	"wi-go/internal/coordinator"
	"wi-go/internal/database"
	"wi-go/internal/database/migrations"
	"wi-go/internal/encryption"
	wifs "wi-go/internal/fs"
	"wi-go/internal/integrity"
	"wi-go/internal/ledger"
	"wi-go/internal/snapshot"
	"wi-go/internal/wi"
)

// sessionStore is the store a session runs against: the storage interface
// plus the file-level maintenance the SQLite store offers.
type sessionStore interface {
	wi.Store
	BackupTo(ctx context.Context, dst string) error
	IntegrityCheck(ctx context.Context, quick bool) ([]string, error)
}

// WIApp is the application layer between the CLI and the core components.
// It is the explicit session handle: it owns the open database, builds every
// component from config, and runs each mutation together with its ledger
// entry in one transaction. The caller must call Close when done.
type WIApp struct {
	cfg       *config.Config
	store     sessionStore
	ledger    *ledger.Ledger
	hasher    *integrity.Hasher
	snapshots *snapshot.Manager
	vault     *encryption.Vault
	coord     *coordinator.Coordinator
	logger    wi.Logger
	logFile   *os.File
}

// NewWIApp opens the configured database, provisioning the reserved tables on
// first touch, and wires the components. Log records go to the configured
// log directory; verbose also echoes them to stderr.
func NewWIApp(cfg *config.Config, verbose bool) (*WIApp, error) {
	if cfg.Actor == "" {
		return nil, fmt.Errorf("no actor configured")
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger, logFile, err := newLogger(cfg.LogDir, opID, level, verbose)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	store, err := database.NewStoreFromConfig(cfg.Database)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a, err := newWIApp(cfg, store, wi.RealClock{}, wi.UUIDGenerator{}, &slogAdapter{l: logger})
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

func newWIApp(cfg *config.Config, store sessionStore, clock wi.Clock, ids wi.IDGenerator, logger wi.Logger) (*WIApp, error) {
	vault, err := encryption.NewVaultFromConfig(cfg.Encryption, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	l := ledger.New(clock, logger)
	hasher := integrity.New(logger)
	snaps := snapshot.NewManager(clock, ids, logger)

	return &WIApp{
		cfg:       cfg,
		store:     store,
		ledger:    l,
		hasher:    hasher,
		snapshots: snaps,
		vault:     vault,
		coord:     coordinator.New(hasher, snaps, l, clock, logger),
		logger:    logger,
	}, nil
}

// Close closes the database and the log file.
func (a *WIApp) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// mutate runs fn and the ledger append for m in one transaction. Either both
// commit or neither does.
func (a *WIApp) mutate(ctx context.Context, m *Mutation, fn func(tx wi.Tx) error) error {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if _, err := a.ledger.Record(ctx, tx, m.Entry(a.cfg.Actor, wi.StatusSuccess)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	a.logger.Info("mutation committed", "operation", m.Operation, "target", m.Target)
	return nil
}

// securityEvent journals an event no committed mutation covers, in its own
// transaction. It is best-effort: a failure is logged and never returned, so it cannot
// mask the error that triggered it.
func (a *WIApp) securityEvent(ctx context.Context, m *Mutation, status wi.Status) {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		a.logger.Error("journaling security event", "operation", m.Operation, "error", err)
		return
	}
	defer tx.Rollback()

	if _, err := a.ledger.Record(ctx, tx, m.Entry(a.cfg.Actor, status)); err != nil {
		a.logger.Error("journaling security event", "operation", m.Operation, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		a.logger.Error("journaling security event", "operation", m.Operation, "error", err)
	}
}

// authFailed journals err when it is an authentication failure.
func (a *WIApp) authFailed(ctx context.Context, target string, op wi.Operation, err error) {
	if !errors.Is(err, wi.ErrAuthenticationFailure) {
		return
	}
	a.securityEvent(ctx, NewMutation(wi.OpAuthFailure, target).Set("operation", string(op)).Set("error", err.Error()), wi.StatusFailure)
}

// ProvisionResult describes the managed state of the session database.
type ProvisionResult struct {
	Path          string `json:"path"`
	SchemaVersion uint   `json:"schema_version"`
	Journaled     bool   `json:"journaled"` // true when this call recorded the provisioning
}

// Provision makes sure the session database is managed. The reserved tables
// are created when the session opens; the first call also journals the
// provisioning. Later calls change nothing.
func (a *WIApp) Provision(ctx context.Context) (*ProvisionResult, error) {
	res := &ProvisionResult{Path: a.store.Path()}

	v, err := migrations.LatestVersion()
	if err != nil {
		return nil, err
	}
	res.SchemaVersion = v

	existing, err := a.ledger.Query(ctx, a.store, ledger.Filter{Operation: wi.OpDatabaseProvision, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return res, nil
	}

	m := NewMutation(wi.OpDatabaseProvision, a.store.Path()).Set("schema_version", v)
	if err := a.mutate(ctx, m, func(wi.Tx) error { return nil }); err != nil {
		return nil, err
	}
	res.Journaled = true
	return res, nil
}

// IntegrityCheck runs the engine's consistency check on the session database.
func (a *WIApp) IntegrityCheck(ctx context.Context, quick bool) ([]string, error) {
	return a.store.IntegrityCheck(ctx, quick)
}

// Log returns ledger records, newest first.
func (a *WIApp) Log(ctx context.Context, f ledger.Filter) ([]wi.AuditRecord, error) {
	return a.ledger.Query(ctx, a.store, f)
}

// VerifyChain walks the ledger hash chain.
func (a *WIApp) VerifyChain(ctx context.Context) (*ledger.ChainReport, error) {
	return a.ledger.VerifyChain(ctx, a.store)
}

// HashOptions are the user-facing fingerprint parameters. Empty fields fall
// back to the configured defaults.
type HashOptions struct {
	Algorithm string
	Scope     string
	Salt      string
	Exclude   []string
	ChunkSize int
}

func (a *WIApp) hashOptions(o HashOptions, inferAlgorithm bool) (integrity.Options, error) {
	var opts integrity.Options

	alg := o.Algorithm
	if alg == "" && !inferAlgorithm {
		alg = a.cfg.Hashing.Algorithm
	}
	if alg != "" {
		parsed, err := integrity.ParseAlgorithm(alg)
		if err != nil {
			return opts, err
		}
		opts.Algorithm = parsed
	}

	scope := o.Scope
	if scope == "" {
		scope = a.cfg.Hashing.Scope
	}
	parsed, err := integrity.ParseScope(scope)
	if err != nil {
		return opts, err
	}
	opts.Scope = parsed

	opts.Salt = o.Salt
	opts.Exclude = o.Exclude
	opts.ChunkSize = o.ChunkSize
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = a.cfg.Hashing.ChunkSize
	}
	return opts, nil
}

// HashCreate fingerprints table.
func (a *WIApp) HashCreate(ctx context.Context, table string, o HashOptions) (*wi.Fingerprint, error) {
	opts, err := a.hashOptions(o, false)
	if err != nil {
		return nil, err
	}
	return a.hasher.Fingerprint(ctx, a.store, table, opts)
}

// HashVerify compares table with an expected digest. Without an explicit
// algorithm it is inferred from the digest length.
func (a *WIApp) HashVerify(ctx context.Context, table, expected string, o HashOptions) (*integrity.VerifyResult, error) {
	opts, err := a.hashOptions(o, true)
	if err != nil {
		return nil, err
	}
	return a.hasher.Verify(ctx, a.store, table, expected, opts)
}

// ReportOptions are the user-facing certificate parameters.
type ReportOptions struct {
	Strict  bool
	Format  string
	Signer  string // defaults to the configured signer
	KeyFile string // defaults to the configured signing key
	Hash    HashOptions

	// ExcludeTables only applies to chain-of-custody certificates.
	ExcludeTables []string
}

func (a *WIApp) signer(o ReportOptions) (string, string) {
	signer, keyFile := o.Signer, o.KeyFile
	if signer == "" {
		signer = a.cfg.Signing.Signer
	}
	if signer == "" {
		signer = a.cfg.Actor
	}
	if keyFile == "" {
		keyFile = a.cfg.Signing.KeyFile
	}
	return signer, keyFile
}

// VerifyReport verifies table against expected and renders a certificate.
func (a *WIApp) VerifyReport(ctx context.Context, table, expected string, o ReportOptions) (*coordinator.Certificate, []byte, error) {
	signer, keyFile := a.signer(o)
	return a.coord.VerifyWithReport(ctx, a.store, table, expected, coordinator.ReportOptions{
		Database:  a.store.Path(),
		Strict:    o.Strict,
		Salt:      o.Hash.Salt,
		Exclude:   o.Hash.Exclude,
		ChunkSize: o.Hash.ChunkSize,
		Format:    o.Format,
		Signer:    signer,
		KeyFile:   keyFile,
	})
}

// ExportCertificate renders a chain-of-custody certificate for the session
// database.
func (a *WIApp) ExportCertificate(ctx context.Context, o ReportOptions) (*coordinator.Certificate, []byte, error) {
	opts, err := a.hashOptions(o.Hash, false)
	if err != nil {
		return nil, nil, err
	}
	signer, keyFile := a.signer(o)
	return a.coord.ChainOfCustody(ctx, a.store, coordinator.CustodyOptions{
		Database:  a.store.Path(),
		Algorithm: opts.Algorithm,
		Format:    o.Format,
		Signer:    signer,
		KeyFile:   keyFile,

		ExcludeTables: o.ExcludeTables,
	})
}

// DriftCheck compares table with a baseline snapshot. A zero threshold uses
// the configured default.
func (a *WIApp) DriftCheck(ctx context.Context, table, baseline string, threshold float64) (*wi.DriftReport, error) {
	if threshold == 0 {
		threshold = a.cfg.Drift.Threshold
	}
	return a.coord.Drift(ctx, a.store, table, baseline, threshold)
}

// Snapshot copies table into a named snapshot.
func (a *WIApp) Snapshot(ctx context.Context, table, name, comment string) (*wi.Snapshot, error) {
	var snap *wi.Snapshot
	m := NewMutation(wi.OpSnapshotCreate, table).Set("snapshot", name)
	err := a.mutate(ctx, m, func(tx wi.Tx) error {
		var err error
		snap, err = a.snapshots.Create(ctx, tx, table, name, comment)
		if err != nil {
			return err
		}
		m.Set("rows", snap.RowCount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshots lists snapshots, optionally only those of one table.
func (a *WIApp) Snapshots(ctx context.Context, table string) ([]wi.Snapshot, error) {
	return a.snapshots.List(ctx, a.store, table)
}

// Rollback restores table from a snapshot. A dry run computes the report in
// a transaction that is always rolled back and is not journaled.
func (a *WIApp) Rollback(ctx context.Context, table, name string, opts snapshot.RestoreOptions) (*wi.RestoreReport, error) {
	if opts.DryRun {
		tx, err := a.store.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		return a.snapshots.Restore(ctx, tx, table, name, opts)
	}

	var report *wi.RestoreReport
	m := NewMutation(wi.OpSnapshotRestore, table).Set("snapshot", name).Set("force", opts.Force)
	err := a.mutate(ctx, m, func(tx wi.Tx) error {
		var err error
		report, err = a.snapshots.Restore(ctx, tx, table, name, opts)
		if err != nil {
			return err
		}
		m.Set("rows_before", report.RowsBefore).
			Set("rows_after", report.RowsAfter).
			Set("columns_added", report.ColumnsAdded).
			Set("columns_removed", report.ColumnsRemoved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// EncryptColumn encrypts table.column in place.
func (a *WIApp) EncryptColumn(ctx context.Context, table, column string, ks encryption.KeySource) (*encryption.ColumnResult, error) {
	var res *encryption.ColumnResult
	m := NewMutation(wi.OpColumnEncrypt, table+"."+column)
	err := a.mutate(ctx, m, func(tx wi.Tx) error {
		var err error
		res, err = a.vault.EncryptColumn(ctx, tx, table, column, ks)
		if err != nil {
			return err
		}
		m.Set("cells", res.Encrypted).Set("skipped", res.Skipped).Set("key", keyKind(ks))
		if res.KeyGenerated {
			return a.recordKeyGenerated(ctx, tx, ks.KeyFile)
		}
		return nil
	})
	if err != nil {
		if res != nil && res.KeyGenerated {
			a.securityEvent(ctx, NewMutation(wi.OpKeyGenerate, ks.KeyFile), wi.StatusSuccess)
		}
		return nil, err
	}
	return res, nil
}

// DecryptColumn decrypts table.column in place. Cells that fail
// authentication stay encrypted; the others are committed. When any cell
// fails the result is returned together with an authentication failure.
func (a *WIApp) DecryptColumn(ctx context.Context, table, column string, ks encryption.KeySource) (*encryption.ColumnResult, error) {
	var res *encryption.ColumnResult
	target := table + "." + column
	m := NewMutation(wi.OpColumnDecrypt, target)
	err := a.mutate(ctx, m, func(tx wi.Tx) error {
		var err error
		res, err = a.vault.DecryptColumn(ctx, tx, table, column, ks)
		if err != nil {
			return err
		}
		m.Set("cells", res.Decrypted).Set("skipped", res.Skipped).Set("failures", len(res.Failures)).Set("key", keyKind(ks))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if n := len(res.Failures); n > 0 {
		rows := make([]int64, 0, n)
		for _, f := range res.Failures {
			rows = append(rows, f.RowID)
		}
		a.securityEvent(ctx, NewMutation(wi.OpAuthFailure, target).Set("operation", string(wi.OpColumnDecrypt)).Set("rows", rows), wi.StatusFailure)
		return res, wi.Ef(wi.ErrAuthenticationFailure, wi.ColumnSubject(table, res.Column), "%d cell(s) failed authentication", n)
	}
	return res, nil
}

// Anonymize irreversibly masks, hashes or redacts table.column in place.
func (a *WIApp) Anonymize(ctx context.Context, table, column string, opts encryption.AnonymizeOptions) (*encryption.ColumnResult, error) {
	var res *encryption.ColumnResult
	m := NewMutation(wi.OpColumnAnonymize, table+"."+column)
	err := a.mutate(ctx, m, func(tx wi.Tx) error {
		var err error
		res, err = a.vault.AnonymizeColumn(ctx, tx, table, column, opts)
		if err != nil {
			return err
		}
		m.Set("method", string(opts.Method)).Set("cells", res.Anonymized).Set("skipped", res.Skipped)
		if opts.Method == encryption.MethodMask {
			chars := opts.Chars
			if chars == 0 {
				chars = encryption.DefaultMaskChars
			}
			m.Set("chars", chars)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EncryptFile encrypts src into dst. When src is the session database a
// consistent copy is encrypted instead of the live file.
func (a *WIApp) EncryptFile(ctx context.Context, src, dst string, ks encryption.KeySource) (*encryption.FileResult, error) {
	if a.isSessionFile(dst) {
		return nil, fmt.Errorf("refusing to overwrite the open database %s", dst)
	}

	input := src
	if a.isSessionFile(src) {
		copyPath, cleanup, err := a.backupSession(ctx)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		input = copyPath
	}

	var pending *encryption.PendingFile
	m := NewMutation(wi.OpFileEncrypt, src).Set("destination", dst).Set("key", keyKind(ks))
	err := a.mutate(ctx, m, func(tx wi.Tx) error {
		var err error
		pending, err = a.vault.PrepareEncryptFile(ctx, input, dst, ks)
		if err != nil {
			return err
		}
		pending.Result.Source = src
		m.Set("bytes", pending.Result.Bytes)
		if pending.Result.KeyGenerated {
			return a.recordKeyGenerated(ctx, tx, ks.KeyFile)
		}
		return nil
	})
	if err != nil {
		if pending != nil {
			pending.Discard()
			if pending.Result.KeyGenerated {
				a.securityEvent(ctx, NewMutation(wi.OpKeyGenerate, ks.KeyFile), wi.StatusSuccess)
			}
		}
		return nil, err
	}
	if err := a.publish(ctx, pending, wi.OpFileEncrypt, src); err != nil {
		return nil, err
	}
	return pending.Result, nil
}

// DecryptFile decrypts src into dst. A wrong key or tampered input is
// journaled as a security event and returned as an authentication failure.
func (a *WIApp) DecryptFile(ctx context.Context, src, dst string, ks encryption.KeySource) (*encryption.FileResult, error) {
	if a.isSessionFile(dst) {
		return nil, fmt.Errorf("refusing to overwrite the open database %s", dst)
	}

	var pending *encryption.PendingFile
	m := NewMutation(wi.OpFileDecrypt, src).Set("destination", dst).Set("key", keyKind(ks))
	err := a.mutate(ctx, m, func(tx wi.Tx) error {
		var err error
		pending, err = a.vault.PrepareDecryptFile(ctx, src, dst, ks)
		if err != nil {
			return err
		}
		m.Set("bytes", pending.Result.Bytes)
		return nil
	})
	if err != nil {
		pending.Discard()
		a.authFailed(ctx, src, wi.OpFileDecrypt, err)
		return nil, err
	}
	if err := a.publish(ctx, pending, wi.OpFileDecrypt, src); err != nil {
		return nil, err
	}
	return pending.Result, nil
}

// publish moves a committed file operation's output into place. The ledger
// already holds the success record, so a failed rename is journaled as a
// failure record for the same target.
func (a *WIApp) publish(ctx context.Context, p *encryption.PendingFile, op wi.Operation, target string) error {
	if err := p.Publish(); err != nil {
		p.Discard()
		a.securityEvent(ctx, NewMutation(op, target).Set("destination", p.Result.Destination).Set("error", err.Error()), wi.StatusFailure)
		return fmt.Errorf("publishing %s: %w", p.Result.Destination, err)
	}
	return nil
}

func (a *WIApp) recordKeyGenerated(ctx context.Context, tx wi.Tx, path string) error {
	_, err := a.ledger.Record(ctx, tx, NewMutation(wi.OpKeyGenerate, path).Entry(a.cfg.Actor, wi.StatusSuccess))
	return err
}

func (a *WIApp) isSessionFile(path string) bool {
	p := a.store.Path()
	return p != "" && p != ":memory:" && wifs.SamePath(path, p)
}

// backupSession writes a consistent copy of the session database to a
// private temp directory.
func (a *WIApp) backupSession(ctx context.Context) (string, func(), error) {
	dir, err := os.MkdirTemp("", "wi-backup-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp dir for database copy: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	path := filepath.Join(dir, filepath.Base(a.store.Path()))
	if err := a.store.BackupTo(ctx, path); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

func keyKind(ks encryption.KeySource) string {
	if ks.Passphrase != "" {
		return "passphrase"
	}
	return "key_file:" + ks.KeyFile
}
