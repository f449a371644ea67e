// Package coordinator composes the hasher, the snapshot store and the ledger
// into verification certificates and drift reports. It keeps no state of its
// own between calls.
package coordinator

import (
	"context"
	"fmt"

	"wi-go/internal/integrity"
	"wi-go/internal/ledger"
	"wi-go/internal/snapshot"
	"wi-go/internal/wi"
)

// Formats accepted by the certificate renderer.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Coordinator answers "has this table changed since X?".
type Coordinator struct {
	hasher    *integrity.Hasher
	snapshots *snapshot.Manager
	ledger    *ledger.Ledger
	clock     wi.Clock
	logger    wi.Logger
}

// New creates a Coordinator over the given components.
func New(hasher *integrity.Hasher, snapshots *snapshot.Manager, l *ledger.Ledger, clock wi.Clock, logger wi.Logger) *Coordinator {
	if clock == nil {
		clock = wi.RealClock{}
	}
	if logger == nil {
		logger = wi.NewNopLogger()
	}
	return &Coordinator{
		hasher:    hasher,
		snapshots: snapshots,
		ledger:    l,
		clock:     clock,
		logger:    logger,
	}
}

// ReportOptions control VerifyWithReport.
type ReportOptions struct {
	Database  string // recorded in the certificate
	Strict    bool   // include the column signature in the digest
	Salt      string
	Exclude   []string
	ChunkSize int
	Format    string // json (default) or text
	Signer    string
	KeyFile   string // identity used to sign; empty leaves the certificate unsigned
}

// VerifyWithReport recomputes the fingerprint of table, compares it with
// expected and renders the outcome as a certificate. A failed verification
// still yields a certificate with Verified set to false.
func (c *Coordinator) VerifyWithReport(ctx context.Context, r wi.Reader, table, expected string, opts ReportOptions) (*Certificate, []byte, error) {
	hopts := integrity.Options{
		Salt:      opts.Salt,
		Exclude:   opts.Exclude,
		ChunkSize: opts.ChunkSize,
		Scope:     wi.ScopeData,
	}
	if opts.Strict {
		hopts.Scope = wi.ScopeDataAndSchema
	}

	res, err := c.hasher.Verify(ctx, r, table, expected, hopts)
	if err != nil {
		return nil, nil, err
	}

	cert := &Certificate{
		Kind:        KindVerification,
		GeneratedAt: c.clock.Now().UTC(),
		Database:    opts.Database,
		Signer:      opts.Signer,
		Verified:    res.Match,
		Table:       res.Computed.Table,
		Strict:      opts.Strict,
		Expected:    res.Expected,
		Computed:    res.Computed,
	}
	return c.finish(cert, opts.KeyFile, opts.Format)
}

// CustodyOptions control ChainOfCustody.
type CustodyOptions struct {
	Database  string
	Algorithm wi.Algorithm
	Format    string
	Signer    string
	KeyFile   string

	// ExcludeTables are glob patterns of tables left out of the certificate.
	ExcludeTables []string
}

// ChainOfCustody fingerprints every user table and walks the ledger hash
// chain. The certificate is verified when the chain is intact.
func (c *Coordinator) ChainOfCustody(ctx context.Context, r wi.Reader, opts CustodyOptions) (*Certificate, []byte, error) {
	filter, err := NewTableFilter(opts.ExcludeTables)
	if err != nil {
		return nil, nil, err
	}
	tables, err := r.ListTables(ctx)
	if err != nil {
		return nil, nil, err
	}

	// Fingerprint after listing: a single connection cannot interleave reads.
	var fps []*wi.Fingerprint
	var excluded []string
	for _, t := range tables {
		if wi.IsReserved(t) {
			continue
		}
		if filter.Match(t) {
			excluded = append(excluded, t)
			continue
		}
		fp, err := c.hasher.Fingerprint(ctx, r, t, integrity.Options{Algorithm: opts.Algorithm})
		if err != nil {
			return nil, nil, fmt.Errorf("fingerprinting %s: %w", t, err)
		}
		fps = append(fps, fp)
	}

	chain, err := c.ledger.VerifyChain(ctx, r)
	if err != nil {
		return nil, nil, err
	}

	cert := &Certificate{
		Kind:        KindCustody,
		GeneratedAt: c.clock.Now().UTC(),
		Database:    opts.Database,
		Signer:      opts.Signer,
		Verified:    chain.Intact,
		Tables:      fps,
		Excluded:    excluded,
		Ledger:      chain,
	}
	return c.finish(cert, opts.KeyFile, opts.Format)
}

func (c *Coordinator) finish(cert *Certificate, keyFile, format string) (*Certificate, []byte, error) {
	if keyFile != "" {
		if err := Sign(cert, keyFile); err != nil {
			return nil, nil, err
		}
	}

	out, err := Render(cert, format)
	if err != nil {
		return nil, nil, err
	}

	c.logger.Info("certificate issued", "kind", cert.Kind, "verified", cert.Verified, "signed", cert.Signature != nil)
	return cert, out, nil
}
