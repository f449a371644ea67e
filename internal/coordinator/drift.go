package coordinator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"wi-go/internal/wi"
)

// DefaultDriftThreshold is the significance level below which a column is
// reported as drifted.
const DefaultDriftThreshold = 0.05

const testKS = "ks-2samp"

// Drift compares every numeric column shared by table and the baseline
// snapshot with a two-sample Kolmogorov-Smirnov test. NULL and non-numeric
// cells are ignored. A column with no values on either side is reported as
// insufficient and never as drifted.
func (c *Coordinator) Drift(ctx context.Context, r wi.Reader, table, baseline string, threshold float64) (*wi.DriftReport, error) {
	if threshold == 0 {
		threshold = DefaultDriftThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("drift threshold must be within (0, 1], got %g", threshold)
	}

	snap, err := c.snapshots.Get(ctx, r, baseline)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(snap.SourceTable, table) {
		return nil, wi.Ef(wi.ErrNotFound, wi.SnapshotSubject(baseline), "snapshot was taken of table %q, not %q", snap.SourceTable, table)
	}

	live, err := r.TableSchema(ctx, table)
	if err != nil {
		return nil, err
	}

	report := &wi.DriftReport{Table: table, Baseline: baseline, Threshold: threshold, Columns: []wi.ColumnDrift{}}
	for _, col := range live {
		if !col.Numeric() {
			continue
		}
		base, ok := wi.FindColumn(snap.Columns, col.Name)
		if !ok {
			continue
		}

		projection := []string{"+" + wi.QuoteIdent(col.Name)}
		current, err := numericSample(func() (rowScanner, error) {
			return r.ReadRows(ctx, table, projection, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("reading %s.%s: %w", table, col.Name, err)
		}
		baseProjection := []string{"+" + wi.QuoteIdent(base.Name)}
		previous, err := numericSample(func() (rowScanner, error) {
			return c.snapshots.ReadSnapshotRows(ctx, r, snap, baseProjection, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("reading snapshot %s.%s: %w", baseline, base.Name, err)
		}

		cd := compareSamples(col.Name, current, previous, threshold)
		if cd.Drifted {
			report.DriftDetected = true
		}
		report.Columns = append(report.Columns, cd)
	}

	c.logger.Info("drift checked", "table", table, "baseline", baseline, "columns", len(report.Columns), "drift", report.DriftDetected)
	return report, nil
}

func compareSamples(column string, current, baseline []float64, threshold float64) wi.ColumnDrift {
	cd := wi.ColumnDrift{
		Column:    column,
		Test:      testKS,
		NCurrent:  len(current),
		NBaseline: len(baseline),
		PValue:    1,
	}
	if len(current) == 0 || len(baseline) == 0 {
		cd.Insufficient = true
		return cd
	}

	sort.Float64s(current)
	sort.Float64s(baseline)
	cd.Statistic = stat.KolmogorovSmirnov(current, nil, baseline, nil)
	cd.PValue = ksPValue(cd.Statistic, len(current), len(baseline))
	cd.Drifted = cd.PValue < threshold
	return cd
}

// ksPValue is the asymptotic two-sided significance of a two-sample KS
// statistic d, with Stephens' small-sample correction of the effective size.
func ksPValue(d float64, n, m int) float64 {
	en := math.Sqrt(float64(n) * float64(m) / float64(n+m))
	return kolmogorovQ((en + 0.12 + 0.11/en) * d)
}

// kolmogorovQ evaluates Q(λ) = 2 Σ (-1)^(j-1) exp(-2 j² λ²).
func kolmogorovQ(lambda float64) float64 {
	const (
		eps1 = 1e-3
		eps2 = 1e-8
	)
	a2 := -2 * lambda * lambda
	sign := 2.0
	sum, prev := 0.0, 0.0
	for j := 1; j <= 100; j++ {
		term := sign * math.Exp(a2*float64(j*j))
		sum += term
		if math.Abs(term) <= eps1*prev || math.Abs(term) <= eps2*sum {
			return math.Min(math.Max(sum, 0), 1)
		}
		sign = -sign
		prev = math.Abs(term)
	}
	// The series only fails to converge for λ near zero, where Q is 1.
	return 1
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// numericSample drains a single-column result set, keeping integer and real
// cells.
func numericSample(open func() (rowScanner, error)) ([]float64, error) {
	rows, err := open()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		switch x := v.(type) {
		case int64:
			out = append(out, float64(x))
		case float64:
			if !math.IsNaN(x) {
				out = append(out, x)
			}
		}
	}
	return out, rows.Err()
}
