package testutil

import (
	"fmt"
	"sync"
	"time"
)

// ManualClock is a wi.Clock that only moves when told to. Ledger timestamps
// and snapshot creation times read from it are reproducible.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// FixedClock starts a ManualClock at 2024-01-15 10:30:00 UTC.
func FixedClock() *ManualClock {
	return &ManualClock{now: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock by d, so records created afterwards sort later.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SequentialIDs is a wi.IDGenerator counting up from 1. IDs end up inside
// hidden table names (_wi_snap_<id>), so they keep the shape of
// wi.UUIDGenerator output: 32 lowercase hex digits, identifier-safe.
type SequentialIDs struct {
	mu sync.Mutex
	n  uint64
}

func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{}
}

func (g *SequentialIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%032x", g.n)
}
