package wi

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
// IDs are used inside table names, so they must be identifier-safe.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs rendered as 32 hex characters.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
