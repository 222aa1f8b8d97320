package domain

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID generates a lexicographically sortable unique identifier. The shared
// monotonic entropy source keeps IDs unique under concurrent generation
// within the same millisecond.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewInstanceID derives an instance identifier from its definition ID and
// creation time. Identifiers are never reused.
func NewInstanceID(definitionID string, t time.Time) string {
	return definitionID + "-" + NewID(t)
}
