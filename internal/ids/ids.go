// Package ids generates the identifiers used across the workflow engine.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a 26-character, lexicographically sortable identifier.
// Conversations, messages, audit entries, cache entries, and metrics runs
// all use this form so they can be ordered by creation time without a
// separate timestamp column.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewOpaque returns a non-sortable identifier, used where ordering by
// creation time would leak information (e.g. tool-permission grant ids).
func NewOpaque() string {
	return uuid.NewString()
}
