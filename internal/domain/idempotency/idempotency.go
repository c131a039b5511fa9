package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long a stored response is replayed for.
const DefaultTTL = 24 * time.Hour

// Entry is a stored HTTP response keyed by the client's Idempotency-Key.
type Entry struct {
	Key            string
	ResponseBody   string
	ResponseStatus int
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Repository persists replayable responses.
type Repository interface {
	// Get returns the unexpired entry for key, or nil when there is none.
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry) error
	// Cleanup deletes expired entries and returns how many were removed.
	Cleanup(ctx context.Context) (int64, error)
}
