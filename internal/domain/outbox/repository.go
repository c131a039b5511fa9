package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimRequest describes one atomic claim of due records.
type ClaimRequest struct {
	Owner string
	Limit int
	Lease time.Duration
	Now   time.Time
}

// Failure describes a failed dispatch of a claimed record.
type Failure struct {
	Reason      string
	MaxAttempts int
	RetryAt     time.Time
}

// Inserter is the write-side port used inside the business transaction.
type Inserter interface {
	// Insert persists a PENDING record. It fails with ErrTransactionRequired
	// when ctx does not carry an open transaction.
	Insert(ctx context.Context, record *Record) error
}

// Store is the relay-side port over the outbox table.
type Store interface {
	Inserter

	// ClaimBatch moves up to Limit due PENDING records to DISPATCHING, leased to
	// Owner, and returns them oldest first. A record is skipped while an older
	// record of the same aggregate is in flight, waiting on backoff or FAILED.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]*Record, error)

	// MarkDelivered acknowledges records still leased by owner and returns how
	// many rows changed. Rows leased elsewhere are left untouched.
	MarkDelivered(ctx context.Context, owner string, ids []uuid.UUID, now time.Time) (int64, error)

	// MarkFailedRetry counts a failed attempt and returns the resulting status
	// (PENDING or FAILED). Returns ErrClaimConflict when owner lost the lease.
	MarkFailedRetry(ctx context.Context, owner string, id uuid.UUID, f Failure) (Status, error)

	// Release returns records leased by owner to PENDING without counting an attempt.
	Release(ctx context.Context, owner string, ids []uuid.UUID) (int64, error)

	// ReclaimExpiredLeases returns DISPATCHING records whose lease ended before now to PENDING.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// Inspector exposes read and operator operations over the outbox table.
type Inspector interface {
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	// CountParked counts PENDING records held back by a FAILED predecessor.
	CountParked(ctx context.Context) (int64, error)
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) error
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
}
