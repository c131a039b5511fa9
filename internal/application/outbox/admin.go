package outbox

import (
	"context"
	"time"

	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/google/uuid"
)

const maxListLimit = 500

// Stats summarises the outbox table. Parked counts PENDING records that wait
// behind a FAILED record of their aggregate until it is requeued.
type Stats struct {
	Counts           map[outbox.Status]int64
	Parked           int64
	OldestPending    *time.Time
	OldestPendingAge time.Duration
}

// Admin exposes operator controls over outbox records.
type Admin struct {
	inspector outbox.Inspector
	clock     outbox.Clock
}

// NewAdmin creates a new Admin.
func NewAdmin(inspector outbox.Inspector, clock outbox.Clock) *Admin {
	if clock == nil {
		clock = outbox.SystemClock{}
	}
	return &Admin{inspector: inspector, clock: clock}
}

// Get returns a single record.
func (a *Admin) Get(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	return a.inspector.Get(ctx, id)
}

// List returns records in status, oldest first.
func (a *Admin) List(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Record, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return a.inspector.ListByStatus(ctx, status, limit)
}

// Requeue gives a dead-lettered record a fresh attempt budget.
func (a *Admin) Requeue(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if err := a.inspector.Requeue(ctx, id, a.clock.Now()); err != nil {
		return nil, err
	}
	return a.inspector.Get(ctx, id)
}

// Stats returns per-status counts, parked records and the age of the oldest
// PENDING record.
func (a *Admin) Stats(ctx context.Context) (*Stats, error) {
	counts, err := a.inspector.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	parked, err := a.inspector.CountParked(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Counts: counts, Parked: parked}

	oldest, err := a.inspector.ListByStatus(ctx, outbox.StatusPending, 1)
	if err != nil {
		return nil, err
	}
	if len(oldest) > 0 {
		created := oldest[0].CreatedAt
		stats.OldestPending = &created
		stats.OldestPendingAge = a.clock.Now().Sub(created)
	}
	return stats, nil
}

// PurgeDelivered removes DELIVERED records older than retention.
func (a *Admin) PurgeDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	return a.inspector.PurgeDelivered(ctx, a.clock.Now().Add(-retention))
}
