package memory

import (
	"context"
	"slices"
	"time"

	domainerrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/google/uuid"
)

// OutboxStore implements outbox.Store and outbox.Inspector on a DB.
type OutboxStore struct {
	db *DB
}

func NewOutboxStore(db *DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Insert buffers the record in the transaction bound to ctx.
func (s *OutboxStore) Insert(ctx context.Context, rec *outbox.Record) error {
	t, ok := txFromCtx(ctx)
	if !ok {
		return domainerrors.ErrTransactionRequired
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
	return nil
}

// sortedOpen returns records not yet DELIVERED in insert order. Caller holds the lock.
func (s *OutboxStore) sortedOpen() []*outbox.Record {
	open := make([]*outbox.Record, 0, len(s.db.records))
	for _, rec := range s.db.records {
		if rec.Status != outbox.StatusDelivered {
			open = append(open, rec)
		}
	}
	slices.SortFunc(open, compareRecords)
	return open
}

func compareRecords(a, b *outbox.Record) int {
	if a.Before(b) {
		return -1
	}
	if b.Before(a) {
		return 1
	}
	return 0
}

func (s *OutboxStore) ClaimBatch(_ context.Context, req outbox.ClaimRequest) ([]*outbox.Record, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	blocked := make(map[string]bool)
	var claimed []*outbox.Record
	for _, rec := range s.sortedOpen() {
		if len(claimed) == req.Limit {
			break
		}
		key := rec.AggregateKey()
		if blocked[key] {
			continue
		}
		// in flight, backing off or FAILED: later events of the aggregate wait
		if !rec.IsDue(req.Now) {
			blocked[key] = true
			continue
		}
		if err := rec.Claim(req.Owner, req.Now, req.Lease); err != nil {
			return nil, err
		}
		claimed = append(claimed, rec.Clone())
	}
	return claimed, nil
}

func (s *OutboxStore) MarkDelivered(_ context.Context, owner string, ids []uuid.UUID, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var n int64
	for _, id := range ids {
		rec, ok := s.db.records[id]
		if !ok || !rec.IsLeasedBy(owner) {
			continue
		}
		if err := rec.MarkDelivered(now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *OutboxStore) MarkFailedRetry(_ context.Context, owner string, id uuid.UUID, f outbox.Failure) (outbox.Status, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	rec, ok := s.db.records[id]
	if !ok || !rec.IsLeasedBy(owner) {
		return "", domainerrors.ErrClaimConflict
	}
	if err := rec.MarkFailedRetry(f.Reason, f.MaxAttempts, f.RetryAt); err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (s *OutboxStore) Release(_ context.Context, owner string, ids []uuid.UUID) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var n int64
	for _, id := range ids {
		rec, ok := s.db.records[id]
		if !ok || !rec.IsLeasedBy(owner) {
			continue
		}
		if err := rec.Release(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *OutboxStore) ReclaimExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var n int64
	for _, rec := range s.db.records {
		if !rec.LeaseExpired(now) {
			continue
		}
		if err := rec.Release(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *OutboxStore) Get(_ context.Context, id uuid.UUID) (*outbox.Record, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	rec, ok := s.db.records[id]
	if !ok {
		return nil, domainerrors.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *OutboxStore) ListByStatus(_ context.Context, status outbox.Status, limit int) ([]*outbox.Record, error) {
	if limit <= 0 {
		limit = 50
	}

	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []*outbox.Record
	for _, rec := range s.db.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, compareRecords)
	if len(out) > limit {
		out = out[:limit]
	}
	for i, rec := range out {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *OutboxStore) CountByStatus(_ context.Context) (map[outbox.Status]int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	counts := map[outbox.Status]int64{
		outbox.StatusPending:     0,
		outbox.StatusDispatching: 0,
		outbox.StatusDelivered:   0,
		outbox.StatusFailed:      0,
	}
	for _, rec := range s.db.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *OutboxStore) CountParked(_ context.Context) (int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	failed := make(map[string]bool)
	var n int64
	for _, rec := range s.sortedOpen() {
		key := rec.AggregateKey()
		switch {
		case rec.Status == outbox.StatusFailed:
			failed[key] = true
		case rec.Status == outbox.StatusPending && failed[key]:
			n++
		}
	}
	return n, nil
}

func (s *OutboxStore) Requeue(_ context.Context, id uuid.UUID, now time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	rec, ok := s.db.records[id]
	if !ok {
		return domainerrors.ErrRecordNotFound
	}
	if rec.Status != outbox.StatusFailed {
		return domainerrors.ErrInvalidStateTransition
	}
	return rec.Requeue(now)
}

func (s *OutboxStore) PurgeDelivered(_ context.Context, before time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var n int64
	for id, rec := range s.db.records {
		if rec.Status == outbox.StatusDelivered && rec.DeliveredAt != nil && rec.DeliveredAt.Before(before) {
			delete(s.db.records, id)
			n++
		}
	}
	return n, nil
}
