package memory

import (
	"context"
	"time"

	"github.com/cassiomorais/outbox/internal/domain/idempotency"
)

// IdempotencyRepository implements idempotency.Repository on a DB.
type IdempotencyRepository struct {
	db  *DB
	now func() time.Time
}

func NewIdempotencyRepository(db *DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db, now: time.Now}
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (*idempotency.Entry, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	e, ok := r.db.idempotency[key]
	if !ok || !e.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return &e, nil
}

func (r *IdempotencyRepository) Set(_ context.Context, entry *idempotency.Entry) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if existing, ok := r.db.idempotency[entry.Key]; ok && existing.ExpiresAt.After(r.now()) {
		return nil
	}
	r.db.idempotency[entry.Key] = *entry
	return nil
}

func (r *IdempotencyRepository) Cleanup(_ context.Context) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	now := r.now()
	var n int64
	for key, e := range r.db.idempotency {
		if e.ExpiresAt.Before(now) {
			delete(r.db.idempotency, key)
			n++
		}
	}
	return n, nil
}
