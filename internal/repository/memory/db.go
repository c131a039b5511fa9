// Package memory is a process-local backend with the same transactional
// guarantees as the postgres package. Used by tests and single-process
// deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/cassiomorais/outbox/internal/domain/idempotency"
	"github.com/cassiomorais/outbox/internal/domain/order"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/google/uuid"
)

type ctxKey int

const txKey ctxKey = iota

// DB holds the committed state shared by the repositories in this package.
type DB struct {
	mu sync.RWMutex

	seq         int64
	nextOrderID int64
	records     map[uuid.UUID]*outbox.Record
	orders      map[int64]*order.Order
	idempotency map[string]idempotency.Entry

	// CommitHook runs before a transaction's writes are applied. A non-nil
	// error aborts the commit.
	CommitHook func() error
}

func NewDB() *DB {
	return &DB{
		records:     make(map[uuid.UUID]*outbox.Record),
		orders:      make(map[int64]*order.Order),
		idempotency: make(map[string]idempotency.Entry),
	}
}

// tx buffers writes until commit.
type tx struct {
	mu      sync.Mutex
	records []*outbox.Record
	orders  []*order.Order
}

func txFromCtx(ctx context.Context) (*tx, bool) {
	t, ok := ctx.Value(txKey).(*tx)
	return t, ok
}

// TxManager runs units of work whose writes become visible atomically on commit.
type TxManager struct {
	db *DB
}

func NewTxManager(db *DB) *TxManager {
	return &TxManager{db: db}
}

// WithTransaction executes fn with a transaction bound to the context.
// Buffered writes are applied only if fn returns nil.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFromCtx(ctx); ok {
		return fn(ctx)
	}

	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey, t)); err != nil {
		return err
	}
	if err := m.db.commit(t); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (db *DB) commit(t *tx) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.CommitHook != nil {
		if err := db.CommitHook(); err != nil {
			return err
		}
	}

	for _, rec := range t.records {
		if _, exists := db.records[rec.ID]; exists {
			return fmt.Errorf("duplicate outbox record %s", rec.ID)
		}
	}

	for _, o := range t.orders {
		c := *o
		db.orders[o.ID] = &c
	}
	for _, rec := range t.records {
		db.seq++
		rec.Seq = db.seq
		db.records[rec.ID] = rec.Clone()
	}
	return nil
}
