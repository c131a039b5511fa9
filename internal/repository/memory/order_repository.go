package memory

import (
	"context"

	domainerrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/order"
)

// OrderRepository implements order.Repository on a DB.
type OrderRepository struct {
	db *DB
}

func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create assigns the next ID and buffers the order in the transaction bound
// to ctx, or writes it directly when there is none. IDs are not reused after
// a rollback.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	t, inTx := txFromCtx(ctx)

	r.db.mu.Lock()
	r.db.nextOrderID++
	o.ID = r.db.nextOrderID
	if !inTx {
		c := *o
		r.db.orders[o.ID] = &c
	}
	r.db.mu.Unlock()

	if inTx {
		t.mu.Lock()
		t.orders = append(t.orders, o)
		t.mu.Unlock()
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	if t, ok := txFromCtx(ctx); ok {
		t.mu.Lock()
		for _, o := range t.orders {
			if o.ID == id {
				c := *o
				t.mu.Unlock()
				return &c, nil
			}
		}
		t.mu.Unlock()
	}

	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, domainerrors.ErrOrderNotFound
	}
	c := *o
	return &c, nil
}
