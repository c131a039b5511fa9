package order

import "context"

// Repository defines the interface for order persistence
type Repository interface {
	// Create inserts the order and assigns its ID
	Create(ctx context.Context, order *Order) error

	// GetByID retrieves an order by ID
	GetByID(ctx context.Context, id int64) (*Order, error)
}
