package postgres

import (
	"context"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/order"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderRepository implements order.Repository using PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func scanOrder(s scanner) (*order.Order, error) {
	o := &order.Order{}
	var (
		status    string
		amountStr string
	)
	err := s.Scan(&o.ID, &o.CustomerID, &amountStr, &status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	cents, err := numericStringToCents(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	o.AmountCents = cents
	o.Status = order.Status(status)
	return o, nil
}

// Create inserts the order and assigns its ID.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO orders (customer_id, amount, status, created_at)
		 VALUES ($1, $2::numeric, $3, $4)
		 RETURNING id`,
		o.CustomerID, centsToNumericString(o.AmountCents), string(o.Status), o.CreatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetByID retrieves an order by its ID.
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	return scanOrder(r.db(ctx).QueryRow(ctx,
		`SELECT id, customer_id, amount::text, status, created_at
		 FROM orders WHERE id = $1`, id))
}
