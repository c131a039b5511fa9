package order_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	orderApp "github.com/cassiomorais/outbox/internal/application/order"
	appOutbox "github.com/cassiomorais/outbox/internal/application/outbox"
	"github.com/cassiomorais/outbox/internal/application/relay"
	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/order"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/cassiomorais/outbox/internal/infrastructure/observability"
	"github.com/cassiomorais/outbox/internal/repository/memory"
	"github.com/cassiomorais/outbox/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	db      *memory.DB
	orders  *memory.OrderRepository
	store   *memory.OutboxStore
	clock   *testutil.FakeClock
	metrics *observability.Metrics
	uc      *orderApp.CreateOrderUseCase
}

func newBackend() *backend {
	db := memory.NewDB()
	store := memory.NewOutboxStore(db)
	orders := memory.NewOrderRepository(db)
	clock := testutil.NewFakeClock(testutil.Epoch)
	metrics := observability.NewMetrics("outbox", prometheus.NewRegistry())
	writer := appOutbox.NewWriter(memory.NewTxManager(db), store, clock)
	return &backend{
		db:      db,
		orders:  orders,
		store:   store,
		clock:   clock,
		metrics: metrics,
		uc:      orderApp.NewCreateOrderUseCase(orders, writer, clock, metrics),
	}
}

func TestCreateOrder_DeliveredEndToEnd(t *testing.T) {
	b := newBackend()
	ctx := context.Background()

	// earlier orders take IDs 1..41
	for i := 0; i < 41; i++ {
		o, err := order.NewOrder("seed", 100, b.clock.Now())
		require.NoError(t, err)
		require.NoError(t, b.orders.Create(ctx, o))
	}

	created, err := b.uc.Execute(ctx, orderApp.CreateOrderRequest{CustomerID: "c1", AmountCents: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(42), created.ID)

	pending, err := b.store.ListByStatus(ctx, outbox.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	rec := pending[0]
	assert.Equal(t, order.AggregateType, rec.AggregateType)
	assert.Equal(t, "42", rec.AggregateID)
	assert.Equal(t, order.EventCreated, rec.EventType)
	assert.Equal(t, testutil.Epoch, rec.CreatedAt)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Payload, &payload))
	assert.Equal(t, "c1", payload["customerId"])
	assert.EqualValues(t, 42, payload["orderId"])
	assert.Contains(t, string(rec.Payload), `"amount":10.00`)

	s := testutil.NewMockSink()
	d := relay.NewDispatcher(b.store, s, relay.DefaultConfig("w1"), zerolog.Nop(), relay.WithClock(b.clock))
	res, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	delivered, err := b.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDelivered, delivered.Status)

	again, err := b.store.ClaimBatch(ctx, outbox.ClaimRequest{Owner: "w2", Limit: 10, Lease: time.Minute, Now: b.clock.Now()})
	require.NoError(t, err)
	assert.Empty(t, again)

	require.Len(t, s.Published(), 1)
	assert.Equal(t, rec.ID, s.Published()[0].ID)
	assert.Equal(t, 1.0, promtest.ToFloat64(b.metrics.OutboxWritesTotal.WithLabelValues(order.EventCreated, "committed")))
}

func TestCreateOrder_ValidationWritesNothing(t *testing.T) {
	b := newBackend()
	ctx := context.Background()

	tests := []struct {
		name string
		req  orderApp.CreateOrderRequest
	}{
		{"missing customer", orderApp.CreateOrderRequest{CustomerID: "", AmountCents: 100}},
		{"zero amount", orderApp.CreateOrderRequest{CustomerID: "c1", AmountCents: 0}},
		{"negative amount", orderApp.CreateOrderRequest{CustomerID: "c1", AmountCents: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.uc.Execute(ctx, tt.req)
			assert.Error(t, err)
		})
	}

	counts, err := b.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[outbox.StatusPending])
}

func TestCreateOrder_RepositoryFailure(t *testing.T) {
	repo := testutil.NewMockOrderRepository()
	repo.CreateFunc = func(context.Context, *order.Order) error { return errors.New("unique violation") }
	store := &testutil.MockOutboxStore{}
	metrics := observability.NewMetrics("outbox", prometheus.NewRegistry())
	writer := appOutbox.NewWriter(testutil.NewMockTransactionManager(), store, nil)
	uc := orderApp.NewCreateOrderUseCase(repo, writer, nil, metrics)

	_, err := uc.Execute(context.Background(), orderApp.CreateOrderRequest{CustomerID: "c1", AmountCents: 1000})

	assert.ErrorIs(t, err, domainErrors.ErrMutationFailed)
	assert.Empty(t, store.Inserted())
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.OutboxWritesTotal.WithLabelValues(order.EventCreated, "rolled_back")))
}

func TestCreateOrder_CommitFailureLeavesNoOrder(t *testing.T) {
	b := newBackend()
	b.db.CommitHook = func() error { return errors.New("connection reset") }
	ctx := context.Background()

	created, err := b.uc.Execute(ctx, orderApp.CreateOrderRequest{CustomerID: "c1", AmountCents: 1000})

	assert.Nil(t, created)
	assert.ErrorIs(t, err, domainErrors.ErrOutboxWriteFailed)
	_, err = orderApp.NewGetOrderUseCase(b.orders).Execute(ctx, 1)
	assert.ErrorIs(t, err, domainErrors.ErrOrderNotFound)

	counts, err := b.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[outbox.StatusPending])
}

func TestGetOrder(t *testing.T) {
	b := newBackend()
	ctx := context.Background()

	created, err := b.uc.Execute(ctx, orderApp.CreateOrderRequest{CustomerID: "c1", AmountCents: 2550})
	require.NoError(t, err)

	got, err := orderApp.NewGetOrderUseCase(b.orders).Execute(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CustomerID)
	assert.Equal(t, int64(2550), got.AmountCents)
	assert.Equal(t, order.StatusCreated, got.Status)

	_, err = orderApp.NewGetOrderUseCase(b.orders).Execute(ctx, 999)
	assert.ErrorIs(t, err, domainErrors.ErrOrderNotFound)
}
