package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/order"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/cassiomorais/outbox/internal/repository/memory"
	"github.com/cassiomorais/outbox/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	db     *memory.DB
	orders *memory.OrderRepository
	store  *memory.OutboxStore
	writer *Writer
	clock  *testutil.FakeClock
}

func newBackend() *backend {
	db := memory.NewDB()
	store := memory.NewOutboxStore(db)
	clock := testutil.NewFakeClock(testutil.Epoch)
	return &backend{
		db:     db,
		orders: memory.NewOrderRepository(db),
		store:  store,
		writer: NewWriter(memory.NewTxManager(db), store, clock),
		clock:  clock,
	}
}

func (b *backend) createOrder(customerID string) Mutation[*order.Order] {
	return func(ctx context.Context) (*order.Order, error) {
		o, err := order.NewOrder(customerID, 1000, b.clock.Now())
		if err != nil {
			return nil, err
		}
		if err := b.orders.Create(ctx, o); err != nil {
			return nil, err
		}
		return o, nil
	}
}

func orderCreated(o *order.Order) (Event, error) {
	return Event{
		AggregateType: order.AggregateType,
		AggregateID:   o.AggregateID(),
		EventType:     order.EventCreated,
		Payload:       o.CreatedEvent(),
	}, nil
}

func pending(t *testing.T, b *backend) []*outbox.Record {
	t.Helper()
	recs, err := b.store.ListByStatus(context.Background(), outbox.StatusPending, 100)
	require.NoError(t, err)
	return recs
}

func TestExecute_CommitsEntityAndRecord(t *testing.T) {
	b := newBackend()
	ctx := context.Background()

	o, err := Execute(ctx, b.writer, b.createOrder("cust-1"), orderCreated)
	require.NoError(t, err)
	require.NotNil(t, o)

	stored, err := b.orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", stored.CustomerID)

	recs := pending(t, b)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "Order", rec.AggregateType)
	assert.Equal(t, o.AggregateID(), rec.AggregateID)
	assert.Equal(t, "OrderCreated", rec.EventType)
	assert.Equal(t, testutil.Epoch, rec.CreatedAt)
	assert.Equal(t, 0, rec.Attempts)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Payload, &payload))
	assert.Equal(t, "cust-1", payload["customerId"])
	assert.Equal(t, "CREATED", payload["status"])
}

func TestExecute_MutationFailureWritesNothing(t *testing.T) {
	b := newBackend()
	cause := errors.New("constraint violation")

	_, err := Execute(context.Background(), b.writer,
		func(ctx context.Context) (*order.Order, error) { return nil, cause },
		orderCreated,
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrMutationFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, domainErrors.ErrOutboxWriteFailed)
	assert.Empty(t, pending(t, b))
}

func TestExecute_BuilderFailureRollsBackEntity(t *testing.T) {
	b := newBackend()
	var created *order.Order

	_, err := Execute(context.Background(), b.writer,
		func(ctx context.Context) (*order.Order, error) {
			o, err := b.createOrder("cust-1")(ctx)
			created = o
			return o, err
		},
		func(*order.Order) (Event, error) { return Event{}, errors.New("cannot serialize") },
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrOutboxWriteFailed)
	require.NotNil(t, created)
	_, err = b.orders.GetByID(context.Background(), created.ID)
	assert.ErrorIs(t, err, domainErrors.ErrOrderNotFound)
	assert.Empty(t, pending(t, b))
}

func TestExecute_UnserializablePayload(t *testing.T) {
	b := newBackend()

	_, err := Execute(context.Background(), b.writer, b.createOrder("c"),
		func(o *order.Order) (Event, error) {
			return Event{AggregateType: "Order", AggregateID: o.AggregateID(), EventType: "OrderCreated", Payload: make(chan int)}, nil
		},
	)

	assert.ErrorIs(t, err, domainErrors.ErrOutboxWriteFailed)
	assert.Empty(t, pending(t, b))
}

func TestExecute_InsertFailureRollsBack(t *testing.T) {
	db := memory.NewDB()
	orders := memory.NewOrderRepository(db)
	insertErr := errors.New("unique violation")
	store := &testutil.MockOutboxStore{
		InsertFunc: func(context.Context, *outbox.Record) error { return insertErr },
	}
	w := NewWriter(memory.NewTxManager(db), store, testutil.NewFakeClock(testutil.Epoch))
	var id int64

	_, err := Execute(context.Background(), w,
		func(ctx context.Context) (*order.Order, error) {
			o, _ := order.NewOrder("c", 100, testutil.Epoch)
			err := orders.Create(ctx, o)
			id = o.ID
			return o, err
		},
		orderCreated,
	)

	assert.ErrorIs(t, err, domainErrors.ErrOutboxWriteFailed)
	assert.ErrorIs(t, err, insertErr)
	_, err = orders.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, domainErrors.ErrOrderNotFound)
}

func TestExecute_CommitFailure(t *testing.T) {
	b := newBackend()
	b.db.CommitHook = func() error { return errors.New("connection reset") }

	_, err := Execute(context.Background(), b.writer, b.createOrder("c"), orderCreated)

	assert.ErrorIs(t, err, domainErrors.ErrOutboxWriteFailed)
	assert.Empty(t, pending(t, b))
}

func TestExecute_IndependentRecordsPerCall(t *testing.T) {
	b := newBackend()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := Execute(ctx, b.writer, b.createOrder("c"), orderCreated)
		require.NoError(t, err)
		b.clock.Advance(1)
	}

	recs := pending(t, b)
	require.Len(t, recs, 3)
	assert.NotEqual(t, recs[0].ID, recs[1].ID)
	assert.True(t, recs[0].Before(recs[1]))
	assert.True(t, recs[1].Before(recs[2]))
}

func TestWriteEvent_RequiresTransaction(t *testing.T) {
	b := newBackend()

	_, err := b.writer.WriteEvent(context.Background(), Event{
		AggregateType: "Order", AggregateID: "1", EventType: "OrderCreated", Payload: json.RawMessage(`{}`),
	})

	assert.ErrorIs(t, err, domainErrors.ErrOutboxWriteFailed)
	assert.ErrorIs(t, err, domainErrors.ErrTransactionRequired)
}

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
		wantErr bool
	}{
		{"raw message", json.RawMessage(`{"a":1}`), `{"a":1}`, false},
		{"bytes", []byte(`[1,2]`), `[1,2]`, false},
		{"struct", struct {
			A int `json:"a"`
		}{A: 2}, `{"a":2}`, false},
		{"map", map[string]string{"k": "v"}, `{"k":"v"}`, false},
		{"nil", nil, "", true},
		{"channel", make(chan int), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodePayload(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
