package testutil

import (
	"context"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/idempotency"
	"github.com/cassiomorais/outbox/internal/domain/order"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/cassiomorais/outbox/internal/sink"
	"github.com/google/uuid"
)

// --- Transaction Manager Mock ---

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Outbox Store Mock ---

// MockOutboxStore is a mock implementation of outbox.Store. Unset funcs are no-ops.
type MockOutboxStore struct {
	mu       sync.Mutex
	inserted []*outbox.Record

	InsertFunc               func(ctx context.Context, rec *outbox.Record) error
	ClaimBatchFunc           func(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Record, error)
	MarkDeliveredFunc        func(ctx context.Context, owner string, ids []uuid.UUID, now time.Time) (int64, error)
	MarkFailedRetryFunc      func(ctx context.Context, owner string, id uuid.UUID, f outbox.Failure) (outbox.Status, error)
	ReleaseFunc              func(ctx context.Context, owner string, ids []uuid.UUID) (int64, error)
	ReclaimExpiredLeasesFunc func(ctx context.Context, now time.Time) (int64, error)
}

func (m *MockOutboxStore) Insert(ctx context.Context, rec *outbox.Record) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, rec)
	return nil
}

// Inserted returns the records passed to Insert.
func (m *MockOutboxStore) Inserted() []*outbox.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*outbox.Record(nil), m.inserted...)
}

func (m *MockOutboxStore) ClaimBatch(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Record, error) {
	if m.ClaimBatchFunc != nil {
		return m.ClaimBatchFunc(ctx, req)
	}
	return nil, nil
}

func (m *MockOutboxStore) MarkDelivered(ctx context.Context, owner string, ids []uuid.UUID, now time.Time) (int64, error) {
	if m.MarkDeliveredFunc != nil {
		return m.MarkDeliveredFunc(ctx, owner, ids, now)
	}
	return int64(len(ids)), nil
}

func (m *MockOutboxStore) MarkFailedRetry(ctx context.Context, owner string, id uuid.UUID, f outbox.Failure) (outbox.Status, error) {
	if m.MarkFailedRetryFunc != nil {
		return m.MarkFailedRetryFunc(ctx, owner, id, f)
	}
	return outbox.StatusPending, nil
}

func (m *MockOutboxStore) Release(ctx context.Context, owner string, ids []uuid.UUID) (int64, error) {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, owner, ids)
	}
	return int64(len(ids)), nil
}

func (m *MockOutboxStore) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	if m.ReclaimExpiredLeasesFunc != nil {
		return m.ReclaimExpiredLeasesFunc(ctx, now)
	}
	return 0, nil
}

// --- Order Repository Mock ---

// MockOrderRepository is a mock implementation of order.Repository.
type MockOrderRepository struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]*order.Order

	CreateFunc  func(ctx context.Context, o *order.Order) error
	GetByIDFunc func(ctx context.Context, id int64) (*order.Order, error)
}

func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{orders: make(map[int64]*order.Order)}
}

func (m *MockOrderRepository) Create(ctx context.Context, o *order.Order) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, o)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o.ID = m.nextID
	m.orders[o.ID] = o
	return nil
}

func (m *MockOrderRepository) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domainErrors.ErrOrderNotFound
	}
	return o, nil
}

// --- Idempotency Repository Mock ---

// MockIdempotencyRepository is a mock implementation of idempotency.Repository.
type MockIdempotencyRepository struct {
	mu           sync.Mutex
	entries      map[string]*idempotency.Entry
	cleanupCalls int

	GetFunc     func(ctx context.Context, key string) (*idempotency.Entry, error)
	SetFunc     func(ctx context.Context, entry *idempotency.Entry) error
	CleanupFunc func(ctx context.Context) (int64, error)
}

func (m *MockIdempotencyRepository) Get(ctx context.Context, key string) (*idempotency.Entry, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *MockIdempotencyRepository) Set(ctx context.Context, entry *idempotency.Entry) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*idempotency.Entry)
	}
	m.entries[entry.Key] = entry
	return nil
}

func (m *MockIdempotencyRepository) Cleanup(ctx context.Context) (int64, error) {
	m.mu.Lock()
	m.cleanupCalls++
	m.mu.Unlock()
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx)
	}
	return 0, nil
}

// CleanupCalls returns how many times Cleanup ran.
func (m *MockIdempotencyRepository) CleanupCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupCalls
}

// --- Sink Mock ---

// MockSink records published messages. PublishFunc may fail selected messages.
type MockSink struct {
	mu        sync.Mutex
	published []sink.Message
	closed    bool

	PublishFunc func(ctx context.Context, msg sink.Message) error
}

func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Publish(ctx context.Context, msg sink.Message) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, msg)
	return nil
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Published returns the acknowledged messages in publish order.
func (m *MockSink) Published() []sink.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sink.Message(nil), m.published...)
}

// Closed reports whether Close was called.
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
