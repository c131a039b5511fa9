package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedLock_AcquireRelease(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	lock := NewDistributedLock(client, "outbox:sweeper", 10*time.Second)

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, lock.IsAcquired())
	assert.True(t, mr.Exists("lock:outbox:sweeper"))

	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.IsAcquired())
	assert.False(t, mr.Exists("lock:outbox:sweeper"))

	// releasing twice is a no-op
	assert.NoError(t, lock.Release(ctx))
}

func TestDistributedLock_Exclusive(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	first := NewDistributedLock(client, "outbox:sweeper", 10*time.Second)
	second := NewDistributedLock(client, "outbox:sweeper", 10*time.Second)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, second.Extend(ctx), domainErrors.ErrLockNotHeld)

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_Extend(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	lock := NewDistributedLock(client, "outbox:sweeper", 10*time.Second)

	_, err := lock.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)
	require.NoError(t, lock.Extend(ctx))
	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists("lock:outbox:sweeper"))
}

func TestDistributedLock_ExpiredLockIsLost(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	lock := NewDistributedLock(client, "outbox:sweeper", time.Second)
	other := NewDistributedLock(client, "outbox:sweeper", time.Second)

	_, err := lock.Acquire(ctx)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	ok, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, lock.Extend(ctx), domainErrors.ErrLockNotHeld)
	assert.False(t, lock.IsAcquired())
	assert.True(t, other.IsAcquired())
}

func TestDistributedLock_ReleaseAfterTakeover(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	lock := NewDistributedLock(client, "k", time.Second)
	other := NewDistributedLock(client, "k", time.Minute)

	_, err := lock.Acquire(ctx)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	_, err = other.Acquire(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, lock.Release(ctx), domainErrors.ErrLockNotHeld)
	assert.True(t, mr.Exists("lock:k"), "must not delete a lock held by someone else")
}

func TestDistributedLock_ServerDown(t *testing.T) {
	mr, client := newTestClient(t)
	mr.Close()

	_, err := NewDistributedLock(client, "k", time.Second).Acquire(context.Background())
	assert.ErrorIs(t, err, domainErrors.ErrLockAcquisitionFailed)
}
