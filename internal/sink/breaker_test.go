package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSink struct {
	err    error
	calls  int
	closed bool
}

func (s *stubSink) Publish(ctx context.Context, msg Message) error {
	s.calls++
	return s.err
}

func (s *stubSink) Close() error {
	s.closed = true
	return nil
}

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	next := &stubSink{err: errors.New("broker down")}
	var transitions []gobreaker.State
	b := NewBreaker("test", next, testBreakerConfig(), func(name string, from, to gobreaker.State) {
		assert.Equal(t, "test", name)
		transitions = append(transitions, to)
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Publish(ctx, testMessage()))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	err := b.Publish(ctx, testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Contains(t, err.Error(), "sink test unavailable")
	assert.Equal(t, 3, next.calls)
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	next := &stubSink{err: Permanent(errors.New("rejected"))}
	b := NewBreaker("test", next, testBreakerConfig(), nil)

	for i := 0; i < 5; i++ {
		err := b.Publish(context.Background(), testMessage())
		assert.True(t, IsPermanent(err))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, 5, next.calls)
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	next := &stubSink{err: context.Canceled}
	b := NewBreaker("test", next, testBreakerConfig(), nil)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Publish(context.Background(), testMessage()), context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_PassThrough(t *testing.T) {
	next := &stubSink{}
	b := NewBreaker("test", next, DefaultBreakerConfig(), nil)

	require.NoError(t, b.Publish(context.Background(), testMessage()))
	require.NoError(t, b.Close())
	assert.True(t, next.closed)
}
