package sink

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// ErrSimulatedFailure is returned by Simulated for injected failures.
var ErrSimulatedFailure = errors.New("simulated sink failure")

// Simulated logs messages instead of delivering them, with optional latency
// and failure injection. Used for local runs and load tests.
type Simulated struct {
	logger      zerolog.Logger
	latency     time.Duration
	failureRate float64 // 0.0 to 1.0
	rand        func() float64
}

type SimulatedOption func(*Simulated)

func WithFailureRate(rate float64) SimulatedOption {
	return func(s *Simulated) { s.failureRate = rate }
}

func WithLatency(d time.Duration) SimulatedOption {
	return func(s *Simulated) { s.latency = d }
}

func NewSimulated(logger zerolog.Logger, opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		logger: logger.With().Str("sink", "simulated").Logger(),
		rand:   rand.Float64,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Simulated) Publish(ctx context.Context, msg Message) error {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.rand() < s.failureRate {
		return ErrSimulatedFailure
	}

	s.logger.Info().
		Str("event_id", msg.ID.String()).
		Str("aggregate", msg.Key()).
		Str("event_type", msg.EventType).
		Int("attempt", msg.Attempt).
		RawJSON("payload", msg.Payload).
		Msg("event delivered")
	return nil
}

func (s *Simulated) Close() error {
	return nil
}
