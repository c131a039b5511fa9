package relay

import (
	"context"
	"errors"
	"time"

	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/cassiomorais/outbox/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// Locker elects a single sweeper across relay processes.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Sweeper returns records whose dispatch lease ran out to PENDING.
//
// Reclaiming is safe to run from every process, but with a Locker only the
// current leader sweeps. A nil Locker makes every sweeper a leader.
type Sweeper struct {
	store        outbox.Store
	locker       Locker
	clock        outbox.Clock
	interval     time.Duration
	storeTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	leading bool
}

func NewSweeper(store outbox.Store, locker Locker, interval, storeTimeout time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:        store,
		locker:       locker,
		clock:        outbox.SystemClock{},
		interval:     interval,
		storeTimeout: storeTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps every interval until ctx is cancelled, then gives up leadership.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("Sweeper started")
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Sweep failed")
		}

		select {
		case <-ctx.Done():
			s.resign(context.WithoutCancel(ctx))
			s.logger.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce reclaims expired leases if this sweeper leads.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if !s.lead(ctx) {
		return 0, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	n, err := s.store.ReclaimExpiredLeases(storeCtx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.RelayReclaimedTotal.Add(float64(n))
		s.logger.Warn().Int64("records", n).Msg("Reclaimed records with expired leases")
	}
	return n, nil
}

func (s *Sweeper) lead(ctx context.Context) bool {
	if s.locker == nil {
		return true
	}

	if s.leading {
		err := s.locker.Extend(ctx)
		if err == nil {
			return true
		}
		s.leading = false
		if errors.Is(err, domainErrors.ErrLockNotHeld) {
			s.logger.Warn().Msg("Lost sweeper leadership")
		} else {
			s.logger.Error().Err(err).Msg("Failed to extend sweeper lock")
			return false
		}
	}

	ok, err := s.locker.Acquire(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to acquire sweeper lock")
		return false
	}
	if ok {
		s.logger.Info().Msg("Acquired sweeper leadership")
	}
	s.leading = ok
	return ok
}

func (s *Sweeper) resign(ctx context.Context) {
	if s.locker == nil || !s.leading {
		return
	}
	s.leading = false

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.locker.Release(ctx); err != nil && !errors.Is(err, domainErrors.ErrLockNotHeld) {
		s.logger.Error().Err(err).Msg("Failed to release sweeper lock")
	}
}
