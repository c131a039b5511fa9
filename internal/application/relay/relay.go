package relay

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Relay supervises the dispatcher workers, the sweeper and housekeeping of
// one process.
type Relay struct {
	dispatchers []*Dispatcher
	sweeper     *Sweeper
	housekeeper *Housekeeper
	logger      zerolog.Logger
}

// New creates a Relay. The sweeper and housekeeper may be nil.
func New(dispatchers []*Dispatcher, sweeper *Sweeper, housekeeper *Housekeeper, logger zerolog.Logger) *Relay {
	return &Relay{
		dispatchers: dispatchers,
		sweeper:     sweeper,
		housekeeper: housekeeper,
		logger:      logger.With().Str("component", "relay").Logger(),
	}
}

// Run blocks until ctx is cancelled and every component has drained.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.dispatchers) == 0 {
		return errors.New("relay needs at least one dispatcher")
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, d := range r.dispatchers {
		g.Go(func() error {
			return d.Run(gCtx)
		})
	}
	if r.sweeper != nil {
		g.Go(func() error {
			return r.sweeper.Run(gCtx)
		})
	}
	if r.housekeeper != nil {
		g.Go(func() error {
			return r.housekeeper.Run(gCtx)
		})
	}

	r.logger.Info().Int("workers", len(r.dispatchers)).Msg("Relay running")
	err := g.Wait()
	r.logger.Info().Msg("Relay stopped")
	return err
}

// Phases reports each dispatcher's current phase by owner.
func (r *Relay) Phases() map[string]Phase {
	phases := make(map[string]Phase, len(r.dispatchers))
	for _, d := range r.dispatchers {
		phases[d.cfg.Owner] = d.Phase()
	}
	return phases
}
