package relay

import (
	"context"
	"time"

	appOutbox "github.com/cassiomorais/outbox/internal/application/outbox"
	"github.com/cassiomorais/outbox/internal/domain/idempotency"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/cassiomorais/outbox/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// Housekeeper purges old DELIVERED records and expired idempotency keys, and
// refreshes the backlog gauges.
type Housekeeper struct {
	admin     *appOutbox.Admin
	keys      idempotency.Repository
	retention time.Duration
	interval  time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewHousekeeper(admin *appOutbox.Admin, retention, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Housekeeper {
	return &Housekeeper{
		admin:     admin,
		retention: retention,
		interval:  interval,
		metrics:   metrics,
		logger:    logger.With().Str("component", "housekeeper").Logger(),
	}
}

// WithIdempotencyCleanup also deletes expired idempotency keys on every run.
func (h *Housekeeper) WithIdempotencyCleanup(keys idempotency.Repository) *Housekeeper {
	h.keys = keys
	return h
}

func (h *Housekeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.RunOnce(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error().Err(err).Msg("Housekeeping failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce purges then refreshes the gauges. A zero retention keeps every record.
func (h *Housekeeper) RunOnce(ctx context.Context) error {
	if h.retention > 0 {
		n, err := h.admin.PurgeDelivered(ctx, h.retention)
		if err != nil {
			return err
		}
		if n > 0 {
			h.metrics.RelayPurgedTotal.Add(float64(n))
			h.logger.Info().Int64("records", n).Dur("retention", h.retention).Msg("Purged delivered records")
		}
	}

	if h.keys != nil {
		n, err := h.keys.Cleanup(ctx)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Idempotency key cleanup failed")
		} else if n > 0 {
			h.logger.Debug().Int64("keys", n).Msg("Removed expired idempotency keys")
		}
	}

	stats, err := h.admin.Stats(ctx)
	if err != nil {
		return err
	}
	for _, status := range []outbox.Status{outbox.StatusPending, outbox.StatusDispatching, outbox.StatusDelivered, outbox.StatusFailed} {
		h.metrics.OutboxRecords.WithLabelValues(string(status)).Set(float64(stats.Counts[status]))
	}
	h.metrics.OutboxOldestPendingAge.Set(stats.OldestPendingAge.Seconds())
	h.metrics.OutboxParkedRecords.Set(float64(stats.Parked))
	if stats.Parked > 0 {
		h.logger.Warn().
			Int64("parked", stats.Parked).
			Int64("failed", stats.Counts[outbox.StatusFailed]).
			Msg("Records are held back behind dead letters, requeue the FAILED records to release them")
	}
	return nil
}
