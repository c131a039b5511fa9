// Package relay moves committed outbox records to the sink.
//
// A Dispatcher claims due records, publishes them in (timestamp, seq) order
// and acknowledges them. Claims are leased: a dispatcher that dies leaves its
// records DISPATCHING until the lease ends and the Sweeper returns them to
// PENDING. Delivery is therefore at-least-once and every message carries the
// record ID for deduplication.
package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/cassiomorais/outbox/internal/infrastructure/observability"
	"github.com/cassiomorais/outbox/internal/sink"
	"github.com/cassiomorais/outbox/pkg/retry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxReasonLength = 1024

// ErrLeaseTooShort is returned by DispatchOnce when the lease cannot cover one
// publish and its acknowledgement. Claiming would only release every record.
var ErrLeaseTooShort = errors.New("lease duration does not cover publish and store timeouts")

// Phase is the dispatcher's position in its cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseClaiming
	PhasePublishing
	PhaseAcknowledging
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseClaiming:
		return "CLAIMING"
	case PhasePublishing:
		return "PUBLISHING"
	case PhaseAcknowledging:
		return "ACKNOWLEDGING"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Config tunes one dispatcher.
type Config struct {
	// Owner identifies the dispatcher in lease_owner. It must be unique per worker.
	Owner           string
	BatchSize       int
	LeaseDuration   time.Duration
	PollInterval    time.Duration
	Retry           outbox.RetryPolicy
	PublishAttempts int
	PublishTimeout  time.Duration
	StoreTimeout    time.Duration
}

// budget is how long one record needs its lease: every publish attempt and the ack.
func (c Config) budget() time.Duration {
	return c.PublishTimeout*time.Duration(max(c.PublishAttempts, 1)) + c.StoreTimeout
}

// DefaultConfig returns the dispatcher defaults for owner.
func DefaultConfig(owner string) Config {
	return Config{
		Owner:           owner,
		BatchSize:       50,
		LeaseDuration:   30 * time.Second,
		PollInterval:    time.Second,
		Retry:           outbox.DefaultRetryPolicy(),
		PublishAttempts: 1,
		PublishTimeout:  10 * time.Second,
		StoreTimeout:    5 * time.Second,
	}
}

// DeadLetterPublisher receives records that reached FAILED.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, rec *outbox.Record) error
}

// Result summarises one dispatch cycle.
type Result struct {
	Claimed      int
	Delivered    int
	Retried      int
	DeadLettered int
	Released     int
	Conflicts    int
}

// progressed reports whether the cycle moved any record forward.
func (r Result) progressed() bool {
	return r.Delivered+r.Retried+r.DeadLettered > 0
}

type Option func(*Dispatcher)

// WithMetrics records relay metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDeadLetter forwards FAILED records to p.
func WithDeadLetter(p DeadLetterPublisher) Option {
	return func(d *Dispatcher) { d.deadLetter = p }
}

// WithClock overrides the wall clock.
func WithClock(c outbox.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// Dispatcher runs claim, publish, acknowledge cycles against one sink.
type Dispatcher struct {
	store      outbox.Store
	sink       sink.Sink
	cfg        Config
	clock      outbox.Clock
	logger     zerolog.Logger
	metrics    *observability.Metrics
	deadLetter DeadLetterPublisher
	tracer     trace.Tracer

	phase atomic.Int32
}

func NewDispatcher(store outbox.Store, s sink.Sink, cfg Config, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		sink:   s,
		cfg:    cfg,
		clock:  outbox.SystemClock{},
		logger: logger.With().Str("component", "dispatcher").Str("owner", cfg.Owner).Logger(),
		tracer: otel.Tracer("github.com/cassiomorais/outbox/internal/application/relay"),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observability.NewMetrics("outbox", prometheus.NewRegistry())
	}
	return d
}

// Phase returns the current cycle phase.
func (d *Dispatcher) Phase() Phase {
	return Phase(d.phase.Load())
}

func (d *Dispatcher) setPhase(p Phase) {
	d.phase.Store(int32(p))
}

// Run reclaims expired leases, then dispatches until ctx is cancelled. It
// claims again right away only after a cycle that moved records forward;
// otherwise it sleeps for PollInterval.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.reclaim(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to reclaim expired leases on start")
	} else if n > 0 {
		d.logger.Info().Int64("records", n).Msg("Reclaimed expired leases on start")
	}

	d.logger.Info().
		Int("batch_size", d.cfg.BatchSize).
		Dur("lease", d.cfg.LeaseDuration).
		Msg("Dispatcher started")

	for {
		if ctx.Err() != nil {
			d.logger.Info().Msg("Dispatcher stopped")
			return nil
		}

		res, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error().Err(err).Msg("Dispatch cycle failed")
		}
		if err == nil && res.progressed() {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

func (d *Dispatcher) reclaim(ctx context.Context) (int64, error) {
	storeCtx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()
	n, err := d.store.ReclaimExpiredLeases(storeCtx, d.clock.Now())
	if err != nil {
		return 0, err
	}
	d.metrics.RelayReclaimedTotal.Add(float64(n))
	return n, nil
}

// DispatchOnce runs a single cycle. Per-record failures are recorded on the
// records and reflected in the result; only a failed claim returns an error.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Result, error) {
	var res Result
	defer d.setPhase(PhaseIdle)

	if d.cfg.budget() >= d.cfg.LeaseDuration {
		return res, fmt.Errorf("%w: lease %s, need more than %s", ErrLeaseTooShort, d.cfg.LeaseDuration, d.cfg.budget())
	}

	d.setPhase(PhaseClaiming)
	claimedAt := d.clock.Now()
	claimCtx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	recs, err := d.store.ClaimBatch(claimCtx, outbox.ClaimRequest{
		Owner: d.cfg.Owner,
		Limit: d.cfg.BatchSize,
		Lease: d.cfg.LeaseDuration,
		Now:   claimedAt,
	})
	cancel()
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	if len(recs) == 0 {
		return res, nil
	}

	start := time.Now()
	res.Claimed = len(recs)
	d.metrics.RelayClaimedTotal.Add(float64(len(recs)))

	ctx, span := d.tracer.Start(ctx, "outbox.relay.cycle", trace.WithAttributes(
		attribute.String("outbox.owner", d.cfg.Owner),
		attribute.Int("outbox.claimed", len(recs)),
	))
	defer span.End()

	slices.SortStableFunc(recs, func(a, b *outbox.Record) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})

	// stop publishing while there is still time to acknowledge inside the lease
	leaseEnd := claimedAt.Add(d.cfg.LeaseDuration)
	budget := d.cfg.budget()

	d.setPhase(PhasePublishing)
	var delivered []*outbox.Record
	var release []uuid.UUID
	failedAggregates := make(map[string]bool)

	for i, rec := range recs {
		if ctx.Err() != nil || d.clock.Now().Add(budget).After(leaseEnd) {
			for _, rest := range recs[i:] {
				release = append(release, rest.ID)
			}
			break
		}

		// never publish a later event of an aggregate whose earlier event failed
		if failedAggregates[rec.AggregateKey()] {
			release = append(release, rec.ID)
			continue
		}

		err := d.publish(ctx, rec)
		if err == nil {
			delivered = append(delivered, rec)
			continue
		}
		failedAggregates[rec.AggregateKey()] = true

		if ctx.Err() != nil {
			// interrupted by shutdown, not a sink failure
			release = append(release, rec.ID)
			continue
		}
		d.fail(ctx, rec, err, &res)
	}

	d.setPhase(PhaseAcknowledging)
	d.acknowledge(ctx, delivered, &res)
	d.release(ctx, release, &res)

	d.metrics.RelayCycleDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("outbox.delivered", res.Delivered),
		attribute.Int("outbox.retried", res.Retried),
		attribute.Int("outbox.dead_lettered", res.DeadLettered),
		attribute.Int("outbox.released", res.Released),
	)

	d.logger.Debug().
		Int("claimed", res.Claimed).
		Int("delivered", res.Delivered).
		Int("retried", res.Retried).
		Int("dead_lettered", res.DeadLettered).
		Int("released", res.Released).
		Int("conflicts", res.Conflicts).
		Dur("took", time.Since(start)).
		Msg("Dispatch cycle complete")

	return res, nil
}

// publish delivers one record, retrying in-cycle up to PublishAttempts. Each
// attempt runs on a context detached from shutdown so an in-flight publish
// completes; shutdown only stops further attempts.
func (d *Dispatcher) publish(ctx context.Context, rec *outbox.Record) error {
	ctx, span := d.tracer.Start(ctx, "outbox.relay.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.record_id", rec.ID.String()),
			attribute.String("outbox.aggregate_type", rec.AggregateType),
			attribute.String("outbox.aggregate_id", rec.AggregateID),
			attribute.String("outbox.event_type", rec.EventType),
			attribute.Int("outbox.attempts", rec.Attempts),
		),
	)
	defer span.End()

	msg := sink.FromRecord(rec)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))

	start := time.Now()
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  uint(max(d.cfg.PublishAttempts, 1)),
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		RetryIf:      func(err error) bool { return !sink.IsPermanent(err) },
		OnRetry: func(n uint, err error) {
			d.logger.Debug().Err(err).Str("event_id", rec.ID.String()).Uint("attempt", n+1).Msg("Publish attempt failed, retrying")
		},
	}, func() error {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PublishTimeout)
		defer cancel()
		return d.sink.Publish(attemptCtx, msg)
	})
	d.metrics.RelayPublishDuration.WithLabelValues(rec.AggregateType).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := "transient"
		if sink.IsPermanent(err) {
			kind = "permanent"
		}
		d.metrics.RelayPublishFailures.WithLabelValues(rec.AggregateType, kind).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %w", domainErrors.ErrSinkPublishFailed, err)
	}
	return nil
}

// storeContext bounds a store call that must run even after shutdown began.
func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
}

func (d *Dispatcher) fail(ctx context.Context, rec *outbox.Record, cause error, res *Result) {
	reason := truncate(cause.Error(), maxReasonLength)
	attempts := rec.Attempts + 1
	maxAttempts := d.cfg.Retry.MaxAttempts
	if sink.IsPermanent(cause) {
		// retrying cannot help, so this attempt is the last one
		maxAttempts = attempts
	}
	retryAt := d.cfg.Retry.NextAttemptAt(d.clock.Now(), attempts)

	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()
	status, err := d.store.MarkFailedRetry(storeCtx, d.cfg.Owner, rec.ID, outbox.Failure{
		Reason:      reason,
		MaxAttempts: maxAttempts,
		RetryAt:     retryAt,
	})

	log := d.logger.With().
		Str("event_id", rec.ID.String()).
		Str("aggregate", rec.AggregateKey()).
		Str("event_type", rec.EventType).
		Int("attempts", attempts).
		Logger()

	switch {
	case errors.Is(err, domainErrors.ErrClaimConflict):
		res.Conflicts++
		d.metrics.RelayClaimConflictsTotal.Inc()
		log.Warn().Err(cause).Msg("Publish failed after the lease was lost")
	case err != nil:
		// the lease will expire and the sweeper hands the record back
		log.Error().Err(err).AnErr("cause", cause).Msg("Failed to record publish failure")
	case status == outbox.StatusFailed:
		res.DeadLettered++
		failed := rec.Clone()
		failed.Status = outbox.StatusFailed
		failed.Attempts = attempts
		failed.LastError = &reason
		failed.LeaseOwner, failed.LeaseExpiresAt = nil, nil
		d.deadLettered(ctx, failed, log)
	default:
		res.Retried++
		log.Warn().Err(cause).Time("retry_at", retryAt).Msg("Publish failed, will retry")
	}
}

func (d *Dispatcher) deadLettered(ctx context.Context, rec *outbox.Record, log zerolog.Logger) {
	d.metrics.RelayDeadLetteredTotal.WithLabelValues(rec.AggregateType).Inc()
	log.Error().Str("reason", *rec.LastError).Msg("Record dead-lettered")

	if d.deadLetter == nil {
		return
	}
	dlqCtx, cancel := d.storeContext(ctx)
	defer cancel()
	if err := d.deadLetter.PublishDeadLetter(dlqCtx, rec); err != nil {
		log.Error().Err(err).Msg("Failed to forward dead letter")
	}
}

func (d *Dispatcher) acknowledge(ctx context.Context, delivered []*outbox.Record, res *Result) {
	if len(delivered) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(delivered))
	for i, rec := range delivered {
		ids[i] = rec.ID
	}

	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()
	n, err := d.store.MarkDelivered(storeCtx, d.cfg.Owner, ids, d.clock.Now())
	if err != nil {
		// published but unacknowledged: they are redelivered after the lease ends
		d.logger.Error().Err(err).Int("records", len(ids)).Msg("Failed to acknowledge delivered records")
		return
	}

	res.Delivered = int(n)
	for _, rec := range delivered {
		d.metrics.RelayDeliveredTotal.WithLabelValues(rec.AggregateType).Inc()
	}
	if lost := len(ids) - int(n); lost > 0 {
		res.Conflicts += lost
		d.metrics.RelayClaimConflictsTotal.Add(float64(lost))
		d.logger.Warn().Int("records", lost).Msg("Acknowledged records whose lease was lost, they will be delivered again")
	}
}

func (d *Dispatcher) release(ctx context.Context, ids []uuid.UUID, res *Result) {
	if len(ids) == 0 {
		return
	}
	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()
	n, err := d.store.Release(storeCtx, d.cfg.Owner, ids)
	if err != nil {
		d.logger.Error().Err(err).Int("records", len(ids)).Msg("Failed to release records")
		return
	}
	res.Released = int(n)
	d.metrics.RelayReleasedTotal.Add(float64(n))
}

// truncate returns valid UTF-8 of at most n bytes, cut on a rune boundary.
// last_error is a text column and rejects invalid byte sequences.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
