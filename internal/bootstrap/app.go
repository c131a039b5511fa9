package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	appOutbox "github.com/cassiomorais/outbox/internal/application/outbox"
	"github.com/cassiomorais/outbox/internal/application/relay"
	"github.com/cassiomorais/outbox/internal/domain/idempotency"
	"github.com/cassiomorais/outbox/internal/domain/order"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/cassiomorais/outbox/internal/infrastructure/config"
	"github.com/cassiomorais/outbox/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/outbox/internal/infrastructure/redis"
	"github.com/cassiomorais/outbox/internal/repository/memory"
	"github.com/cassiomorais/outbox/internal/repository/postgres"
	"github.com/cassiomorais/outbox/internal/sink"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const sweepLockKey = "outbox:sweeper"

// OutboxStore is what the relay and the operator API need from a backend.
type OutboxStore interface {
	outbox.Store
	outbox.Inspector
}

// Backend groups the repositories of one storage driver.
type Backend struct {
	TxManager   appOutbox.TransactionManager
	Orders      order.Repository
	Outbox      OutboxStore
	Idempotency idempotency.Repository
}

type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Pool     *pgxpool.Pool // nil with database.driver=memory
	Redis    *redis.Client // nil with redis.enabled=false
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Backend  Backend

	tracer  *sdktrace.TracerProvider
	closers []io.Closer
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout, serviceName)
	logger.Info().Str("instance_id", cfg.InstanceID).Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(ctx, serviceName, cfg.Observability.TracingEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
			logger.Info().Str("endpoint", cfg.Observability.TracingEndpoint).Msg("Tracing enabled")
		}
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = observability.NewMetrics(metricsNamespace, app.Registry)

	switch cfg.Database.Driver {
	case config.DriverMemory:
		db := memory.NewDB()
		app.Backend = Backend{
			TxManager:   memory.NewTxManager(db),
			Orders:      memory.NewOrderRepository(db),
			Outbox:      memory.NewOutboxStore(db),
			Idempotency: memory.NewIdempotencyRepository(db),
		}
		logger.Warn().Msg("Using in-memory storage, records do not survive a restart")
	default:
		pool, err := postgres.NewPool(ctx, &cfg.Database)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		app.Pool = pool
		app.Backend = Backend{
			TxManager:   postgres.NewTxManager(pool),
			Orders:      postgres.NewOrderRepository(pool),
			Outbox:      postgres.NewOutboxRepository(pool),
			Idempotency: postgres.NewIdempotencyRepository(pool),
		}
		logger.Info().Msg("Connected to PostgreSQL")
	}

	if cfg.Redis.Enabled {
		client, err := infraRedis.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.Redis = client
		logger.Info().Msg("Connected to Redis")
	}

	return app, nil
}

// Ping reports whether the storage backend answers.
func (a *App) Ping(ctx context.Context) error {
	if a.Pool == nil {
		return nil
	}
	return a.Pool.Ping(ctx)
}

// PingRedis reports whether redis answers. It is a no-op when redis is disabled.
func (a *App) PingRedis(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.Ping(ctx).Err()
}

// NewRelay wires relay.workers dispatchers, the lease sweeper and the
// housekeeper around the configured sink. The sink is closed by Close.
func (a *App) NewRelay(ctx context.Context) (*relay.Relay, error) {
	rc := a.Config.Relay

	deps := sink.Deps{
		Logger:        a.Logger,
		ClientID:      a.Config.InstanceID,
		OnStateChange: a.Metrics.ObserveBreaker,
	}
	if a.Redis != nil {
		deps.Redis = a.Redis
	}
	s, err := sink.New(ctx, a.Config.Sink, deps)
	if err != nil {
		return nil, fmt.Errorf("create %s sink: %w", a.Config.Sink.Type, err)
	}
	a.closers = append(a.closers, s)

	opts := []relay.Option{relay.WithMetrics(a.Metrics)}
	if a.Redis != nil {
		opts = append(opts, relay.WithDeadLetter(infraRedis.NewDeadLetterProducer(a.Redis, rc.DeadLetterStream)))
	}

	dispatchers := make([]*relay.Dispatcher, 0, rc.Workers)
	for i := 0; i < rc.Workers; i++ {
		cfg := relay.Config{
			Owner:         fmt.Sprintf("%s-%d", a.Config.InstanceID, i),
			BatchSize:     rc.BatchSize,
			LeaseDuration: rc.LeaseDuration,
			PollInterval:  rc.PollInterval,
			Retry: outbox.RetryPolicy{
				MaxAttempts:    rc.MaxAttempts,
				InitialBackoff: rc.InitialBackoff,
				MaxBackoff:     rc.MaxBackoff,
				Multiplier:     rc.BackoffMultiplier,
			},
			PublishAttempts: rc.PublishAttempts,
			PublishTimeout:  rc.PublishTimeout,
			StoreTimeout:    rc.StoreTimeout,
		}
		dispatchers = append(dispatchers, relay.NewDispatcher(a.Backend.Outbox, s, cfg, a.Logger, opts...))
	}

	var locker relay.Locker
	if a.Redis != nil {
		locker = infraRedis.NewDistributedLock(a.Redis, sweepLockKey, rc.SweepLockTTL)
	}
	sweeper := relay.NewSweeper(a.Backend.Outbox, locker, rc.SweepInterval, rc.StoreTimeout, a.Metrics, a.Logger)

	housekeeper := relay.NewHousekeeper(
		appOutbox.NewAdmin(a.Backend.Outbox, nil),
		rc.DeliveredRetention,
		rc.PurgeInterval,
		a.Metrics,
		a.Logger,
	).WithIdempotencyCleanup(a.Backend.Idempotency)

	a.Logger.Info().
		Str("sink", a.Config.Sink.Type).
		Int("workers", rc.Workers).
		Bool("sweep_lock", locker != nil).
		Msg("Relay configured")

	return relay.New(dispatchers, sweeper, housekeeper, a.Logger), nil
}

func (a *App) Close() {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.tracer != nil {
		errs = append(errs, observability.Shutdown(context.Background(), a.tracer))
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.Error().Err(err).Msg("Shutdown finished with errors")
	}
}
