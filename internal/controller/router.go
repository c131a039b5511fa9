package controller

import (
	"net/http"
	"time"

	orderApp "github.com/cassiomorais/outbox/internal/application/order"
	appOutbox "github.com/cassiomorais/outbox/internal/application/outbox"
	"github.com/cassiomorais/outbox/internal/domain/idempotency"
	"github.com/cassiomorais/outbox/internal/infrastructure/config"
	"github.com/cassiomorais/outbox/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/outbox/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	ServiceName     string
	CreateOrder     *orderApp.CreateOrderUseCase
	GetOrder        *orderApp.GetOrderUseCase
	Admin           *appOutbox.Admin
	IdempotencyRepo idempotency.Repository
	HealthChecks    map[string]HealthCheck
	RelayStatus     func() map[string]string
	Metrics         *observability.Metrics
	ServerConf      config.ServerConfig
	Logger          zerolog.Logger

	// Gatherer serves /metrics. Nil leaves the endpoint unmounted.
	Gatherer prometheus.Gatherer
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing(deps.ServiceName))
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.ServerConf.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", customMW.IdempotencyKeyHeader},
		ExposedHeaders:   []string{"Location", "X-Idempotency-Replayed"},
		AllowCredentials: deps.ServerConf.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.HealthChecks, deps.RelayStatus)
	orderH := NewOrderController(deps.CreateOrder, deps.GetOrder)
	outboxH := NewOutboxController(deps.Admin)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		var writes []func(http.Handler) http.Handler
		if deps.ServerConf.RateLimit > 0 {
			writes = append(writes, customMW.RateLimit(deps.ServerConf.RateLimit))
		}
		if deps.IdempotencyRepo != nil {
			writes = append(writes, customMW.Idempotency(deps.IdempotencyRepo, idempotency.DefaultTTL, deps.Logger))
		}

		// Orders
		r.With(writes...).Post("/orders", orderH.Create)
		r.Get("/orders/{id}", orderH.Get)

		// Outbox operator API
		r.Get("/outbox/stats", outboxH.Stats)
		r.Get("/outbox/records", outboxH.List)
		r.Get("/outbox/records/{id}", outboxH.Get)
		r.Post("/outbox/records/{id}/requeue", outboxH.Requeue)
	})

	return r
}
