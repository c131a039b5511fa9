package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// Metrics holds all application metrics
type Metrics struct {
	// Writer metrics
	OutboxWritesTotal *prometheus.CounterVec

	// Relay metrics
	RelayClaimedTotal        prometheus.Counter
	RelayDeliveredTotal      *prometheus.CounterVec
	RelayPublishFailures     *prometheus.CounterVec
	RelayPublishDuration     *prometheus.HistogramVec
	RelayDeadLetteredTotal   *prometheus.CounterVec
	RelayReleasedTotal       prometheus.Counter
	RelayClaimConflictsTotal prometheus.Counter
	RelayReclaimedTotal      prometheus.Counter
	RelayPurgedTotal         prometheus.Counter
	RelayCycleDuration       prometheus.Histogram

	// Backlog gauges, refreshed by housekeeping
	OutboxRecords          *prometheus.GaugeVec
	OutboxOldestPendingAge prometheus.Gauge
	OutboxParkedRecords    prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		OutboxWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_total",
				Help:      "Total number of transactional outbox writes by result",
			},
			[]string{"event_type", "result"},
		),
		RelayClaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_claimed_total",
				Help:      "Total number of records claimed for dispatch",
			},
		),
		RelayDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_delivered_total",
				Help:      "Total number of records acknowledged by the sink",
			},
			[]string{"aggregate_type"},
		),
		RelayPublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_publish_failures_total",
				Help:      "Total number of failed publish attempts",
			},
			[]string{"aggregate_type", "kind"},
		),
		RelayPublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_publish_duration_seconds",
				Help:      "Sink publish duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"aggregate_type"},
		),
		RelayDeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_lettered_total",
				Help:      "Total number of records moved to FAILED",
			},
			[]string{"aggregate_type"},
		),
		RelayReleasedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_released_total",
				Help:      "Total number of claimed records handed back unpublished",
			},
		),
		RelayClaimConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_claim_conflicts_total",
				Help:      "Total number of acknowledgements rejected because the lease was lost",
			},
		),
		RelayReclaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_reclaimed_total",
				Help:      "Total number of expired leases returned to PENDING",
			},
		),
		RelayPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_purged_total",
				Help:      "Total number of delivered records removed by housekeeping",
			},
		),
		RelayCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_cycle_duration_seconds",
				Help:      "Duration of non-empty dispatch cycles in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		OutboxRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "records",
				Help:      "Number of outbox records by status",
			},
			[]string{"status"},
		),
		OutboxOldestPendingAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "oldest_pending_age_seconds",
				Help:      "Age of the oldest PENDING record in seconds",
			},
		),
		OutboxParkedRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "parked_records",
				Help:      "Number of PENDING records held back by a FAILED record of the same aggregate",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of circuit breaker state changes",
			},
			[]string{"name", "to"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.OutboxWritesTotal,
		m.RelayClaimedTotal,
		m.RelayDeliveredTotal,
		m.RelayPublishFailures,
		m.RelayPublishDuration,
		m.RelayDeadLetteredTotal,
		m.RelayReleasedTotal,
		m.RelayClaimConflictsTotal,
		m.RelayReclaimedTotal,
		m.RelayPurgedTotal,
		m.RelayCycleDuration,
		m.OutboxRecords,
		m.OutboxOldestPendingAge,
		m.OutboxParkedRecords,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerTransitions,
	)

	return m
}

// ObserveBreaker records a circuit breaker transition. It matches the
// sink.StateChangeFunc signature.
func (m *Metrics) ObserveBreaker(name string, from, to gobreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	m.CircuitBreakerTransitions.WithLabelValues(name, to.String()).Inc()
}
