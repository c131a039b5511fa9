package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("outbox", reg)

	m.RelayDeadLetteredTotal.WithLabelValues("Order").Inc()
	m.OutboxRecords.WithLabelValues("PENDING").Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["outbox_dead_lettered_total"])
	assert.True(t, names["outbox_records"])
	assert.True(t, names["outbox_parked_records"])
	assert.True(t, names["outbox_relay_claimed_total"])
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics("outbox", reg)

	assert.Panics(t, func() { NewMetrics("outbox", reg) })
}

func TestObserveBreaker(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.ObserveBreaker("sink-kafka", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, promtest.ToFloat64(m.CircuitBreakerState.WithLabelValues("sink-kafka")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CircuitBreakerTransitions.WithLabelValues("sink-kafka", "open")))

	m.ObserveBreaker("sink-kafka", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CircuitBreakerState.WithLabelValues("sink-kafka")))
}
