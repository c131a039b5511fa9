package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestInitTracer_Validation(t *testing.T) {
	_, err := InitTracer(context.Background(), "", "localhost:4318")
	assert.ErrorContains(t, err, "service name")

	_, err = InitTracer(context.Background(), "outbox-relay", "")
	assert.ErrorContains(t, err, "endpoint")
}

func TestInitTracer_InstallsProviderAndPropagator(t *testing.T) {
	tp, err := InitTracer(context.Background(), "outbox-relay", "localhost:4318")
	require.NoError(t, err)
	defer Shutdown(context.Background(), tp)

	assert.Same(t, tp, otel.GetTracerProvider())

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.Equal(t, "00-01000000000000000000000000000000-0200000000000000-01", carrier.Get("traceparent"))
}

func TestShutdown_NilProvider(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background(), nil))
}
