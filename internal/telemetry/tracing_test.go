package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracerProviderDisabled(t *testing.T) {
	t.Parallel()

	tp, shutdown, err := InitTracerProvider(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, tp)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracerProviderWithoutExporter(t *testing.T) {
	t.Parallel()

	tp, shutdown, err := InitTracerProvider(context.Background(), Config{Enabled: true, SampleRatio: 0.5})
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "render")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	t.Parallel()

	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1.5).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
