package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := Setup(context.Background(), "linkplay-test", " ")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, shutdown(ctx))
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable, nothing is exported before shutdown.
	shutdown, err := Setup(context.Background(), "linkplay-test", "http://192.0.2.1:4318")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewProvider_TagsService(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp, err := NewProvider(context.Background(), "linkplay-test", sdktrace.WithSpanProcessor(sr))
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "linkplay.match")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "linkplay.match", ended[0].Name())
	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "linkplay-test", service)
}
