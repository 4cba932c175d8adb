package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type codedErr struct{}

func (codedErr) Error() string     { return "nope" }
func (codedErr) ErrorCode() string { return "FORBIDDEN" }

func TestStartSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := Tracer
	Tracer = tp.Tracer("test")
	t.Cleanup(func() { Tracer = prev })

	ctx := WithAuthorPub(context.Background(), "alice-pub")
	_, span := StartSpan(ctx, "delete_service", "delete_post")
	span.SetError(errors.Join(errors.New("wrapped"), codedErr{}))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "delete_service.delete_post", got.Name())

	attrs := map[string]string{}
	for _, kv := range got.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "alice-pub", attrs["author.pub"])
	assert.Equal(t, "FORBIDDEN", attrs["error.code"])
	assert.Equal(t, "Error", got.Status().Code.String())
}

func TestInitTracing(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = InitTracing(TracingConfig{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)

	_, err = InitTracing(TracingConfig{Enabled: true, Exporter: ExporterOTLP})
	assert.Error(t, err, "otlp without an endpoint")
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), TracingConfig{SamplerRatio: 1}.sampler().Description())
	assert.Contains(t, TracingConfig{SamplerRatio: 0}.sampler().Description(), "AlwaysOffSampler")
	assert.Contains(t, TracingConfig{SamplerRatio: 0.25}.sampler().Description(), "TraceIDRatioBased")
}
