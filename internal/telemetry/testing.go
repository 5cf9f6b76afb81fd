package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TestTelemetry records spans in memory for assertions. It does not touch
// the global provider; hand its Tracer to the component under test.
type TestTelemetry struct {
	provider *sdktrace.TracerProvider
	recorder *tracetest.SpanRecorder
}

// NewTestTelemetry returns a recorder that is shut down with the test.
func NewTestTelemetry(t testing.TB) *TestTelemetry {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(rec),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &TestTelemetry{provider: tp, recorder: rec}
}

// Tracer returns a recording tracer.
func (tt *TestTelemetry) Tracer(name string) oteltrace.Tracer {
	return tt.provider.Tracer(name)
}

// Provider returns the recording provider.
func (tt *TestTelemetry) Provider() oteltrace.TracerProvider {
	return tt.provider
}

// Spans returns ended spans in end order.
func (tt *TestTelemetry) Spans() []sdktrace.ReadOnlySpan {
	return tt.recorder.Ended()
}

// SpansNamed returns ended spans called name.
func (tt *TestTelemetry) SpansNamed(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range tt.recorder.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// AssertSpanExists fails unless an ended span called name exists.
func (tt *TestTelemetry) AssertSpanExists(t testing.TB, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := tt.SpansNamed(name)
	if !assert.NotEmpty(t, spans, "no span named %q", name) {
		return nil
	}
	return spans[0]
}

// AssertSpanAttribute fails unless some span called name carries key=value.
func (tt *TestTelemetry) AssertSpanAttribute(t testing.TB, name string, key attribute.Key, value any) {
	t.Helper()
	for _, s := range tt.SpansNamed(name) {
		for _, kv := range s.Attributes() {
			if kv.Key == key && assert.ObjectsAreEqual(value, kv.Value.AsInterface()) {
				return
			}
		}
	}
	assert.Fail(t, "span attribute not found", "span %q has no attribute %s=%v", name, key, value)
}
