package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry is an enabled Telemetry whose spans and metrics stay in
// memory. It never touches the global providers, so tests using it can run
// in parallel.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	MetricReader *sdkmetric.ManualReader
}

// NewTestTelemetry creates a TestTelemetry.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	tt := &TestTelemetry{
		SpanRecorder: tracetest.NewSpanRecorder(),
		MetricReader: sdkmetric.NewManualReader(),
	}
	tt.Telemetry = &Telemetry{
		config:         cfg,
		tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(tt.SpanRecorder)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(tt.MetricReader)),
	}
	tt.healthy.Store(true)
	return tt
}

// Spans returns the ended spans in end order.
func (tt *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return tt.SpanRecorder.Ended()
}

// SpanNamed returns the first ended span called name, or nil.
func (tt *TestTelemetry) SpanNamed(name string) trace.ReadOnlySpan {
	for _, s := range tt.Spans() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// SpanAttributes flattens the attributes of the span called name into plain
// Go values: string, int64, float64, bool or a slice of those.
func (tt *TestTelemetry) SpanAttributes(name string) map[string]any {
	s := tt.SpanNamed(name)
	if s == nil {
		return nil
	}
	attrs := make(map[string]any, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = plain(kv.Value)
	}
	return attrs
}

// AssertSpan fails tb unless a span called name ended carrying every
// attribute in want.
func (tt *TestTelemetry) AssertSpan(tb testing.TB, name string, want map[string]any) {
	tb.Helper()
	got := tt.SpanAttributes(name)
	require.NotNil(tb, got, "span %q not recorded; have %v", name, tt.spanNames())
	for k, v := range want {
		assert.Equal(tb, v, got[k], "span %q attribute %q", name, k)
	}
}

// Collect reads the current metric state.
func (tt *TestTelemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := tt.MetricReader.Collect(ctx, &rm)
	return rm, err
}

func (tt *TestTelemetry) spanNames() []string {
	var names []string
	for _, s := range tt.Spans() {
		names = append(names, s.Name())
	}
	return names
}

func plain(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		return v.AsString()
	}
	return v.AsInterface()
}
