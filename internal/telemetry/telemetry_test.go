package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"disabled ignores everything", func(c *Config) { c.Endpoint = ""; c.Sampling.Rate = 7 }, ""},
		{"enabled local", func(c *Config) { c.Enabled = true }, ""},
		{"no endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, "endpoint is required"},
		{"no service name", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, "service_name is required"},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, "protocol must be"},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "insecure connections"},
		{"secure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317"; c.Insecure = false }, ""},
		{"sampling range", func(c *Config) { c.Enabled = true; c.Sampling.Rate = 1.5 }, "sampling.rate"},
		{"export interval", func(c *Config) { c.Enabled = true; c.Metrics.ExportInterval = 0 }, "export_interval"},
		{"metrics off skips interval", func(c *Config) { c.Enabled = true; c.Metrics.Enabled = false; c.Metrics.ExportInterval = 0 }, ""},
		{"shutdown timeout", func(c *Config) { c.Enabled = true; c.ShutdownTimeout = 0 }, "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	for endpoint, want := range map[string]bool{
		"localhost:4317":          true,
		"127.0.0.1:4317":          true,
		"http://localhost:4318":   true,
		"[::1]:4317":              true,
		"collector:4317":          false,
		"https://otel.example.io": false,
	} {
		assert.Equal(t, want, isLocalEndpoint(endpoint), endpoint)
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.example.io:443", stripScheme("https://otel.example.io:443"))
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NotNil(t, tel.Tracer("vibe"))
	assert.NotNil(t, tel.Meter("vibe"))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Protocol = "carrier-pigeon"
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestNew_EnabledInstallsGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Metrics.Enabled = false
	cfg.ShutdownTimeout = 200 * time.Millisecond

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)
	assert.Same(t, tel.tracerProvider, otel.GetTracerProvider())

	_ = tel.Shutdown(context.Background())
	assert.False(t, tel.IsEnabled())
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NotNil(t, tel.Tracer("vibe"))
}

func TestSetDegraded(t *testing.T) {
	tel := &Telemetry{}
	tel.healthy.Store(true)
	tel.setDegraded("metrics disabled: %v", "dial tcp: refused")

	h := tel.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.Degraded)
	assert.Equal(t, []string{"metrics disabled: dial tcp: refused"}, h.Reasons)
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("vibe/test").Start(ctx, "orchestrator.Advance")
	span.SetAttributes(attribute.String("position", "PLANNING"), attribute.Int("attempt", 2))
	span.End()

	counter, err := tt.Meter("vibe/test").Int64Counter("vibe.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	tt.AssertSpan(t, "orchestrator.Advance", map[string]any{"position": "PLANNING", "attempt": int64(2)})
	assert.Equal(t, map[string]any{"position": "PLANNING", "attempt": int64(2)}, tt.SpanAttributes("orchestrator.Advance"))
	assert.Nil(t, tt.SpanNamed("missing"))
	assert.Nil(t, tt.SpanAttributes("missing"))
	assert.Len(t, tt.Spans(), 1)

	rm, err := tt.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "vibe.test.count", rm.ScopeMetrics[0].Metrics[0].Name)
}
