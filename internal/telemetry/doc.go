// Package telemetry sets up OpenTelemetry tracing and metrics export for vibe.
//
// Components create spans through the global tracer provider
// (orchestrator.Advance, workflow.Execute, workflow.ExecuteStep). New installs
// an OTLP-backed provider as the global one when telemetry is enabled, and
// leaves the no-op default in place otherwise.
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  sampling:
//	    rate: 0.25
//	  metrics:
//	    enabled: true
//	    export_interval: 15s
//
// # Errors
//
// Exporter setup failures do not stop the process. The instance is marked
// degraded, keeps the reason, and the affected signal stays no-op.
//
// # Testing
//
// TestTelemetry records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	m, _ := orchestrator.New(..., orchestrator.WithTracer(tt.Tracer("test")))
//	tt.AssertSpanExists(t, "orchestrator.Advance")
package telemetry
