// Package logging builds the process logger.
//
// It wraps zap with:
//   - a Trace level below Debug
//   - stdout output, optionally teed to an OpenTelemetry log provider
//   - correlation fields taken from the context (trace, project, workflow,
//     execution, request)
//   - redaction of sensitive field values
//   - level-aware sampling that never drops errors
//
// Components take a plain *zap.Logger; Logger.Underlying hands one out.
// Request-scoped code logs through the context-aware methods:
//
//	ctx = logging.WithProjectID(ctx, "shop")
//	logger.Info(ctx, "advance requested")
package logging
