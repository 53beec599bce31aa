// Package observability provides logging, metrics, and tracing support for
// the book generation service.
//
// # Logging
//
// Create a logger from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:   "info",
//	    Format:  "json",
//	    Service: "book-generation-service",
//	})
//	logger.Info().Str("book_id", id).Msg("outline approved")
//
// Loggers pick up request and book identifiers from the context:
//
//	ctx = observability.WithBookID(ctx, id)
//	log := observability.LoggerFromContext(ctx, logger)
//
// # Metrics
//
// Metrics are registered once per process:
//
//	metrics := observability.NewMetrics("bookgen")
//	metrics.RecordTransition("decide_outline", "ok")
//
// A nil *Metrics is valid and records nothing.
//
// # Tracing
//
// InitTracing installs an OpenTelemetry tracer provider exporting over
// OTLP/HTTP or to stdout. StartSpan and EndSpan wrap the global tracer.
//
// # Standard Fields
//
//   - request_id: HTTP request identifier
//   - correlation_id: caller supplied correlation identifier
//   - book_id: book identifier
//   - chapter: chapter number
//   - provider: generation provider (gemini, anthropic, openai)
//   - stage: outline, chapter, summary, compilation
//   - workflow_id: Temporal workflow identifier
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
