// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON lines on stderr
//   - Development: colored console output
//
// The tracer logs through child loggers ("tracer", "writer", "transport")
// with trace_id and span_id fields where a span is involved. Leveled adapts
// the same logger for go-retryablehttp.
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	logger.Named("writer").Warn("payload dropped", zap.Int("traces", n))
package logging
