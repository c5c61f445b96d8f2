// Package main runs a sample service instrumented with the tracer.
//
// The service exposes a small inventory API over HTTP and the standard
// gRPC health service. Every request is traced and the finished traces
// are shipped to a trace collector.
//
// Architecture:
//
//	HTTP / gRPC request → tracing middleware → handler spans
//	                                         → span buffer → writer → collector
//
// The server provides:
//   - GET  /inventory/:sku and POST /inventory/:sku/reserve
//   - GET  /health, /metrics (Prometheus)
//   - GET  /debug/tracer (tracer counters), /debug/operations
//   - grpc.health.v1.Health on the gRPC port
//
// Configuration:
//   - Environment variables (12-factor), see internal/infrastructure/config
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Send traces to a local collector
//	TRACE_SERVICE=inventory TRACE_ENV=dev ./server -agent http://localhost:8126
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown, open traces are flushed
package main
