/*
Package tracing records spans of work, groups them into traces and ships
finished traces to an APM collector.

# Overview

A Tracer hands out spans. Every span belongs to a trace; the first span a
process starts for a trace is its local root. Spans of a trace are held in
a sharded buffer until all of them have finished, then flushed as one chunk
to a Writer that batches chunks and sends them from a background goroutine.

# Features

- 128-bit trace ids and 64-bit span ids
- Parent resolution from options, context.Context or propagated headers
- Deterministic sampling with rules, rate limits and collector fed rates
- Partial flush of large traces and eviction of the oldest open traces
- Abandoned trace sweep for spans that are never finished
- Bounded, non-blocking writer with retries and a circuit breaker
- Gin middleware, gRPC interceptors and an operation registry

# Usage

	tracer, err := tracing.New(
		tracing.WithConfig(cfg.Tracer),
		tracing.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer tracer.Stop(context.Background())

	// HTTP middleware
	router.Use(tracing.HTTPMiddleware(tracer))

	// gRPC server interceptors
	server := grpc.NewServer(
		grpc.UnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)),
		grpc.StreamInterceptor(tracing.GRPCStreamInterceptor(tracer)),
	)

	// Manual spans
	span, ctx := tracer.StartSpan(ctx, "db.query", tracing.WithResource("SELECT users"))
	defer span.Finish()

# Propagation

Contexts cross process boundaries as headers:
- X-Trace-Context: 1-<trace id, 32 hex>-<span id, 16 hex>
- X-Sampling-Priority: the trace's sampling priority
- X-Trace-Origin: where the trace started
- X-Baggage-<key>: one header per baggage item

Malformed headers are ignored and the request starts a new trace.

# Performance

StartSpan and Finish never block on I/O:
- Open traces are sharded by trace id, one lock per shard
- A full writer queue drops a chunk instead of waiting
- Delivery, retries and backoff run on the writer's goroutine
*/
package tracing
