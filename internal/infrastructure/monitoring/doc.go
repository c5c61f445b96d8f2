/*
Package monitoring provides Prometheus metrics for the tracer and its host.

# Overview

TracerMetrics reports the tracer's own health: span lifecycle counts, open
traces, flushed and sampled-out chunks, writer queue depth, retries and
drops by reason. Metrics covers the HTTP traffic of the demo service.

Both take a prometheus.Registerer so tests and embedded tracers can use a
private registry.

# Usage

	reg := prometheus.NewRegistry()
	tm := monitoring.NewTracerMetrics(reg)
	tm.RecordDrop(monitoring.DropQueueFull, 1)

	metrics := monitoring.NewMetrics(reg)
	router.Use(monitoring.Middleware(metrics))

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
