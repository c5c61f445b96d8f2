// Package config provides 12-factor configuration for the tracer and the
// service hosting it.
//
// Configuration is loaded from environment variables with defaults and
// validated before use; the tracer refuses to start on invalid values.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Logging: Log level and output format
//   - Tracer: collector address, sampling, buffering and delivery
//
// Sampling rules live in a separate YAML or TOML file named by
// TRACE_SAMPLING_RULES_FILE.
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Reporting to %s\n", cfg.Tracer.AgentURL)
//
// Environment Variables:
//   - PORT, HOST, LOG_LEVEL, LOG_DEV
//   - TRACE_ENABLED, TRACE_SERVICE, TRACE_ENV, TRACE_VERSION, TRACE_AGENT_URL
//   - TRACE_SAMPLE_RATE, TRACE_RATE_LIMIT, TRACE_SAMPLING_RULES_FILE
//   - TRACE_MAX_QUEUE_SIZE, TRACE_DROP_POLICY, TRACE_MAX_PAYLOAD_SPANS
//   - TRACE_FLUSH_INTERVAL, TRACE_FLUSH_TIMEOUT
//   - TRACE_PARTIAL_FLUSH_ENABLED, TRACE_PARTIAL_FLUSH_MIN_SPANS
//   - TRACE_MAX_OPEN_TRACES, TRACE_TIMEOUT, TRACE_SWEEP_INTERVAL, TRACE_KEEP_UNSAMPLED
//   - TRACE_RETRY_MAX, TRACE_RETRY_WAIT_MIN, TRACE_RETRY_WAIT_MAX
//   - TRACE_REQUEST_TIMEOUT, TRACE_COMPRESSION
package config
