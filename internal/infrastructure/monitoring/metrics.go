package monitoring

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the HTTP metrics of the service hosting the tracer
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	started      time.Time
	requests     atomic.Int64
	clientErrors atomic.Int64
	serverErrors atomic.Int64
	latency      atomic.Int64 // summed nanoseconds
}

// MetricsSnapshot holds request totals for the health endpoint
type MetricsSnapshot struct {
	TotalRequests  int64   `json:"total_requests"`
	TotalErrors    int64   `json:"total_errors"`
	ClientErrors   int64   `json:"client_errors"`
	ServerErrors   int64   `json:"server_errors"`
	AverageLatency float64 `json:"average_latency_seconds"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// NewMetrics registers the HTTP metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		started: time.Now(),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apmtrace_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apmtrace_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.ExponentialBuckets(0.001, 2.5, 10),
		}, []string{"method", "path"}),
		ResponseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apmtrace_http_response_size_bytes",
			Help:    "HTTP response body size by route",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "path"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apmtrace_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "apmtrace_uptime_seconds",
		Help: "Process uptime in seconds",
	}, func() float64 { return time.Since(m.started).Seconds() })

	return m
}

// RecordHTTPRequest records one served request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, statusLabel(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.requests.Add(1)
	m.latency.Add(int64(duration))
	switch {
	case status >= 500:
		m.serverErrors.Add(1)
	case status >= 400:
		m.clientErrors.Add(1)
	}
}

// Snapshot returns the current request totals
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		TotalRequests: m.requests.Load(),
		ClientErrors:  m.clientErrors.Load(),
		ServerErrors:  m.serverErrors.Load(),
		UptimeSeconds: time.Since(m.started).Seconds(),
	}
	s.TotalErrors = s.ClientErrors + s.ServerErrors
	if s.TotalRequests > 0 {
		s.AverageLatency = time.Duration(m.latency.Load() / s.TotalRequests).Seconds()
	}
	return s
}
