package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons a batch of traces never reaches the collector
const (
	DropQueueFull   = "queue_full"
	DropSendFailed  = "send_failed"
	DropCircuitOpen = "circuit_open"
	DropShutdown    = "shutdown"
	DropEncode      = "encode"
)

// Flush kinds
const (
	FlushComplete = "complete"
	FlushPartial  = "partial"
	FlushEvicted  = "evicted"
	FlushLate     = "late"
)

// TracerMetrics reports the health of the tracer itself
type TracerMetrics struct {
	// Span lifecycle
	SpansStarted   prometheus.Counter
	SpansFinished  prometheus.Counter
	SpansAbandoned prometheus.Counter
	DoubleFinishes prometheus.Counter

	// Buffer
	OpenTraces       prometheus.Gauge
	TracesFlushed    *prometheus.CounterVec
	TracesSampledOut prometheus.Counter
	SpansDetached    prometheus.Counter

	// Sampling
	SamplingDecisions *prometheus.CounterVec

	// Writer
	QueueDepth    prometheus.Gauge
	PayloadsSent  prometheus.Counter
	SendFailures  prometheus.Counter
	Retries       prometheus.Counter
	Dropped       *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	PayloadBytes  prometheus.Histogram
}

// NewTracerMetrics registers the tracer health metrics with reg.
// Pass prometheus.NewRegistry() to keep them private.
func NewTracerMetrics(reg prometheus.Registerer) *TracerMetrics {
	factory := promauto.With(reg)
	return &TracerMetrics{
		SpansStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "apmtrace_spans_started_total",
			Help: "Total number of spans started",
		}),
		SpansFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "apmtrace_spans_finished_total",
			Help: "Total number of spans finished",
		}),
		SpansAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "apmtrace_spans_abandoned_total",
			Help: "Spans closed by the abandoned trace sweep",
		}),
		DoubleFinishes: factory.NewCounter(prometheus.CounterOpts{
			Name: "apmtrace_spans_double_finish_total",
			Help: "Finish calls on spans that were already finished",
		}),

		OpenTraces: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apmtrace_open_traces",
			Help: "Traces with at least one unflushed span",
		}),
		TracesFlushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apmtrace_traces_flushed_total",
			Help: "Trace chunks handed to the writer",
		}, []string{"kind"}),
		TracesSampledOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "apmtrace_traces_sampled_out_total",
			Help: "Trace chunks dropped at flush because of their sampling priority",
		}),
		SpansDetached: factory.NewCounter(prometheus.CounterOpts{
			Name: "apmtrace_spans_detached_total",
			Help: "Unfinished spans left behind by an evicted trace",
		}),

		SamplingDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apmtrace_sampling_decisions_total",
			Help: "Sampling decisions by mechanism and outcome",
		}, []string{"mechanism", "keep"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apmtrace_writer_queue_depth",
			Help: "Trace chunks waiting in the writer queue",
		}),
		PayloadsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "apmtrace_writer_payloads_sent_total",
			Help: "Payloads accepted by the collector",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "apmtrace_writer_send_failures_total",
			Help: "Payloads that failed after all retries",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "apmtrace_writer_retries_total",
			Help: "Retried payload deliveries",
		}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apmtrace_writer_dropped_total",
			Help: "Trace chunks dropped before reaching the collector",
		}, []string{"reason"}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "apmtrace_writer_flush_duration_seconds",
			Help:    "Time spent delivering one payload, retries included",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		PayloadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "apmtrace_writer_payload_bytes",
			Help:    "Encoded payload size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
}

// RecordDrop counts n dropped trace chunks
func (m *TracerMetrics) RecordDrop(reason string, n int) {
	m.Dropped.WithLabelValues(reason).Add(float64(n))
}

// RecordFlush counts one chunk handed to the writer
func (m *TracerMetrics) RecordFlush(kind string) {
	m.TracesFlushed.WithLabelValues(kind).Inc()
}

// RecordSampling counts one sampling decision
func (m *TracerMetrics) RecordSampling(mechanism string, keep bool) {
	label := "false"
	if keep {
		label = "true"
	}
	m.SamplingDecisions.WithLabelValues(mechanism, label).Inc()
}
