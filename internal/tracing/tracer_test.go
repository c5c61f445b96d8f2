package tracing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/config"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/apmtrace/internal/shared/id"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/transport"
)

// recordingSender keeps every payload instead of sending it
type recordingSender struct {
	mu       sync.Mutex
	payloads [][]transport.Trace
	resp     *transport.Response
	err      error
}

func (r *recordingSender) Send(_ context.Context, p *transport.Payload) (*transport.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.payloads = append(r.payloads, p.Traces())
	if r.resp != nil {
		return r.resp, nil
	}
	return &transport.Response{}, nil
}

func (r *recordingSender) traces() []transport.Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.Trace
	for _, p := range r.payloads {
		out = append(out, p...)
	}
	return out
}

func (r *recordingSender) spans() []*transport.Span {
	var out []*transport.Span
	for _, t := range r.traces() {
		out = append(out, t...)
	}
	return out
}

// testConfig keeps the background loops out of the way; tests flush
// explicitly
func testConfig() config.TracerConfig {
	cfg := config.DefaultTracer()
	cfg.Service = "test-svc"
	cfg.Env = "test"
	cfg.FlushInterval = time.Hour
	cfg.SweepInterval = time.Hour
	return cfg
}

type testTracer struct {
	*Tracer
	sender  *recordingSender
	metrics *monitoring.TracerMetrics
	clock   *clockz.FakeClock
	logs    *observer.ObservedLogs
}

func newTestTracer(t *testing.T, mutate func(cfg *config.TracerConfig), opts ...Option) *testTracer {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	tt := &testTracer{
		sender:  &recordingSender{},
		metrics: monitoring.NewTracerMetrics(prometheus.NewRegistry()),
		clock:   clockz.NewFakeClock(),
		logs:    logs,
	}
	all := append([]Option{
		WithConfig(cfg),
		WithLogger(zap.New(core)),
		WithMetrics(tt.metrics),
		WithClock(tt.clock),
		WithSender(tt.sender),
	}, opts...)

	tracer, err := New(all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Stop(context.Background()) })
	tt.Tracer = tracer
	return tt
}

func (tt *testTracer) flush(t *testing.T) []transport.Trace {
	t.Helper()
	require.NoError(t, tt.Flush(context.Background()))
	return tt.sender.traces()
}

func byName(trace transport.Trace) map[string]*transport.Span {
	out := make(map[string]*transport.Span, len(trace))
	for _, s := range trace {
		out[s.Name] = s
	}
	return out
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SampleRate = 2
	_, err := New(WithConfig(cfg), WithSender(&recordingSender{}))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = testConfig()
	cfg.SamplingRulesFile = "/nonexistent/rules.yaml"
	_, err = New(WithConfig(cfg), WithSender(&recordingSender{}))
	assert.Error(t, err)
}

func TestStartSpanRoot(t *testing.T) {
	tt := newTestTracer(t, func(cfg *config.TracerConfig) { cfg.Version = "1.0.0" })

	span, ctx := tt.StartSpan(context.Background(), "web.request", WithResource("GET /"), WithSpanType(ext.SpanTypeWeb))
	active, ok := SpanFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, span, active)

	assert.False(t, span.TraceID().IsZero())
	assert.NotZero(t, span.SpanID())
	assert.Zero(t, span.ParentID())
	assert.Equal(t, "test-svc", span.Service())
	assert.Equal(t, "GET /", span.Resource())

	runtimeID, _ := span.Tag(ext.RuntimeID)
	assert.Len(t, runtimeID, 36)
	env, _ := span.Tag(ext.Environment)
	assert.Equal(t, "test", env)
	version, _ := span.Tag(ext.Version)
	assert.Equal(t, "1.0.0", version)
	topLevel, _ := span.Metric(ext.KeyTopLevel)
	assert.Equal(t, 1.0, topLevel)

	tt.clock.Advance(25 * time.Millisecond)
	span.Finish()

	traces := tt.flush(t)
	require.Len(t, traces, 1)
	require.Len(t, traces[0], 1)
	w := traces[0][0]
	assert.Equal(t, "web.request", w.Name)
	assert.Equal(t, ext.SpanTypeWeb, w.Type)
	assert.Equal(t, span.TraceID().Lower(), w.TraceID)
	assert.Equal(t, (25 * time.Millisecond).Nanoseconds(), w.Duration)
	assert.Equal(t, 1.0, w.Metrics[ext.KeySamplingPriority])
	assert.Equal(t, fmt.Sprintf("%016x", span.TraceID().Upper()), w.Meta[ext.KeyTraceIDUpper])
	assert.Equal(t, "-1", w.Meta[ext.KeyDecisionMaker])
	assert.Equal(t, 1.0, w.Metrics[ext.KeyAgentRate])
	_, partial := w.Metrics[ext.KeyPartialFlush]
	assert.False(t, partial)
}

func TestFinishIsIdempotent(t *testing.T) {
	tt := newTestTracer(t, nil)

	span, _ := tt.StartSpan(context.Background(), "op")
	tt.clock.Advance(10 * time.Millisecond)
	span.Finish()
	tt.clock.Advance(time.Second)
	span.Finish()
	span.SetTag("late", "ignored")

	assert.Equal(t, 10*time.Millisecond, span.Duration())
	_, ok := span.Tag("late")
	assert.False(t, ok)

	traces := tt.flush(t)
	require.Len(t, traces, 1)
	assert.Len(t, traces[0], 1)
	assert.Equal(t, 1, tt.logs.FilterMessage("span finished twice").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.DoubleFinishes))
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.SpansFinished))
}

func TestTraceCompletesRegardlessOfFinishOrder(t *testing.T) {
	orders := [][]string{
		{"R", "A", "B"},
		{"R", "B", "A"},
		{"A", "R", "B"},
		{"A", "B", "R"},
		{"B", "R", "A"},
		{"B", "A", "R"},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			tt := newTestTracer(t, nil)

			r, ctx := tt.StartSpan(context.Background(), "R")
			a, ctx := tt.StartSpan(ctx, "A")
			b, _ := tt.StartSpan(ctx, "B")
			spans := map[string]*Span{"R": r, "A": a, "B": b}

			for i, name := range order {
				assert.Equal(t, 0, tt.writer.Len(), "trace flushed before %s finished", name)
				assert.Equal(t, 1, tt.buffer.openTraces())
				spans[name].Finish()
				if i < len(order)-1 {
					assert.Equal(t, 0, tt.writer.Len())
				}
			}
			assert.Equal(t, 1, tt.writer.Len())
			assert.Equal(t, 0, tt.buffer.openTraces())

			traces := tt.flush(t)
			require.Len(t, traces, 1)
			require.Len(t, traces[0], 3)

			got := byName(traces[0])
			assert.Zero(t, got["R"].ParentID)
			assert.Equal(t, got["R"].SpanID, got["A"].ParentID)
			assert.Equal(t, got["A"].SpanID, got["B"].ParentID)
			for _, s := range traces[0] {
				assert.Equal(t, r.TraceID().Lower(), s.TraceID)
			}
			assert.Equal(t, 1.0, got["R"].Metrics[ext.KeySamplingPriority])
		})
	}
}

func TestConcurrentTracesAreIndependent(t *testing.T) {
	const k = 64
	tt := newTestTracer(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			root, ctx := tt.StartSpan(context.Background(), "root", WithTag("worker", i))
			child, childCtx := tt.StartSpan(ctx, "child")
			leaf, _ := tt.StartSpan(childCtx, "leaf")
			leaf.Finish()
			child.Finish()
			root.Finish()
		}(i)
	}
	wg.Wait()

	traces := tt.flush(t)
	require.Len(t, traces, k)

	seen := make(map[uint64]bool, k)
	for _, trace := range traces {
		require.Len(t, trace, 3)
		traceID := trace[0].TraceID
		assert.False(t, seen[traceID], "trace id reused")
		seen[traceID] = true
		for _, s := range trace {
			assert.Equal(t, traceID, s.TraceID)
		}
	}
	assert.Equal(t, 0, tt.buffer.openTraces())
}

func TestSampleRateExtremes(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want int
	}{
		{"rate zero drops everything", 0, 0},
		{"rate one keeps everything", 1, 20},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tt := newTestTracer(t, func(cfg *config.TracerConfig) { cfg.SampleRate = tc.rate })

			for i := 0; i < 20; i++ {
				span, _ := tt.StartSpan(context.Background(), "op")
				span.Finish()
			}

			traces := tt.flush(t)
			assert.Len(t, traces, tc.want)
			assert.Equal(t, float64(20-tc.want), testutil.ToFloat64(tt.metrics.TracesSampledOut))
			for _, trace := range traces {
				assert.Equal(t, 1.0, trace[0].Metrics[ext.KeySamplingPriority])
				assert.Equal(t, 1.0, trace[0].Metrics[ext.KeyRuleRate])
				assert.Equal(t, "-3", trace[0].Meta[ext.KeyDecisionMaker])
			}
		})
	}
}

func TestManualKeepOverridesSampler(t *testing.T) {
	tt := newTestTracer(t, func(cfg *config.TracerConfig) { cfg.SampleRate = 0 })

	root, ctx := tt.StartSpan(context.Background(), "root")
	child, _ := tt.StartSpan(ctx, "child")
	child.SetTag(ext.ManualKeep, true)

	priority, ok := root.Context().SamplingPriority()
	require.True(t, ok)
	assert.Equal(t, 2, priority)

	child.Finish()
	root.Finish()

	traces := tt.flush(t)
	require.Len(t, traces, 1)
	got := byName(traces[0])
	assert.Equal(t, 2.0, got["root"].Metrics[ext.KeySamplingPriority])
	assert.Equal(t, "-4", got["root"].Meta[ext.KeyDecisionMaker])
}

func TestManualDrop(t *testing.T) {
	tt := newTestTracer(t, nil)

	span, _ := tt.StartSpan(context.Background(), "op", WithTag(ext.ManualDrop, true))
	span.Finish()

	assert.Empty(t, tt.flush(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.TracesSampledOut))
}

func TestKeepUnsampled(t *testing.T) {
	tt := newTestTracer(t, func(cfg *config.TracerConfig) {
		cfg.SampleRate = 0
		cfg.KeepUnsampled = true
	})

	span, _ := tt.StartSpan(context.Background(), "op")
	span.Finish()

	traces := tt.flush(t)
	require.Len(t, traces, 1)
	assert.Equal(t, 0.0, traces[0][0].Metrics[ext.KeySamplingPriority])
}

func TestPartialFlush(t *testing.T) {
	tt := newTestTracer(t, func(cfg *config.TracerConfig) { cfg.PartialFlushMinSpans = 3 })

	root, ctx := tt.StartSpan(context.Background(), "root")
	children := make([]*Span, 5)
	for i := range children {
		children[i], _ = tt.StartSpan(ctx, fmt.Sprintf("child-%d", i))
	}

	for _, c := range children[:3] {
		c.Finish()
	}
	assert.Equal(t, 1, tt.writer.Len())
	assert.Equal(t, 1, tt.buffer.openTraces())

	traces := tt.flush(t)
	require.Len(t, traces, 1)
	first := traces[0]
	require.Len(t, first, 3)
	assert.Equal(t, 1.0, first[0].Metrics[ext.KeyPartialFlush])
	assert.Equal(t, 1.0, first[0].Metrics[ext.KeySamplingPriority])

	children[3].Finish()
	children[4].Finish()
	assert.Equal(t, 0, tt.writer.Len(), "below threshold again")
	root.Finish()

	traces = tt.flush(t)
	require.Len(t, traces, 2)
	second := traces[1]
	require.Len(t, second, 3)
	got := byName(second)
	require.Contains(t, got, "root")
	assert.Equal(t, 1.0, got["root"].Metrics[ext.KeySamplingPriority])
	for _, s := range second {
		_, partial := s.Metrics[ext.KeyPartialFlush]
		assert.False(t, partial)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.TracesFlushed.WithLabelValues(monitoring.FlushPartial)))
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.TracesFlushed.WithLabelValues(monitoring.FlushComplete)))
}

func TestPartialFlushDisabled(t *testing.T) {
	tt := newTestTracer(t, func(cfg *config.TracerConfig) {
		cfg.PartialFlushEnabled = false
		cfg.PartialFlushMinSpans = 1
	})

	root, ctx := tt.StartSpan(context.Background(), "root")
	child, _ := tt.StartSpan(ctx, "child")
	child.Finish()
	assert.Equal(t, 0, tt.writer.Len())
	root.Finish()
	assert.Equal(t, 1, tt.writer.Len())
}

func TestEvictionFlushesLeastRecentlyUsedTrace(t *testing.T) {
	tt := newTestTracer(t, func(cfg *config.TracerConfig) { cfg.MaxOpenTraces = 2 })

	root1, ctx1 := tt.StartSpan(context.Background(), "root1")
	child1, _ := tt.StartSpan(ctx1, "child1")
	child1.Finish()
	root2, _ := tt.StartSpan(context.Background(), "root2")
	assert.Equal(t, 2, tt.buffer.openTraces())

	root3, _ := tt.StartSpan(context.Background(), "root3")
	assert.Equal(t, 2, tt.buffer.openTraces())
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.SpansDetached))

	traces := tt.flush(t)
	require.Len(t, traces, 1)
	require.Len(t, traces[0], 1)
	assert.Equal(t, "child1", traces[0][0].Name)
	assert.Equal(t, 1.0, traces[0][0].Metrics[ext.KeyPartialFlush])

	// the detached root flushes on its own
	root1.Finish()
	traces = tt.flush(t)
	require.Len(t, traces, 2)
	assert.Equal(t, "root1", traces[1][0].Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.TracesFlushed.WithLabelValues(monitoring.FlushLate)))

	root2.Finish()
	root3.Finish()
	assert.Len(t, tt.flush(t), 4)
	assert.Equal(t, 0, tt.buffer.openTraces())
}

func TestAbandonedTraceSweep(t *testing.T) {
	tt := newTestTracer(t, func(cfg *config.TracerConfig) { cfg.TraceTimeout = time.Minute })

	root, ctx := tt.StartSpan(context.Background(), "root")
	child, _ := tt.StartSpan(ctx, "child")
	child.Finish()

	tt.clock.Advance(30 * time.Second)
	assert.Equal(t, 0, tt.buffer.sweep(tt.clock.Now()), "trace still within timeout")

	tt.clock.Advance(time.Minute)
	assert.Equal(t, 1, tt.buffer.sweep(tt.clock.Now()))
	assert.True(t, root.IsFinished())
	assert.Equal(t, 0, tt.buffer.openTraces())

	traces := tt.flush(t)
	require.Len(t, traces, 1)
	got := byName(traces[0])
	assert.Equal(t, int32(1), got["root"].Error)
	assert.Equal(t, ext.ErrorTypeAbandoned, got["root"].Meta[ext.ErrorType])
	assert.Equal(t, int32(0), got["child"].Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.SpansAbandoned))
}

func TestChildOfOverridesActiveSpan(t *testing.T) {
	tt := newTestTracer(t, nil)

	a, ctxA := tt.StartSpan(context.Background(), "a")
	b, _ := tt.StartSpan(context.Background(), "b")

	c, _ := tt.StartSpan(ctxA, "c", ChildOf(b.Context()))
	assert.Equal(t, b.TraceID(), c.TraceID())
	assert.Equal(t, b.SpanID(), c.ParentID())

	c.Finish()
	b.Finish()
	a.Finish()

	traces := tt.flush(t)
	require.Len(t, traces, 2)
	sizes := []int{len(traces[0]), len(traces[1])}
	sort.Ints(sizes)
	assert.Equal(t, []int{1, 2}, sizes)
}

func TestRemoteParentFromHeaders(t *testing.T) {
	tt := newTestTracer(t, func(cfg *config.TracerConfig) { cfg.SampleRate = 0 })

	traceID, err := id.ParseTraceID("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set(HeaderTraceContext, "1-0123456789abcdef0123456789abcdef-00000000000000aa")
	headers.Set(HeaderSamplingPriority, "2")
	headers.Set(HeaderOrigin, "synthetics")
	headers.Set(HeaderBaggagePrefix+"user", "42")

	ctx := tt.ActivateDistributedHeaders(context.Background(), headers)
	span, _ := tt.StartSpan(ctx, "handler")

	assert.Equal(t, traceID, span.TraceID())
	assert.Equal(t, id.SpanID(0xaa), span.ParentID())
	assert.Equal(t, "42", span.BaggageItem("user"))
	priority, ok := span.Context().SamplingPriority()
	assert.True(t, ok)
	assert.Equal(t, 2, priority)

	span.Finish()

	traces := tt.flush(t)
	require.Len(t, traces, 1, "upstream priority is kept even though the local rate is zero")
	w := traces[0][0]
	assert.Equal(t, 2.0, w.Metrics[ext.KeySamplingPriority])
	assert.Equal(t, "synthetics", w.Meta[ext.Origin])
	assert.Equal(t, uint64(0xaa), w.ParentID)
	assert.Equal(t, 0.0, testutil.ToFloat64(tt.metrics.SamplingDecisions.WithLabelValues("rule", "false")))
}

func TestMalformedHeadersStartFreshTrace(t *testing.T) {
	tt := newTestTracer(t, nil)

	headers := http.Header{}
	headers.Set(HeaderTraceContext, "1-nothex-00000000000000aa")
	ctx := tt.ActivateDistributedHeaders(context.Background(), headers)

	span, _ := tt.StartSpan(ctx, "handler")
	assert.Zero(t, span.ParentID())
	assert.False(t, span.TraceID().IsZero())
	assert.Equal(t, 1, tt.logs.FilterMessage("ignoring malformed trace headers").Len())
}

func TestDisabledTracer(t *testing.T) {
	tt := newTestTracer(t, func(cfg *config.TracerConfig) { cfg.Enabled = false })

	root, ctx := tt.StartSpan(context.Background(), "root")
	child, _ := tt.StartSpan(ctx, "child")
	assert.Equal(t, root.TraceID(), child.TraceID())
	assert.True(t, root.Context().IsValid())

	child.Finish()
	root.Finish()

	assert.Empty(t, tt.flush(t))
	assert.Equal(t, 0, tt.buffer.openTraces())
	assert.False(t, tt.Stats().Enabled)
}

func TestFeedbackUpdatesSamplingRates(t *testing.T) {
	tt := newTestTracer(t, nil)
	tt.sender.resp = &transport.Response{RateByService: map[string]float64{
		"service:,env:":             1,
		"service:test-svc,env:test": 0,
	}}

	span, _ := tt.StartSpan(context.Background(), "first")
	span.Finish()
	require.Len(t, tt.flush(t), 1)

	assert.Equal(t, 0.0, tt.Stats().SamplingRates["service:test-svc,env:test"])

	span, _ = tt.StartSpan(context.Background(), "second")
	span.Finish()
	assert.Len(t, tt.flush(t), 1, "rate zero from the collector drops the next trace")
}

func TestFlushEmitsFinishedSpansOfOpenTraces(t *testing.T) {
	tt := newTestTracer(t, nil)

	root, ctx := tt.StartSpan(context.Background(), "root")
	child, _ := tt.StartSpan(ctx, "child")
	child.Finish()

	traces := tt.flush(t)
	require.Len(t, traces, 1)
	assert.Equal(t, "child", traces[0][0].Name)
	assert.Equal(t, 1.0, traces[0][0].Metrics[ext.KeyPartialFlush])

	root.Finish()
	assert.Len(t, tt.flush(t), 2)
}

func TestStopFlushesAndIsIdempotent(t *testing.T) {
	tt := newTestTracer(t, nil)

	span, _ := tt.StartSpan(context.Background(), "op")
	span.Finish()

	require.NoError(t, tt.Stop(context.Background()))
	require.NoError(t, tt.Stop(context.Background()))
	assert.Len(t, tt.sender.traces(), 1)
	assert.Equal(t, WriterStopped, tt.writer.State())

	late, _ := tt.StartSpan(context.Background(), "late")
	late.Finish()
	assert.Equal(t, uint64(1), tt.writer.Dropped())
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.Dropped.WithLabelValues(monitoring.DropShutdown)))
}

func TestDeliveryRetriesThroughCollector(t *testing.T) {
	var requests int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.AgentURL = srv.URL
	cfg.RetryMax = 2
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = 2 * time.Millisecond

	tracer, err := New(WithConfig(cfg))
	require.NoError(t, err)
	defer tracer.Stop(context.Background())

	span, _ := tracer.StartSpan(context.Background(), "op")
	span.Finish()
	require.NoError(t, tracer.Flush(context.Background()))

	stats := tracer.Stats()
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(0), stats.Sent)
	assert.Equal(t, "closed", stats.BreakerState)
	mu.Lock()
	assert.Equal(t, 3, requests)
	mu.Unlock()
}

func TestCheckAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"7.1.0","endpoints":["/v0.4/traces"]}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.AgentURL = srv.URL
	tracer, err := New(WithConfig(cfg))
	require.NoError(t, err)
	defer tracer.Stop(context.Background())

	info, err := tracer.CheckAgent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7.1.0", info.Version)

	tt := newTestTracer(t, nil)
	_, err = tt.CheckAgent(context.Background())
	assert.ErrorIs(t, err, ErrNoCollector)
}
