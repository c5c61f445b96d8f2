package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/config"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/apmtrace/internal/shared/id"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/sampler"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/transport"
)

// ErrNoCollector is returned by CheckAgent when spans go to a custom Sender
var ErrNoCollector = errors.New("tracer has no collector client")

// rateUpdater is implemented by samplers fed by collector feedback
type rateUpdater interface {
	UpdateRates(rates map[string]float64)
	Rates() map[string]float64
}

// Tracer creates spans and ships finished traces to the collector
type Tracer struct {
	cfg        config.TracerConfig
	logger     *zap.Logger
	metrics    *monitoring.TracerMetrics
	clock      clockz.Clock
	ids        *id.Generator
	sampler    sampler.Sampler
	client     *transport.Client
	writer     *Writer
	buffer     *spanBuffer
	propagator *Propagator

	runtimeID string
	pid       int

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// Stats is a snapshot of the tracer's internal counters
type Stats struct {
	Enabled       bool               `json:"enabled"`
	OpenTraces    int                `json:"open_traces"`
	QueueDepth    int                `json:"queue_depth"`
	WriterState   string             `json:"writer_state"`
	BreakerState  string             `json:"breaker_state,omitempty"`
	Sent          uint64             `json:"sent"`
	Dropped       uint64             `json:"dropped"`
	Failed        uint64             `json:"failed"`
	Retries       uint64             `json:"retries"`
	SamplingRates map[string]float64 `json:"sampling_rates,omitempty"`
}

// New creates a tracer. The configuration is validated first; an invalid
// configuration or sampling rules file is an error.
func New(opts ...Option) (*Tracer, error) {
	o := tracerOptions{
		cfg:   config.DefaultTracer(),
		clock: clockz.RealClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = monitoring.NewTracerMetrics(prometheus.NewRegistry())
	}
	if o.ids == nil {
		o.ids = id.Default()
	}

	t := &Tracer{
		cfg:        o.cfg,
		logger:     o.logger.Named("tracer"),
		metrics:    o.metrics,
		clock:      o.clock,
		ids:        o.ids,
		sampler:    o.sampler,
		propagator: NewPropagator(o.logger.Named("propagation")),
		runtimeID:  uuid.NewString(),
		pid:        os.Getpid(),
		stop:       make(chan struct{}),
	}

	if t.sampler == nil {
		s, err := buildSampler(o.cfg, o.clock.Now)
		if err != nil {
			return nil, err
		}
		t.sampler = s
	}

	sender := o.sender
	if sender == nil {
		t.client = transport.NewClient(transport.Config{
			AgentURL:       o.cfg.AgentURL,
			RetryMax:       o.cfg.RetryMax,
			RetryWaitMin:   o.cfg.RetryWaitMin,
			RetryWaitMax:   o.cfg.RetryWaitMax,
			RequestTimeout: o.cfg.RequestTimeout,
			Compression:    o.cfg.Compression,
			Logger:         o.logger.Named("transport"),
			OnRetry:        func(attempt int) { t.writer.noteRetry(attempt) },
		})
		sender = t.client
	}

	t.writer = NewWriter(sender, WriterConfig{
		MaxQueueSize:    o.cfg.MaxQueueSize,
		DropPolicy:      o.cfg.DropPolicy,
		MaxPayloadSpans: o.cfg.MaxPayloadSpans,
		FlushInterval:   o.cfg.FlushInterval,
		OnResponse:      t.onResponse,
	}, o.logger.Named("writer"), o.metrics)

	buffer, err := newSpanBuffer(bufferConfig{
		maxOpenTraces:        o.cfg.MaxOpenTraces,
		partialFlush:         o.cfg.PartialFlushEnabled,
		partialFlushMinSpans: o.cfg.PartialFlushMinSpans,
		traceTimeout:         o.cfg.TraceTimeout,
		keepUnsampled:        o.cfg.KeepUnsampled,
	}, t.writer, o.clock, t.logger, o.metrics)
	if err != nil {
		return nil, err
	}
	t.buffer = buffer

	if o.cfg.Enabled {
		t.writer.Start()
		t.wg.Add(1)
		go t.sweepLoop()
	}

	t.logger.Info("tracer started",
		zap.Bool("enabled", o.cfg.Enabled),
		zap.String("service", o.cfg.Service),
		zap.String("env", o.cfg.Env),
		zap.String("agent_url", o.cfg.AgentURL),
		zap.String("runtime_id", t.runtimeID))
	return t, nil
}

// buildSampler composes the rules file, the global sample rate and the
// collector fed per-service rates
func buildSampler(cfg config.TracerConfig, now func() time.Time) (*sampler.PrioritySampler, error) {
	var rules []sampler.Rule
	limit := cfg.RateLimit

	if cfg.SamplingRulesFile != "" {
		file, err := config.LoadSamplingRules(cfg.SamplingRulesFile)
		if err != nil {
			return nil, err
		}
		if file.RateLimit != nil {
			limit = *file.RateLimit
		}
		for i, r := range file.Rules {
			service, err := sampler.ParseMatcher(r.Service)
			if err != nil {
				return nil, fmt.Errorf("%w: sampling rule %d: %v", config.ErrInvalidConfig, i, err)
			}
			name, err := sampler.ParseMatcher(r.Name)
			if err != nil {
				return nil, fmt.Errorf("%w: sampling rule %d: %v", config.ErrInvalidConfig, i, err)
			}
			rule, err := sampler.NewRule(service, name, r.SampleRate)
			if err != nil {
				return nil, fmt.Errorf("%w: sampling rule %d: %v", config.ErrInvalidConfig, i, err)
			}
			rules = append(rules, rule)
		}
	}
	if cfg.SampleRateSet() {
		rule, err := sampler.NewRule(nil, nil, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		rules = append(rules, rule)
	}

	var rs *sampler.RuleSampler
	if len(rules) > 0 {
		var err error
		rs, err = sampler.NewRuleSampler(rules, sampler.NewRateLimiter(limit, now))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
	}
	byService, err := sampler.NewByServiceSampler(1)
	if err != nil {
		return nil, err
	}
	return sampler.NewPrioritySampler(rs, byService), nil
}

// StartSpan starts a span and returns a context in which it is active.
// The parent is, in order: a ChildOf option, the span active in ctx, a
// remote context activated in ctx. Without any, the span starts a trace.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...StartSpanOption) (*Span, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	start := cfg.startTime
	if start.IsZero() {
		start = t.clock.Now()
	}
	s := &Span{
		name:     name,
		service:  t.cfg.Service,
		resource: name,
		spanType: cfg.spanType,
		start:    start,
		meta:     make(map[string]string),
		metrics:  make(map[string]float64),
		spanID:   t.ids.SpanID(),
		tracer:   t,
	}

	var (
		inh    inherited
		parent *Span
	)
	if cfg.parent != nil {
		inh = s.joinRemote(*cfg.parent)
	} else if p, ok := SpanFromContext(ctx); ok {
		parent = p
		inh = s.joinLocal(p)
	} else if sc, ok := RemoteSpanContextFromContext(ctx); ok {
		inh = s.joinRemote(sc)
	} else {
		s.traceID = t.ids.TraceID()
	}

	if cfg.service != "" {
		s.service = cfg.service
	}
	if cfg.resource != "" {
		s.resource = cfg.resource
	}
	if parent == nil {
		t.tagRoot(s)
	} else if parent.Service() != s.service {
		s.metrics[ext.KeyTopLevel] = 1
	}

	t.metrics.SpansStarted.Inc()
	if t.cfg.Enabled {
		if c, created := t.buffer.push(s, inh); created && !inh.hasPriority {
			t.sample(c, s)
		}
	}

	for k, v := range cfg.tags {
		s.SetTag(k, v)
	}
	return s, ContextWithSpan(ctx, s)
}

// joinLocal copies the trace identity from an in-process parent
func (s *Span) joinLocal(parent *Span) inherited {
	parent.mu.RLock()
	s.traceID = parent.traceID
	s.parentID = parent.spanID
	s.service = parent.service
	s.origin = parent.origin
	if len(parent.baggage) > 0 {
		s.baggage = make(map[string]string, len(parent.baggage))
		for k, v := range parent.baggage {
			s.baggage[k] = v
		}
	}
	chunk := parent.chunk
	parent.mu.RUnlock()

	if chunk == nil {
		return inherited{origin: s.origin}
	}
	return chunk.inheritedState()
}

// joinRemote copies the trace identity from a propagated context
func (s *Span) joinRemote(sc SpanContext) inherited {
	s.traceID = sc.traceID
	s.parentID = sc.spanID
	s.origin = sc.origin
	if len(sc.baggage) > 0 {
		s.baggage = make(map[string]string, len(sc.baggage))
		for k, v := range sc.baggage {
			s.baggage[k] = v
		}
	}
	if s.traceID.IsZero() {
		s.parentID = 0
	}
	return inherited{
		priority:    sc.priority,
		hasPriority: sc.hasPriority,
		origin:      sc.origin,
	}
}

// tagRoot adds the process level tags carried by local roots
func (t *Tracer) tagRoot(s *Span) {
	if s.traceID.IsZero() {
		s.traceID = t.ids.TraceID()
	}
	s.meta[ext.RuntimeID] = t.runtimeID
	s.meta["language"] = "go"
	if t.cfg.Env != "" {
		s.meta[ext.Environment] = t.cfg.Env
	}
	if t.cfg.Version != "" {
		s.meta[ext.Version] = t.cfg.Version
	}
	if s.origin != "" {
		s.meta[ext.Origin] = s.origin
	}
	s.metrics[ext.KeyProcessID] = float64(t.pid)
	s.metrics[ext.KeyTopLevel] = 1
}

func (t *Tracer) sample(c *traceChunk, s *Span) {
	d := t.sampler.Sample(sampler.Input{
		TraceID: s.traceID.Lower(),
		Name:    s.name,
		Service: s.service,
		Env:     t.cfg.Env,
	})
	if c.applyDecision(d) {
		t.metrics.RecordSampling(d.Mechanism.String(), d.Keep)
	}
}

// spanFinished is called once per span, after it is marked finished
func (t *Tracer) spanFinished(s *Span) {
	t.metrics.SpansFinished.Inc()
	t.buffer.finished(s)
}

// ActivateDistributedHeaders extracts a context from incoming headers and
// activates it in ctx. Malformed or missing headers leave ctx unchanged.
func (t *Tracer) ActivateDistributedHeaders(ctx context.Context, headers http.Header) context.Context {
	sc, ok := t.propagator.Extract(HTTPHeadersCarrier(headers))
	if !ok {
		return ctx
	}
	return ContextWithRemoteSpanContext(ctx, sc)
}

// Inject writes sc into carrier
func (t *Tracer) Inject(sc SpanContext, carrier TextMapWriter) error {
	return t.propagator.Inject(sc, carrier)
}

// Extract reads a span context from carrier
func (t *Tracer) Extract(carrier TextMapReader) (SpanContext, bool) {
	return t.propagator.Extract(carrier)
}

// Flush hands the finished spans of open traces to the writer and
// delivers everything queued
func (t *Tracer) Flush(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}
	t.buffer.flushFinished()
	return t.writer.Flush(ctx)
}

// Stop stops the sweep, flushes and stops the writer. Without a deadline
// on ctx, the flush is bounded by the configured flush timeout. Only the
// first call has an effect.
func (t *Tracer) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.wg.Wait()

		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.cfg.FlushTimeout)
			defer cancel()
		}
		if t.cfg.Enabled {
			t.buffer.flushFinished()
		}
		t.stopErr = t.writer.Stop(ctx)

		t.logger.Info("tracer stopped",
			zap.Uint64("sent", t.writer.Sent()),
			zap.Uint64("dropped", t.writer.Dropped()),
			zap.Int("open_traces", t.buffer.openTraces()))
	})
	return t.stopErr
}

// Stats returns a snapshot of the tracer's counters
func (t *Tracer) Stats() Stats {
	st := Stats{
		Enabled:     t.cfg.Enabled,
		OpenTraces:  t.buffer.openTraces(),
		QueueDepth:  t.writer.Len(),
		WriterState: t.writer.State().String(),
		Sent:        t.writer.Sent(),
		Dropped:     t.writer.Dropped(),
		Failed:      t.writer.Failed(),
		Retries:     t.writer.Retries(),
	}
	if t.client != nil {
		st.BreakerState = t.client.BreakerState().String()
	}
	if u, ok := t.sampler.(rateUpdater); ok {
		st.SamplingRates = u.Rates()
	}
	return st
}

// CheckAgent asks the collector for its version and endpoints
func (t *Tracer) CheckAgent(ctx context.Context) (*transport.AgentInfo, error) {
	if t.client == nil {
		return nil, ErrNoCollector
	}
	info, err := t.client.Info(ctx)
	if err != nil {
		t.logger.Warn("collector unreachable", zap.String("agent_url", t.cfg.AgentURL), zap.Error(err))
		return nil, err
	}
	if !info.SupportsTraces() {
		t.logger.Warn("collector does not advertise the traces endpoint",
			zap.String("version", info.Version),
			zap.Strings("endpoints", info.Endpoints))
	} else {
		t.logger.Info("collector reachable", zap.String("version", info.Version))
	}
	return info, nil
}

// Logger returns the tracer's diagnostics logger
func (t *Tracer) Logger() *zap.Logger {
	return t.logger
}

func (t *Tracer) onResponse(resp *transport.Response) {
	if u, ok := t.sampler.(rateUpdater); ok {
		u.UpdateRates(resp.RateByService)
	}
}

func (t *Tracer) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.buffer.sweep(t.clock.Now())
		}
	}
}
