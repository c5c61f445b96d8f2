package tracing

import (
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/config"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/apmtrace/internal/shared/id"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/sampler"
)

// ============================================================================
// Tracer Options
// ============================================================================

// Option configures a Tracer
type Option func(*tracerOptions)

type tracerOptions struct {
	cfg     config.TracerConfig
	logger  *zap.Logger
	metrics *monitoring.TracerMetrics
	clock   clockz.Clock
	sampler sampler.Sampler
	sender  Sender
	ids     *id.Generator
}

// WithConfig replaces the default tracer configuration
func WithConfig(cfg config.TracerConfig) Option {
	return func(o *tracerOptions) { o.cfg = cfg }
}

// WithLogger sets the logger for tracer diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(o *tracerOptions) { o.logger = logger }
}

// WithMetrics reports tracer health to m
func WithMetrics(m *monitoring.TracerMetrics) Option {
	return func(o *tracerOptions) { o.metrics = m }
}

// WithClock sets the clock used for span timestamps and the abandoned
// trace sweep
func WithClock(clock clockz.Clock) Option {
	return func(o *tracerOptions) { o.clock = clock }
}

// WithSampler replaces the sampler built from configuration
func WithSampler(s sampler.Sampler) Option {
	return func(o *tracerOptions) { o.sampler = s }
}

// WithSender replaces the collector client
func WithSender(s Sender) Option {
	return func(o *tracerOptions) { o.sender = s }
}

// WithIDGenerator sets the source of trace and span ids
func WithIDGenerator(g *id.Generator) Option {
	return func(o *tracerOptions) { o.ids = g }
}

// ============================================================================
// Span Options
// ============================================================================

// StartSpanOption configures a span at start
type StartSpanOption func(*startConfig)

type startConfig struct {
	parent    *SpanContext
	service   string
	resource  string
	spanType  string
	startTime time.Time
	tags      map[string]interface{}
}

// ChildOf makes the span a child of parent, overriding the context's
// active span
func ChildOf(parent SpanContext) StartSpanOption {
	return func(c *startConfig) { c.parent = &parent }
}

// WithService overrides the service name
func WithService(service string) StartSpanOption {
	return func(c *startConfig) { c.service = service }
}

// WithResource sets the resource, which defaults to the operation name
func WithResource(resource string) StartSpanOption {
	return func(c *startConfig) { c.resource = resource }
}

// WithSpanType sets the span type, see ext.SpanTypeWeb and friends
func WithSpanType(spanType string) StartSpanOption {
	return func(c *startConfig) { c.spanType = spanType }
}

// WithStartTime sets an explicit start time
func WithStartTime(t time.Time) StartSpanOption {
	return func(c *startConfig) { c.startTime = t }
}

// WithTag sets a tag at start, as Span.SetTag would
func WithTag(key string, value interface{}) StartSpanOption {
	return func(c *startConfig) {
		if c.tags == nil {
			c.tags = make(map[string]interface{})
		}
		c.tags[key] = value
	}
}

// WithMetric sets a numeric tag at start
func WithMetric(key string, value float64) StartSpanOption {
	return WithTag(key, value)
}

// FinishOption configures Span.Finish
type FinishOption func(*finishConfig)

type finishConfig struct {
	finishTime   time.Time
	err          error
	noDebugStack bool
}

// FinishTime sets an explicit end time
func FinishTime(t time.Time) FinishOption {
	return func(c *finishConfig) { c.finishTime = t }
}

// WithError marks the span as failed with err
func WithError(err error) FinishOption {
	return func(c *finishConfig) { c.err = err }
}

// NoDebugStack omits error.stack when finishing with an error
func NoDebugStack() FinishOption {
	return func(c *finishConfig) { c.noDebugStack = true }
}
