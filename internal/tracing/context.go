package tracing

import (
	"context"

	"github.com/GriffinCanCode/apmtrace/internal/shared/id"
)

// SpanContext is the propagated part of a span: its identity, the trace's
// sampling priority and baggage. It is immutable; the With* methods return
// modified copies.
type SpanContext struct {
	traceID     id.TraceID
	spanID      id.SpanID
	priority    int
	hasPriority bool
	origin      string
	baggage     map[string]string
}

// NewSpanContext creates a context for a span of a trace
func NewSpanContext(traceID id.TraceID, spanID id.SpanID) SpanContext {
	return SpanContext{traceID: traceID, spanID: spanID}
}

// TraceID returns the trace id
func (c SpanContext) TraceID() id.TraceID { return c.traceID }

// SpanID returns the span id
func (c SpanContext) SpanID() id.SpanID { return c.spanID }

// Origin returns where the trace started, if known
func (c SpanContext) Origin() string { return c.origin }

// SamplingPriority returns the trace's priority and whether one is set
func (c SpanContext) SamplingPriority() (int, bool) {
	return c.priority, c.hasPriority
}

// IsValid reports whether both ids are set
func (c SpanContext) IsValid() bool {
	return !c.traceID.IsZero() && c.spanID != 0
}

// WithSamplingPriority returns a copy carrying priority
func (c SpanContext) WithSamplingPriority(priority int) SpanContext {
	c.priority = priority
	c.hasPriority = true
	return c
}

// WithOrigin returns a copy carrying origin
func (c SpanContext) WithOrigin(origin string) SpanContext {
	c.origin = origin
	return c
}

// WithBaggageItem returns a copy with key set to value
func (c SpanContext) WithBaggageItem(key, value string) SpanContext {
	baggage := make(map[string]string, len(c.baggage)+1)
	for k, v := range c.baggage {
		baggage[k] = v
	}
	baggage[key] = value
	c.baggage = baggage
	return c
}

// BaggageItem returns the value of a baggage item
func (c SpanContext) BaggageItem(key string) string {
	return c.baggage[key]
}

// ForeachBaggageItem calls handler for every item until it returns false
func (c SpanContext) ForeachBaggageItem(handler func(k, v string) bool) {
	for k, v := range c.baggage {
		if !handler(k, v) {
			return
		}
	}
}

// Context keys for in-process propagation
type contextKey string

const (
	activeSpanKey    contextKey = "active_span"
	remoteContextKey contextKey = "remote_span_context"
)

// ContextWithSpan returns a copy of ctx in which span is active
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, activeSpanKey, span)
}

// SpanFromContext returns the active span, if any
func SpanFromContext(ctx context.Context) (*Span, bool) {
	if ctx == nil {
		return nil, false
	}
	span, ok := ctx.Value(activeSpanKey).(*Span)
	return span, ok && span != nil
}

// ContextWithRemoteSpanContext activates a context received from another
// process. The next span started from ctx without a local parent joins it.
func ContextWithRemoteSpanContext(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, remoteContextKey, sc)
}

// RemoteSpanContextFromContext returns the activated remote context, if any
func RemoteSpanContextFromContext(ctx context.Context) (SpanContext, bool) {
	if ctx == nil {
		return SpanContext{}, false
	}
	sc, ok := ctx.Value(remoteContextKey).(SpanContext)
	return sc, ok
}
