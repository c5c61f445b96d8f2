package tracing

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/apmtrace/internal/shared/id"
)

// Propagation headers
const (
	HeaderTraceContext     = "X-Trace-Context"
	HeaderSamplingPriority = "X-Sampling-Priority"
	HeaderOrigin           = "X-Trace-Origin"
	HeaderBaggagePrefix    = "X-Baggage-"

	propagationVersion = "1"
)

// ErrInvalidSpanContext is returned when injecting a context without ids
var ErrInvalidSpanContext = errors.New("invalid span context")

// TextMapWriter is a carrier headers can be written to
type TextMapWriter interface {
	Set(key, val string)
}

// TextMapReader is a carrier headers can be read from. ForeachKey stops
// at the first error the handler returns.
type TextMapReader interface {
	ForeachKey(handler func(key, val string) error) error
}

// TextMapCarrier carries headers in a plain map
type TextMapCarrier map[string]string

// Set implements TextMapWriter
func (c TextMapCarrier) Set(key, val string) {
	c[key] = val
}

// ForeachKey implements TextMapReader
func (c TextMapCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, v := range c {
		if err := handler(k, v); err != nil {
			return err
		}
	}
	return nil
}

// HTTPHeadersCarrier carries headers in an http.Header
type HTTPHeadersCarrier http.Header

// Set implements TextMapWriter
func (c HTTPHeadersCarrier) Set(key, val string) {
	http.Header(c).Set(key, val)
}

// ForeachKey implements TextMapReader
func (c HTTPHeadersCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, vals := range c {
		for _, v := range vals {
			if err := handler(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Propagator encodes span contexts into carriers and back
type Propagator struct {
	logger *zap.Logger
}

// NewPropagator creates a propagator logging malformed input to logger
func NewPropagator(logger *zap.Logger) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{logger: logger}
}

// Inject writes sc into carrier. Baggage keys are written lowercased.
func (p *Propagator) Inject(sc SpanContext, carrier TextMapWriter) error {
	if !sc.IsValid() {
		return ErrInvalidSpanContext
	}
	carrier.Set(HeaderTraceContext, fmt.Sprintf("%s-%s-%s", propagationVersion, sc.traceID, sc.spanID))
	if sc.hasPriority {
		carrier.Set(HeaderSamplingPriority, strconv.Itoa(sc.priority))
	}
	if sc.origin != "" {
		carrier.Set(HeaderOrigin, sc.origin)
	}
	for k, v := range sc.baggage {
		carrier.Set(HeaderBaggagePrefix+strings.ToLower(k), v)
	}
	return nil
}

// Extract reads a span context from carrier. Header names match case
// insensitively. Malformed input yields false, never an error, so the
// caller starts a fresh trace.
func (p *Propagator) Extract(carrier TextMapReader) (SpanContext, bool) {
	var (
		sc    SpanContext
		found bool
	)
	traceCtx := strings.ToLower(HeaderTraceContext)
	priority := strings.ToLower(HeaderSamplingPriority)
	origin := strings.ToLower(HeaderOrigin)
	baggage := strings.ToLower(HeaderBaggagePrefix)

	err := carrier.ForeachKey(func(key, val string) error {
		switch k := strings.ToLower(key); {
		case k == traceCtx:
			traceID, spanID, err := parseTraceContext(val)
			if err != nil {
				return err
			}
			sc.traceID, sc.spanID = traceID, spanID
			found = true
		case k == priority:
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return fmt.Errorf("sampling priority %q: %w", val, err)
			}
			sc.priority, sc.hasPriority = n, true
		case k == origin:
			sc.origin = val
		case strings.HasPrefix(k, baggage) && len(k) > len(baggage):
			if sc.baggage == nil {
				sc.baggage = make(map[string]string)
			}
			sc.baggage[k[len(baggage):]] = val
		}
		return nil
	})
	if err != nil {
		p.logger.Debug("ignoring malformed trace headers", zap.Error(err))
		return SpanContext{}, false
	}
	if !found {
		return SpanContext{}, false
	}
	return sc, true
}

func parseTraceContext(val string) (id.TraceID, id.SpanID, error) {
	parts := strings.Split(strings.TrimSpace(val), "-")
	if len(parts) != 3 {
		return id.TraceID{}, 0, fmt.Errorf("trace context %q: want 3 fields, got %d", val, len(parts))
	}
	if parts[0] != propagationVersion {
		return id.TraceID{}, 0, fmt.Errorf("trace context %q: unsupported version %q", val, parts[0])
	}
	traceID, err := id.ParseTraceID(parts[1])
	if err != nil {
		return id.TraceID{}, 0, err
	}
	spanID, err := id.ParseSpanID(parts[2])
	if err != nil {
		return id.TraceID{}, 0, err
	}
	return traceID, spanID, nil
}
