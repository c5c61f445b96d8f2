package tracing

import (
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/apmtrace/internal/shared/id"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/sampler"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/transport"
)

const maxStackDepth = 32

// Span represents a single operation in a trace. It is mutable until
// Finish; afterwards every mutator is a no-op.
type Span struct {
	mu sync.RWMutex

	name     string
	service  string
	resource string
	spanType string
	start    time.Time
	duration time.Duration
	meta     map[string]string
	metrics  map[string]float64
	errored  bool
	finished bool

	traceID  id.TraceID
	spanID   id.SpanID
	parentID id.SpanID
	baggage  map[string]string
	origin   string

	tracer *Tracer
	chunk  *traceChunk

	// guarded by chunk.mu
	flushReady bool
}

// Name returns the operation name
func (s *Span) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Service returns the service the span belongs to
func (s *Span) Service() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service
}

// Resource returns the resource, which defaults to the name
func (s *Span) Resource() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resource
}

// TraceID returns the id of the span's trace
func (s *Span) TraceID() id.TraceID { return s.traceID }

// SpanID returns the span's id
func (s *Span) SpanID() id.SpanID { return s.spanID }

// ParentID returns the parent's id, zero for a root
func (s *Span) ParentID() id.SpanID { return s.parentID }

// StartTime returns when the span started
func (s *Span) StartTime() time.Time { return s.start }

// Duration returns the span's duration, zero until finished
func (s *Span) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duration
}

// IsFinished reports whether Finish has been called
func (s *Span) IsFinished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// Tag returns a string tag
func (s *Span) Tag(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	return v, ok
}

// Metric returns a numeric tag
func (s *Span) Metric(key string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metrics[key]
	return v, ok
}

// IsError reports whether the span is marked as an error
func (s *Span) IsError() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errored
}

// SetTag sets a tag. Numbers are stored as metrics, everything else as
// strings. A few keys are interpreted: ext.Error, ext.ServiceName,
// ext.ResourceName, ext.SpanType, ext.ManualKeep, ext.ManualDrop and
// ext.SamplingPriority.
func (s *Span) SetTag(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}

	switch key {
	case ext.Error:
		s.setErrorValue(value)
		return
	case ext.ServiceName:
		s.service = fmt.Sprint(value)
		return
	case ext.ResourceName:
		s.resource = fmt.Sprint(value)
		return
	case ext.SpanType:
		s.spanType = fmt.Sprint(value)
		return
	case ext.ManualKeep:
		if truthy(value) {
			s.setPriority(sampler.PriorityUserKeep)
		}
		return
	case ext.ManualDrop:
		if truthy(value) {
			s.setPriority(sampler.PriorityUserReject)
		}
		return
	case ext.SamplingPriority:
		if p, ok := toFloat(value); ok {
			s.setPriority(int(p))
		}
		return
	}

	if f, ok := toFloat(value); ok {
		s.metrics[key] = f
		return
	}
	switch v := value.(type) {
	case string:
		s.meta[key] = v
	case bool:
		s.meta[key] = strconv.FormatBool(v)
	case fmt.Stringer:
		s.meta[key] = v.String()
	default:
		s.meta[key] = fmt.Sprint(v)
	}
}

// SetMetric sets a numeric tag
func (s *Span) SetMetric(key string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.metrics[key] = value
}

// SetOperationName renames the span
func (s *Span) SetOperationName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.name = name
}

// SetError marks the span as failed with err's message, type and the
// current stack. A nil error is ignored.
func (s *Span) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || err == nil {
		return
	}
	s.setError(err, true)
}

// SetBaggageItem attaches an item propagated to every descendant
func (s *Span) SetBaggageItem(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if s.baggage == nil {
		s.baggage = make(map[string]string, 1)
	}
	s.baggage[key] = value
}

// BaggageItem returns a baggage item
func (s *Span) BaggageItem(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baggage[key]
}

// Context returns the span's propagation context
func (s *Span) Context() SpanContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc := SpanContext{traceID: s.traceID, spanID: s.spanID, origin: s.origin}
	if len(s.baggage) > 0 {
		sc.baggage = make(map[string]string, len(s.baggage))
		for k, v := range s.baggage {
			sc.baggage[k] = v
		}
	}
	if s.chunk != nil {
		sc.priority, sc.hasPriority = s.chunk.samplingPriority()
	}
	return sc
}

// Finish ends the span. Only the first call has an effect; later calls
// are logged and ignored.
func (s *Span) Finish(opts ...FinishOption) {
	var cfg finishConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	end := cfg.finishTime
	if end.IsZero() {
		end = s.now()
	}

	finished := s.finish(end, func() {
		if cfg.err != nil {
			s.setError(cfg.err, !cfg.noDebugStack)
		}
	})
	if !finished && s.tracer != nil {
		s.tracer.metrics.DoubleFinishes.Inc()
		fields := logging.TraceFields(s.traceID.String(), s.spanID.String())
		s.tracer.logger.Warn("span finished twice", append(fields, zap.String("name", s.Name()))...)
	}
}

// FinishWithError sets err on the span, then finishes it
func (s *Span) FinishWithError(err error) {
	s.Finish(WithError(err))
}

// String returns a short description for logs
func (s *Span) String() string {
	return fmt.Sprintf("[trace:%s span:%s %s]", s.traceID, s.spanID, s.Name())
}

func (s *Span) now() time.Time {
	if s.tracer != nil {
		return s.tracer.clock.Now()
	}
	return time.Now()
}

// finish marks the span finished at end, running locked under s.mu first.
// It returns false when the span was already finished.
func (s *Span) finish(end time.Time, locked func()) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	if locked != nil {
		locked()
	}
	s.finished = true
	s.duration = end.Sub(s.start)
	if s.duration < 0 {
		s.duration = 0
	}
	s.mu.Unlock()

	if s.tracer != nil {
		s.tracer.spanFinished(s)
	}
	return true
}

// abandon closes a span whose trace outlived the trace timeout
func (s *Span) abandon(now time.Time) bool {
	return s.finish(now, func() {
		s.errored = true
		s.meta[ext.ErrorType] = ext.ErrorTypeAbandoned
		s.meta[ext.ErrorMsg] = "span was not finished before the trace timed out"
	})
}

// setPriority must be called with s.mu held
func (s *Span) setPriority(priority int) {
	if s.chunk != nil {
		s.chunk.setPriority(priority, sampler.MechanismManual)
	}
}

// setErrorValue must be called with s.mu held
func (s *Span) setErrorValue(value interface{}) {
	switch v := value.(type) {
	case nil:
		s.errored = false
	case bool:
		s.errored = v
	case error:
		s.setError(v, true)
	default:
		if f, ok := toFloat(v); ok {
			s.errored = f != 0
			return
		}
		s.errored = true
	}
}

// setError must be called with s.mu held
func (s *Span) setError(err error, stack bool) {
	s.errored = true
	s.meta[ext.ErrorMsg] = err.Error()
	s.meta[ext.ErrorType] = reflect.TypeOf(err).String()
	if stack {
		s.meta[ext.ErrorStack] = takeStacktrace(3)
	}
}

// toWire renders a finished span for the collector
func (s *Span) toWire() *transport.Span {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := &transport.Span{
		Service:  s.service,
		Name:     s.name,
		Resource: s.resource,
		TraceID:  s.traceID.Lower(),
		SpanID:   uint64(s.spanID),
		ParentID: uint64(s.parentID),
		Start:    s.start.UnixNano(),
		Duration: s.duration.Nanoseconds(),
		Meta:     make(map[string]string, len(s.meta)+2),
		Metrics:  make(map[string]float64, len(s.metrics)+2),
		Type:     s.spanType,
	}
	if s.errored {
		w.Error = 1
	}
	for k, v := range s.meta {
		w.Meta[k] = v
	}
	for k, v := range s.metrics {
		w.Metrics[k] = v
	}
	return w
}

func takeStacktrace(skip int) string {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err != nil || b
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
