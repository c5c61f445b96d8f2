package tracing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
)

// ErrUnknownOperation is returned by Lookup for operations never registered
var ErrUnknownOperation = errors.New("unknown operation")

// Operation describes one instrumentable operation of a component
type Operation struct {
	Name     string
	Resource string
	SpanType string
}

// Registry is the table of operations each component exposes for tracing.
// Components register at setup; call sites trace by name.
type Registry struct {
	tracer *Tracer

	mu         sync.RWMutex
	operations map[string]map[string]Operation
}

// NewRegistry creates an empty registry tracing through tracer
func NewRegistry(tracer *Tracer) *Registry {
	return &Registry{
		tracer:     tracer,
		operations: make(map[string]map[string]Operation),
	}
}

// Register adds operations to component. Registering a name again
// replaces it.
func (r *Registry) Register(component string, ops ...Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.operations[component]
	if !ok {
		table = make(map[string]Operation, len(ops))
		r.operations[component] = table
	}
	for _, op := range ops {
		table[op.Name] = op
	}
}

// Lookup returns a registered operation
func (r *Registry) Lookup(component, name string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operations[component][name]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s.%s", ErrUnknownOperation, component, name)
	}
	return op, nil
}

// Components returns every registered component and its operation names
func (r *Registry) Components() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.operations))
	for component, table := range r.operations {
		names := make([]string, 0, len(table))
		for name := range table {
			names = append(names, name)
		}
		out[component] = names
	}
	return out
}

// Trace runs fn inside a span for component's operation. A returned error
// marks the span as failed; a panic does too and is re-raised after the
// span is finished. Unknown operations run untraced.
func (r *Registry) Trace(ctx context.Context, component, name string, fn func(ctx context.Context) error) (err error) {
	op, lookupErr := r.Lookup(component, name)
	if lookupErr != nil {
		r.tracer.logger.Warn("tracing unregistered operation skipped",
			zap.String("component", component),
			zap.String("operation", name))
		return fn(ctx)
	}

	opts := []StartSpanOption{WithTag(ext.Component, component)}
	if op.Resource != "" {
		opts = append(opts, WithResource(op.Resource))
	}
	if op.SpanType != "" {
		opts = append(opts, WithSpanType(op.SpanType))
	}
	span, ctx := r.tracer.StartSpan(ctx, component+"."+op.Name, opts...)

	defer func() {
		if rec := recover(); rec != nil {
			span.Finish(WithError(fmt.Errorf("panic: %v", rec)))
			panic(rec)
		}
		span.Finish(WithError(err))
	}()

	return fn(ctx)
}
