package tracing

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
)

func newTestRegistry(tt *testTracer) *Registry {
	r := NewRegistry(tt.Tracer)
	r.Register("users",
		Operation{Name: "get", Resource: "SELECT users", SpanType: ext.SpanTypeSQL},
		Operation{Name: "list"},
	)
	r.Register("cache", Operation{Name: "get", SpanType: ext.SpanTypeCache})
	return r
}

func TestRegistryLookup(t *testing.T) {
	r := newTestRegistry(newTestTracer(t, nil))

	op, err := r.Lookup("users", "get")
	require.NoError(t, err)
	assert.Equal(t, "SELECT users", op.Resource)

	_, err = r.Lookup("users", "delete")
	assert.ErrorIs(t, err, ErrUnknownOperation)
	_, err = r.Lookup("billing", "get")
	assert.ErrorIs(t, err, ErrUnknownOperation)

	components := r.Components()
	sort.Strings(components["users"])
	assert.Equal(t, map[string][]string{
		"users": {"get", "list"},
		"cache": {"get"},
	}, components)
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := newTestRegistry(newTestTracer(t, nil))
	r.Register("users", Operation{Name: "get", Resource: "GET users"})

	op, err := r.Lookup("users", "get")
	require.NoError(t, err)
	assert.Equal(t, "GET users", op.Resource)
	assert.Empty(t, op.SpanType)
}

func TestRegistryTrace(t *testing.T) {
	failure := errors.New("row locked")

	tests := []struct {
		name      string
		component string
		op        string
		err       error
		wantName  string
		wantRes   string
		wantType  string
		wantError int32
	}{
		{"success", "users", "get", nil, "users.get", "SELECT users", ext.SpanTypeSQL, 0},
		{"default resource", "users", "list", nil, "users.list", "users.list", "", 0},
		{"error", "cache", "get", failure, "cache.get", "cache.get", ext.SpanTypeCache, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tt := newTestTracer(t, nil)
			r := newTestRegistry(tt)

			var inner bool
			err := r.Trace(context.Background(), tc.component, tc.op, func(ctx context.Context) error {
				_, inner = SpanFromContext(ctx)
				return tc.err
			})
			assert.Equal(t, tc.err, err)
			assert.True(t, inner, "fn runs inside the span")

			traces := tt.flush(t)
			require.Len(t, traces, 1)
			s := traces[0][0]
			assert.Equal(t, tc.wantName, s.Name)
			assert.Equal(t, tc.wantRes, s.Resource)
			assert.Equal(t, tc.wantType, s.Type)
			assert.Equal(t, tc.component, s.Meta[ext.Component])
			assert.Equal(t, tc.wantError, s.Error)
		})
	}
}

func TestRegistryTracePanic(t *testing.T) {
	tt := newTestTracer(t, nil)
	r := newTestRegistry(tt)

	assert.PanicsWithValue(t, "disk full", func() {
		_ = r.Trace(context.Background(), "users", "get", func(context.Context) error {
			panic("disk full")
		})
	})

	traces := tt.flush(t)
	require.Len(t, traces, 1)
	assert.Equal(t, int32(1), traces[0][0].Error)
	assert.Equal(t, "panic: disk full", traces[0][0].Meta[ext.ErrorMsg])
}

func TestRegistryTraceUnknownOperation(t *testing.T) {
	tt := newTestTracer(t, nil)
	r := newTestRegistry(tt)

	called := false
	err := r.Trace(context.Background(), "users", "delete", func(ctx context.Context) error {
		called = true
		_, ok := SpanFromContext(ctx)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	assert.Empty(t, tt.flush(t))
	assert.Equal(t, 1, tt.logs.FilterMessage("tracing unregistered operation skipped").Len())
}
