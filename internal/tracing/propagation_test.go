package tracing

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/apmtrace/internal/shared/id"
)

func testSpanContext(t *testing.T) SpanContext {
	t.Helper()
	traceID, err := id.ParseTraceID("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	return NewSpanContext(traceID, id.SpanID(0x00f067aa0ba902b7))
}

func TestPropagationRoundTrip(t *testing.T) {
	base := testSpanContext(t)
	contexts := map[string]SpanContext{
		"ids only":      base,
		"with priority": base.WithSamplingPriority(-1),
		"full": base.WithSamplingPriority(2).
			WithOrigin("synthetics").
			WithBaggageItem("user.id", "42").
			WithBaggageItem("tenant", "acme"),
	}
	carriers := map[string]func() interface {
		TextMapWriter
		TextMapReader
	}{
		"text map": func() interface {
			TextMapWriter
			TextMapReader
		} {
			return TextMapCarrier{}
		},
		"http headers": func() interface {
			TextMapWriter
			TextMapReader
		} {
			return HTTPHeadersCarrier(http.Header{})
		},
	}

	p := NewPropagator(nil)
	for cname, newCarrier := range carriers {
		for name, sc := range contexts {
			t.Run(cname+"/"+name, func(t *testing.T) {
				carrier := newCarrier()
				require.NoError(t, p.Inject(sc, carrier))

				got, ok := p.Extract(carrier)
				require.True(t, ok)
				assert.Equal(t, sc, got)
			})
		}
	}
}

func TestInjectFormat(t *testing.T) {
	carrier := TextMapCarrier{}
	sc := testSpanContext(t).WithSamplingPriority(1).WithBaggageItem("Region", "eu")

	require.NoError(t, NewPropagator(nil).Inject(sc, carrier))
	assert.Equal(t, TextMapCarrier{
		"X-Trace-Context":     "1-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7",
		"X-Sampling-Priority": "1",
		"X-Baggage-region":    "eu",
	}, carrier)
}

func TestInjectRejectsInvalidContext(t *testing.T) {
	p := NewPropagator(nil)
	carrier := TextMapCarrier{}

	assert.ErrorIs(t, p.Inject(SpanContext{}, carrier), ErrInvalidSpanContext)
	assert.ErrorIs(t, p.Inject(NewSpanContext(testSpanContext(t).TraceID(), 0), carrier), ErrInvalidSpanContext)
	assert.Empty(t, carrier)
}

func TestExtractIsCaseInsensitive(t *testing.T) {
	carrier := TextMapCarrier{
		"x-trace-context":     "1-4BF92F3577B34DA6A3CE929D0E0E4736-00F067AA0BA902B7",
		"x-sampling-priority": " 2 ",
		"X-BAGGAGE-User":      "42",
		"unrelated":           "ignored",
	}

	sc, ok := NewPropagator(nil).Extract(carrier)
	require.True(t, ok)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
	assert.Equal(t, id.SpanID(0x00f067aa0ba902b7), sc.SpanID())
	priority, has := sc.SamplingPriority()
	assert.True(t, has)
	assert.Equal(t, 2, priority)
	assert.Equal(t, "42", sc.BaggageItem("user"))
}

func TestExtractMalformed(t *testing.T) {
	const valid = "1-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7"

	tests := []struct {
		name    string
		carrier TextMapCarrier
	}{
		{"empty", TextMapCarrier{}},
		{"priority without context", TextMapCarrier{HeaderSamplingPriority: "1"}},
		{"unknown version", TextMapCarrier{HeaderTraceContext: "2-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7"}},
		{"missing field", TextMapCarrier{HeaderTraceContext: "1-4bf92f3577b34da6a3ce929d0e0e4736"}},
		{"extra field", TextMapCarrier{HeaderTraceContext: valid + "-01"}},
		{"short trace id", TextMapCarrier{HeaderTraceContext: "1-4bf92f3577b34da6-00f067aa0ba902b7"}},
		{"short span id", TextMapCarrier{HeaderTraceContext: "1-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa"}},
		{"zero trace id", TextMapCarrier{HeaderTraceContext: "1-00000000000000000000000000000000-00f067aa0ba902b7"}},
		{"zero span id", TextMapCarrier{HeaderTraceContext: "1-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000"}},
		{"non hex", TextMapCarrier{HeaderTraceContext: "1-4bf92f3577b34da6a3ce929d0e0e47zz-00f067aa0ba902b7"}},
		{"non int priority", TextMapCarrier{HeaderTraceContext: valid, HeaderSamplingPriority: "high"}},
	}

	p := NewPropagator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, ok := p.Extract(tt.carrier)
			assert.False(t, ok)
			assert.Equal(t, SpanContext{}, sc)
		})
	}
}

func TestSpanContextHelpers(t *testing.T) {
	sc := testSpanContext(t)
	assert.True(t, sc.IsValid())
	assert.False(t, SpanContext{}.IsValid())

	_, has := sc.SamplingPriority()
	assert.False(t, has)
	assert.Empty(t, sc.Origin())
	assert.Equal(t, "synthetics", sc.WithOrigin("synthetics").Origin())
}
