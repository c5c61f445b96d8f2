package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
)

// ErrEncode is returned when a payload cannot be encoded
var ErrEncode = errors.New("encode payload")

// Span is the wire representation of a finished span
type Span struct {
	Service  string             `json:"service"`
	Name     string             `json:"name"`
	Resource string             `json:"resource"`
	TraceID  uint64             `json:"trace_id"`
	SpanID   uint64             `json:"span_id"`
	ParentID uint64             `json:"parent_id"`
	Start    int64              `json:"start"`
	Duration int64              `json:"duration"`
	Error    int32              `json:"error"`
	Meta     map[string]string  `json:"meta,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Type     string             `json:"type,omitempty"`
}

// Trace is one flushed chunk: spans of a single trace
type Trace []*Span

// Payload accumulates traces for one request to the collector
type Payload struct {
	traces []Trace
	spans  int
}

// NewPayload creates an empty payload
func NewPayload() *Payload {
	return &Payload{}
}

// Push appends a trace
func (p *Payload) Push(t Trace) {
	p.traces = append(p.traces, t)
	p.spans += len(t)
}

// Len returns the number of traces
func (p *Payload) Len() int { return len(p.traces) }

// SpanCount returns the number of spans across all traces
func (p *Payload) SpanCount() int { return p.spans }

// Traces returns the accumulated traces
func (p *Payload) Traces() []Trace { return p.traces }

// Reset empties the payload for reuse
func (p *Payload) Reset() {
	p.traces = nil
	p.spans = 0
}

// Encode renders the payload as JSON, gzipped when compress is set
func (p *Payload) Encode(compress bool) ([]byte, error) {
	traces := p.traces
	if traces == nil {
		traces = []Trace{}
	}
	body, err := sonic.Marshal(traces)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if !compress {
		return body, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrEncode, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a request body produced by Encode
func Decode(body []byte, compressed bool) ([]Trace, error) {
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
	}

	var traces []Trace
	if err := sonic.Unmarshal(body, &traces); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return traces, nil
}
