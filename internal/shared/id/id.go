// Package id provides trace and span identifier generation.
//
// Trace ids are 128-bit ULIDs:
//   - Time ordered: the first 48 bits carry the millisecond timestamp
//   - Collision resistant: 80 bits of crypto entropy
//   - Hashable: the lower 64 bits feed the sampler
//
// Span ids are 64-bit random values and are never zero.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Identifier Types
// ============================================================================

// TraceID identifies a trace across every process it touches
type TraceID [16]byte

// SpanID identifies a single span within a trace
type SpanID uint64

var (
	ErrInvalidTraceID = errors.New("invalid trace id")
	ErrInvalidSpanID  = errors.New("invalid span id")
)

// String renders the trace id as 32 lowercase hex characters
func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// Upper returns the high 64 bits
func (t TraceID) Upper() uint64 {
	return binary.BigEndian.Uint64(t[:8])
}

// Lower returns the low 64 bits, used for sampling
func (t TraceID) Lower() uint64 {
	return binary.BigEndian.Uint64(t[8:])
}

// IsZero reports whether the id is unset
func (t TraceID) IsZero() bool {
	return t == TraceID{}
}

// String renders the span id as 16 lowercase hex characters
func (s SpanID) String() string {
	return fmt.Sprintf("%016x", uint64(s))
}

// ParseTraceID decodes a 32 character hex trace id
func ParseTraceID(s string) (TraceID, error) {
	var t TraceID
	if len(s) != 32 {
		return t, fmt.Errorf("%w: length %d", ErrInvalidTraceID, len(s))
	}
	if _, err := hex.Decode(t[:], []byte(s)); err != nil {
		return TraceID{}, fmt.Errorf("%w: %v", ErrInvalidTraceID, err)
	}
	if t.IsZero() {
		return TraceID{}, fmt.Errorf("%w: zero", ErrInvalidTraceID)
	}
	return t, nil
}

// ParseSpanID decodes a 16 character hex span id
func ParseSpanID(s string) (SpanID, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidSpanID, len(s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSpanID, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: zero", ErrInvalidSpanID)
	}
	return SpanID(v), nil
}

// ============================================================================
// Generator
// ============================================================================

// Generator produces trace and span ids
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
	now       func() time.Time
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
		now:     time.Now,
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{
		entropy: entropy,
		now:     now,
	}
}

// TraceID creates a new ULID based trace id
func (g *Generator) TraceID() TraceID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return TraceID(ulid.MustNew(ulid.Timestamp(g.now()), g.entropy))
}

// SpanID creates a new non-zero span id
func (g *Generator) SpanID() SpanID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	var buf [8]byte
	for {
		if _, err := io.ReadFull(g.entropy, buf[:]); err != nil {
			panic(fmt.Sprintf("id: entropy source failed: %v", err))
		}
		if v := binary.BigEndian.Uint64(buf[:]); v != 0 {
			return SpanID(v)
		}
	}
}

// Timestamp extracts the creation time embedded in a trace id
func (t TraceID) Timestamp() time.Time {
	return ulid.Time(ulid.ULID(t).Time())
}

// ============================================================================
// Convenience Functions
// ============================================================================

// NewTraceID generates a trace id with the default generator
func NewTraceID() TraceID {
	return Default().TraceID()
}

// NewSpanID generates a span id with the default generator
func NewSpanID() SpanID {
	return Default().SpanID()
}
