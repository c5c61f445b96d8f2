package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

var (
	// ErrCircuitOpen is returned without running the call while the circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests rejects calls beyond the half-open probe budget.
	// It matches ErrCircuitOpen with errors.Is.
	ErrTooManyRequests = fmt.Errorf("%w: half-open probe budget spent", ErrCircuitOpen)
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Default trip policy
const (
	DefaultConsecutiveFailures = 5
	DefaultFailureRatio        = 0.5
	DefaultMinRequests         = 20
)

// Settings configures the circuit breaker behavior
type Settings struct {
	// MaxRequests is the number of probes let through while half-open, and
	// the consecutive probe successes that close the circuit again
	MaxRequests uint32
	// Interval is the length of the closed-state counting window
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// ReadyToTrip decides, after a failure while closed, whether to open.
	// Defaults to DefaultTripPolicy.
	ReadyToTrip func(counts Counts) bool
	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every error except context cancellation.
	IsFailure func(err error) bool
	// OnStateChange is called with the breaker lock held; it must not call
	// back into the breaker
	OnStateChange func(name string, from State, to State)
	// Clock drives expiry; defaults to the wall clock
	Clock clockz.Clock
}

// Counts holds the statistics of the current window
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	// Rejected is cumulative across windows
	Rejected uint64
}

// FailureRatio returns failures over completed calls in the window
func (c Counts) FailureRatio() float64 {
	done := c.TotalSuccesses + c.TotalFailures
	if done == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(done)
}

func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// reset clears the window, keeping the cumulative rejections
func (c *Counts) reset() {
	*c = Counts{Rejected: c.Rejected}
}

// DefaultTripPolicy opens on a run of failures, or when half of a
// reasonably sized window failed
func DefaultTripPolicy(counts Counts) bool {
	if counts.ConsecutiveFailures >= DefaultConsecutiveFailures {
		return true
	}
	return counts.Requests >= DefaultMinRequests && counts.FailureRatio() >= DefaultFailureRatio
}

// Snapshot is a consistent view of the breaker
type Snapshot struct {
	Name   string
	State  State
	Counts Counts
	// OpenUntil is when an open circuit starts probing; zero otherwise
	OpenUntil time.Time
}

// Breaker fails calls fast while the downstream is unhealthy
type Breaker struct {
	name     string
	settings Settings
	clock    clockz.Clock

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	// end of the closed window, or of the open period
	expiry time.Time
}

// New creates a new circuit breaker with the given settings
func New(name string, settings Settings) *Breaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Interval <= 0 {
		settings.Interval = time.Minute
	}
	if settings.Timeout <= 0 {
		settings.Timeout = time.Minute
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = DefaultTripPolicy
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if settings.Clock == nil {
		settings.Clock = clockz.RealClock
	}

	return &Breaker{
		name:     name,
		settings: settings,
		clock:    settings.Clock,
		state:    StateClosed,
		expiry:   settings.Clock.Now().Add(settings.Interval),
	}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.clock.Now())
	return b.state
}

// Counts returns a copy of the current window's counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.clock.Now())
	return b.counts
}

// Snapshot returns the state, counts and reopen time together
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.clock.Now())
	s := Snapshot{Name: b.name, State: b.state, Counts: b.counts}
	if b.state == StateOpen {
		s.OpenUntil = b.expiry
	}
	return s
}

// Do runs fn if the circuit breaker accepts it. Rejected calls return an
// error matching ErrCircuitOpen without running fn. A panic in fn counts
// as a failure and is re-raised.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			b.record(generation, false)
			panic(e)
		}
	}()

	err = fn()
	b.record(generation, !b.settings.IsFailure(err))
	return err
}

// admit counts the call against the window, or rejects it
func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.clock.Now())
	switch {
	case b.state == StateOpen:
		b.counts.Rejected++
		return b.generation, ErrCircuitOpen
	case b.state == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests:
		b.counts.Rejected++
		return b.generation, ErrTooManyRequests
	}
	b.counts.Requests++
	return b.generation, nil
}

// record applies a call's outcome; outcomes from an earlier generation
// are stale and ignored
func (b *Breaker) record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.advance(now)
	if generation != b.generation {
		return
	}

	if success {
		b.counts.success()
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.failure()
	switch b.state {
	case StateClosed:
		if b.settings.ReadyToTrip(b.counts) {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// advance applies time based transitions: a new closed window, or the
// end of the open period
func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case StateClosed:
		if now.After(b.expiry) {
			b.generation++
			b.counts.reset()
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		if !now.Before(b.expiry) {
			b.transition(StateHalfOpen, now)
		}
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}

	from := b.state
	b.state = to
	b.generation++
	b.counts.reset()

	switch to {
	case StateClosed:
		b.expiry = now.Add(b.settings.Interval)
	case StateOpen:
		b.expiry = now.Add(b.settings.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
