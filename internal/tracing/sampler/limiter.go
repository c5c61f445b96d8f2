package sampler

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRateLimit is the default number of rule-sampled traces kept per second
const DefaultRateLimit = 100

// RateLimiter caps kept traces per second and tracks the effective rate
// over the current and previous one second windows.
type RateLimiter struct {
	limiter   *rate.Limiter
	perSecond float64
	now       func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	allowed     int
	seen        int
	prevRate    float64
}

// NewRateLimiter creates a limiter allowing perSecond traces.
// A negative value disables limiting, zero rejects everything.
func NewRateLimiter(perSecond float64, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	limit := rate.Limit(perSecond)
	burst := int(math.Ceil(perSecond))
	if perSecond < 0 {
		limit = rate.Inf
		burst = 0
	}
	return &RateLimiter{
		limiter:   rate.NewLimiter(limit, burst),
		perSecond: perSecond,
		now:       now,
		prevRate:  -1,
	}
}

// Limit returns the configured traces per second
func (l *RateLimiter) Limit() float64 {
	return l.perSecond
}

// Allow reports whether one more trace may be kept, and the effective rate
func (l *RateLimiter) Allow() (bool, float64) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll(now)
	l.seen++
	ok := l.limiter.AllowN(now, 1)
	if ok {
		l.allowed++
	}
	return ok, l.effectiveRate()
}

func (l *RateLimiter) roll(now time.Time) {
	if l.windowStart.IsZero() {
		l.windowStart = now
		return
	}
	elapsed := now.Sub(l.windowStart)
	if elapsed < time.Second {
		return
	}
	if elapsed < 2*time.Second {
		l.prevRate = l.currentRate()
	} else {
		// an empty window passed in between
		l.prevRate = 1
	}
	l.windowStart = now
	l.allowed, l.seen = 0, 0
}

func (l *RateLimiter) currentRate() float64 {
	if l.seen == 0 {
		return 1
	}
	return float64(l.allowed) / float64(l.seen)
}

func (l *RateLimiter) effectiveRate() float64 {
	if l.prevRate < 0 {
		return l.currentRate()
	}
	return (l.currentRate() + l.prevRate) / 2
}
