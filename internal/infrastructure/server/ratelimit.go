package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/config"
	"github.com/GriffinCanCode/apmtrace/internal/tracing"
)

// clientIdleTTL is how long an idle client's limiter is kept
const clientIdleTTL = 5 * time.Minute

// rateLimit creates a per-client rate limiting middleware. Rejected
// requests are tagged on the request span.
func rateLimit(cfg config.RateLimitConfig, now func() time.Time) gin.HandlerFunc {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu        sync.Mutex
		clients   = make(map[string]*client)
		lastSweep = now()
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		t := now()

		mu.Lock()
		if t.Sub(lastSweep) > clientIdleTTL {
			for key, cl := range clients {
				if t.Sub(cl.lastSeen) > clientIdleTTL {
					delete(clients, key)
				}
			}
			lastSweep = t
		}
		cl, exists := clients[ip]
		if !exists {
			cl = &client{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
			clients[ip] = cl
		}
		cl.lastSeen = t
		allowed := cl.limiter.AllowN(t, 1)
		mu.Unlock()

		if !allowed {
			if span, ok := tracing.SpanFromContext(c.Request.Context()); ok {
				span.SetTag("ratelimit.rejected", true)
			}
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
