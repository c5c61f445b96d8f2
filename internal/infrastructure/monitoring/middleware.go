package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// unmatchedRoute labels requests no route matched
const unmatchedRoute = "unmatched"

// Middleware records request metrics by route template
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics.InFlight.Inc()
		defer metrics.InFlight.Dec()

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		size := int64(c.Writer.Size())
		if size < 0 {
			size = 0
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start), size)
	}
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}
