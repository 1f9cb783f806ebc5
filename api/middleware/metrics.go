package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roomrelay/relay/internal/metrics"
)

// Metrics returns middleware that records Prometheus metrics.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			// Keeps arbitrary unmatched paths out of the label set
			route = "unmatched"
		}

		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(c.Writer.Status()),
		).Inc()

		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, route,
		).Observe(time.Since(start).Seconds())
	}
}
