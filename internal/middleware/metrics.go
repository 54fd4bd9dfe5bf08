package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lyrics-approvals-api/internal/service"
)

const unmatchedRoute = "unmatched"

// Metrics records request latency per route template. Live websocket streams stay open
// for the lifetime of an admin view and are counted by the subscription gauges instead.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil || c.IsWebsocket() {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
