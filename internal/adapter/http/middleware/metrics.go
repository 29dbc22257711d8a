package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPObserver receives one observation per request.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// Metrics reports request counts and latency by route pattern.
func Metrics(obs HTTPObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		obs.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
