package handler

import (
	"net/http"

	"settlement-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// HealthCheck handles GET /health. Every dependency is pinged; any failure
// reports the service as degraded with 503.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus, len(checkers))
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}
