package middleware

import (
	"fmt"
	"strconv"
	"time"

	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// DefaultRateLimitRules returns per-group limits. The webhook rule is
// overridden from configuration.
func DefaultRateLimitRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"settlements_create": {Limit: 30, Window: time.Minute},
		"settlements_read":   {Limit: 120, Window: time.Minute},
		"operator":           {Limit: 60, Window: time.Minute},
		"webhooks":           {Limit: 600, Window: time.Minute},
	}
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
// Store errors let the request through.
func RateLimiter(store ports.RateLimitStore, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", extractIdentifier(c), group)

		result, err := store.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := result.ResetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier keys authenticated callers by subject, webhooks by
// provider and everything else by client IP.
func extractIdentifier(c *gin.Context) string {
	if id, ok := UserID(c); ok {
		return "user:" + id.String()
	}
	if p := c.Param("provider"); p != "" {
		return "provider:" + p
	}
	return "ip:" + c.ClientIP()
}
