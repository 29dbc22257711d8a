package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Header names for provider webhook signatures
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderRequestID = "X-Request-ID"

	// Context keys
	CtxUserID   = "user_id"
	CtxRole     = "role"
	CtxProvider = "provider"
)

// WebhookAuthConfig holds per-provider secrets and replay windows.
type WebhookAuthConfig struct {
	Secrets  map[string]string // provider -> shared secret
	MaxDrift time.Duration
	NonceTTL time.Duration
}

// ProviderAuth verifies HMAC-SHA256 signatures on provider webhooks.
// Pipeline: resolve provider -> check timestamp -> check nonce -> verify signature.
// The provider is taken from the :provider route parameter.
func ProviderAuth(cfg WebhookAuthConfig, sigSvc ports.SignatureService, nonceStore ports.NonceStore, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		secret, ok := cfg.Secrets[provider]
		if !ok || secret == "" {
			response.Error(c, apperror.ErrNotFound("webhook provider"))
			c.Abort()
			return
		}

		signature := c.GetHeader(HeaderSignature)
		timestampStr := c.GetHeader(HeaderTimestamp)
		nonce := c.GetHeader(HeaderNonce)
		if signature == "" || timestampStr == "" || nonce == "" {
			response.Error(c, apperror.ErrInvalidSignature())
			c.Abort()
			return
		}

		timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
		if err != nil {
			response.Error(c, apperror.ErrTimestampExpired())
			c.Abort()
			return
		}
		drift := time.Since(time.Unix(timestamp, 0))
		if drift < 0 {
			drift = -drift
		}
		if drift > cfg.MaxDrift {
			response.Error(c, apperror.ErrTimestampExpired())
			c.Abort()
			return
		}

		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.Error(c, apperror.Validation("cannot read request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		canonical := sigSvc.BuildCanonicalString(c.Request.Method, c.Request.URL.Path, timestamp, nonce, string(bodyBytes))
		if !sigSvc.Verify(secret, canonical, signature) {
			log.Warn().Str("provider", provider).Str("client_ip", c.ClientIP()).Msg("webhook signature mismatch")
			response.Error(c, apperror.ErrInvalidSignature())
			c.Abort()
			return
		}

		// Nonces are only burned by correctly signed requests.
		isNew, err := nonceStore.CheckAndSet(c.Request.Context(), provider, nonce, cfg.NonceTTL)
		if err != nil {
			log.Warn().Err(err).Str("provider", provider).Msg("nonce store error, allowing request")
		} else if !isNew {
			response.Error(c, apperror.ErrNonceUsed())
			c.Abort()
			return
		}

		c.Set(CtxProvider, provider)
		c.Next()
	}
}

// JWTAuth validates bearer tokens and stores the subject and role.
func JWTAuth(tokenSvc ports.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenStr == "" {
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}

		claims, err := tokenSvc.Validate(tokenStr)
		if err != nil {
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}

		c.Set(CtxUserID, claims.Subject)
		c.Set(CtxRole, claims.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose token does not carry role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Role(c) != role {
			response.Error(c, apperror.ErrForbidden())
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated subject.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(CtxUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// Role returns the authenticated role, or "".
func Role(c *gin.Context) string {
	return c.GetString(CtxRole)
}

// IsOperator reports whether the caller holds the operator role.
func IsOperator(c *gin.Context) bool {
	return Role(c) == ports.RoleOperator
}

// RequestID propagates or assigns X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(response.RequestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// RequestLogger creates a middleware that logs every HTTP request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		} else if status >= http.StatusBadRequest {
			event = log.Warn()
		}

		event.
			Str("request_id", c.GetString(response.RequestIDKey)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Recovery creates a panic recovery middleware.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.ErrorResponse{
					ErrorCode: apperror.CodeInternal,
					Message:   "Internal server error",
					RequestID: c.GetString(response.RequestIDKey),
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				})
			}
		}()
		c.Next()
	}
}
