package handler

import (
	"net/http"
	"time"

	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	Settlements    ports.SettlementService
	Ledger         ports.LedgerService
	Accounts       ports.AccountStore
	TokenSvc       ports.TokenService
	SigSvc         ports.SignatureService
	NonceStore     ports.NonceStore
	Dedup          ports.EventDeduplicator
	RateLimitStore ports.RateLimitStore // nil = rate limiting disabled
	AuditSvc       ports.AuditService   // nil = audit logging disabled
	HTTPMetrics    middleware.HTTPObserver
	Gatherer       prometheus.Gatherer // nil = no /metrics endpoint
	HealthCheckers []ports.HealthChecker
	Swagger        *Swagger

	Webhook      middleware.WebhookAuthConfig
	ClaimTTL     time.Duration
	DedupTTL     time.Duration
	WebhookLimit middleware.RateLimitRule // zero = DefaultRateLimitRules
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	if deps.HTTPMetrics != nil {
		r.Use(middleware.Metrics(deps.HTTPMetrics))
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	r.Use(middleware.MaxBodySize(maxBody))
	if deps.AuditSvc != nil {
		r.Use(middleware.AuditLog(deps.AuditSvc))
	}

	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.Swagger != nil {
		swagger := r.Group("/swagger")
		{
			swagger.GET("", deps.Swagger.UI)
			swagger.GET("/spec", deps.Swagger.Spec)
		}
	}

	rules := middleware.DefaultRateLimitRules()
	if deps.WebhookLimit.Limit > 0 {
		rules["webhooks"] = deps.WebhookLimit
	}
	rl := func(group string) gin.HandlerFunc {
		rule, ok := rules[group]
		if deps.RateLimitStore == nil || !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	settlementHandler := NewSettlementHandler(deps.Settlements)
	ledgerHandler := NewLedgerHandler(deps.Ledger)
	accountHandler := NewAccountHandler(deps.Accounts)
	webhookHandler := NewWebhookHandler(deps.Settlements, deps.Dedup, deps.ClaimTTL, deps.DedupTTL, deps.Logger)

	v1 := r.Group("/api/v1", middleware.JWTAuth(deps.TokenSvc))

	settlements := v1.Group("/settlements")
	{
		settlements.POST("", rl("settlements_create"), settlementHandler.Create)
		settlements.GET("/:id", rl("settlements_read"), settlementHandler.Get)
		settlements.GET("/:id/history", rl("settlements_read"), settlementHandler.History)
		settlements.GET("/:id/entries", rl("settlements_read"), settlementHandler.Entries)
		settlements.POST("/:id/cancel", rl("settlements_create"), settlementHandler.Cancel)

		operator := settlements.Group("", middleware.RequireRole(ports.RoleOperator), rl("operator"))
		operator.POST("/:id/transitions", settlementHandler.Transition)
		operator.POST("/:id/review", settlementHandler.Review)
	}

	v1.GET("/accounts", rl("settlements_read"), accountHandler.List)
	accounts := v1.Group("/accounts", middleware.RequireRole(ports.RoleOperator), rl("operator"))
	{
		accounts.POST("/:id/freeze", accountHandler.Freeze)
		accounts.POST("/:id/unfreeze", accountHandler.Unfreeze)
	}

	ledger := v1.Group("/ledger", middleware.RequireRole(ports.RoleOperator), rl("operator"))
	{
		ledger.GET("/entries/:id", ledgerHandler.GetEntry)
		ledger.POST("/entries/:id/settle", ledgerHandler.Settle)
		ledger.POST("/entries/:id/reverse", ledgerHandler.Reverse)
		ledger.GET("/reconciliation", ledgerHandler.Reconciliation)
		ledger.POST("/adjustments", ledgerHandler.Adjust)
		ledger.POST("/adjustments/batch", ledgerHandler.AdjustBatch)
	}

	r.POST("/webhooks/:provider",
		rl("webhooks"),
		middleware.ProviderAuth(deps.Webhook, deps.SigSvc, deps.NonceStore, deps.Logger),
		webhookHandler.Receive,
	)

	return r
}

// WithCORS wraps the engine for browser dashboards. An empty origin list
// disables CORS headers.
func WithCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.HeaderRequestID},
		ExposedHeaders:   []string{middleware.HeaderRequestID, "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           600,
	}).Handler(h)
}
