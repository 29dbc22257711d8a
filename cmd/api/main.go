package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement-engine/config"
	"settlement-engine/internal/adapter/compliance"
	httpHandler "settlement-engine/internal/adapter/http/handler"
	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/adapter/metrics"
	"settlement-engine/internal/adapter/notify"
	"settlement-engine/internal/adapter/queue"
	"settlement-engine/internal/adapter/rails"
	pgStorage "settlement-engine/internal/adapter/storage/postgres"
	redisStorage "settlement-engine/internal/adapter/storage/redis"
	"settlement-engine/internal/adapter/webhook"
	"settlement-engine/internal/core/ports"
	"settlement-engine/internal/service"
	"settlement-engine/pkg/breaker"
	"settlement-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("SETTLE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	if cfg.Server.Mode == gin.ReleaseMode || cfg.Server.Mode == gin.TestMode {
		gin.SetMode(cfg.Server.Mode)
	}

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting Settlement Engine")

	ctx := context.Background()

	// Initialize PostgreSQL pool and schema
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	if err := pgStorage.Migrate(cfg.Database.DSN(), cfg.Database.DBName, logger.Component(log, "migrate")); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate schema")
	}
	if err := queue.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate job queue")
	}

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// Initialize repositories
	accountRepo := pgStorage.NewAccountRepo(pool)
	ledgerRepo := pgStorage.NewLedgerRepo(pool)
	settlementRepo := pgStorage.NewSettlementRepo(pool)
	historyRepo := pgStorage.NewHistoryRepo(pool)
	userRepo := pgStorage.NewUserRepo()
	auditRepo := pgStorage.NewAuditRepo(pool)
	transactor := pgStorage.NewTransactor(pool, cfg.Database.LockTimeout)

	// Initialize Redis stores
	eventStore := redisStorage.NewEventStore(rdb)
	nonceStore := redisStorage.NewNonceStore(rdb)
	rateLimitStore := redisStorage.NewRateLimitStore(rdb)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	// External collaborators
	sigSvc := service.NewHMACSignatureService()
	outbound := &http.Client{}

	complianceClient := compliance.NewClient(cfg.Compliance.BaseURL, cfg.Compliance.APIKey, outbound)
	gate := service.NewGuardedComplianceGate(
		complianceClient,
		breaker.New("compliance", cfg.Compliance.Breaker, log),
		cfg.Compliance.Timeout,
		logger.Component(log, "compliance"),
	)

	gateway := rails.NewHTTPGateway(
		rails.Endpoint{BaseURL: cfg.Rails.BankURL, Breaker: breaker.New(rails.RailBank, cfg.Rails.Breaker, log)},
		rails.Endpoint{BaseURL: cfg.Rails.ChainURL, Breaker: breaker.New(rails.RailChain, cfg.Rails.Breaker, log)},
		cfg.Rails.APIKey,
		sigSvc,
		outbound,
		cfg.Rails.Timeout,
		logger.Component(log, "rails"),
	)

	var sink ports.NotificationSink = notify.NewLogSink(logger.Component(log, "notify"))
	if cfg.RabbitMQ.URL != "" {
		publisher, err := notify.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger.Component(log, "notify"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer publisher.Close() //nolint:errcheck
		sink = publisher
	}

	// Initialize core services
	dailyLimit, monthlyLimit, err := cfg.Limits.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid limits configuration")
	}
	retry := service.RetryPolicy{
		MaxAttempts: cfg.Engine.RetryAttempts,
		BaseDelay:   cfg.Engine.RetryBaseDelay,
		MaxDelay:    cfg.Engine.RetryMaxDelay,
	}

	scheduler := queue.NewScheduler(nil)
	accountStore := service.NewAccountStore(accountRepo, transactor, logger.Component(log, "accounts"))
	ledgerSvc := service.NewLedgerService(accountStore, ledgerRepo, transactor, recorder, retry, logger.Component(log, "ledger"))
	settlementSvc := service.NewSettlementService(
		settlementRepo,
		historyRepo,
		userRepo,
		ledgerSvc,
		gate,
		scheduler,
		transactor,
		recorder,
		service.SettlementConfig{
			DefaultDailyLimit:   dailyLimit,
			DefaultMonthlyLimit: monthlyLimit,
			Retry:               retry,
		},
		logger.Component(log, "settlements"),
	)
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	auditSvc := service.NewAuditService(auditRepo, logger.Component(log, "audit"))

	// Background workers
	workers := river.NewWorkers()
	queue.RegisterWorkers(workers, queue.Deps{
		Settlements: settlementSvc,
		Rails:       gateway,
		Sink:        sink,
		StaleAfter:  cfg.Engine.StaleAfter,
		Log:         logger.Component(log, "worker"),
	})

	riverLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	riverClient, err := queue.NewClient(pool, workers, cfg.Queue, cfg.Engine.SweepInterval, riverLog)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create job queue client")
	}
	scheduler.Bind(riverClient)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	if err := riverClient.Start(workerCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job queue")
	}

	// Load OpenAPI spec for Swagger UI
	specBytes, err := os.ReadFile("docs/api/openapi.yaml")
	if err != nil {
		log.Warn().Err(err).Msg("OpenAPI spec not found, Swagger UI will be unavailable")
	}

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		Settlements:    settlementSvc,
		Ledger:         ledgerSvc,
		Accounts:       accountStore,
		TokenSvc:       tokenSvc,
		SigSvc:         sigSvc,
		NonceStore:     nonceStore,
		Dedup:          eventStore,
		RateLimitStore: rateLimitStore,
		AuditSvc:       auditSvc,
		HTTPMetrics:    recorder,
		Gatherer:       registry,
		HealthCheckers: []ports.HealthChecker{pgStorage.NewHealthCheck(pool), redisStorage.NewHealthCheck(rdb)},
		Swagger:        httpHandler.NewSwagger(specBytes),
		Webhook: middleware.WebhookAuthConfig{
			Secrets: map[string]string{
				webhook.ProviderBank:  cfg.Webhook.BankSecret,
				webhook.ProviderChain: cfg.Webhook.ChainSecret,
			},
			MaxDrift: cfg.Webhook.MaxDrift,
			NonceTTL: 2 * cfg.Webhook.MaxDrift,
		},
		ClaimTTL:     cfg.Webhook.ClaimTTL,
		DedupTTL:     cfg.Webhook.DedupTTL,
		WebhookLimit: middleware.RateLimitRule{Limit: cfg.Webhook.RateLimit, Window: cfg.Webhook.RateWindow},
		Logger:       log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpHandler.WithCORS(router, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Job queue did not drain before shutdown")
	}

	log.Info().Msg("Server exited")
}
