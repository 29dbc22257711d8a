package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"settlement-engine/internal/adapter/http/middleware"
	"settlement-engine/internal/adapter/metrics"
	redisStorage "settlement-engine/internal/adapter/storage/redis"
	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/internal/service"
	"settlement-engine/internal/testutil/memstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bankSecret  = "bank-webhook-secret"
	chainSecret = "chain-webhook-secret"
)

type approveAll struct{}

func (approveAll) Assess(context.Context, domain.ComplianceRequest) (*domain.RiskAssessment, error) {
	return &domain.RiskAssessment{Approved: true, RiskScore: 5, RiskLevel: domain.RiskLow}, nil
}

// flowApp runs the real router and services over the in-memory store and miniredis.
type flowApp struct {
	server   *httptest.Server
	store    *memstore.Store
	tokens   *service.JWTTokenService
	signer   *service.HMACSignatureService
	registry *prometheus.Registry
	userID   uuid.UUID
	nonce    int
}

func newFlowApp(t *testing.T) *flowApp {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := memstore.New()
	registry := prometheus.NewRegistry()
	rec := metrics.NewRecorder(registry)
	log := zerolog.Nop()
	retry := service.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	accounts := service.NewAccountStore(store.AccountRepo(), store, log)
	ledger := service.NewLedgerService(accounts, store.LedgerRepo(), store, rec, retry, log)
	settlements := service.NewSettlementService(
		store.SettlementRepo(), store.HistoryRepo(), store.UserRepo(),
		ledger, approveAll{}, store.Scheduler(), store, rec,
		service.SettlementConfig{Retry: retry}, log,
	)

	app := &flowApp{
		store:    store,
		tokens:   service.NewJWTTokenService("flow-secret", time.Hour, "test"),
		signer:   service.NewHMACSignatureService(),
		registry: registry,
		userID:   uuid.New(),
	}
	store.AddUser(domain.User{ID: app.userID, Status: domain.UserStatusActive})

	router := SetupRouter(RouterDeps{
		Settlements:    settlements,
		Ledger:         ledger,
		Accounts:       accounts,
		TokenSvc:       app.tokens,
		SigSvc:         app.signer,
		NonceStore:     redisStorage.NewNonceStore(rdb),
		Dedup:          redisStorage.NewEventStore(rdb),
		RateLimitStore: redisStorage.NewRateLimitStore(rdb),
		HTTPMetrics:    rec,
		Gatherer:       registry,
		Webhook: middleware.WebhookAuthConfig{
			Secrets:  map[string]string{"bank": bankSecret, "chain": chainSecret},
			MaxDrift: 5 * time.Minute,
			NonceTTL: 10 * time.Minute,
		},
		ClaimTTL: time.Minute,
		DedupTTL: time.Hour,
		Logger:   log,
	})
	app.server = httptest.NewServer(router)
	t.Cleanup(app.server.Close)
	return app
}

func (a *flowApp) call(t *testing.T, method, path string, body any) (int, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	token, _, err := a.tokens.Generate(a.userID, ports.RoleUser)
	require.NoError(t, err)

	req, err := http.NewRequest(method, a.server.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return doJSON(t, req)
}

func (a *flowApp) webhook(t *testing.T, provider, secret string, event map[string]string) (int, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	a.nonce++
	path := "/webhooks/" + provider
	ts := time.Now().Unix()
	nonce := "nonce-" + strconv.Itoa(a.nonce)
	sig := a.signer.Sign(secret, a.signer.BuildCanonicalString(http.MethodPost, path, ts, nonce, string(raw)))

	req, err := http.NewRequest(http.MethodPost, a.server.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderSignature, sig)
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.HeaderNonce, nonce)
	return doJSON(t, req)
}

func doJSON(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestFlow_FiatToTokenViaWebhooks(t *testing.T) {
	app := newFlowApp(t)

	code, created := app.call(t, http.MethodPost, "/api/v1/settlements", map[string]string{
		"type":            "FIAT_TO_TOKEN",
		"source_amount":   "500.25",
		"source_currency": "USD",
		"target_currency": "USDX",
	})
	require.Equal(t, http.StatusCreated, code, "%v", created)
	id := created["data"].(map[string]interface{})["id"].(string)

	txHash := "0x" + strings.Repeat("ab", 32)
	steps := []struct {
		provider, secret string
		event            map[string]string
		state            string
	}{
		{"bank", bankSecret, map[string]string{"event_id": "b-1", "event_type": "deposit.received", "amount": "500.25"}, "FIAT_RECEIVED"},
		{"bank", bankSecret, map[string]string{"event_id": "b-2", "event_type": "deposit.confirmed"}, "FIAT_CONFIRMED"},
		{"chain", chainSecret, map[string]string{"event_id": "c-1", "event_type": "mint.confirmed", "tx_hash": txHash}, "TOKEN_MINTED"},
		{"chain", chainSecret, map[string]string{"event_id": "c-2", "event_type": "transfer.confirmed"}, "TOKEN_DELIVERED"},
		{"chain", chainSecret, map[string]string{"event_id": "c-3", "event_type": "transfer.finalized"}, "SETTLED"},
	}
	for _, s := range steps {
		s.event["settlement_id"] = id
		code, body := app.webhook(t, s.provider, s.secret, s.event)
		require.Equal(t, http.StatusAccepted, code, "%s: %v", s.event["event_type"], body)
		data := body["data"].(map[string]interface{})
		assert.Equal(t, "processed", data["status"])
		assert.Equal(t, s.state, data["state"])
	}

	// A provider retry of an already processed delivery is acknowledged without effect.
	code, dup := app.webhook(t, "bank", bankSecret, map[string]string{
		"event_id": "b-1", "event_type": "deposit.received", "settlement_id": id, "amount": "500.25",
	})
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "duplicate", dup["data"].(map[string]interface{})["status"])

	code, history := app.call(t, http.MethodGet, "/api/v1/settlements/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, history["data"], 6)

	code, accounts := app.call(t, http.MethodGet, "/api/v1/accounts", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, accounts["data"], 2)

	require.Len(t, app.store.Entries(), 2)
	for _, acc := range app.store.Accounts() {
		assert.True(t, acc.Consistent())
	}
}

func TestFlow_WebhookSignatureRequired(t *testing.T) {
	app := newFlowApp(t)

	code, body := app.webhook(t, "bank", "wrong-secret", map[string]string{
		"event_id": "b-9", "event_type": "deposit.received", "settlement_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "AUTH_003", body["error_code"])

	code, _ = app.webhook(t, "acme", bankSecret, map[string]string{
		"event_id": "x-1", "event_type": "deposit.received", "settlement_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFlow_CancelBeforeDeposit(t *testing.T) {
	app := newFlowApp(t)

	_, created := app.call(t, http.MethodPost, "/api/v1/settlements", map[string]string{
		"type":            "FIAT_TO_TOKEN",
		"source_amount":   "20",
		"source_currency": "EUR",
		"target_currency": "EURX",
	})
	id := created["data"].(map[string]interface{})["id"].(string)

	code, cancelled := app.call(t, http.MethodPost, "/api/v1/settlements/"+id+"/cancel", map[string]string{"reason": "typo"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "FAILED", cancelled["data"].(map[string]interface{})["current_state"])

	// Late deposit for a cancelled settlement is rejected and can be retried by the provider.
	code, body := app.webhook(t, "bank", bankSecret, map[string]string{
		"event_id": "b-late", "event_type": "deposit.received", "settlement_id": id,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "STM_001", body["error_code"])
}

func TestFlow_MetricsEndpoint(t *testing.T) {
	app := newFlowApp(t)
	app.call(t, http.MethodGet, "/api/v1/accounts", nil)

	resp, err := http.Get(app.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
