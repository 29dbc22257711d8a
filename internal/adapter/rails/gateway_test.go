package rails

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/service"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/breaker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "rail-key"

func testSettlement() *domain.Settlement {
	return &domain.Settlement{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Type:           domain.SettlementFiatToToken,
		CurrentState:   domain.StateFiatConfirmed,
		SourceAmount:   decimal.RequireFromString("100.00"),
		SourceCurrency: "USD",
		TargetAmount:   decimal.RequireFromString("99.50"),
		TargetCurrency: "USDX",
		Provider:       "acme",
	}
}

func newGateway(bankURL, chainURL string, timeout time.Duration) *HTTPGateway {
	cfg := breaker.DefaultConfig()
	cfg.ConsecutiveFailures = 2
	cfg.OpenTimeout = time.Hour
	log := zerolog.Nop()
	return NewHTTPGateway(
		Endpoint{BaseURL: bankURL, Breaker: breaker.New(RailBank, cfg, log)},
		Endpoint{BaseURL: chainURL, Breaker: breaker.New(RailChain, cfg, log)},
		testKey,
		service.NewHMACSignatureService(),
		http.DefaultClient,
		timeout,
		log,
	)
}

func TestHTTPGateway_SignedRequestToChain(t *testing.T) {
	st := testSettlement()
	signer := service.NewHMACSignatureService()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/mint_tokens", r.URL.Path)
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		ts, err := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
		require.NoError(t, err)
		canonical := signer.BuildCanonicalString(r.Method, r.URL.Path, ts, r.Header.Get("X-Nonce"), string(body))
		assert.True(t, signer.Verify(testKey, canonical, r.Header.Get("X-Signature")))

		var req Request
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, st.ID.String()+":mint_tokens", req.IdempotencyKey)
		assert.True(t, req.Amount.Equal(decimal.RequireFromString("99.50")))
		assert.Equal(t, "USDX", req.Currency)

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := newGateway("", srv.URL, time.Second)
	require.NoError(t, g.Execute(context.Background(), domain.ActionMintTokens, st))
}

func TestHTTPGateway_ConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	g := newGateway(srv.URL, "", time.Second)
	assert.NoError(t, g.Execute(context.Background(), domain.ActionSendPayout, testSettlement()))
}

func TestHTTPGateway_Errors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "ledger offline", http.StatusBadGateway)
		}))
		defer srv.Close()

		err := newGateway(srv.URL, "", time.Second).Execute(context.Background(), domain.ActionConfirmDeposit, testSettlement())
		assert.True(t, apperror.HasCode(err, apperror.CodeExternalFailure))
		assert.ErrorContains(t, err, "ledger offline")
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		defer srv.Close()

		err := newGateway(srv.URL, "", 20*time.Millisecond).Execute(context.Background(), domain.ActionConfirmDeposit, testSettlement())
		assert.True(t, apperror.HasCode(err, apperror.CodeExternalTimeout))
	})

	t.Run("not configured", func(t *testing.T) {
		err := newGateway("", "", time.Second).Execute(context.Background(), domain.ActionDeliverTokens, testSettlement())
		assert.True(t, apperror.HasCode(err, apperror.CodeExternalFailure))
	})
}

func TestHTTPGateway_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := newGateway(srv.URL, "", time.Second)
	for i := 0; i < 3; i++ {
		err := g.Execute(context.Background(), domain.ActionSendPayout, testSettlement())
		assert.True(t, apperror.HasCode(err, apperror.CodeExternalFailure))
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestBuildRequest_Legs(t *testing.T) {
	st := testSettlement()

	deposit := BuildRequest(domain.ActionConfirmDeposit, st)
	assert.Equal(t, "USD", deposit.Currency)
	assert.True(t, deposit.Amount.Equal(st.SourceAmount))

	payout := BuildRequest(domain.ActionSendPayout, st)
	assert.Equal(t, "USDX", payout.Currency)

	assert.Equal(t, RailBank, RailFor(domain.ActionSendPayout))
	assert.Equal(t, RailChain, RailFor(domain.ActionDeliverTokens))
}
