package compliance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"settlement-engine/internal/core/domain"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request() domain.ComplianceRequest {
	return domain.ComplianceRequest{
		UserID:         uuid.New(),
		SettlementID:   uuid.New(),
		Type:           domain.SettlementTokenToFiat,
		SourceAmount:   decimal.NewFromInt(500),
		SourceCurrency: "USDX",
		TargetAmount:   decimal.NewFromInt(500),
		TargetCurrency: "USD",
	}
}

func TestClient_Assess(t *testing.T) {
	req := request()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/assessments", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, req.SettlementID.String(), r.Header.Get("Idempotency-Key"))

		var got domain.ComplianceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, req.UserID, got.UserID)

		_, _ = w.Write([]byte(`{"approved":true,"risk_score":140,"risk_level":"medium"}`))
	}))
	defer srv.Close()

	a, err := NewClient(srv.URL+"/", "key", http.DefaultClient).Assess(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, a.Approved)
	assert.Equal(t, 100, a.RiskScore)
	assert.Equal(t, domain.RiskMedium, a.RiskLevel)
	assert.Equal(t, domain.ComplianceApproved, a.Status())
}

func TestClient_Assess_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "down", http.StatusInternalServerError) }},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(srv.URL, "key", http.DefaultClient).Assess(context.Background(), request())
			assert.True(t, apperror.HasCode(err, apperror.CodeExternalFailure))
		})
	}

	_, err := NewClient("", "key", http.DefaultClient).Assess(context.Background(), request())
	assert.True(t, apperror.HasCode(err, apperror.CodeExternalFailure))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, domain.RiskCritical, parseLevel("CRITICAL"))
	assert.Equal(t, domain.RiskUnknown, parseLevel("spicy"))
}
