package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"settlement-engine/internal/core/ports"
	"settlement-engine/internal/core/ports/mocks"
	"settlement-engine/pkg/apperror"
	"settlement-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var webhookCfg = WebhookAuthConfig{
	Secrets:  map[string]string{"bank": "bank-secret", "chain": ""},
	MaxDrift: time.Minute,
	NonceTTL: 5 * time.Minute,
}

func webhookRouter(sigSvc ports.SignatureService, nonces ports.NonceStore) *gin.Engine {
	r := gin.New()
	r.POST("/webhooks/:provider", ProviderAuth(webhookCfg, sigSvc, nonces, zerolog.Nop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"provider": c.GetString(CtxProvider)})
	})
	return r
}

func signedRequest(path, body string, ts int64, nonce, sig string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	return req
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body response.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.ErrorCode
}

func TestProviderAuth_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	sigSvc := mocks.NewMockSignatureService(ctrl)
	nonces := mocks.NewMockNonceStore(ctrl)

	ts := time.Now().Unix()
	body := `{"event_id":"e1"}`
	sigSvc.EXPECT().BuildCanonicalString("POST", "/webhooks/bank", ts, "n-1", body).Return("canonical")
	sigSvc.EXPECT().Verify("bank-secret", "canonical", "good").Return(true)
	nonces.EXPECT().CheckAndSet(gomock.Any(), "bank", "n-1", 5*time.Minute).Return(true, nil)

	w := httptest.NewRecorder()
	webhookRouter(sigSvc, nonces).ServeHTTP(w, signedRequest("/webhooks/bank", body, ts, "n-1", "good"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"provider":"bank"}`, w.Body.String())
}

func TestProviderAuth_Rejects(t *testing.T) {
	now := time.Now().Unix()

	t.Run("unknown provider", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		w := httptest.NewRecorder()
		webhookRouter(mocks.NewMockSignatureService(ctrl), mocks.NewMockNonceStore(ctrl)).
			ServeHTTP(w, signedRequest("/webhooks/paypal", "{}", now, "n", "s"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("provider without secret", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		w := httptest.NewRecorder()
		webhookRouter(mocks.NewMockSignatureService(ctrl), mocks.NewMockNonceStore(ctrl)).
			ServeHTTP(w, signedRequest("/webhooks/chain", "{}", now, "n", "s"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing headers", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		w := httptest.NewRecorder()
		webhookRouter(mocks.NewMockSignatureService(ctrl), mocks.NewMockNonceStore(ctrl)).
			ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/bank", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, apperror.CodeInvalidSignature, errorCode(t, w))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		w := httptest.NewRecorder()
		webhookRouter(mocks.NewMockSignatureService(ctrl), mocks.NewMockNonceStore(ctrl)).
			ServeHTTP(w, signedRequest("/webhooks/bank", "{}", now-120, "n", "s"))
		assert.Equal(t, apperror.CodeTimestampExpired, errorCode(t, w))
	})

	t.Run("bad signature does not burn nonce", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		sigSvc := mocks.NewMockSignatureService(ctrl)
		sigSvc.EXPECT().BuildCanonicalString(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("c")
		sigSvc.EXPECT().Verify("bank-secret", "c", "forged").Return(false)

		w := httptest.NewRecorder()
		webhookRouter(sigSvc, mocks.NewMockNonceStore(ctrl)).
			ServeHTTP(w, signedRequest("/webhooks/bank", "{}", now, "n", "forged"))
		assert.Equal(t, apperror.CodeInvalidSignature, errorCode(t, w))
	})

	t.Run("replayed nonce", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		sigSvc := mocks.NewMockSignatureService(ctrl)
		nonces := mocks.NewMockNonceStore(ctrl)
		sigSvc.EXPECT().BuildCanonicalString(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("c")
		sigSvc.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(true)
		nonces.EXPECT().CheckAndSet(gomock.Any(), "bank", "n", gomock.Any()).Return(false, nil)

		w := httptest.NewRecorder()
		webhookRouter(sigSvc, nonces).ServeHTTP(w, signedRequest("/webhooks/bank", "{}", now, "n", "s"))
		assert.Equal(t, apperror.CodeNonceUsed, errorCode(t, w))
	})
}

func TestProviderAuth_NonceStoreDownAllows(t *testing.T) {
	ctrl := gomock.NewController(t)
	sigSvc := mocks.NewMockSignatureService(ctrl)
	nonces := mocks.NewMockNonceStore(ctrl)
	sigSvc.EXPECT().BuildCanonicalString(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("c")
	sigSvc.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(true)
	nonces.EXPECT().CheckAndSet(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(false, errors.New("redis down"))

	w := httptest.NewRecorder()
	webhookRouter(sigSvc, nonces).ServeHTTP(w, signedRequest("/webhooks/bank", "{}", time.Now().Unix(), "n", "s"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuth(t *testing.T) {
	ctrl := gomock.NewController(t)
	tokenSvc := mocks.NewMockTokenService(ctrl)
	subject := uuid.New()

	tokenSvc.EXPECT().Validate("good").Return(&ports.TokenClaims{Subject: subject, Role: ports.RoleOperator}, nil)
	tokenSvc.EXPECT().Validate("bad").Return(nil, errors.New("expired"))

	r := gin.New()
	r.GET("/me", JWTAuth(tokenSvc), RequireRole(ports.RoleOperator), func(c *gin.Context) {
		id, ok := UserID(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"id": id.String(), "operator": IsOperator(c)})
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer good", http.StatusOK},
		{"invalid", "Bearer bad", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), subject.String())
			}
		})
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	r := gin.New()
	r.GET("/ops", func(c *gin.Context) {
		c.Set(CtxRole, ports.RoleUser)
		c.Next()
	}, RequireRole(ports.RoleOperator), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) { response.Error(c, apperror.ErrNotFound("thing")) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
	var body response.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "req-42", body.RequestID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	_, err := uuid.Parse(w.Header().Get(HeaderRequestID))
	assert.NoError(t, err)
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(Recovery(zerolog.New(&buf)))
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, apperror.CodeInternal, errorCode(t, w))
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf)))
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, float64(404), line["status"])
}

type recordingObserver struct {
	method, route string
	status        int
}

func (r *recordingObserver) ObserveHTTP(method, route string, status int, _ time.Duration) {
	r.method, r.route, r.status = method, route, status
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	obs := &recordingObserver{}
	r := gin.New()
	r.Use(Metrics(obs))
	r.GET("/settlements/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/settlements/abc", nil))

	assert.Equal(t, "/settlements/:id", obs.route)
	assert.Equal(t, http.StatusOK, obs.status)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, "unmatched", obs.route)
}
