// Package rails talks to the banking and blockchain providers that move funds.
package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// Rail names, also used as breaker and log labels.
const (
	RailBank  = "bank"
	RailChain = "chain"
)

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Endpoint is one provider's base URL and its breaker.
type Endpoint struct {
	BaseURL string
	Breaker *gobreaker.CircuitBreaker
}

// Request is the body posted to a rail.
type Request struct {
	IdempotencyKey string            `json:"idempotency_key"`
	SettlementID   uuid.UUID         `json:"settlement_id"`
	UserID         uuid.UUID         `json:"user_id"`
	Action         domain.RailAction `json:"action"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Provider       string            `json:"provider,omitempty"`
}

// HTTPGateway implements ports.RailGateway over signed JSON requests.
type HTTPGateway struct {
	endpoints map[string]Endpoint
	apiKey    string
	signer    ports.SignatureService
	client    HTTPClient
	timeout   time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewHTTPGateway(bank, chain Endpoint, apiKey string, signer ports.SignatureService, client HTTPClient, timeout time.Duration, log zerolog.Logger) *HTTPGateway {
	return &HTTPGateway{
		endpoints: map[string]Endpoint{RailBank: bank, RailChain: chain},
		apiKey:    apiKey,
		signer:    signer,
		client:    client,
		timeout:   timeout,
		log:       log,
		now:       time.Now,
	}
}

// RailFor returns which provider performs action.
func RailFor(action domain.RailAction) string {
	switch action {
	case domain.ActionMintTokens, domain.ActionDeliverTokens:
		return RailChain
	default:
		return RailBank
	}
}

// BuildRequest picks the leg of the settlement the action moves. Deposits move
// the source leg; mints, deliveries and payouts move the target leg.
func BuildRequest(action domain.RailAction, st *domain.Settlement) Request {
	amount, currency := st.TargetAmount, st.TargetCurrency
	if action == domain.ActionConfirmDeposit {
		amount, currency = st.SourceAmount, st.SourceCurrency
	}
	return Request{
		IdempotencyKey: st.ID.String() + ":" + string(action),
		SettlementID:   st.ID,
		UserID:         st.UserID,
		Action:         action,
		Amount:         amount,
		Currency:       currency,
		Provider:       st.Provider,
	}
}

// Execute posts the action to its rail. 409 means the provider already has
// the request and counts as success.
func (g *HTTPGateway) Execute(ctx context.Context, action domain.RailAction, st *domain.Settlement) error {
	rail := RailFor(action)
	ep := g.endpoints[rail]
	if ep.BaseURL == "" {
		return apperror.ErrExternalFailure(rail, errors.New("rail not configured"))
	}

	body, err := json.Marshal(BuildRequest(action, st))
	if err != nil {
		return apperror.InternalError(fmt.Errorf("marshal rail request: %w", err))
	}

	call := func() (interface{}, error) { return nil, g.post(ctx, rail, ep.BaseURL, action, body) }
	if ep.Breaker != nil {
		_, err = ep.Breaker.Execute(call)
	} else {
		_, err = call()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apperror.ErrExternalFailure(rail, err)
		}
		return err
	}

	g.log.Info().
		Str("rail", rail).
		Str("action", string(action)).
		Str("settlement_id", st.ID.String()).
		Msg("rail accepted request")
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, rail, baseURL string, action domain.RailAction, body []byte) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	path := "/v1/" + string(action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return apperror.InternalError(fmt.Errorf("build rail request: %w", err))
	}

	ts := g.now().Unix()
	nonce := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", g.signer.Sign(g.apiKey, g.signer.BuildCanonicalString(http.MethodPost, path, ts, nonce, string(body))))

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperror.ErrExternalTimeout(rail, err)
		}
		return apperror.ErrExternalFailure(rail, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return apperror.ErrExternalFailure(rail, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
}
