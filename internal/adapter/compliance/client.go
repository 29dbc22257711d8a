// Package compliance calls the external risk-scoring provider.
package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"settlement-engine/internal/core/domain"
	"settlement-engine/pkg/apperror"
)

const dependency = "compliance"

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements ports.ComplianceGate against the provider's REST API.
// Timeouts and breaking are applied by the caller.
type Client struct {
	baseURL string
	apiKey  string
	http    HTTPClient
}

func NewClient(baseURL, apiKey string, httpClient HTTPClient) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: httpClient}
}

type assessmentResponse struct {
	Approved       bool   `json:"approved"`
	RiskScore      int    `json:"risk_score"`
	RiskLevel      string `json:"risk_level"`
	Reason         string `json:"reason"`
	ReviewRequired bool   `json:"review_required"`
}

// Assess posts the proposed settlement and decodes the verdict.
func (c *Client) Assess(ctx context.Context, req domain.ComplianceRequest) (*domain.RiskAssessment, error) {
	if c.baseURL == "" {
		return nil, apperror.ErrExternalFailure(dependency, errors.New("provider not configured"))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal assessment request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/assessments", bytes.NewReader(body))
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("build assessment request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.SettlementID.String())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperror.ErrExternalTimeout(dependency, err)
		}
		return nil, apperror.ErrExternalFailure(dependency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperror.ErrExternalFailure(dependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var out assessmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperror.ErrExternalFailure(dependency, fmt.Errorf("decode verdict: %w", err))
	}

	a := &domain.RiskAssessment{
		Approved:       out.Approved,
		RiskScore:      out.RiskScore,
		RiskLevel:      parseLevel(out.RiskLevel),
		Reason:         out.Reason,
		ReviewRequired: out.ReviewRequired,
	}
	a.ClampScore()
	return a, nil
}

func parseLevel(s string) domain.RiskLevel {
	switch lvl := domain.RiskLevel(strings.ToUpper(s)); lvl {
	case domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical:
		return lvl
	}
	return domain.RiskUnknown
}
