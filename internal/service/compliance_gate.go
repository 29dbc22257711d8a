package service

import (
	"context"
	"errors"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// GuardedComplianceGate bounds a compliance provider with a timeout and a
// circuit breaker. It never returns an error: a missing verdict degrades to
// review required, never to approval.
type GuardedComplianceGate struct {
	provider ports.ComplianceGate
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	log      zerolog.Logger
}

// NewGuardedComplianceGate wraps provider.
func NewGuardedComplianceGate(provider ports.ComplianceGate, breaker *gobreaker.CircuitBreaker, timeout time.Duration, log zerolog.Logger) *GuardedComplianceGate {
	return &GuardedComplianceGate{
		provider: provider,
		breaker:  breaker,
		timeout:  timeout,
		log:      log,
	}
}

type assessResult struct {
	assessment *domain.RiskAssessment
	err        error
}

// Assess implements ports.ComplianceGate.
func (g *GuardedComplianceGate) Assess(ctx context.Context, req domain.ComplianceRequest) (*domain.RiskAssessment, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.breaker.Execute(func() (interface{}, error) {
		done := make(chan assessResult, 1)
		go func() {
			a, err := g.provider.Assess(ctx, req)
			done <- assessResult{assessment: a, err: err}
		}()

		select {
		case r := <-done:
			return r.assessment, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		reason := domain.ReasonComplianceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = domain.ReasonComplianceTimeout
		}
		g.log.Warn().Err(err).
			Str("settlement_id", req.SettlementID.String()).
			Str("reason", reason).
			Msg("compliance provider gave no verdict")
		return domain.ReviewRequired(reason), nil
	}

	assessment, ok := res.(*domain.RiskAssessment)
	if !ok || assessment == nil {
		g.log.Warn().Str("settlement_id", req.SettlementID.String()).Msg("compliance provider returned empty verdict")
		return domain.ReviewRequired(domain.ReasonComplianceUnavailable), nil
	}

	g.log.Debug().
		Str("settlement_id", req.SettlementID.String()).
		Bool("approved", assessment.Approved).
		Int("risk_score", assessment.RiskScore).
		Str("status", string(assessment.Status())).
		Msg("compliance verdict received")
	return assessment, nil
}
