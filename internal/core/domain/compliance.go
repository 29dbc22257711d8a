package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskLevel is the compliance provider's coarse risk bucket.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
	RiskUnknown  RiskLevel = "UNKNOWN"
)

// Reasons recorded when the gate could not produce a verdict.
const (
	ReasonComplianceTimeout     = "COMPLIANCE_TIMEOUT"
	ReasonComplianceUnavailable = "COMPLIANCE_UNAVAILABLE"
)

// ComplianceRequest is the proposed settlement submitted for assessment.
type ComplianceRequest struct {
	UserID         uuid.UUID       `json:"user_id"`
	SettlementID   uuid.UUID       `json:"settlement_id"`
	Type           SettlementType  `json:"type"`
	SourceAmount   decimal.Decimal `json:"source_amount"`
	SourceCurrency string          `json:"source_currency"`
	TargetAmount   decimal.Decimal `json:"target_amount"`
	TargetCurrency string          `json:"target_currency"`
}

// RiskAssessment is the gate's verdict.
type RiskAssessment struct {
	Approved       bool      `json:"approved"`
	RiskScore      int       `json:"risk_score"`
	RiskLevel      RiskLevel `json:"risk_level"`
	Reason         string    `json:"reason,omitempty"`
	ReviewRequired bool      `json:"review_required"`
}

// ReviewRequired builds the degraded verdict used when the provider cannot answer.
func ReviewRequired(reason string) *RiskAssessment {
	return &RiskAssessment{
		Approved:       false,
		RiskLevel:      RiskUnknown,
		Reason:         reason,
		ReviewRequired: true,
	}
}

// Status maps the verdict onto a settlement compliance status.
func (r *RiskAssessment) Status() ComplianceStatus {
	switch {
	case r.ReviewRequired:
		return ComplianceReview
	case r.Approved:
		return ComplianceApproved
	default:
		return ComplianceRejected
	}
}

// ClampScore keeps the score inside [0, 100].
func (r *RiskAssessment) ClampScore() {
	if r.RiskScore < 0 {
		r.RiskScore = 0
	}
	if r.RiskScore > 100 {
		r.RiskScore = 100
	}
}
