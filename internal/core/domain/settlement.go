package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementType is the kind of money movement a settlement performs.
type SettlementType string

const (
	SettlementFiatToToken      SettlementType = "FIAT_TO_TOKEN"
	SettlementTokenToFiat      SettlementType = "TOKEN_TO_FIAT"
	SettlementCrossBorder      SettlementType = "CROSS_BORDER"
	SettlementInternalTransfer SettlementType = "INTERNAL_TRANSFER"
)

// IsValid reports whether t is a known settlement type.
func (t SettlementType) IsValid() bool {
	switch t {
	case SettlementFiatToToken, SettlementTokenToFiat, SettlementCrossBorder, SettlementInternalTransfer:
		return true
	}
	return false
}

// ComplianceStatus tracks the compliance gate's verdict on a settlement.
type ComplianceStatus string

const (
	CompliancePending  ComplianceStatus = "PENDING"
	ComplianceApproved ComplianceStatus = "APPROVED"
	ComplianceReview   ComplianceStatus = "REVIEW"
	ComplianceRejected ComplianceStatus = "REJECTED"
)

// Settlement is one user-initiated money movement tracked until a terminal state.
type Settlement struct {
	ID               uuid.UUID         `json:"id"`
	UserID           uuid.UUID         `json:"user_id"`
	Type             SettlementType    `json:"type"`
	CurrentState     State             `json:"current_state"`
	PreviousState    *State            `json:"previous_state,omitempty"`
	SourceAmount     decimal.Decimal   `json:"source_amount"`
	SourceCurrency   string            `json:"source_currency"`
	TargetAmount     decimal.Decimal   `json:"target_amount"`
	TargetCurrency   string            `json:"target_currency"`
	Provider         string            `json:"provider"`
	RiskScore        int               `json:"risk_score"`
	RiskLevel        RiskLevel         `json:"risk_level,omitempty"`
	ComplianceStatus ComplianceStatus  `json:"compliance_status"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	FailedAt         *time.Time        `json:"failed_at,omitempty"`
}

// IsTerminal returns true if no further transition is possible.
func (s *Settlement) IsTerminal() bool {
	return s.CurrentState.IsTerminal()
}

// Apply moves the settlement into next and stamps completion or failure times.
// The caller has already validated the edge.
func (s *Settlement) Apply(next State, reason string, at time.Time) {
	prev := s.CurrentState
	s.PreviousState = &prev
	s.CurrentState = next
	s.UpdatedAt = at

	switch {
	case next.IsCompletion():
		s.CompletedAt = &at
	case next == StateFailed:
		s.FailedAt = &at
		s.FailureReason = reason
	}
}

// Metadata keys understood by state-entry side effects.
const (
	MetaIdempotencyKey = "idempotency_key"
	MetaAmount         = "amount"
	MetaTxHash         = "tx_hash"
	MetaProviderRef    = "provider_ref"
	MetaReason         = "reason"
	MetaSource         = "source"
)

// TransitionMetadata accompanies a transition request.
type TransitionMetadata map[string]string

// IdempotencyKey returns the provider-supplied key.
func (m TransitionMetadata) IdempotencyKey() string {
	return m[MetaIdempotencyKey]
}

// Reason returns the operator or provider supplied reason.
func (m TransitionMetadata) Reason() string {
	return m[MetaReason]
}

// AmountOr parses the provider-confirmed amount, falling back to def when absent.
func (m TransitionMetadata) AmountOr(def decimal.Decimal) (decimal.Decimal, error) {
	raw, ok := m[MetaAmount]
	if !ok || raw == "" {
		return def, nil
	}
	return decimal.NewFromString(raw)
}

// StateHistory is one append-only audit row per successful transition.
type StateHistory struct {
	ID             uuid.UUID         `json:"id"`
	SettlementID   uuid.UUID         `json:"settlement_id"`
	FromState      *State            `json:"from_state,omitempty"`
	ToState        State             `json:"to_state"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// SettlementEvent is published to the notification sink after a transition commits.
type SettlementEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	SettlementID  uuid.UUID       `json:"settlement_id"`
	UserID        uuid.UUID       `json:"user_id"`
	Type          SettlementType  `json:"type"`
	FromState     State           `json:"from_state"`
	ToState       State           `json:"to_state"`
	SourceAmount  decimal.Decimal `json:"source_amount"`
	Currency      string          `json:"currency"`
	FailureReason string          `json:"failure_reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewSettlementEvent builds the event for a committed transition.
func NewSettlementEvent(s *Settlement, from State, at time.Time) SettlementEvent {
	return SettlementEvent{
		EventID:       uuid.New(),
		SettlementID:  s.ID,
		UserID:        s.UserID,
		Type:          s.Type,
		FromState:     from,
		ToState:       s.CurrentState,
		SourceAmount:  s.SourceAmount,
		Currency:      s.SourceCurrency,
		FailureReason: s.FailureReason,
		OccurredAt:    at,
	}
}
