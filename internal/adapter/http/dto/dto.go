package dto

import "github.com/google/uuid"

// CreateSettlementRequest is the body of POST /api/v1/settlements.
type CreateSettlementRequest struct {
	// UserID is honoured only for operators; users always settle for themselves.
	UserID         *uuid.UUID        `json:"user_id,omitempty"`
	Type           string            `json:"type" binding:"required,oneof=FIAT_TO_TOKEN TOKEN_TO_FIAT CROSS_BORDER INTERNAL_TRANSFER"`
	SourceAmount   string            `json:"source_amount" binding:"required,amount"`
	SourceCurrency string            `json:"source_currency" binding:"required,currency"`
	TargetAmount   string            `json:"target_amount,omitempty" binding:"omitempty,amount"`
	TargetCurrency string            `json:"target_currency" binding:"required,currency"`
	Provider       string            `json:"provider,omitempty" binding:"omitempty,max=64,safe_id"`
	Metadata       map[string]string `json:"metadata,omitempty" binding:"omitempty,max=20"`
}

// CancelRequest is the body of POST /settlements/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" binding:"omitempty,max=256"`
}

// TransitionRequest is an operator-forced transition.
type TransitionRequest struct {
	TargetState    string            `json:"target_state" binding:"required"`
	IdempotencyKey string            `json:"idempotency_key" binding:"required,max=128"`
	Reason         string            `json:"reason,omitempty" binding:"omitempty,max=256"`
	Metadata       map[string]string `json:"metadata,omitempty" binding:"omitempty,max=20"`
}

// ReviewRequest resolves a settlement parked in compliance review.
type ReviewRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Reason  string `json:"reason" binding:"required,max=256"`
}

// ReverseEntryRequest is the body of POST /ledger/entries/:id/reverse.
type ReverseEntryRequest struct {
	Reason string `json:"reason" binding:"required,max=256"`
}

// AdjustmentRequest is one operator balance correction. Credits post as
// deposits and debits as withdrawals, both typed ADJUSTMENT.
type AdjustmentRequest struct {
	UserID      uuid.UUID `json:"user_id" binding:"required"`
	AccountKind string    `json:"account_kind" binding:"required,oneof=FIAT TOKEN"`
	Currency    string    `json:"currency" binding:"required,currency"`
	Direction   string    `json:"direction" binding:"required,oneof=CREDIT DEBIT"`
	Amount      string    `json:"amount" binding:"required,amount"`
	Reference   string    `json:"reference" binding:"required,max=128,safe_id"`
	Reason      string    `json:"reason" binding:"required,max=256"`
}

// BatchAdjustmentRequest posts every adjustment in one transaction.
type BatchAdjustmentRequest struct {
	Adjustments []AdjustmentRequest `json:"adjustments" binding:"required,min=1,max=50,dive"`
}

// WebhookAck acknowledges a provider delivery.
type WebhookAck struct {
	Status       string `json:"status"` // processed, duplicate
	SettlementID string `json:"settlement_id,omitempty"`
	State        string `json:"state,omitempty"`
}
