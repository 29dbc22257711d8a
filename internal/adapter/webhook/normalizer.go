// Package webhook turns provider callbacks into settlement transitions.
package webhook

import (
	"fmt"
	"strings"

	"settlement-engine/internal/core/domain"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Providers that post webhooks.
const (
	ProviderBank  = "bank"
	ProviderChain = "chain"
)

// Event is a provider callback after JSON decoding.
type Event struct {
	EventID      string    `json:"event_id" binding:"required,max=128"`
	EventType    string    `json:"event_type" binding:"required,max=64"`
	SettlementID uuid.UUID `json:"settlement_id" binding:"required"`
	Amount       string    `json:"amount,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Address      string    `json:"address,omitempty"`
	ProviderRef  string    `json:"provider_ref,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Transition is the canonical form of an event.
type Transition struct {
	SettlementID uuid.UUID
	Target       domain.State
	Metadata     domain.TransitionMetadata
}

var eventStates = map[string]map[string]domain.State{
	ProviderBank: {
		"deposit.received":  domain.StateFiatReceived,
		"deposit.confirmed": domain.StateFiatConfirmed,
		"deposit.failed":    domain.StateFailed,
		"payout.sent":       domain.StateFiatSent,
		"payout.confirmed":  domain.StateConfirmed,
		"payout.failed":     domain.StateFailed,
	},
	ProviderChain: {
		"tokens.locked":      domain.StateTokenLocked,
		"mint.confirmed":     domain.StateTokenMinted,
		"mint.failed":        domain.StateFailed,
		"transfer.confirmed": domain.StateTokenDelivered,
		"transfer.finalized": domain.StateSettled,
		"transfer.failed":    domain.StateFailed,
		"burn.confirmed":     domain.StateTokenBurned,
		"burn.failed":        domain.StateFailed,
	},
}

// IsProvider reports whether name posts webhooks.
func IsProvider(name string) bool {
	_, ok := eventStates[name]
	return ok
}

// DedupKey identifies one delivery across provider retries.
func DedupKey(provider string, ev Event) string {
	return provider + ":" + ev.EventID
}

// Normalize maps a provider event to the transition it requests.
func Normalize(provider string, ev Event) (*Transition, error) {
	states, ok := eventStates[provider]
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("unknown provider %q", provider))
	}
	target, ok := states[strings.ToLower(ev.EventType)]
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("unsupported %s event type %q", provider, ev.EventType))
	}
	if ev.SettlementID == uuid.Nil {
		return nil, apperror.Validation("settlement_id is required")
	}

	meta := domain.TransitionMetadata{
		domain.MetaIdempotencyKey: DedupKey(provider, ev),
		domain.MetaSource:         provider,
	}

	if ev.Amount != "" {
		amt, err := decimal.NewFromString(ev.Amount)
		if err != nil || !amt.IsPositive() {
			return nil, apperror.Validation("amount must be a positive decimal")
		}
		meta[domain.MetaAmount] = amt.String()
	}

	if provider == ProviderChain {
		if ev.TxHash != "" && !ValidTxHash(ev.TxHash) {
			return nil, apperror.Validation("tx_hash must be a 0x-prefixed 32-byte hex hash")
		}
		if ev.Address != "" && !ValidAddress(ev.Address) {
			return nil, apperror.Validation("address fails checksum validation")
		}
		if ev.TxHash != "" {
			meta[domain.MetaTxHash] = strings.ToLower(ev.TxHash)
		}
	}
	if ev.ProviderRef != "" {
		meta[domain.MetaProviderRef] = ev.ProviderRef
	}

	if target == domain.StateFailed {
		reason := strings.TrimSpace(ev.Reason)
		if reason == "" {
			reason = strings.ToUpper(strings.ReplaceAll(ev.EventType, ".", "_"))
		}
		meta[domain.MetaReason] = reason
	} else if ev.Reason != "" {
		meta[domain.MetaReason] = ev.Reason
	}

	return &Transition{SettlementID: ev.SettlementID, Target: target, Metadata: meta}, nil
}
