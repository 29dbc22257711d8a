package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType classifies the business event behind a ledger entry.
type EntryType string

const (
	EntryTypeFiatDeposit EntryType = "FIAT_DEPOSIT"
	EntryTypeTokenMint   EntryType = "TOKEN_MINT"
	EntryTypeTokenLock   EntryType = "TOKEN_LOCK"
	EntryTypeAdjustment  EntryType = "ADJUSTMENT"
	EntryTypeReversal    EntryType = "REVERSAL"
)

// EntryStatus is the forward-only lifecycle of a ledger entry.
type EntryStatus string

const (
	EntryStatusPending  EntryStatus = "PENDING"
	EntryStatusSettled  EntryStatus = "SETTLED"
	EntryStatusReversed EntryStatus = "REVERSED"
)

// LedgerEntry is an immutable record of one credit or debit against one account.
// Only Status and SettledAt change after insert.
type LedgerEntry struct {
	ID           uuid.UUID         `json:"id"`
	AccountID    uuid.UUID         `json:"account_id"`
	Type         EntryType         `json:"type"`
	PostingKind  PostingKind       `json:"posting_kind"`
	Amount       decimal.Decimal   `json:"amount"`
	Currency     string            `json:"currency"`
	Direction    Direction         `json:"direction"`
	Status       EntryStatus       `json:"status"`
	ReferenceID  string            `json:"reference_id"`
	SettlementID *uuid.UUID        `json:"settlement_id,omitempty"`
	ReversalOf   *uuid.UUID        `json:"reversal_of,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	SettledAt    *time.Time        `json:"settled_at,omitempty"`
}

// IsLive reports whether the entry still carries a balance effect that a
// settlement reversal must undo.
func (e *LedgerEntry) IsLive() bool {
	return e.Status != EntryStatusReversed && e.ReversalOf == nil
}

// CanSettle reports whether the entry may move to SETTLED.
func (e *LedgerEntry) CanSettle() bool {
	return e.Status == EntryStatusPending
}

// PostingParams describes a single posting request.
type PostingParams struct {
	UserID       uuid.UUID
	AccountKind  AccountKind
	Currency     string
	Provider     string
	Direction    Direction
	PostingKind  PostingKind
	Type         EntryType
	Amount       decimal.Decimal
	ReferenceID  string
	SettlementID *uuid.UUID
	Metadata     map[string]string
}

// AccountKey returns the key of the account the posting targets.
func (p PostingParams) AccountKey() AccountKey {
	return AccountKey{UserID: p.UserID, Kind: p.AccountKind, Currency: p.Currency}
}

// AccountReconciliation is the net movement of one account over a day.
type AccountReconciliation struct {
	AccountID uuid.UUID       `json:"account_id"`
	Currency  string          `json:"currency"`
	Credits   decimal.Decimal `json:"credits"`
	Debits    decimal.Decimal `json:"debits"`
	Net       decimal.Decimal `json:"net"`
	Entries   int64           `json:"entries"`
}

// CurrencyTotals aggregates reconciliation lines for one currency.
type CurrencyTotals struct {
	Currency string          `json:"currency"`
	Credits  decimal.Decimal `json:"credits"`
	Debits   decimal.Decimal `json:"debits"`
	Net      decimal.Decimal `json:"net"`
}

// ReconciliationReport summarises SETTLED entries within one UTC day.
type ReconciliationReport struct {
	Date     string                  `json:"date"`
	Accounts []AccountReconciliation `json:"accounts"`
	Totals   []CurrencyTotals        `json:"totals"`
}
