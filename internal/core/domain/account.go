package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountKind separates balances held on the banking rail from on-chain balances.
type AccountKind string

const (
	AccountKindFiat  AccountKind = "FIAT"
	AccountKindToken AccountKind = "TOKEN"
)

// IsValid reports whether k is a known account kind.
func (k AccountKind) IsValid() bool {
	return k == AccountKindFiat || k == AccountKindToken
}

// Direction is the side of a ledger posting.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Opposite returns the swapped direction.
func (d Direction) Opposite() Direction {
	if d == DirectionCredit {
		return DirectionDebit
	}
	return DirectionCredit
}

// PostingKind names the balance buckets a posting moves.
type PostingKind string

const (
	// PostingDeposit: balance += a, available += a.
	PostingDeposit PostingKind = "DEPOSIT"
	// PostingRelease: available += a, pending -= a.
	PostingRelease PostingKind = "RELEASE"
	// PostingWithdrawal: balance -= a, available -= a.
	PostingWithdrawal PostingKind = "WITHDRAWAL"
	// PostingHold: available -= a, pending += a.
	PostingHold PostingKind = "HOLD"
	// PostingCapture: pending -= a, balance -= a.
	PostingCapture PostingKind = "CAPTURE"
)

// Direction returns the only direction a posting kind may be applied with.
func (k PostingKind) Direction() (Direction, bool) {
	switch k {
	case PostingDeposit, PostingRelease:
		return DirectionCredit, true
	case PostingWithdrawal, PostingHold, PostingCapture:
		return DirectionDebit, true
	}
	return "", false
}

// Inverse returns the posting kind that undoes k.
// settled matters only for holds: a captured hold is refunded as a deposit.
func (k PostingKind) Inverse(settled bool) PostingKind {
	switch k {
	case PostingDeposit:
		return PostingWithdrawal
	case PostingWithdrawal:
		return PostingDeposit
	case PostingHold:
		if settled {
			return PostingDeposit
		}
		return PostingRelease
	case PostingRelease:
		return PostingHold
	case PostingCapture:
		return PostingDeposit
	}
	return ""
}

var (
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrAccountFrozen       = errors.New("account is frozen")
	ErrInvalidPosting      = errors.New("invalid posting")
)

// AccountKey is the natural key of an account; at most one account exists per key.
type AccountKey struct {
	UserID   uuid.UUID
	Kind     AccountKind
	Currency string
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.UserID, k.Kind, k.Currency)
}

// Account holds a user's balance triple for one currency on one rail.
// Invariant: Balance == Available + Pending, Available >= 0, Pending >= 0.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Kind      AccountKind     `json:"kind"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Frozen    bool            `json:"frozen"`
	Provider  string          `json:"provider,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Key returns the account's natural key.
func (a *Account) Key() AccountKey {
	return AccountKey{UserID: a.UserID, Kind: a.Kind, Currency: a.Currency}
}

// Consistent reports whether the balance invariants hold.
func (a *Account) Consistent() bool {
	return a.Balance.Equal(a.Available.Add(a.Pending)) &&
		!a.Available.IsNegative() &&
		!a.Pending.IsNegative()
}

// ApplyDelta mutates the balance triple for one posting. On error the account
// is left untouched.
func (a *Account) ApplyDelta(direction Direction, amount decimal.Decimal, kind PostingKind) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPosting)
	}
	want, ok := kind.Direction()
	if !ok || want != direction {
		return fmt.Errorf("%w: %s %s", ErrInvalidPosting, direction, kind)
	}
	if a.Frozen && (kind == PostingWithdrawal || kind == PostingHold) {
		return ErrAccountFrozen
	}

	balance, available, pending := a.Balance, a.Available, a.Pending
	switch kind {
	case PostingDeposit:
		balance = balance.Add(amount)
		available = available.Add(amount)
	case PostingRelease:
		available = available.Add(amount)
		pending = pending.Sub(amount)
	case PostingWithdrawal:
		balance = balance.Sub(amount)
		available = available.Sub(amount)
	case PostingHold:
		available = available.Sub(amount)
		pending = pending.Add(amount)
	case PostingCapture:
		pending = pending.Sub(amount)
		balance = balance.Sub(amount)
	}

	if available.IsNegative() || pending.IsNegative() {
		return ErrInsufficientBalance
	}

	a.Balance, a.Available, a.Pending = balance, available, pending
	return nil
}
