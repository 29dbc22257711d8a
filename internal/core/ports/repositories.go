package ports

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// AccountRepository defines persistence operations for balance accounts.
// Methods accepting pgx.Tx are used inside transaction blocks for pessimistic locking.
type AccountRepository interface {
	// GetOrCreateForUpdate inserts the account for key if missing and returns it row-locked.
	GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, key domain.AccountKey, provider string) (*domain.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error)
	UpdateBalances(ctx context.Context, tx pgx.Tx, account *domain.Account) error
	SetFrozen(ctx context.Context, tx pgx.Tx, id uuid.UUID, frozen bool) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Account, error)
}

// LedgerRepository defines persistence operations for ledger entries.
type LedgerRepository interface {
	Create(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.LedgerEntry, error)
	GetByReference(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, entryType domain.EntryType, referenceID string) (*domain.LedgerEntry, error)
	ListBySettlement(ctx context.Context, settlementID uuid.UUID) ([]domain.LedgerEntry, error)
	ListBySettlementForUpdate(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID) ([]domain.LedgerEntry, error)
	MarkSettled(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error
	MarkReversed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	// SumSettled aggregates SETTLED entries with settled_at in [from, to) per (account, currency).
	SumSettled(ctx context.Context, from, to time.Time) ([]domain.AccountReconciliation, error)
}

// SettlementRepository defines persistence operations for settlements.
type SettlementRepository interface {
	Create(ctx context.Context, tx pgx.Tx, settlement *domain.Settlement) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Settlement, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Settlement, error)
	Update(ctx context.Context, tx pgx.Tx, settlement *domain.Settlement) error
	// SumSourceAmountSince totals the user's non-failed settlements created at or after since.
	// Callers hold the user row lock so the total cannot move before their insert commits.
	SumSourceAmountSince(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string, since time.Time) (decimal.Decimal, error)
	// ListStale returns ids of settlements in one of states last updated before cutoff.
	ListStale(ctx context.Context, states []domain.State, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

// StateHistoryRepository defines persistence for the append-only transition log.
type StateHistoryRepository interface {
	Append(ctx context.Context, tx pgx.Tx, entry *domain.StateHistory) error
	HasState(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID, state domain.State) (bool, error)
	ListBySettlement(ctx context.Context, settlementID uuid.UUID) ([]domain.StateHistory, error)
}

// UserRepository reads the user directory.
type UserRepository interface {
	// GetByIDForUpdate row-locks the user; settlement creation serialises per user on it.
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.User, error)
}

// AuditRepository persists audit logs.
type AuditRepository interface {
	Create(ctx context.Context, entry *domain.AuditLog) error
}

// DBTransactor abstracts database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
