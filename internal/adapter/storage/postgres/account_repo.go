package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, user_id, kind, currency, balance, available, pending, frozen, provider, created_at, updated_at`

// AccountRepo implements ports.AccountRepository.
type AccountRepo struct {
	pool Pool
}

// NewAccountRepo creates a new AccountRepo.
func NewAccountRepo(pool Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// GetOrCreateForUpdate inserts a zero-balance account for key unless one exists,
// then returns the row locked for the rest of the transaction.
func (r *AccountRepo) GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, key domain.AccountKey, provider string) (*domain.Account, error) {
	insert := `INSERT INTO accounts (id, user_id, kind, currency, balance, available, pending, frozen, provider, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, FALSE, $5, $6, $6)
		ON CONFLICT (user_id, kind, currency) DO NOTHING`

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, insert, uuid.New(), key.UserID, key.Kind, key.Currency, provider, now); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	query := `SELECT ` + accountColumns + `
		FROM accounts WHERE user_id = $1 AND kind = $2 AND currency = $3 FOR UPDATE`

	acc, err := scanAccount(tx.QueryRow(ctx, query, key.UserID, key.Kind, key.Currency))
	if err != nil {
		return nil, fmt.Errorf("lock account by key: %w", err)
	}
	if acc == nil {
		return nil, fmt.Errorf("account vanished after upsert: %s", key)
	}
	return acc, nil
}

// GetByIDForUpdate fetches an account by ID with pessimistic locking.
// This MUST be called within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`

	acc, err := scanAccount(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get account for update: %w", err)
	}
	return acc, nil
}

// UpdateBalances writes the balance triple of a locked account.
func (r *AccountRepo) UpdateBalances(ctx context.Context, tx pgx.Tx, a *domain.Account) error {
	query := `UPDATE accounts SET balance = $1, available = $2, pending = $3, updated_at = NOW() WHERE id = $4`

	tag, err := tx.Exec(ctx, query, a.Balance, a.Available, a.Pending, a.ID)
	if err != nil {
		return fmt.Errorf("update account balances: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account not found: %s", a.ID)
	}
	return nil
}

// SetFrozen flips the frozen flag.
func (r *AccountRepo) SetFrozen(ctx context.Context, tx pgx.Tx, id uuid.UUID, frozen bool) error {
	query := `UPDATE accounts SET frozen = $1, updated_at = NOW() WHERE id = $2`

	tag, err := tx.Exec(ctx, query, frozen, id)
	if err != nil {
		return fmt.Errorf("set account frozen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account not found: %s", id)
	}
	return nil
}

// GetByID fetches an account by its UUID (without locking).
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acc, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get account by id: %w", err)
	}
	return acc, nil
}

// ListByUser returns every account of a user ordered by kind and currency.
func (r *AccountRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 ORDER BY kind, currency`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a := domain.Account{}
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.Kind, &a.Currency,
			&a.Balance, &a.Available, &a.Pending, &a.Frozen,
			&a.Provider, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account rows: %w", err)
	}
	return accounts, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	a := &domain.Account{}
	err := row.Scan(
		&a.ID, &a.UserID, &a.Kind, &a.Currency,
		&a.Balance, &a.Available, &a.Pending, &a.Frozen,
		&a.Provider, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}
