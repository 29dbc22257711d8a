package service

import (
	"context"
	"errors"
	"strings"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AccountStoreImpl implements ports.AccountStore.
type AccountStoreImpl struct {
	repo       ports.AccountRepository
	transactor ports.DBTransactor
	log        zerolog.Logger
}

// NewAccountStore creates a new AccountStoreImpl.
func NewAccountStore(repo ports.AccountRepository, transactor ports.DBTransactor, log zerolog.Logger) *AccountStoreImpl {
	return &AccountStoreImpl{repo: repo, transactor: transactor, log: log}
}

// GetOrCreate returns the row-locked account for key, creating it on first use.
func (s *AccountStoreImpl) GetOrCreate(ctx context.Context, tx pgx.Tx, key domain.AccountKey, provider string) (*domain.Account, error) {
	if key.UserID == uuid.Nil || !key.Kind.IsValid() || strings.TrimSpace(key.Currency) == "" {
		return nil, apperror.Validation("account key requires user, kind and currency")
	}

	acc, err := s.repo.GetOrCreateForUpdate(ctx, tx, key, provider)
	if err != nil {
		return nil, storageError("lock account", err)
	}
	return acc, nil
}

// ApplyDelta locks the account, applies one posting and persists the new balances.
func (s *AccountStoreImpl) ApplyDelta(
	ctx context.Context,
	tx pgx.Tx,
	accountID uuid.UUID,
	direction domain.Direction,
	amount decimal.Decimal,
	kind domain.PostingKind,
) (*domain.Account, error) {
	acc, err := s.repo.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, storageError("lock account", err)
	}
	if acc == nil {
		return nil, apperror.ErrNotFound("Account")
	}

	if err := acc.ApplyDelta(direction, amount, kind); err != nil {
		return nil, postingError(err)
	}

	if err := s.repo.UpdateBalances(ctx, tx, acc); err != nil {
		return nil, storageError("update balances", err)
	}
	return acc, nil
}

// SetFrozen freezes or unfreezes an account.
func (s *AccountStoreImpl) SetFrozen(ctx context.Context, accountID uuid.UUID, frozen bool) (*domain.Account, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, storageError("begin tx", err)
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	acc, err := s.repo.GetByIDForUpdate(ctx, dbTx, accountID)
	if err != nil {
		return nil, storageError("lock account", err)
	}
	if acc == nil {
		return nil, apperror.ErrNotFound("Account")
	}

	if err := s.repo.SetFrozen(ctx, dbTx, accountID, frozen); err != nil {
		return nil, storageError("set frozen", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, storageError("commit tx", err)
	}

	acc.Frozen = frozen
	s.log.Info().Str("account_id", accountID.String()).Bool("frozen", frozen).Msg("account freeze flag changed")
	return acc, nil
}

// ListBalances returns every account owned by the user.
func (s *AccountStoreImpl) ListBalances(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	accounts, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, storageError("list accounts", err)
	}
	return accounts, nil
}

// postingError maps domain balance rule violations to application errors.
func postingError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return apperror.ErrInsufficientBalance()
	case errors.Is(err, domain.ErrAccountFrozen):
		return apperror.ErrAccountFrozen()
	case errors.Is(err, domain.ErrInvalidPosting):
		return apperror.Validation(err.Error())
	}
	return apperror.InternalError(err)
}
