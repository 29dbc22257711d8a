package service

import (
	"context"
	"errors"
	"testing"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports/mocks"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newMockAccountStore(t *testing.T) (*AccountStoreImpl, *mocks.MockAccountRepository, *mocks.MockDBTransactor) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockAccountRepository(ctrl)
	transactor := mocks.NewMockDBTransactor(ctrl)
	return NewAccountStore(repo, transactor, newTestLogger()), repo, transactor
}

func TestAccountStore_GetOrCreate_ValidatesKey(t *testing.T) {
	store, _, _ := newMockAccountStore(t)

	tests := []domain.AccountKey{
		{UserID: uuid.Nil, Kind: domain.AccountKindFiat, Currency: "USD"},
		{UserID: uuid.New(), Kind: "CARD", Currency: "USD"},
		{UserID: uuid.New(), Kind: domain.AccountKindToken, Currency: ""},
	}
	for _, key := range tests {
		_, err := store.GetOrCreate(context.Background(), nil, key, "")
		assertAppError(t, err, apperror.CodeValidation)
	}
}

func TestAccountStore_GetOrCreate_ClassifiesLockTimeout(t *testing.T) {
	store, repo, _ := newMockAccountStore(t)
	key := domain.AccountKey{UserID: uuid.New(), Kind: domain.AccountKindFiat, Currency: "USD"}

	repo.EXPECT().GetOrCreateForUpdate(gomock.Any(), gomock.Any(), key, "bank").
		Return(nil, &pgconn.PgError{Code: "55P03"})

	_, err := store.GetOrCreate(context.Background(), nil, key, "bank")
	assertAppError(t, err, apperror.CodeStorageConflict)
}

func TestAccountStore_ApplyDelta(t *testing.T) {
	store, repo, _ := newMockAccountStore(t)
	id := uuid.New()

	repo.EXPECT().GetByIDForUpdate(gomock.Any(), gomock.Any(), id).Return(&domain.Account{
		ID:        id,
		Balance:   dec("10"),
		Available: dec("10"),
		Pending:   dec("0"),
	}, nil)
	repo.EXPECT().UpdateBalances(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ pgx.Tx, acc *domain.Account) error {
			assertDecimal(t, "available", "6", acc.Available)
			assertDecimal(t, "pending", "4", acc.Pending)
			return nil
		})

	acc, err := store.ApplyDelta(context.Background(), nil, id, domain.DirectionDebit, dec("4"), domain.PostingHold)
	require.NoError(t, err)
	assert.True(t, acc.Consistent())
}

func TestAccountStore_ApplyDelta_Errors(t *testing.T) {
	id := uuid.New()

	t.Run("missing account", func(t *testing.T) {
		store, repo, _ := newMockAccountStore(t)
		repo.EXPECT().GetByIDForUpdate(gomock.Any(), gomock.Any(), id).Return(nil, nil)

		_, err := store.ApplyDelta(context.Background(), nil, id, domain.DirectionCredit, dec("1"), domain.PostingDeposit)
		assertAppError(t, err, apperror.CodeNotFound)
	})

	t.Run("insufficient balance skips update", func(t *testing.T) {
		store, repo, _ := newMockAccountStore(t)
		repo.EXPECT().GetByIDForUpdate(gomock.Any(), gomock.Any(), id).Return(&domain.Account{ID: id}, nil)

		_, err := store.ApplyDelta(context.Background(), nil, id, domain.DirectionDebit, dec("1"), domain.PostingWithdrawal)
		assertAppError(t, err, apperror.CodeInsufficientBalance)
	})

	t.Run("frozen", func(t *testing.T) {
		store, repo, _ := newMockAccountStore(t)
		repo.EXPECT().GetByIDForUpdate(gomock.Any(), gomock.Any(), id).
			Return(&domain.Account{ID: id, Balance: dec("5"), Available: dec("5"), Frozen: true}, nil)

		_, err := store.ApplyDelta(context.Background(), nil, id, domain.DirectionDebit, dec("1"), domain.PostingHold)
		assertAppError(t, err, apperror.CodeAccountFrozen)
	})

	t.Run("update failure", func(t *testing.T) {
		store, repo, _ := newMockAccountStore(t)
		repo.EXPECT().GetByIDForUpdate(gomock.Any(), gomock.Any(), id).Return(&domain.Account{ID: id}, nil)
		repo.EXPECT().UpdateBalances(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))

		_, err := store.ApplyDelta(context.Background(), nil, id, domain.DirectionCredit, dec("1"), domain.PostingDeposit)
		assertAppError(t, err, apperror.CodeInternal)
	})
}

func TestAccountStore_SetFrozen_NotFound(t *testing.T) {
	e := newEngine(t)

	_, err := e.accounts.SetFrozen(context.Background(), uuid.New(), true)
	assertAppError(t, err, apperror.CodeNotFound)
}

func TestAccountStore_ListBalances(t *testing.T) {
	e := newEngine(t)
	e.fund(domain.AccountKindFiat, "USD", "10")
	e.fund(domain.AccountKindToken, "USDX", "20")

	accounts, err := e.accounts.ListBalances(context.Background(), e.userID)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	none, err := e.accounts.ListBalances(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}
