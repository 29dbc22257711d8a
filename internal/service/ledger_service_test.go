package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/testutil/memstore"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deposit(userID uuid.UUID, currency, amount, ref string) domain.PostingParams {
	return domain.PostingParams{
		UserID:      userID,
		AccountKind: domain.AccountKindFiat,
		Currency:    currency,
		Provider:    "bank",
		Direction:   domain.DirectionCredit,
		PostingKind: domain.PostingDeposit,
		Type:        domain.EntryTypeFiatDeposit,
		Amount:      dec(amount),
		ReferenceID: ref,
	}
}

func withdrawal(userID uuid.UUID, currency, amount, ref string) domain.PostingParams {
	p := deposit(userID, currency, amount, ref)
	p.Direction = domain.DirectionDebit
	p.PostingKind = domain.PostingWithdrawal
	p.Type = domain.EntryTypeAdjustment
	return p
}

func TestLedger_Post(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	entry, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "250.75", "wire-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.EntryStatusPending, entry.Status)
	assert.Equal(t, "USD", entry.Currency)
	assert.Equal(t, domain.PostingDeposit, entry.PostingKind)
	assert.Nil(t, entry.SettledAt)

	acc := e.account(t, domain.AccountKindFiat, "USD")
	assert.Equal(t, entry.AccountID, acc.ID)
	assert.Equal(t, "bank", acc.Provider)
	assertDecimal(t, "balance", "250.75", acc.Balance)
	assertDecimal(t, "available", "250.75", acc.Available)
}

func TestLedger_Post_DuplicateReferenceReturnsExisting(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "100", "wire-1"))
	require.NoError(t, err)
	second, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "100", "wire-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, e.store.Entries(), 1)
	assertDecimal(t, "balance", "100", e.account(t, domain.AccountKindFiat, "USD").Balance)
}

func TestLedger_Post_WithoutReferenceNeverDeduplicates(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "100", ""))
	require.NoError(t, err)
	second, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "100", ""))
	require.NoError(t, err)
	_, err = e.ledger.PostBatch(ctx, []domain.PostingParams{deposit(e.userID, "USD", "50", "")})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, e.store.Entries(), 3)
	assertDecimal(t, "balance", "250", e.account(t, domain.AccountKindFiat, "USD").Balance)
}

func TestLedger_Post_Validation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	noUser := deposit(uuid.Nil, "USD", "1", "")
	zero := deposit(e.userID, "USD", "0", "")
	badKind := deposit(e.userID, "USD", "1", "")
	badKind.AccountKind = "CARD"
	mismatch := deposit(e.userID, "USD", "1", "")
	mismatch.PostingKind = domain.PostingHold
	noCurrency := deposit(e.userID, " ", "1", "")

	for name, p := range map[string]domain.PostingParams{
		"no user":           noUser,
		"zero amount":       zero,
		"bad account kind":  badKind,
		"kind vs direction": mismatch,
		"blank currency":    noCurrency,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.ledger.Post(ctx, p)
			assertAppError(t, err, apperror.CodeValidation)
		})
	}
	assert.Empty(t, e.store.Entries())
}

func TestLedger_Post_InsufficientBalance(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.fund(domain.AccountKindFiat, "USD", "50")

	_, err := e.ledger.Post(ctx, withdrawal(e.userID, "USD", "50.01", ""))
	assertAppError(t, err, apperror.CodeInsufficientBalance)

	assert.Empty(t, e.store.Entries())
	assertDecimal(t, "balance", "50", e.account(t, domain.AccountKindFiat, "USD").Balance)
}

func TestLedger_FrozenAccount(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.fund(domain.AccountKindFiat, "USD", "100")
	acc := e.account(t, domain.AccountKindFiat, "USD")

	_, err := e.accounts.SetFrozen(ctx, acc.ID, true)
	require.NoError(t, err)

	_, err = e.ledger.Post(ctx, withdrawal(e.userID, "USD", "10", ""))
	assertAppError(t, err, apperror.CodeAccountFrozen)

	// credits still land on a frozen account
	_, err = e.ledger.Post(ctx, deposit(e.userID, "USD", "10", "late-wire"))
	require.NoError(t, err)

	_, err = e.accounts.SetFrozen(ctx, acc.ID, false)
	require.NoError(t, err)
	_, err = e.ledger.Post(ctx, withdrawal(e.userID, "USD", "10", ""))
	require.NoError(t, err)
	assertDecimal(t, "balance", "100", e.account(t, domain.AccountKindFiat, "USD").Balance)
}

func TestLedger_Settle(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	entry, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "10", "wire-1"))
	require.NoError(t, err)

	settled, err := e.ledger.Settle(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusSettled, settled.Status)
	require.NotNil(t, settled.SettledAt)

	again, err := e.ledger.Settle(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, settled.SettledAt.Unix(), again.SettledAt.Unix())

	_, err = e.ledger.Settle(ctx, uuid.New())
	assertAppError(t, err, apperror.CodeNotFound)
}

func TestLedger_Settle_ReversedEntry(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	entry, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "10", "wire-1"))
	require.NoError(t, err)
	_, err = e.ledger.Reverse(ctx, entry.ID, "duplicate wire")
	require.NoError(t, err)

	_, err = e.ledger.Settle(ctx, entry.ID)
	assertAppError(t, err, apperror.CodeEntryNotPending)
}

func TestLedger_SettleHoldCaptures(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.fund(domain.AccountKindToken, "USDX", "80")

	hold, err := e.ledger.Post(ctx, domain.PostingParams{
		UserID:      e.userID,
		AccountKind: domain.AccountKindToken,
		Currency:    "USDX",
		Direction:   domain.DirectionDebit,
		PostingKind: domain.PostingHold,
		Type:        domain.EntryTypeTokenLock,
		Amount:      dec("30"),
		ReferenceID: "lock-1",
	})
	require.NoError(t, err)

	acc := e.account(t, domain.AccountKindToken, "USDX")
	assertDecimal(t, "available", "50", acc.Available)
	assertDecimal(t, "pending", "30", acc.Pending)

	_, err = e.ledger.Settle(ctx, hold.ID)
	require.NoError(t, err)

	acc = e.account(t, domain.AccountKindToken, "USDX")
	assertDecimal(t, "balance", "50", acc.Balance)
	assertDecimal(t, "available", "50", acc.Available)
	assertDecimal(t, "pending", "0", acc.Pending)
}

func TestLedger_Reverse(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	entry, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "40", "wire-1"))
	require.NoError(t, err)

	comp, err := e.ledger.Reverse(ctx, entry.ID, "sender recalled")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusSettled, comp.Status)
	assert.Equal(t, entry.ID.String(), comp.ReferenceID)
	assert.Equal(t, "sender recalled", comp.Metadata[domain.MetaReason])

	_, err = e.ledger.Reverse(ctx, entry.ID, "again")
	assertAppError(t, err, apperror.CodeAlreadyReversed)

	_, err = e.ledger.Reverse(ctx, comp.ID, "undo the undo")
	assertAppError(t, err, apperror.CodeValidation)

	_, err = e.ledger.Reverse(ctx, uuid.New(), "missing")
	assertAppError(t, err, apperror.CodeNotFound)

	acc := e.account(t, domain.AccountKindFiat, "USD")
	assertDecimal(t, "balance", "0", acc.Balance)
	assert.Len(t, e.store.Entries(), 2)
}

func TestLedger_Reverse_SpentDepositFails(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	entry, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "40", "wire-1"))
	require.NoError(t, err)
	_, err = e.ledger.Post(ctx, withdrawal(e.userID, "USD", "30", "card-1"))
	require.NoError(t, err)

	_, err = e.ledger.Reverse(ctx, entry.ID, "chargeback")
	assertAppError(t, err, apperror.CodeInsufficientBalance)

	got, err := e.ledger.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusPending, got.Status)
}

func TestLedger_PostBatch(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	other := uuid.New()
	e.fund(domain.AccountKindFiat, "USD", "100")

	entries, err := e.ledger.PostBatch(ctx, []domain.PostingParams{
		withdrawal(e.userID, "USD", "60", "transfer-1-out"),
		deposit(other, "USD", "60", "transfer-1-in"),
		deposit(e.userID, "EUR", "5", "fx-1"),
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.DirectionDebit, entries[0].Direction)
	assert.Equal(t, domain.DirectionCredit, entries[1].Direction)

	assertDecimal(t, "sender", "40", e.account(t, domain.AccountKindFiat, "USD").Balance)
	recipient, ok := e.store.Account(domain.AccountKey{UserID: other, Kind: domain.AccountKindFiat, Currency: "USD"})
	require.True(t, ok)
	assertDecimal(t, "recipient", "60", recipient.Balance)
}

func TestLedger_PostBatch_AllOrNothing(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	other := uuid.New()
	e.fund(domain.AccountKindFiat, "USD", "100")

	_, err := e.ledger.PostBatch(ctx, []domain.PostingParams{
		deposit(other, "USD", "500", "in"),
		withdrawal(e.userID, "USD", "500", "out"),
	})
	assertAppError(t, err, apperror.CodeInsufficientBalance)

	assert.Empty(t, e.store.Entries())
	_, ok := e.store.Account(domain.AccountKey{UserID: other, Kind: domain.AccountKindFiat, Currency: "USD"})
	assert.False(t, ok)
	assertDecimal(t, "sender", "100", e.account(t, domain.AccountKindFiat, "USD").Balance)

	_, err = e.ledger.PostBatch(ctx, nil)
	assertAppError(t, err, apperror.CodeValidation)
}

func TestLedger_PostBatch_StorageFailureRollsBack(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.store.FailOn(memstore.OpLedgerCreate, errors.New("io error"), 1)

	_, err := e.ledger.PostBatch(ctx, []domain.PostingParams{
		deposit(e.userID, "USD", "1", "a"),
		deposit(e.userID, "EUR", "1", "b"),
	})
	assertAppError(t, err, apperror.CodeInternal)
	assert.Empty(t, e.store.Accounts())
}

func TestLedger_Reconcile(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	in, err := e.ledger.Post(ctx, deposit(e.userID, "USD", "100", "wire-1"))
	require.NoError(t, err)
	_, err = e.ledger.Settle(ctx, in.ID)
	require.NoError(t, err)

	_, err = e.ledger.Post(ctx, deposit(e.userID, "USD", "999", "wire-pending"))
	require.NoError(t, err)

	out, err := e.ledger.Post(ctx, withdrawal(e.userID, "USD", "30", "payout-1"))
	require.NoError(t, err)
	_, err = e.ledger.Settle(ctx, out.ID)
	require.NoError(t, err)

	eur, err := e.ledger.Post(ctx, deposit(e.userID, "EUR", "7", "wire-eur"))
	require.NoError(t, err)
	_, err = e.ledger.Settle(ctx, eur.ID)
	require.NoError(t, err)

	report, err := e.ledger.Reconcile(ctx, time.Now())
	require.NoError(t, err)

	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), report.Date)
	require.Len(t, report.Accounts, 2)
	require.Len(t, report.Totals, 2)

	assert.Equal(t, "EUR", report.Totals[0].Currency)
	assertDecimal(t, "eur net", "7", report.Totals[0].Net)
	assert.Equal(t, "USD", report.Totals[1].Currency)
	assertDecimal(t, "usd credits", "100", report.Totals[1].Credits)
	assertDecimal(t, "usd debits", "30", report.Totals[1].Debits)
	assertDecimal(t, "usd net", "70", report.Totals[1].Net)

	yesterday, err := e.ledger.Reconcile(ctx, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Empty(t, yesterday.Accounts)
}
