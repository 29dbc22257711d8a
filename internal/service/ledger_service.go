package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LedgerServiceImpl implements ports.LedgerService.
type LedgerServiceImpl struct {
	accounts   ports.AccountStore
	entries    ports.LedgerRepository
	transactor ports.DBTransactor
	metrics    ports.MetricsRecorder
	retry      RetryPolicy
	log        zerolog.Logger
	now        func() time.Time
}

// NewLedgerService creates a new LedgerServiceImpl.
func NewLedgerService(
	accounts ports.AccountStore,
	entries ports.LedgerRepository,
	transactor ports.DBTransactor,
	metrics ports.MetricsRecorder,
	retry RetryPolicy,
	log zerolog.Logger,
) *LedgerServiceImpl {
	return &LedgerServiceImpl{
		accounts:   accounts,
		entries:    entries,
		transactor: transactor,
		metrics:    metrics,
		retry:      retry,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Post applies one posting in its own transaction.
func (s *LedgerServiceImpl) Post(ctx context.Context, params domain.PostingParams) (*domain.LedgerEntry, error) {
	if err := validatePosting(params); err != nil {
		return nil, err
	}

	var entry *domain.LedgerEntry
	err := s.retry.run(ctx, "ledger.post", s.metrics, s.log, func(ctx context.Context) error {
		dbTx, err := s.transactor.Begin(ctx)
		if err != nil {
			return storageError("begin tx", err)
		}
		defer dbTx.Rollback(ctx) //nolint:errcheck

		entry, err = s.PostTx(ctx, dbTx, params)
		if err != nil {
			return err
		}
		if err := dbTx.Commit(ctx); err != nil {
			return storageError("commit tx", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObservePosting(entry.Type, entry.Direction)
	s.log.Info().
		Str("entry_id", entry.ID.String()).
		Str("account_id", entry.AccountID.String()).
		Str("direction", string(entry.Direction)).
		Str("amount", entry.Amount.String()).
		Msg("ledger entry posted")
	return entry, nil
}

// PostTx locks the target account, applies the delta and inserts a PENDING entry
// inside the caller's transaction. A reference already posted for the same
// account and type returns the existing entry without touching balances.
func (s *LedgerServiceImpl) PostTx(ctx context.Context, tx pgx.Tx, params domain.PostingParams) (*domain.LedgerEntry, error) {
	if err := validatePosting(params); err != nil {
		return nil, err
	}

	acc, err := s.accounts.GetOrCreate(ctx, tx, params.AccountKey(), params.Provider)
	if err != nil {
		return nil, err
	}

	return s.postLocked(ctx, tx, acc, params)
}

func (s *LedgerServiceImpl) postLocked(ctx context.Context, tx pgx.Tx, acc *domain.Account, params domain.PostingParams) (*domain.LedgerEntry, error) {
	if params.ReferenceID != "" {
		existing, err := s.entries.GetByReference(ctx, tx, acc.ID, params.Type, params.ReferenceID)
		if err != nil {
			return nil, storageError("lookup reference", err)
		}
		if existing != nil {
			s.log.Debug().Str("reference_id", params.ReferenceID).Msg("posting already recorded")
			return existing, nil
		}
	}

	if _, err := s.accounts.ApplyDelta(ctx, tx, acc.ID, params.Direction, params.Amount, params.PostingKind); err != nil {
		return nil, err
	}

	entry := &domain.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    acc.ID,
		Type:         params.Type,
		PostingKind:  params.PostingKind,
		Amount:       params.Amount,
		Currency:     acc.Currency,
		Direction:    params.Direction,
		Status:       domain.EntryStatusPending,
		ReferenceID:  params.ReferenceID,
		SettlementID: params.SettlementID,
		Metadata:     params.Metadata,
		CreatedAt:    s.now(),
	}
	if err := s.entries.Create(ctx, tx, entry); err != nil {
		return nil, storageError("insert ledger entry", err)
	}
	return entry, nil
}

// PostBatch applies all postings in one transaction. Accounts are locked in
// ascending key order so overlapping batches cannot deadlock.
func (s *LedgerServiceImpl) PostBatch(ctx context.Context, params []domain.PostingParams) ([]*domain.LedgerEntry, error) {
	if len(params) == 0 {
		return nil, apperror.Validation("batch is empty")
	}
	for i, p := range params {
		if err := validatePosting(p); err != nil {
			return nil, fmt.Errorf("posting %d: %w", i, err)
		}
	}

	keys := make([]domain.AccountKey, 0, len(params))
	providers := make(map[domain.AccountKey]string, len(params))
	for _, p := range params {
		key := p.AccountKey()
		if _, ok := providers[key]; !ok {
			keys = append(keys, key)
			providers[key] = p.Provider
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var entries []*domain.LedgerEntry
	err := s.retry.run(ctx, "ledger.post_batch", s.metrics, s.log, func(ctx context.Context) error {
		entries = make([]*domain.LedgerEntry, 0, len(params))

		dbTx, err := s.transactor.Begin(ctx)
		if err != nil {
			return storageError("begin tx", err)
		}
		defer dbTx.Rollback(ctx) //nolint:errcheck

		locked := make(map[domain.AccountKey]*domain.Account, len(keys))
		for _, key := range keys {
			acc, err := s.accounts.GetOrCreate(ctx, dbTx, key, providers[key])
			if err != nil {
				return err
			}
			locked[key] = acc
		}

		for _, p := range params {
			entry, err := s.postLocked(ctx, dbTx, locked[p.AccountKey()], p)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}

		if err := dbTx.Commit(ctx); err != nil {
			return storageError("commit tx", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		s.metrics.ObservePosting(e.Type, e.Direction)
	}
	s.log.Info().Int("entries", len(entries)).Int("accounts", len(keys)).Msg("ledger batch posted")
	return entries, nil
}

// Settle moves a PENDING entry to SETTLED in its own transaction.
func (s *LedgerServiceImpl) Settle(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := s.inTx(ctx, "ledger.settle", func(ctx context.Context, tx pgx.Tx) error {
		var err error
		entry, err = s.SettleTx(ctx, tx, entryID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("entry_id", entryID.String()).Msg("ledger entry settled")
	return entry, nil
}

// SettleTx stamps settledAt on a PENDING entry. Settling a hold captures it:
// the held amount leaves pending and balance. Already settled entries are returned as-is.
func (s *LedgerServiceImpl) SettleTx(ctx context.Context, tx pgx.Tx, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	entry, err := s.entries.GetByIDForUpdate(ctx, tx, entryID)
	if err != nil {
		return nil, storageError("lock ledger entry", err)
	}
	if entry == nil {
		return nil, apperror.ErrNotFound("Ledger entry")
	}
	if entry.Status == domain.EntryStatusSettled {
		return entry, nil
	}
	if !entry.CanSettle() {
		return nil, apperror.ErrEntryNotPending()
	}

	if entry.PostingKind == domain.PostingHold {
		if _, err := s.accounts.ApplyDelta(ctx, tx, entry.AccountID, domain.DirectionDebit, entry.Amount, domain.PostingCapture); err != nil {
			return nil, err
		}
	}

	at := s.now()
	if err := s.entries.MarkSettled(ctx, tx, entry.ID, at); err != nil {
		return nil, storageError("mark settled", err)
	}
	entry.Status = domain.EntryStatusSettled
	entry.SettledAt = &at
	return entry, nil
}

// Reverse posts a compensating entry for entryID in its own transaction.
func (s *LedgerServiceImpl) Reverse(ctx context.Context, entryID uuid.UUID, reason string) (*domain.LedgerEntry, error) {
	var comp *domain.LedgerEntry
	err := s.inTx(ctx, "ledger.reverse", func(ctx context.Context, tx pgx.Tx) error {
		var err error
		comp, err = s.ReverseTx(ctx, tx, entryID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObservePosting(comp.Type, comp.Direction)
	s.log.Info().
		Str("entry_id", entryID.String()).
		Str("compensating_entry_id", comp.ID.String()).
		Str("reason", reason).
		Msg("ledger entry reversed")
	return comp, nil
}

// ReverseTx posts a compensating entry with swapped direction and marks the
// original REVERSED. The original's amount and direction are never touched.
func (s *LedgerServiceImpl) ReverseTx(ctx context.Context, tx pgx.Tx, entryID uuid.UUID, reason string) (*domain.LedgerEntry, error) {
	orig, err := s.entries.GetByIDForUpdate(ctx, tx, entryID)
	if err != nil {
		return nil, storageError("lock ledger entry", err)
	}
	if orig == nil {
		return nil, apperror.ErrNotFound("Ledger entry")
	}
	if orig.Status == domain.EntryStatusReversed {
		return nil, apperror.ErrAlreadyReversed()
	}
	if orig.ReversalOf != nil {
		return nil, apperror.Validation("compensating entries cannot be reversed")
	}

	kind := orig.PostingKind.Inverse(orig.Status == domain.EntryStatusSettled)
	direction := orig.Direction.Opposite()
	if _, err := s.accounts.ApplyDelta(ctx, tx, orig.AccountID, direction, orig.Amount, kind); err != nil {
		return nil, err
	}

	at := s.now()
	comp := &domain.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    orig.AccountID,
		Type:         domain.EntryTypeReversal,
		PostingKind:  kind,
		Amount:       orig.Amount,
		Currency:     orig.Currency,
		Direction:    direction,
		Status:       domain.EntryStatusSettled,
		ReferenceID:  orig.ID.String(),
		SettlementID: orig.SettlementID,
		ReversalOf:   &orig.ID,
		Metadata:     map[string]string{domain.MetaReason: reason},
		CreatedAt:    at,
		SettledAt:    &at,
	}
	if err := s.entries.Create(ctx, tx, comp); err != nil {
		return nil, storageError("insert compensating entry", err)
	}
	if err := s.entries.MarkReversed(ctx, tx, orig.ID); err != nil {
		return nil, storageError("mark reversed", err)
	}
	return comp, nil
}

// EntriesForSettlement lists a settlement's entries.
func (s *LedgerServiceImpl) EntriesForSettlement(ctx context.Context, settlementID uuid.UUID) ([]domain.LedgerEntry, error) {
	entries, err := s.entries.ListBySettlement(ctx, settlementID)
	if err != nil {
		return nil, storageError("list entries", err)
	}
	return entries, nil
}

// EntriesForSettlementTx lists and locks a settlement's entries.
func (s *LedgerServiceImpl) EntriesForSettlementTx(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID) ([]domain.LedgerEntry, error) {
	entries, err := s.entries.ListBySettlementForUpdate(ctx, tx, settlementID)
	if err != nil {
		return nil, storageError("lock entries", err)
	}
	return entries, nil
}

// GetEntry returns a single entry.
func (s *LedgerServiceImpl) GetEntry(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	entry, err := s.entries.GetByID(ctx, id)
	if err != nil {
		return nil, storageError("get entry", err)
	}
	if entry == nil {
		return nil, apperror.ErrNotFound("Ledger entry")
	}
	return entry, nil
}

// Reconcile reports the net movement of SETTLED entries within date's UTC day.
func (s *LedgerServiceImpl) Reconcile(ctx context.Context, date time.Time) (*domain.ReconciliationReport, error) {
	y, m, d := date.UTC().Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	lines, err := s.entries.SumSettled(ctx, from, to)
	if err != nil {
		return nil, storageError("reconcile", err)
	}

	totals := map[string]*domain.CurrencyTotals{}
	for i := range lines {
		line := &lines[i]
		line.Net = line.Credits.Sub(line.Debits)

		t, ok := totals[line.Currency]
		if !ok {
			t = &domain.CurrencyTotals{Currency: line.Currency, Credits: decimal.Zero, Debits: decimal.Zero}
			totals[line.Currency] = t
		}
		t.Credits = t.Credits.Add(line.Credits)
		t.Debits = t.Debits.Add(line.Debits)
	}

	report := &domain.ReconciliationReport{
		Date:     from.Format("2006-01-02"),
		Accounts: lines,
		Totals:   make([]domain.CurrencyTotals, 0, len(totals)),
	}
	for _, t := range totals {
		t.Net = t.Credits.Sub(t.Debits)
		report.Totals = append(report.Totals, *t)
	}
	sort.Slice(report.Totals, func(i, j int) bool { return report.Totals[i].Currency < report.Totals[j].Currency })
	sort.Slice(report.Accounts, func(i, j int) bool {
		if report.Accounts[i].AccountID != report.Accounts[j].AccountID {
			return report.Accounts[i].AccountID.String() < report.Accounts[j].AccountID.String()
		}
		return report.Accounts[i].Currency < report.Accounts[j].Currency
	})
	return report, nil
}

func (s *LedgerServiceImpl) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return s.retry.run(ctx, op, s.metrics, s.log, func(ctx context.Context) error {
		dbTx, err := s.transactor.Begin(ctx)
		if err != nil {
			return storageError("begin tx", err)
		}
		defer dbTx.Rollback(ctx) //nolint:errcheck

		if err := fn(ctx, dbTx); err != nil {
			return err
		}
		if err := dbTx.Commit(ctx); err != nil {
			return storageError("commit tx", err)
		}
		return nil
	})
}

func validatePosting(p domain.PostingParams) error {
	switch {
	case p.UserID == uuid.Nil:
		return apperror.Validation("user_id is required")
	case !p.AccountKind.IsValid():
		return apperror.Validation("account kind must be FIAT or TOKEN")
	case strings.TrimSpace(p.Currency) == "":
		return apperror.Validation("currency is required")
	case p.Type == "":
		return apperror.Validation("entry type is required")
	case !p.Amount.IsPositive():
		return apperror.Validation("amount must be positive")
	}
	if dir, ok := p.PostingKind.Direction(); !ok || dir != p.Direction {
		return apperror.Validation(fmt.Sprintf("posting kind %s cannot be applied as %s", p.PostingKind, p.Direction))
	}
	return nil
}
