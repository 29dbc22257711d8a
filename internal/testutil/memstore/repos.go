package memstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// errUniqueViolation mirrors the unique constraints of the SQL schema.
var errUniqueViolation = errors.New("memstore: unique constraint violated")

// Repositories returned by the store share its tables.
func (s *Store) AccountRepo() ports.AccountRepository       { return accountRepo{s} }
func (s *Store) LedgerRepo() ports.LedgerRepository         { return ledgerRepo{s} }
func (s *Store) SettlementRepo() ports.SettlementRepository { return settlementRepo{s} }
func (s *Store) HistoryRepo() ports.StateHistoryRepository  { return historyRepo{s} }
func (s *Store) UserRepo() ports.UserRepository             { return userRepo{s} }
func (s *Store) AuditRepo() ports.AuditRepository           { return auditRepo{s} }

// --- accounts ---

type accountRepo struct{ s *Store }

func (r accountRepo) GetOrCreateForUpdate(_ context.Context, tx pgx.Tx, key domain.AccountKey, provider string) (*domain.Account, error) {
	if _, err := active(tx); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, a := range r.s.d.accounts {
		if a.Key() == key {
			c := *a
			return &c, nil
		}
	}
	now := time.Now().UTC()
	a := &domain.Account{
		ID:        uuid.New(),
		UserID:    key.UserID,
		Kind:      key.Kind,
		Currency:  key.Currency,
		Balance:   decimal.Zero,
		Available: decimal.Zero,
		Pending:   decimal.Zero,
		Provider:  provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.s.d.accounts[a.ID] = a
	c := *a
	return &c, nil
}

func (r accountRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error) {
	if _, err := active(tx); err != nil {
		return nil, err
	}
	return r.get(id), nil
}

func (r accountRepo) UpdateBalances(_ context.Context, tx pgx.Tx, account *domain.Account) error {
	if _, err := active(tx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpAccountUpdate); err != nil {
		return err
	}
	a, ok := r.s.d.accounts[account.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	a.Balance, a.Available, a.Pending = account.Balance, account.Available, account.Pending
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r accountRepo) SetFrozen(_ context.Context, tx pgx.Tx, id uuid.UUID, frozen bool) error {
	if _, err := active(tx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.d.accounts[id]
	if !ok {
		return pgx.ErrNoRows
	}
	a.Frozen = frozen
	return nil
}

func (r accountRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	return r.get(id), nil
}

func (r accountRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Account
	for _, a := range r.s.d.accounts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (r accountRepo) get(id uuid.UUID) *domain.Account {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.d.accounts[id]
	if !ok {
		return nil
	}
	c := *a
	return &c
}

// --- ledger ---

type ledgerRepo struct{ s *Store }

func (r ledgerRepo) Create(_ context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error {
	if _, err := active(tx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpLedgerCreate); err != nil {
		return err
	}
	// Same partial unique index as the schema: empty references never collide.
	if entry.ReferenceID != "" {
		for _, e := range r.s.d.entries {
			if e.AccountID == entry.AccountID && e.Type == entry.Type && e.ReferenceID == entry.ReferenceID {
				return errUniqueViolation
			}
		}
	}
	r.s.d.entries[entry.ID] = copyEntry(entry)
	r.s.d.entryOrder = append(r.s.d.entryOrder, entry.ID)
	return nil
}

func (r ledgerRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	return r.get(id), nil
}

func (r ledgerRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*domain.LedgerEntry, error) {
	if _, err := active(tx); err != nil {
		return nil, err
	}
	return r.get(id), nil
}

func (r ledgerRepo) GetByReference(_ context.Context, tx pgx.Tx, accountID uuid.UUID, entryType domain.EntryType, referenceID string) (*domain.LedgerEntry, error) {
	if _, err := active(tx); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, e := range r.s.d.entries {
		if e.AccountID == accountID && e.Type == entryType && e.ReferenceID == referenceID {
			return copyEntry(e), nil
		}
	}
	return nil, nil
}

func (r ledgerRepo) ListBySettlement(_ context.Context, settlementID uuid.UUID) ([]domain.LedgerEntry, error) {
	return r.list(settlementID), nil
}

func (r ledgerRepo) ListBySettlementForUpdate(_ context.Context, tx pgx.Tx, settlementID uuid.UUID) ([]domain.LedgerEntry, error) {
	if _, err := active(tx); err != nil {
		return nil, err
	}
	return r.list(settlementID), nil
}

func (r ledgerRepo) MarkSettled(_ context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	if _, err := active(tx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpLedgerSettle); err != nil {
		return err
	}
	e, ok := r.s.d.entries[id]
	if !ok || e.Status != domain.EntryStatusPending {
		return pgx.ErrNoRows
	}
	e.Status = domain.EntryStatusSettled
	e.SettledAt = &at
	return nil
}

func (r ledgerRepo) MarkReversed(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	if _, err := active(tx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.d.entries[id]
	if !ok || e.Status == domain.EntryStatusReversed {
		return pgx.ErrNoRows
	}
	e.Status = domain.EntryStatusReversed
	return nil
}

func (r ledgerRepo) SumSettled(_ context.Context, from, to time.Time) ([]domain.AccountReconciliation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	type key struct {
		account  uuid.UUID
		currency string
	}
	lines := map[key]*domain.AccountReconciliation{}
	var order []key
	for _, id := range r.s.d.entryOrder {
		e := r.s.d.entries[id]
		if e.Status != domain.EntryStatusSettled || e.SettledAt == nil {
			continue
		}
		if e.SettledAt.Before(from) || !e.SettledAt.Before(to) {
			continue
		}
		k := key{e.AccountID, e.Currency}
		line, ok := lines[k]
		if !ok {
			line = &domain.AccountReconciliation{AccountID: e.AccountID, Currency: e.Currency, Credits: decimal.Zero, Debits: decimal.Zero}
			lines[k] = line
			order = append(order, k)
		}
		if e.Direction == domain.DirectionCredit {
			line.Credits = line.Credits.Add(e.Amount)
		} else {
			line.Debits = line.Debits.Add(e.Amount)
		}
		line.Entries++
	}

	out := make([]domain.AccountReconciliation, 0, len(order))
	for _, k := range order {
		out = append(out, *lines[k])
	}
	return out, nil
}

func (r ledgerRepo) get(id uuid.UUID) *domain.LedgerEntry {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e, ok := r.s.d.entries[id]
	if !ok {
		return nil
	}
	return copyEntry(e)
}

func (r ledgerRepo) list(settlementID uuid.UUID) []domain.LedgerEntry {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.LedgerEntry
	for _, id := range r.s.d.entryOrder {
		e := r.s.d.entries[id]
		if e.SettlementID != nil && *e.SettlementID == settlementID {
			out = append(out, *copyEntry(e))
		}
	}
	return out
}

// --- settlements ---

type settlementRepo struct{ s *Store }

func (r settlementRepo) Create(_ context.Context, tx pgx.Tx, st *domain.Settlement) error {
	if _, err := active(tx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.d.settlements[st.ID]; ok {
		return errUniqueViolation
	}
	r.s.d.settlements[st.ID] = copySettlement(st)
	return nil
}

func (r settlementRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Settlement, error) {
	return r.get(id), nil
}

func (r settlementRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Settlement, error) {
	if _, err := active(tx); err != nil {
		return nil, err
	}
	return r.get(id), nil
}

func (r settlementRepo) Update(_ context.Context, tx pgx.Tx, st *domain.Settlement) error {
	if _, err := active(tx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpSettlementUpdate); err != nil {
		return err
	}
	if _, ok := r.s.d.settlements[st.ID]; !ok {
		return pgx.ErrNoRows
	}
	r.s.d.settlements[st.ID] = copySettlement(st)
	return nil
}

func (r settlementRepo) SumSourceAmountSince(_ context.Context, tx pgx.Tx, userID uuid.UUID, currency string, since time.Time) (decimal.Decimal, error) {
	if _, err := active(tx); err != nil {
		return decimal.Zero, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	total := decimal.Zero
	for _, st := range r.s.d.settlements {
		if st.UserID != userID || st.SourceCurrency != currency || st.CreatedAt.Before(since) {
			continue
		}
		if st.CurrentState == domain.StateFailed || st.CurrentState == domain.StateReversed {
			continue
		}
		total = total.Add(st.SourceAmount)
	}
	return total, nil
}

func (r settlementRepo) ListStale(_ context.Context, states []domain.State, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	wanted := make(map[domain.State]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}
	var stale []*domain.Settlement
	for _, st := range r.s.d.settlements {
		if wanted[st.CurrentState] && st.UpdatedAt.Before(cutoff) {
			stale = append(stale, st)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })

	ids := make([]uuid.UUID, 0, len(stale))
	for i, st := range stale {
		if limit > 0 && i == limit {
			break
		}
		ids = append(ids, st.ID)
	}
	return ids, nil
}

func (r settlementRepo) get(id uuid.UUID) *domain.Settlement {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	st, ok := r.s.d.settlements[id]
	if !ok {
		return nil
	}
	return copySettlement(st)
}

// --- history ---

type historyRepo struct{ s *Store }

func (r historyRepo) Append(_ context.Context, tx pgx.Tx, entry *domain.StateHistory) error {
	if _, err := active(tx); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected(OpHistoryAppend); err != nil {
		return err
	}
	for _, h := range r.s.d.history {
		if h.SettlementID == entry.SettlementID && h.ToState == entry.ToState {
			return errUniqueViolation
		}
	}
	h := *entry
	h.Metadata = copyMap(entry.Metadata)
	r.s.d.history = append(r.s.d.history, h)
	return nil
}

func (r historyRepo) HasState(_ context.Context, tx pgx.Tx, settlementID uuid.UUID, state domain.State) (bool, error) {
	if _, err := active(tx); err != nil {
		return false, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, h := range r.s.d.history {
		if h.SettlementID == settlementID && h.ToState == state {
			return true, nil
		}
	}
	return false, nil
}

func (r historyRepo) ListBySettlement(_ context.Context, settlementID uuid.UUID) ([]domain.StateHistory, error) {
	return r.s.History(settlementID), nil
}

// --- users & audit ---

type userRepo struct{ s *Store }

func (r userRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*domain.User, error) {
	if _, err := active(tx); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.d.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

type auditRepo struct{ s *Store }

func (r auditRepo) Create(_ context.Context, entry *domain.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.d.audits = append(r.s.d.audits, *entry)
	return nil
}
