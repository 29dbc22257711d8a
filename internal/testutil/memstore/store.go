// Package memstore is an in-memory, transactional implementation of the
// repository ports used by service and API tests.
//
// Transactions are serialised by a single store-wide lock, which is a
// stricter version of the row locks Postgres takes. Rollback restores a
// snapshot taken at Begin, so forced failures leave no trace.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Operation names accepted by FailOn.
const (
	OpAccountUpdate    = "accounts.UpdateBalances"
	OpLedgerCreate     = "ledger.Create"
	OpLedgerSettle     = "ledger.MarkSettled"
	OpSettlementUpdate = "settlements.Update"
	OpHistoryAppend    = "history.Append"
	OpJobInsert        = "jobs.Insert"
	OpCommit           = "tx.Commit"
)

// Job kinds recorded by Scheduler.
const (
	JobAdvance      = "advance_settlement"
	JobReversal     = "reverse_settlement"
	JobNotification = "notify_settlement"
)

// Job is an outbox job that became visible on commit.
type Job struct {
	Kind         string
	SettlementID uuid.UUID
	State        domain.State
	Reason       string
	Event        *domain.SettlementEvent
}

type fault struct {
	err       error
	remaining int
}

type data struct {
	accounts    map[uuid.UUID]*domain.Account
	entries     map[uuid.UUID]*domain.LedgerEntry
	entryOrder  []uuid.UUID
	settlements map[uuid.UUID]*domain.Settlement
	history     []domain.StateHistory
	users       map[uuid.UUID]*domain.User
	audits      []domain.AuditLog
}

// Store holds all tables.
type Store struct {
	txMu sync.Mutex

	mu     sync.RWMutex
	d      data
	jobs   []Job
	faults map[string]*fault
}

// New returns an empty store.
func New() *Store {
	return &Store{
		d: data{
			accounts:    map[uuid.UUID]*domain.Account{},
			entries:     map[uuid.UUID]*domain.LedgerEntry{},
			settlements: map[uuid.UUID]*domain.Settlement{},
			users:       map[uuid.UUID]*domain.User{},
		},
		faults: map[string]*fault{},
	}
}

// FailOn makes the next times calls of op return err.
func (s *Store) FailOn(op string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, remaining: times}
}

func (s *Store) injected(op string) error {
	f, ok := s.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

// Begin implements ports.DBTransactor.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()

	s.mu.RLock()
	snap := s.d.clone()
	s.mu.RUnlock()

	return &Tx{store: s, snapshot: snap}, nil
}

// Tx is a store transaction. Only Commit and Rollback are implemented; the
// embedded pgx.Tx is nil and panics if repositories try to run SQL.
type Tx struct {
	pgx.Tx

	store    *Store
	snapshot data
	pending  []Job
	done     bool
}

// Commit publishes the transaction's outbox jobs and releases the store.
func (t *Tx) Commit(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}

	t.store.mu.Lock()
	if err := t.store.injected(OpCommit); err != nil {
		t.store.d = t.snapshot
		t.store.mu.Unlock()
		t.finish()
		return err
	}
	t.store.jobs = append(t.store.jobs, t.pending...)
	t.store.mu.Unlock()

	t.finish()
	return nil
}

// Rollback restores the snapshot taken at Begin.
func (t *Tx) Rollback(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.store.mu.Lock()
	t.store.d = t.snapshot
	t.store.mu.Unlock()

	t.finish()
	return nil
}

func (t *Tx) finish() {
	t.done = true
	t.pending = nil
	t.store.txMu.Unlock()
}

func active(tx pgx.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok || t == nil {
		return nil, fmt.Errorf("memstore: foreign transaction %T", tx)
	}
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return t, nil
}

// --- seeding & inspection ---

// AddUser inserts or replaces a user.
func (s *Store) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.users[u.ID] = &u
}

// AddAccount inserts an account with preset balances.
func (s *Store) AddAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.accounts[a.ID] = &a
}

// AddSettlement inserts a settlement in any state, bypassing the history log.
func (s *Store) AddSettlement(st domain.Settlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.settlements[st.ID] = copySettlement(&st)
}

// Account returns the committed account for key.
func (s *Store) Account(key domain.AccountKey) (domain.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.d.accounts {
		if a.Key() == key {
			return *a, true
		}
	}
	return domain.Account{}, false
}

// Accounts returns every account.
func (s *Store) Accounts() []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.d.accounts))
	for _, a := range s.d.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// Entries returns every ledger entry in insertion order.
func (s *Store) Entries() []domain.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0, len(s.d.entryOrder))
	for _, id := range s.d.entryOrder {
		out = append(out, *copyEntry(s.d.entries[id]))
	}
	return out
}

// History returns the transition rows of one settlement, oldest first.
func (s *Store) History(settlementID uuid.UUID) []domain.StateHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StateHistory
	for _, h := range s.d.history {
		if h.SettlementID == settlementID {
			out = append(out, h)
		}
	}
	return out
}

// Settlement returns the committed settlement.
func (s *Store) Settlement(id uuid.UUID) (domain.Settlement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.d.settlements[id]
	if !ok {
		return domain.Settlement{}, false
	}
	return *copySettlement(st), true
}

// Backdate sets a settlement's UpdatedAt, for timeout tests.
func (s *Store) Backdate(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.d.settlements[id]; ok {
		st.UpdatedAt = at
	}
}

// Jobs returns committed outbox jobs.
func (s *Store) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Job(nil), s.jobs...)
}

// DrainJobs returns and clears committed outbox jobs.
func (s *Store) DrainJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.jobs
	s.jobs = nil
	return out
}

// AuditLogs returns persisted audit rows.
func (s *Store) AuditLogs() []domain.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AuditLog(nil), s.d.audits...)
}

// --- copying ---

func (d data) clone() data {
	out := data{
		accounts:    make(map[uuid.UUID]*domain.Account, len(d.accounts)),
		entries:     make(map[uuid.UUID]*domain.LedgerEntry, len(d.entries)),
		entryOrder:  append([]uuid.UUID(nil), d.entryOrder...),
		settlements: make(map[uuid.UUID]*domain.Settlement, len(d.settlements)),
		history:     append([]domain.StateHistory(nil), d.history...),
		users:       make(map[uuid.UUID]*domain.User, len(d.users)),
		audits:      append([]domain.AuditLog(nil), d.audits...),
	}
	for k, v := range d.accounts {
		a := *v
		out.accounts[k] = &a
	}
	for k, v := range d.entries {
		out.entries[k] = copyEntry(v)
	}
	for k, v := range d.settlements {
		out.settlements[k] = copySettlement(v)
	}
	for k, v := range d.users {
		u := *v
		out.users[k] = &u
	}
	return out
}

func copyEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	c := *e
	c.Metadata = copyMap(e.Metadata)
	if e.SettledAt != nil {
		t := *e.SettledAt
		c.SettledAt = &t
	}
	return &c
}

func copySettlement(st *domain.Settlement) *domain.Settlement {
	c := *st
	c.Metadata = copyMap(st.Metadata)
	if st.PreviousState != nil {
		p := *st.PreviousState
		c.PreviousState = &p
	}
	if st.CompletedAt != nil {
		t := *st.CompletedAt
		c.CompletedAt = &t
	}
	if st.FailedAt != nil {
		t := *st.FailedAt
		c.FailedAt = &t
	}
	return &c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
