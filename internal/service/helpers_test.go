package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"settlement-engine/internal/adapter/metrics"
	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/internal/testutil/memstore"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// stubGate returns a fixed verdict.
type stubGate struct {
	mu      sync.Mutex
	verdict *domain.RiskAssessment
	err     error
	calls   int
}

func (g *stubGate) Assess(_ context.Context, _ domain.ComplianceRequest) (*domain.RiskAssessment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	v := *g.verdict
	return &v, nil
}

func (g *stubGate) set(v *domain.RiskAssessment, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verdict, g.err = v, err
}

func approvedVerdict() *domain.RiskAssessment {
	return &domain.RiskAssessment{Approved: true, RiskScore: 12, RiskLevel: domain.RiskLow}
}

// engine wires the real services over an in-memory store.
type engine struct {
	store       *memstore.Store
	metrics     *metrics.Recorder
	accounts    *AccountStoreImpl
	ledger      *LedgerServiceImpl
	settlements *SettlementServiceImpl
	gate        *stubGate
	userID      uuid.UUID
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	store := memstore.New()
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	log := newTestLogger()
	retry := testRetryPolicy()

	accounts := NewAccountStore(store.AccountRepo(), store, log)
	ledger := NewLedgerService(accounts, store.LedgerRepo(), store, rec, retry, log)
	gate := &stubGate{verdict: approvedVerdict()}
	settlements := NewSettlementService(
		store.SettlementRepo(),
		store.HistoryRepo(),
		store.UserRepo(),
		ledger,
		gate,
		store.Scheduler(),
		store,
		rec,
		SettlementConfig{Retry: retry},
		log,
	)

	userID := uuid.New()
	store.AddUser(domain.User{ID: userID, Status: domain.UserStatusActive})

	return &engine{
		store:       store,
		metrics:     rec,
		accounts:    accounts,
		ledger:      ledger,
		settlements: settlements,
		gate:        gate,
		userID:      userID,
	}
}

func (e *engine) create(t *testing.T, typ domain.SettlementType, amount, source, target string) *domain.Settlement {
	t.Helper()
	st, err := e.settlements.CreateSettlement(context.Background(), createRequest(e.userID, typ, amount, source, target))
	require.NoError(t, err)
	return st
}

func (e *engine) move(t *testing.T, id uuid.UUID, to domain.State, meta domain.TransitionMetadata) *domain.Settlement {
	t.Helper()
	st, err := e.settlements.TransitionState(context.Background(), id, to, meta)
	require.NoError(t, err, "transition to %s", to)
	return st
}

// fund gives the user an available balance on an account.
func (e *engine) fund(kind domain.AccountKind, currency, amount string) {
	a := dec(amount)
	e.store.AddAccount(domain.Account{
		ID:        uuid.New(),
		UserID:    e.userID,
		Kind:      kind,
		Currency:  currency,
		Balance:   a,
		Available: a,
		Pending:   decimal.Zero,
	})
}

func (e *engine) account(t *testing.T, kind domain.AccountKind, currency string) domain.Account {
	t.Helper()
	acc, ok := e.store.Account(domain.AccountKey{UserID: e.userID, Kind: kind, Currency: currency})
	require.True(t, ok, "account %s/%s not found", kind, currency)
	return acc
}

func (e *engine) assertBalancesConsistent(t *testing.T) {
	t.Helper()
	for _, acc := range e.store.Accounts() {
		assert.True(t, acc.Consistent(), "account %s: balance=%s available=%s pending=%s",
			acc.Key(), acc.Balance, acc.Available, acc.Pending)
	}
}

func createRequest(userID uuid.UUID, typ domain.SettlementType, amount, source, target string) ports.CreateSettlementRequest {
	return ports.CreateSettlementRequest{
		UserID:         userID,
		Type:           typ,
		SourceAmount:   dec(amount),
		SourceCurrency: source,
		TargetCurrency: target,
		Provider:       "test-rail",
	}
}

func meta(key string, kv ...string) domain.TransitionMetadata {
	m := domain.TransitionMetadata{domain.MetaIdempotencyKey: key}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAppError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperror.CodeOf(err), "unexpected error: %v", err)
}

func assertDecimal(t *testing.T, field, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "%s: want %s, got %s", field, want, got.String())
}

func jobsOfKind(jobs []memstore.Job, kind string) []memstore.Job {
	var out []memstore.Job
	for _, j := range jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}
