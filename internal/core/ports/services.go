package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// --- Core services ---

// AccountStore owns balance mutation. Mutating methods taking pgx.Tx run only
// inside the caller's transaction.
type AccountStore interface {
	GetOrCreate(ctx context.Context, tx pgx.Tx, key domain.AccountKey, provider string) (*domain.Account, error)
	ApplyDelta(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, direction domain.Direction, amount decimal.Decimal, kind domain.PostingKind) (*domain.Account, error)
	SetFrozen(ctx context.Context, accountID uuid.UUID, frozen bool) (*domain.Account, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]domain.Account, error)
}

// LedgerService is the atomic ledger posting engine.
type LedgerService interface {
	Post(ctx context.Context, params domain.PostingParams) (*domain.LedgerEntry, error)
	PostTx(ctx context.Context, tx pgx.Tx, params domain.PostingParams) (*domain.LedgerEntry, error)
	PostBatch(ctx context.Context, params []domain.PostingParams) ([]*domain.LedgerEntry, error)
	Settle(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error)
	SettleTx(ctx context.Context, tx pgx.Tx, entryID uuid.UUID) (*domain.LedgerEntry, error)
	// Reverse returns the compensating entry.
	Reverse(ctx context.Context, entryID uuid.UUID, reason string) (*domain.LedgerEntry, error)
	ReverseTx(ctx context.Context, tx pgx.Tx, entryID uuid.UUID, reason string) (*domain.LedgerEntry, error)
	EntriesForSettlement(ctx context.Context, settlementID uuid.UUID) ([]domain.LedgerEntry, error)
	EntriesForSettlementTx(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID) ([]domain.LedgerEntry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error)
	Reconcile(ctx context.Context, date time.Time) (*domain.ReconciliationReport, error)
}

// CreateSettlementRequest holds the input for a new settlement.
type CreateSettlementRequest struct {
	UserID         uuid.UUID
	Type           domain.SettlementType
	SourceAmount   decimal.Decimal
	SourceCurrency string
	TargetAmount   decimal.Decimal // zero means 1:1 with SourceAmount
	TargetCurrency string
	Provider       string
	Metadata       map[string]string
}

// SettlementService is the settlement state machine.
type SettlementService interface {
	CreateSettlement(ctx context.Context, req CreateSettlementRequest) (*domain.Settlement, error)
	TransitionState(ctx context.Context, id uuid.UUID, target domain.State, meta domain.TransitionMetadata) (*domain.Settlement, error)
	CancelSettlement(ctx context.Context, id uuid.UUID, reason string) (*domain.Settlement, error)
	ResolveReview(ctx context.Context, id uuid.UUID, approve bool, reason string) (*domain.Settlement, error)
	GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Settlement, error)
	ListHistory(ctx context.Context, id uuid.UUID) ([]domain.StateHistory, error)
	ListEntries(ctx context.Context, id uuid.UUID) ([]domain.LedgerEntry, error)
	// FailStale fails settlements parked longer than olderThan; returns how many were failed.
	FailStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// --- External collaborators ---

// ComplianceGate assesses a proposed settlement.
type ComplianceGate interface {
	Assess(ctx context.Context, req domain.ComplianceRequest) (*domain.RiskAssessment, error)
}

// NotificationSink delivers settlement events to the user. Fire-and-forget.
type NotificationSink interface {
	Notify(ctx context.Context, userID uuid.UUID, event domain.SettlementEvent) error
}

// RailGateway requests the next fund movement from a banking or chain provider.
type RailGateway interface {
	Execute(ctx context.Context, action domain.RailAction, settlement *domain.Settlement) error
}

// JobScheduler enqueues outbox jobs inside the caller's transaction so they
// become visible only when it commits.
type JobScheduler interface {
	ScheduleAdvance(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID, state domain.State) error
	ScheduleReversal(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID, reason string) error
	ScheduleNotification(ctx context.Context, tx pgx.Tx, event domain.SettlementEvent) error
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	ObserveTransition(from, to domain.State)
	ObservePosting(entryType domain.EntryType, direction domain.Direction)
	ObserveCompliance(status domain.ComplianceStatus)
	ObserveConflictRetry(operation string)
}

// --- Adapter support ---

// TokenService handles JWT token operations.
type TokenService interface {
	Generate(subject uuid.UUID, role string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// Roles carried in bearer tokens.
const (
	RoleUser     = "user"
	RoleOperator = "operator"
)

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Subject uuid.UUID
	Role    string
}

// EventDeduplicator remembers processed webhook deliveries.
type EventDeduplicator interface {
	// Claim marks key in-flight. Returns false if another delivery holds or processed it.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Complete records key as processed for ttl.
	Complete(ctx context.Context, key string, ttl time.Duration) error
	// Release drops an in-flight claim so the provider's retry can be processed.
	Release(ctx context.Context, key string) error
}

// AuditService records operator interventions.
type AuditService interface {
	Log(ctx context.Context, entry *domain.AuditLog)
}

// SignatureService signs and verifies provider webhook payloads.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
	BuildCanonicalString(method, path string, timestamp int64, nonce string, body string) string
}

// NonceStore rejects replayed webhook signatures.
type NonceStore interface {
	// CheckAndSet returns true if nonce is new within scope.
	CheckAndSet(ctx context.Context, scope string, nonce string, ttl time.Duration) (bool, error)
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   int64 // Unix timestamp
}

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error)
}
