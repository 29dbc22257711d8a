package service

import (
	"context"
	"fmt"
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

const staleSweepBatch = 100

// SettlementConfig holds the engine's tunables.
type SettlementConfig struct {
	DefaultDailyLimit   decimal.Decimal // zero disables the check
	DefaultMonthlyLimit decimal.Decimal
	Retry               RetryPolicy
}

// SettlementServiceImpl implements ports.SettlementService.
type SettlementServiceImpl struct {
	settlements ports.SettlementRepository
	history     ports.StateHistoryRepository
	users       ports.UserRepository
	ledger      ports.LedgerService
	gate        ports.ComplianceGate
	scheduler   ports.JobScheduler
	transactor  ports.DBTransactor
	metrics     ports.MetricsRecorder
	cfg         SettlementConfig
	log         zerolog.Logger
	now         func() time.Time
}

// NewSettlementService creates a new SettlementServiceImpl.
func NewSettlementService(
	settlements ports.SettlementRepository,
	history ports.StateHistoryRepository,
	users ports.UserRepository,
	ledger ports.LedgerService,
	gate ports.ComplianceGate,
	scheduler ports.JobScheduler,
	transactor ports.DBTransactor,
	metrics ports.MetricsRecorder,
	cfg SettlementConfig,
	log zerolog.Logger,
) *SettlementServiceImpl {
	return &SettlementServiceImpl{
		settlements: settlements,
		history:     history,
		users:       users,
		ledger:      ledger,
		gate:        gate,
		scheduler:   scheduler,
		transactor:  transactor,
		metrics:     metrics,
		cfg:         cfg,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateSettlement validates the user, records the settlement in INITIATED and
// runs the compliance gate. A rejection fails the settlement immediately.
func (s *SettlementServiceImpl) CreateSettlement(ctx context.Context, req ports.CreateSettlementRequest) (*domain.Settlement, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	st := &domain.Settlement{
		ID:               uuid.New(),
		UserID:           req.UserID,
		Type:             req.Type,
		CurrentState:     domain.StateInitiated,
		SourceAmount:     req.SourceAmount,
		SourceCurrency:   req.SourceCurrency,
		TargetAmount:     req.TargetAmount,
		TargetCurrency:   req.TargetCurrency,
		Provider:         req.Provider,
		ComplianceStatus: domain.CompliancePending,
		Metadata:         req.Metadata,
	}

	// The user row lock serialises creates per user, so the volume read by
	// checkLimits cannot change before this insert commits.
	err := s.inTx(ctx, "settlement.create", func(ctx context.Context, tx pgx.Tx) error {
		user, err := s.users.GetByIDForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return storageError("lock user", err)
		}
		if user == nil {
			return apperror.ErrNotFound("User")
		}
		if !user.IsActive() {
			return apperror.ErrUserInactive()
		}
		if err := s.checkLimits(ctx, tx, user, req); err != nil {
			return err
		}

		now := s.now()
		st.CreatedAt, st.UpdatedAt = now, now
		if err := s.settlements.Create(ctx, tx, st); err != nil {
			return storageError("insert settlement", err)
		}
		err = s.history.Append(ctx, tx, &domain.StateHistory{
			ID:             uuid.New(),
			SettlementID:   st.ID,
			ToState:        domain.StateInitiated,
			Reason:         "created",
			IdempotencyKey: "create:" + st.ID.String(),
			CreatedAt:      now,
		})
		if err != nil {
			return storageError("append history", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("settlement_id", st.ID.String()).
		Str("user_id", st.UserID.String()).
		Str("type", string(st.Type)).
		Str("amount", st.SourceAmount.String()).
		Str("currency", st.SourceCurrency).
		Msg("settlement initiated")

	return s.assess(ctx, st)
}

// assess runs the compliance gate outside any transaction and records the verdict.
func (s *SettlementServiceImpl) assess(ctx context.Context, st *domain.Settlement) (*domain.Settlement, error) {
	assessment, err := s.gate.Assess(ctx, domain.ComplianceRequest{
		UserID:         st.UserID,
		SettlementID:   st.ID,
		Type:           st.Type,
		SourceAmount:   st.SourceAmount,
		SourceCurrency: st.SourceCurrency,
		TargetAmount:   st.TargetAmount,
		TargetCurrency: st.TargetCurrency,
	})
	if err != nil || assessment == nil {
		s.log.Warn().Err(err).Str("settlement_id", st.ID.String()).Msg("compliance gate gave no verdict, holding for review")
		assessment = domain.ReviewRequired(domain.ReasonComplianceUnavailable)
	}
	assessment.ClampScore()
	status := assessment.Status()
	s.metrics.ObserveCompliance(status)

	if status == domain.ComplianceRejected {
		reason := assessment.Reason
		if reason == "" {
			reason = "COMPLIANCE_REJECTED"
		}
		meta := domain.TransitionMetadata{
			domain.MetaIdempotencyKey: "compliance:" + st.ID.String(),
			domain.MetaReason:         reason,
			domain.MetaSource:         "compliance",
		}
		failed, err := s.transitionWith(ctx, st.ID, domain.StateFailed, meta, func(locked *domain.Settlement) error {
			applyAssessment(locked, assessment)
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.log.Warn().Str("settlement_id", st.ID.String()).Str("reason", reason).Msg("settlement rejected by compliance")
		return failed, nil
	}

	var updated *domain.Settlement
	err = s.inTx(ctx, "settlement.assess", func(ctx context.Context, tx pgx.Tx) error {
		locked, err := s.lock(ctx, tx, st.ID)
		if err != nil {
			return err
		}
		applyAssessment(locked, assessment)
		locked.UpdatedAt = s.now()
		if err := s.settlements.Update(ctx, tx, locked); err != nil {
			return storageError("record assessment", err)
		}
		updated = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if status == domain.ComplianceReview {
		s.log.Warn().Str("settlement_id", st.ID.String()).Str("reason", assessment.Reason).Msg("settlement held for compliance review")
	}
	return updated, nil
}

func applyAssessment(st *domain.Settlement, a *domain.RiskAssessment) {
	st.RiskScore = a.RiskScore
	st.RiskLevel = a.RiskLevel
	st.ComplianceStatus = a.Status()
}

// TransitionState is the single mutation entry point for external events.
// Replaying a state already recorded in the history is a no-op.
func (s *SettlementServiceImpl) TransitionState(ctx context.Context, id uuid.UUID, target domain.State, meta domain.TransitionMetadata) (*domain.Settlement, error) {
	return s.transitionWith(ctx, id, target, meta, nil)
}

// CancelSettlement fails a settlement that has not moved funds downstream.
func (s *SettlementServiceImpl) CancelSettlement(ctx context.Context, id uuid.UUID, reason string) (*domain.Settlement, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "user request"
	}
	meta := domain.TransitionMetadata{
		domain.MetaIdempotencyKey: "cancel:" + id.String(),
		domain.MetaReason:         "CANCELLED: " + reason,
		domain.MetaSource:         "cancel",
	}
	return s.transitionWith(ctx, id, domain.StateFailed, meta, func(st *domain.Settlement) error {
		if !st.CurrentState.IsCancellable() {
			return apperror.ErrCancellationNotAllowed(string(st.CurrentState))
		}
		return nil
	})
}

// ResolveReview records an operator's decision on a settlement held for review.
func (s *SettlementServiceImpl) ResolveReview(ctx context.Context, id uuid.UUID, approve bool, reason string) (*domain.Settlement, error) {
	requireReview := func(st *domain.Settlement) error {
		if st.ComplianceStatus != domain.ComplianceReview {
			return apperror.Validation("settlement is not awaiting compliance review")
		}
		return nil
	}

	if !approve {
		if strings.TrimSpace(reason) == "" {
			reason = "COMPLIANCE_REVIEW_REJECTED"
		}
		meta := domain.TransitionMetadata{
			domain.MetaIdempotencyKey: "review:" + id.String(),
			domain.MetaReason:         reason,
			domain.MetaSource:         "review",
		}
		return s.transitionWith(ctx, id, domain.StateFailed, meta, func(st *domain.Settlement) error {
			if err := requireReview(st); err != nil {
				return err
			}
			st.ComplianceStatus = domain.ComplianceRejected
			return nil
		})
	}

	var updated *domain.Settlement
	err := s.inTx(ctx, "settlement.review", func(ctx context.Context, tx pgx.Tx) error {
		st, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := requireReview(st); err != nil {
			return err
		}
		st.ComplianceStatus = domain.ComplianceApproved
		st.UpdatedAt = s.now()
		if err := s.settlements.Update(ctx, tx, st); err != nil {
			return storageError("approve review", err)
		}
		updated = st
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveCompliance(domain.ComplianceApproved)
	s.log.Info().Str("settlement_id", id.String()).Str("reason", reason).Msg("compliance review approved")
	return updated, nil
}

// GetSettlement returns the committed settlement.
func (s *SettlementServiceImpl) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Settlement, error) {
	st, err := s.settlements.GetByID(ctx, id)
	if err != nil {
		return nil, storageError("get settlement", err)
	}
	if st == nil {
		return nil, apperror.ErrNotFound("Settlement")
	}
	return st, nil
}

// ListHistory returns the settlement's transition trail, oldest first.
func (s *SettlementServiceImpl) ListHistory(ctx context.Context, id uuid.UUID) ([]domain.StateHistory, error) {
	if _, err := s.GetSettlement(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.history.ListBySettlement(ctx, id)
	if err != nil {
		return nil, storageError("list history", err)
	}
	return rows, nil
}

// ListEntries returns the ledger entries posted for the settlement.
func (s *SettlementServiceImpl) ListEntries(ctx context.Context, id uuid.UUID) ([]domain.LedgerEntry, error) {
	if _, err := s.GetSettlement(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.EntriesForSettlement(ctx, id)
}

// FailStale fails settlements parked in a failable state for longer than olderThan.
func (s *SettlementServiceImpl) FailStale(ctx context.Context, olderThan time.Duration) (int, error) {
	var states []domain.State
	for _, st := range domain.AllStates {
		if st.CanTransitionTo(domain.StateFailed) {
			states = append(states, st)
		}
	}

	ids, err := s.settlements.ListStale(ctx, states, s.now().Add(-olderThan), staleSweepBatch)
	if err != nil {
		return 0, storageError("list stale settlements", err)
	}

	failed := 0
	for _, id := range ids {
		meta := domain.TransitionMetadata{
			domain.MetaIdempotencyKey: "timeout:" + id.String(),
			domain.MetaReason:         "TIMEOUT",
			domain.MetaSource:         "sweeper",
		}
		if _, err := s.TransitionState(ctx, id, domain.StateFailed, meta); err != nil {
			s.log.Warn().Err(err).Str("settlement_id", id.String()).Msg("failed to time out settlement")
			continue
		}
		failed++
	}
	if failed > 0 {
		s.log.Info().Int("count", failed).Dur("older_than", olderThan).Msg("stale settlements failed")
	}
	return failed, nil
}

func (s *SettlementServiceImpl) checkLimits(ctx context.Context, tx pgx.Tx, user *domain.User, req ports.CreateSettlementRequest) error {
	daily, monthly := user.Limits(s.cfg.DefaultDailyLimit, s.cfg.DefaultMonthlyLimit)
	now := s.now()
	y, m, d := now.Date()

	windows := []struct {
		name  string
		limit decimal.Decimal
		since time.Time
	}{
		{"Daily", daily, time.Date(y, m, d, 0, 0, 0, 0, time.UTC)},
		{"Monthly", monthly, time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, w := range windows {
		if !w.limit.IsPositive() {
			continue
		}
		used, err := s.settlements.SumSourceAmountSince(ctx, tx, user.ID, req.SourceCurrency, w.since)
		if err != nil {
			return storageError("sum volume", err)
		}
		if used.Add(req.SourceAmount).GreaterThan(w.limit) {
			return apperror.ErrLimitExceeded(w.name)
		}
	}
	return nil
}

func (s *SettlementServiceImpl) lock(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Settlement, error) {
	st, err := s.settlements.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, storageError("lock settlement", err)
	}
	if st == nil {
		return nil, apperror.ErrNotFound("Settlement")
	}
	return st, nil
}

func (s *SettlementServiceImpl) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return s.retry().run(ctx, op, s.metrics, s.log, func(ctx context.Context) error {
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

func (s *SettlementServiceImpl) retry() RetryPolicy {
	if s.cfg.Retry.MaxAttempts == 0 {
		return DefaultRetryPolicy()
	}
	return s.cfg.Retry
}

func validateCreate(req *ports.CreateSettlementRequest) error {
	req.SourceCurrency = strings.ToUpper(strings.TrimSpace(req.SourceCurrency))
	req.TargetCurrency = strings.ToUpper(strings.TrimSpace(req.TargetCurrency))

	switch {
	case req.UserID == uuid.Nil:
		return apperror.Validation("user_id is required")
	case !req.Type.IsValid():
		return apperror.Validation(fmt.Sprintf("unknown settlement type %q", req.Type))
	case !req.SourceAmount.IsPositive():
		return apperror.Validation("source_amount must be positive")
	case req.SourceCurrency == "" || req.TargetCurrency == "":
		return apperror.Validation("source_currency and target_currency are required")
	case req.TargetAmount.IsNegative():
		return apperror.Validation("target_amount cannot be negative")
	}
	if req.TargetAmount.IsZero() {
		req.TargetAmount = req.SourceAmount
	}
	return nil
}
