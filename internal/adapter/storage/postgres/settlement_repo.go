package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const settlementColumns = `id, user_id, settlement_type, current_state, previous_state,
	source_amount, source_currency, target_amount, target_currency, provider,
	risk_score, risk_level, compliance_status, failure_reason, metadata,
	created_at, updated_at, completed_at, failed_at`

// SettlementRepo implements ports.SettlementRepository.
type SettlementRepo struct {
	pool Pool
}

// NewSettlementRepo creates a new SettlementRepo.
func NewSettlementRepo(pool Pool) *SettlementRepo {
	return &SettlementRepo{pool: pool}
}

// Create inserts a new settlement within a database transaction.
func (r *SettlementRepo) Create(ctx context.Context, tx pgx.Tx, s *domain.Settlement) error {
	query := `INSERT INTO settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := tx.Exec(ctx, query,
		s.ID, s.UserID, s.Type, s.CurrentState, s.PreviousState,
		s.SourceAmount, s.SourceCurrency, s.TargetAmount, s.TargetCurrency, s.Provider,
		s.RiskScore, s.RiskLevel, s.ComplianceStatus, s.FailureReason, s.Metadata,
		s.CreatedAt, s.UpdatedAt, s.CompletedAt, s.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// GetByID fetches a settlement by UUID.
func (r *SettlementRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`

	s, err := scanSettlement(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return s, nil
}

// GetByIDForUpdate fetches a settlement with pessimistic locking.
// This MUST be called within a transaction.
func (r *SettlementRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1 FOR UPDATE`

	s, err := scanSettlement(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get settlement for update: %w", err)
	}
	return s, nil
}

// Update writes every mutable column of a locked settlement.
func (r *SettlementRepo) Update(ctx context.Context, tx pgx.Tx, s *domain.Settlement) error {
	query := `UPDATE settlements SET current_state = $1, previous_state = $2, target_amount = $3,
		risk_score = $4, risk_level = $5, compliance_status = $6, failure_reason = $7, metadata = $8,
		updated_at = $9, completed_at = $10, failed_at = $11
		WHERE id = $12`

	tag, err := tx.Exec(ctx, query,
		s.CurrentState, s.PreviousState, s.TargetAmount,
		s.RiskScore, s.RiskLevel, s.ComplianceStatus, s.FailureReason, s.Metadata,
		s.UpdatedAt, s.CompletedAt, s.FailedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement not found: %s", s.ID)
	}
	return nil
}

// SumSourceAmountSince totals the user's settlements in currency created at or
// after since, ignoring FAILED and REVERSED ones.
func (r *SettlementRepo) SumSourceAmountSince(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string, since time.Time) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(source_amount), 0) FROM settlements
		WHERE user_id = $1 AND source_currency = $2 AND created_at >= $3
		AND current_state NOT IN ('FAILED', 'REVERSED')`

	var total decimal.Decimal
	if err := tx.QueryRow(ctx, query, userID, currency, since).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum settlement volume: %w", err)
	}
	return total, nil
}

// ListStale returns ids of settlements parked in one of states since before cutoff, oldest first.
func (r *SettlementRepo) ListStale(ctx context.Context, states []domain.State, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	query := `SELECT id FROM settlements
		WHERE current_state = ANY($1) AND updated_at < $2
		ORDER BY updated_at LIMIT $3`

	rows, err := r.pool.Query(ctx, query, names, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale settlements: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale settlement id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale settlements: %w", err)
	}
	return ids, nil
}

func scanSettlement(row pgx.Row) (*domain.Settlement, error) {
	s := &domain.Settlement{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.Type, &s.CurrentState, &s.PreviousState,
		&s.SourceAmount, &s.SourceCurrency, &s.TargetAmount, &s.TargetCurrency, &s.Provider,
		&s.RiskScore, &s.RiskLevel, &s.ComplianceStatus, &s.FailureReason, &s.Metadata,
		&s.CreatedAt, &s.UpdatedAt, &s.CompletedAt, &s.FailedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}
