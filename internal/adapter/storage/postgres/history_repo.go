package postgres

import (
	"context"
	"fmt"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// HistoryRepo implements ports.StateHistoryRepository over the append-only
// settlement_state_history table.
type HistoryRepo struct {
	pool Pool
}

// NewHistoryRepo creates a new HistoryRepo.
func NewHistoryRepo(pool Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

// Append inserts one transition row. (settlement_id, to_state) is unique.
func (r *HistoryRepo) Append(ctx context.Context, tx pgx.Tx, h *domain.StateHistory) error {
	query := `INSERT INTO settlement_state_history
		(id, settlement_id, from_state, to_state, reason, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := tx.Exec(ctx, query,
		h.ID, h.SettlementID, h.FromState, h.ToState,
		h.Reason, h.IdempotencyKey, h.Metadata, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append state history: %w", err)
	}
	return nil
}

// HasState reports whether the settlement ever entered state.
func (r *HistoryRepo) HasState(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID, state domain.State) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM settlement_state_history WHERE settlement_id = $1 AND to_state = $2)`

	var exists bool
	if err := tx.QueryRow(ctx, query, settlementID, state).Scan(&exists); err != nil {
		return false, fmt.Errorf("check state history: %w", err)
	}
	return exists, nil
}

// ListBySettlement returns the transition log oldest first.
func (r *HistoryRepo) ListBySettlement(ctx context.Context, settlementID uuid.UUID) ([]domain.StateHistory, error) {
	query := `SELECT id, settlement_id, from_state, to_state, reason, idempotency_key, metadata, created_at
		FROM settlement_state_history WHERE settlement_id = $1 ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, settlementID)
	if err != nil {
		return nil, fmt.Errorf("list state history: %w", err)
	}
	defer rows.Close()

	var history []domain.StateHistory
	for rows.Next() {
		h := domain.StateHistory{}
		if err := rows.Scan(
			&h.ID, &h.SettlementID, &h.FromState, &h.ToState,
			&h.Reason, &h.IdempotencyKey, &h.Metadata, &h.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan state history row: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state history rows: %w", err)
	}
	return history, nil
}
