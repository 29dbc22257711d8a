package postgres

import (
	"context"
	"errors"
	"fmt"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements ports.UserRepository against the users table, which is
// replicated from the user directory. All reads run inside the caller's transaction.
type UserRepo struct{}

// NewUserRepo creates a new UserRepo.
func NewUserRepo() *UserRepo {
	return &UserRepo{}
}

// GetByIDForUpdate fetches a user with pessimistic locking. Returns nil when
// the user is unknown.
func (r *UserRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.User, error) {
	query := `SELECT id, status, daily_limit, monthly_limit FROM users WHERE id = $1 FOR UPDATE`

	u := &domain.User{}
	err := tx.QueryRow(ctx, query, id).Scan(&u.ID, &u.Status, &u.DailyLimit, &u.MonthlyLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}
