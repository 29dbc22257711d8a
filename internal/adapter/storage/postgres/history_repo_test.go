package postgres

import (
	"context"
	"testing"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRepo_Append(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewHistoryRepo(mock)
	from := domain.StateInitiated
	h := &domain.StateHistory{
		ID:             uuid.New(),
		SettlementID:   uuid.New(),
		FromState:      &from,
		ToState:        domain.StateFiatReceived,
		IdempotencyKey: "bank-evt-9",
		Metadata:       map[string]string{"amount": "100"},
		CreatedAt:      time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO settlement_state_history").
		WithArgs(h.ID, h.SettlementID, h.FromState, h.ToState, "", "bank-evt-9", h.Metadata, h.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	assert.NoError(t, repo.Append(context.Background(), tx, h))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepo_HasState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewHistoryRepo(mock)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id, domain.StateTokenMinted).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	seen, err := repo.HasState(context.Background(), tx, id, domain.StateTokenMinted)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepo_ListBySettlement(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewHistoryRepo(mock)
	settlementID := uuid.New()
	created := time.Now().UTC().Truncate(time.Microsecond)
	from := domain.StateInitiated

	mock.ExpectQuery("SELECT .+ FROM settlement_state_history WHERE settlement_id").
		WithArgs(settlementID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "settlement_id", "from_state", "to_state", "reason", "idempotency_key", "metadata", "created_at"}).
			AddRow(uuid.New(), settlementID, (*domain.State)(nil), domain.StateInitiated, "", "", map[string]string(nil), created).
			AddRow(uuid.New(), settlementID, &from, domain.StateFailed, "COMPLIANCE_REJECTED", "compliance:x", map[string]string(nil), created))

	history, err := repo.ListBySettlement(context.Background(), settlementID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].FromState)
	assert.Equal(t, domain.StateFailed, history[1].ToState)
	assert.Equal(t, "COMPLIANCE_REJECTED", history[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}
