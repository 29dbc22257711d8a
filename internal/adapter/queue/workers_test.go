package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports/mocks"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func job[T river.JobArgs](args T, attempt, maxAttempts int) *river.Job[T] {
	return &river.Job[T]{
		JobRow: &rivertype.JobRow{ID: 1, Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   args,
	}
}

func settlementIn(state domain.State) *domain.Settlement {
	return &domain.Settlement{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Type:           domain.SettlementFiatToToken,
		CurrentState:   state,
		SourceAmount:   decimal.NewFromInt(100),
		SourceCurrency: "USD",
	}
}

func newAdvanceWorker(t *testing.T) (*AdvanceWorker, *mocks.MockSettlementService, *mocks.MockRailGateway) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockSettlementService(ctrl)
	rails := mocks.NewMockRailGateway(ctrl)
	return NewAdvanceWorker(svc, rails, zerolog.New(io.Discard)), svc, rails
}

func TestAdvanceWorker_ExecutesRailStep(t *testing.T) {
	w, svc, rails := newAdvanceWorker(t)
	st := settlementIn(domain.StateFiatConfirmed)

	svc.EXPECT().GetSettlement(gomock.Any(), st.ID).Return(st, nil)
	rails.EXPECT().Execute(gomock.Any(), domain.ActionMintTokens, st).Return(nil)

	err := w.Work(context.Background(), job(AdvanceArgs{SettlementID: st.ID, State: domain.StateFiatConfirmed}, 1, 5))
	require.NoError(t, err)
}

func TestAdvanceWorker_BurnAdvancesWithoutRailCall(t *testing.T) {
	w, svc, _ := newAdvanceWorker(t)
	st := settlementIn(domain.StateTokenBurned)

	svc.EXPECT().GetSettlement(gomock.Any(), st.ID).Return(st, nil)
	svc.EXPECT().
		TransitionState(gomock.Any(), st.ID, domain.StateFiatRequested, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, _ domain.State, meta domain.TransitionMetadata) (*domain.Settlement, error) {
			assert.Equal(t, "payout-request:"+st.ID.String(), meta.IdempotencyKey())
			return st, nil
		})

	err := w.Work(context.Background(), job(AdvanceArgs{SettlementID: st.ID, State: domain.StateTokenBurned}, 1, 5))
	require.NoError(t, err)
}

func TestAdvanceWorker_SkipsWhenStateMovedOn(t *testing.T) {
	w, svc, _ := newAdvanceWorker(t)
	st := settlementIn(domain.StateTokenMinted)

	svc.EXPECT().GetSettlement(gomock.Any(), st.ID).Return(st, nil)

	err := w.Work(context.Background(), job(AdvanceArgs{SettlementID: st.ID, State: domain.StateFiatConfirmed}, 1, 5))
	require.NoError(t, err)
}

func TestAdvanceWorker_RailErrorRetries(t *testing.T) {
	w, svc, rails := newAdvanceWorker(t)
	st := settlementIn(domain.StateFiatReceived)
	railErr := apperror.ErrExternalFailure("bank", errors.New("502"))

	svc.EXPECT().GetSettlement(gomock.Any(), st.ID).Return(st, nil)
	rails.EXPECT().Execute(gomock.Any(), domain.ActionConfirmDeposit, st).Return(railErr)

	err := w.Work(context.Background(), job(AdvanceArgs{SettlementID: st.ID, State: domain.StateFiatReceived}, 2, 5))
	assert.ErrorIs(t, err, railErr)
}

func TestAdvanceWorker_LastAttemptFailsSettlement(t *testing.T) {
	w, svc, rails := newAdvanceWorker(t)
	st := settlementIn(domain.StateTokenMinted)

	svc.EXPECT().GetSettlement(gomock.Any(), st.ID).Return(st, nil)
	rails.EXPECT().Execute(gomock.Any(), domain.ActionDeliverTokens, st).Return(errors.New("chain down"))
	svc.EXPECT().
		TransitionState(gomock.Any(), st.ID, domain.StateFailed, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, _ domain.State, meta domain.TransitionMetadata) (*domain.Settlement, error) {
			assert.Equal(t, "RAIL_FAILURE: deliver_tokens", meta.Reason())
			assert.Equal(t, "rail-failure:"+st.ID.String()+":TOKEN_MINTED", meta.IdempotencyKey())
			return st, nil
		})

	err := w.Work(context.Background(), job(AdvanceArgs{SettlementID: st.ID, State: domain.StateTokenMinted}, 5, 5))
	require.NoError(t, err)
}

func TestAdvanceWorker_MissingSettlementCancels(t *testing.T) {
	w, svc, _ := newAdvanceWorker(t)
	id := uuid.New()
	notFound := apperror.ErrNotFound("settlement")

	svc.EXPECT().GetSettlement(gomock.Any(), id).Return(nil, notFound)

	err := w.Work(context.Background(), job(AdvanceArgs{SettlementID: id, State: domain.StateFiatReceived}, 1, 5))
	require.Error(t, err)
	assert.ErrorIs(t, err, notFound)
}

func TestReversalWorker(t *testing.T) {
	t.Run("transitions to reversed", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		svc := mocks.NewMockSettlementService(ctrl)
		id := uuid.New()

		svc.EXPECT().
			TransitionState(gomock.Any(), id, domain.StateReversed, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ uuid.UUID, _ domain.State, meta domain.TransitionMetadata) (*domain.Settlement, error) {
				assert.Equal(t, "reversal:"+id.String(), meta.IdempotencyKey())
				assert.Equal(t, "TIMEOUT", meta.Reason())
				return &domain.Settlement{ID: id, CurrentState: domain.StateReversed}, nil
			})

		err := NewReversalWorker(svc).Work(context.Background(), job(ReversalArgs{SettlementID: id, Reason: "TIMEOUT"}, 1, 5))
		require.NoError(t, err)
	})

	t.Run("storage conflict is retried", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		svc := mocks.NewMockSettlementService(ctrl)
		conflict := apperror.ErrStorageConflict(errors.New("deadlock"))

		svc.EXPECT().TransitionState(gomock.Any(), gomock.Any(), domain.StateReversed, gomock.Any()).Return(nil, conflict)

		err := NewReversalWorker(svc).Work(context.Background(), job(ReversalArgs{SettlementID: uuid.New()}, 1, 5))
		assert.Same(t, conflict, err)
	})

	t.Run("invalid transition is cancelled", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		svc := mocks.NewMockSettlementService(ctrl)
		invalid := apperror.ErrInvalidTransition("SETTLED", "REVERSED")

		svc.EXPECT().TransitionState(gomock.Any(), gomock.Any(), domain.StateReversed, gomock.Any()).Return(nil, invalid)

		err := NewReversalWorker(svc).Work(context.Background(), job(ReversalArgs{SettlementID: uuid.New()}, 1, 5))
		require.Error(t, err)
		assert.NotSame(t, invalid, err)
		assert.ErrorIs(t, err, invalid)
	})
}

func TestNotifyWorker(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockNotificationSink(ctrl)
	st := settlementIn(domain.StateFiatReceived)
	ev := domain.NewSettlementEvent(st, domain.StateInitiated, time.Now().UTC())

	sink.EXPECT().Notify(gomock.Any(), st.UserID, ev).Return(nil)

	require.NoError(t, NewNotifyWorker(sink).Work(context.Background(), job(NotifyArgs{Event: ev}, 1, 5)))
}

func TestStaleSweepWorker(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockSettlementService(ctrl)

	svc.EXPECT().FailStale(gomock.Any(), 2*time.Hour).Return(3, nil)

	w := NewStaleSweepWorker(svc, 2*time.Hour)
	require.NoError(t, w.Work(context.Background(), job(StaleSweepArgs{}, 1, 1)))
}
