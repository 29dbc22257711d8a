package queue

import (
	"context"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

const engineSource = "engine"

// AdvanceWorker performs the outbound step of an auto-trigger state. The
// provider's confirmation arrives later through the webhook intake, except for
// payout requests, which the engine records itself once the bank accepts them.
type AdvanceWorker struct {
	river.WorkerDefaults[AdvanceArgs]
	settlements ports.SettlementService
	rails       ports.RailGateway
	log         zerolog.Logger
}

func NewAdvanceWorker(settlements ports.SettlementService, rails ports.RailGateway, log zerolog.Logger) *AdvanceWorker {
	return &AdvanceWorker{settlements: settlements, rails: rails, log: log}
}

func (w *AdvanceWorker) Work(ctx context.Context, job *river.Job[AdvanceArgs]) error {
	args := job.Args

	st, err := w.settlements.GetSettlement(ctx, args.SettlementID)
	if err != nil {
		if apperror.HasCode(err, apperror.CodeNotFound) {
			return river.JobCancel(err)
		}
		return err
	}
	if st.CurrentState != args.State {
		w.log.Debug().
			Str("settlement_id", st.ID.String()).
			Str("scheduled_for", string(args.State)).
			Str("current", string(st.CurrentState)).
			Msg("settlement moved on, skipping step")
		return nil
	}

	// Burned tokens need no rail call; the payout is requested by entering FIAT_REQUESTED.
	if args.State == domain.StateTokenBurned {
		_, err := w.settlements.TransitionState(ctx, st.ID, domain.StateFiatRequested, domain.TransitionMetadata{
			domain.MetaIdempotencyKey: "payout-request:" + st.ID.String(),
			domain.MetaSource:         engineSource,
		})
		return err
	}

	action, ok := args.State.AutoAction()
	if !ok {
		return river.JobCancel(fmt.Errorf("state %s has no outbound step", args.State))
	}

	if err := w.rails.Execute(ctx, action, st); err != nil {
		if job.Attempt < job.MaxAttempts {
			return err
		}
		return w.giveUp(ctx, st, action, err)
	}
	return nil
}

// giveUp fails the settlement after the rail kept refusing the step.
func (w *AdvanceWorker) giveUp(ctx context.Context, st *domain.Settlement, action domain.RailAction, cause error) error {
	w.log.Error().Err(cause).
		Str("settlement_id", st.ID.String()).
		Str("action", string(action)).
		Msg("rail step exhausted retries")

	_, err := w.settlements.TransitionState(ctx, st.ID, domain.StateFailed, domain.TransitionMetadata{
		domain.MetaIdempotencyKey: "rail-failure:" + st.ID.String() + ":" + string(st.CurrentState),
		domain.MetaReason:         "RAIL_FAILURE: " + string(action),
		domain.MetaSource:         engineSource,
	})
	if err != nil {
		return fmt.Errorf("fail settlement after %s: %w", action, err)
	}
	return nil
}

// ReversalWorker closes out a failed settlement.
type ReversalWorker struct {
	river.WorkerDefaults[ReversalArgs]
	settlements ports.SettlementService
}

func NewReversalWorker(settlements ports.SettlementService) *ReversalWorker {
	return &ReversalWorker{settlements: settlements}
}

func (w *ReversalWorker) Work(ctx context.Context, job *river.Job[ReversalArgs]) error {
	_, err := w.settlements.TransitionState(ctx, job.Args.SettlementID, domain.StateReversed, domain.TransitionMetadata{
		domain.MetaIdempotencyKey: "reversal:" + job.Args.SettlementID.String(),
		domain.MetaReason:         job.Args.Reason,
		domain.MetaSource:         engineSource,
	})
	if apperror.HasCode(err, apperror.CodeNotFound) || apperror.HasCode(err, apperror.CodeInvalidTransition) {
		return river.JobCancel(err)
	}
	return err
}

// NotifyWorker hands committed transitions to the notification sink.
type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	sink ports.NotificationSink
}

func NewNotifyWorker(sink ports.NotificationSink) *NotifyWorker {
	return &NotifyWorker{sink: sink}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	ev := job.Args.Event
	return w.sink.Notify(ctx, ev.UserID, ev)
}

func (w *NotifyWorker) Timeout(*river.Job[NotifyArgs]) time.Duration { return 10 * time.Second }

// StaleSweepWorker fails settlements that stopped making progress.
type StaleSweepWorker struct {
	river.WorkerDefaults[StaleSweepArgs]
	settlements ports.SettlementService
	olderThan   time.Duration
}

func NewStaleSweepWorker(settlements ports.SettlementService, olderThan time.Duration) *StaleSweepWorker {
	return &StaleSweepWorker{settlements: settlements, olderThan: olderThan}
}

func (w *StaleSweepWorker) Work(ctx context.Context, _ *river.Job[StaleSweepArgs]) error {
	_, err := w.settlements.FailStale(ctx, w.olderThan)
	return err
}

// Deps are the collaborators the workers call.
type Deps struct {
	Settlements ports.SettlementService
	Rails       ports.RailGateway
	Sink        ports.NotificationSink
	StaleAfter  time.Duration
	Log         zerolog.Logger
}

// RegisterWorkers adds every settlement worker to workers.
func RegisterWorkers(workers *river.Workers, d Deps) {
	river.AddWorker(workers, NewAdvanceWorker(d.Settlements, d.Rails, d.Log))
	river.AddWorker(workers, NewReversalWorker(d.Settlements))
	river.AddWorker(workers, NewNotifyWorker(d.Sink))
	river.AddWorker(workers, NewStaleSweepWorker(d.Settlements, d.StaleAfter))
}
