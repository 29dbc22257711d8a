package memstore

import (
	"context"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Scheduler returns a ports.JobScheduler whose jobs become visible through
// Jobs only when the enclosing transaction commits.
func (s *Store) Scheduler() ports.JobScheduler { return scheduler{s} }

type scheduler struct{ s *Store }

func (sc scheduler) ScheduleAdvance(_ context.Context, tx pgx.Tx, settlementID uuid.UUID, state domain.State) error {
	return sc.enqueue(tx, Job{Kind: JobAdvance, SettlementID: settlementID, State: state})
}

func (sc scheduler) ScheduleReversal(_ context.Context, tx pgx.Tx, settlementID uuid.UUID, reason string) error {
	return sc.enqueue(tx, Job{Kind: JobReversal, SettlementID: settlementID, Reason: reason})
}

func (sc scheduler) ScheduleNotification(_ context.Context, tx pgx.Tx, event domain.SettlementEvent) error {
	return sc.enqueue(tx, Job{Kind: JobNotification, SettlementID: event.SettlementID, State: event.ToState, Event: &event})
}

func (sc scheduler) enqueue(tx pgx.Tx, job Job) error {
	t, err := active(tx)
	if err != nil {
		return err
	}
	sc.s.mu.Lock()
	err = sc.s.injected(OpJobInsert)
	sc.s.mu.Unlock()
	if err != nil {
		return err
	}
	t.pending = append(t.pending, job)
	return nil
}
