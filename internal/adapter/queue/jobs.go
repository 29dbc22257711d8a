// Package queue runs the settlement outbox on River. Jobs are inserted inside
// the engine's transactions and picked up by workers after commit.
package queue

import (
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// Job kinds.
const (
	KindAdvance    = "advance_settlement"
	KindReversal   = "reverse_settlement"
	KindNotify     = "notify_settlement"
	KindStaleSweep = "sweep_stale_settlements"
)

// AdvanceArgs asks a rail to perform the step owed by State.
type AdvanceArgs struct {
	SettlementID uuid.UUID    `json:"settlement_id"`
	State        domain.State `json:"state"`
}

func (AdvanceArgs) Kind() string { return KindAdvance }

// InsertOpts deduplicates advance jobs for the same (settlement, state).
func (AdvanceArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// ReversalArgs moves a failed settlement to REVERSED once compensation is done.
type ReversalArgs struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	Reason       string    `json:"reason,omitempty"`
}

func (ReversalArgs) Kind() string { return KindReversal }

func (ReversalArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// NotifyArgs carries one committed transition to the notification sink.
type NotifyArgs struct {
	Event domain.SettlementEvent `json:"event"`
}

func (NotifyArgs) Kind() string { return KindNotify }

func (NotifyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// StaleSweepArgs triggers one pass of the stale-settlement sweeper.
type StaleSweepArgs struct{}

func (StaleSweepArgs) Kind() string { return KindStaleSweep }

func (StaleSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Minute},
	}
}
