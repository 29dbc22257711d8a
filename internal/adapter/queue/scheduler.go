package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Inserter is the part of *river.Client[pgx.Tx] the scheduler needs.
type Inserter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

var errUnbound = errors.New("queue: scheduler has no river client")

// Scheduler implements ports.JobScheduler on River's transactional insert.
//
// The river client needs its workers at construction and the workers need
// the settlement service, which in turn needs a scheduler. Bind closes the
// loop once the client exists.
type Scheduler struct {
	mu       sync.RWMutex
	inserter Inserter
}

// NewScheduler returns a scheduler. inserter may be nil and bound later.
func NewScheduler(inserter Inserter) *Scheduler {
	return &Scheduler{inserter: inserter}
}

// Bind sets the inserter.
func (s *Scheduler) Bind(inserter Inserter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserter = inserter
}

func (s *Scheduler) insert(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
	s.mu.RLock()
	ins := s.inserter
	s.mu.RUnlock()
	if ins == nil {
		return errUnbound
	}
	if _, err := ins.InsertTx(ctx, tx, args, nil); err != nil {
		return fmt.Errorf("insert %s job: %w", args.Kind(), err)
	}
	return nil
}

func (s *Scheduler) ScheduleAdvance(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID, state domain.State) error {
	return s.insert(ctx, tx, AdvanceArgs{SettlementID: settlementID, State: state})
}

func (s *Scheduler) ScheduleReversal(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID, reason string) error {
	return s.insert(ctx, tx, ReversalArgs{SettlementID: settlementID, Reason: reason})
}

func (s *Scheduler) ScheduleNotification(ctx context.Context, tx pgx.Tx, event domain.SettlementEvent) error {
	return s.insert(ctx, tx, NotifyArgs{Event: event})
}
