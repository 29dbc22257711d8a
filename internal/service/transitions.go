package service

import (
	"context"
	"fmt"

	"settlement-engine/internal/core/domain"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// transitionGuard runs against the locked settlement before the edge check and
// may adjust fields that are persisted with the transition.
type transitionGuard func(st *domain.Settlement) error

func (s *SettlementServiceImpl) transitionWith(
	ctx context.Context,
	id uuid.UUID,
	target domain.State,
	meta domain.TransitionMetadata,
	guard transitionGuard,
) (*domain.Settlement, error) {
	if !target.IsValid() {
		return nil, apperror.Validation(fmt.Sprintf("unknown target state %q", target))
	}
	if meta.IdempotencyKey() == "" {
		return nil, apperror.Validation("metadata.idempotency_key is required")
	}

	var (
		result  *domain.Settlement
		from    domain.State
		applied bool
	)
	err := s.retry().run(ctx, "settlement.transition", s.metrics, s.log, func(ctx context.Context) error {
		var err error
		result, from, applied, err = s.transition(ctx, id, target, meta, guard)
		return err
	})
	if err != nil {
		if apperror.HasCode(err, apperror.CodeInvalidTransition) {
			s.log.Warn().Err(err).Str("settlement_id", id.String()).Str("target", string(target)).Msg("rejected out-of-order transition")
		}
		return nil, err
	}

	if !applied {
		s.log.Debug().
			Str("settlement_id", id.String()).
			Str("target", string(target)).
			Str("idempotency_key", meta.IdempotencyKey()).
			Msg("duplicate transition ignored")
		return result, nil
	}

	s.metrics.ObserveTransition(from, target)
	s.log.Info().
		Str("settlement_id", id.String()).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("idempotency_key", meta.IdempotencyKey()).
		Msg("settlement transitioned")
	return result, nil
}

// transition executes one attempt of a state change inside a single transaction:
// lock, idempotency check, edge check, side effect, state update, history, outbox.
func (s *SettlementServiceImpl) transition(
	ctx context.Context,
	id uuid.UUID,
	target domain.State,
	meta domain.TransitionMetadata,
	guard transitionGuard,
) (*domain.Settlement, domain.State, bool, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, "", false, storageError("begin tx", err)
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	st, err := s.lock(ctx, dbTx, id)
	if err != nil {
		return nil, "", false, err
	}

	// INITIATED is only ever the creation row; replaying it is not a no-op.
	if target == domain.StateInitiated {
		return nil, "", false, apperror.ErrInvalidTransition(string(st.CurrentState), string(target))
	}

	seen, err := s.history.HasState(ctx, dbTx, id, target)
	if err != nil {
		return nil, "", false, storageError("check history", err)
	}
	if seen {
		return st, st.CurrentState, false, nil
	}

	if guard != nil {
		if err := guard(st); err != nil {
			return nil, "", false, err
		}
	}

	from := st.CurrentState
	if !from.CanTransitionTo(target) {
		return nil, "", false, apperror.ErrInvalidTransition(string(from), string(target))
	}
	if from == domain.StateInitiated && target != domain.StateFailed && st.ComplianceStatus != domain.ComplianceApproved {
		return nil, "", false, apperror.ErrComplianceReview()
	}

	if err := s.enterState(ctx, dbTx, st, target, meta); err != nil {
		return nil, "", false, fmt.Errorf("enter %s: %w", target, err)
	}

	now := s.now()
	reason := meta.Reason()
	if target == domain.StateFailed && reason == "" {
		reason = "UNSPECIFIED"
	}
	st.Apply(target, reason, now)

	if err := s.settlements.Update(ctx, dbTx, st); err != nil {
		return nil, "", false, storageError("update settlement", err)
	}
	err = s.history.Append(ctx, dbTx, &domain.StateHistory{
		ID:             uuid.New(),
		SettlementID:   id,
		FromState:      &from,
		ToState:        target,
		Reason:         reason,
		IdempotencyKey: meta.IdempotencyKey(),
		Metadata:       copyMeta(meta),
		CreatedAt:      now,
	})
	if err != nil {
		return nil, "", false, storageError("append history", err)
	}

	if target.AutoAdvance() {
		if err := s.scheduler.ScheduleAdvance(ctx, dbTx, id, target); err != nil {
			return nil, "", false, storageError("schedule next step", err)
		}
	}
	if err := s.scheduler.ScheduleNotification(ctx, dbTx, domain.NewSettlementEvent(st, from, now)); err != nil {
		return nil, "", false, storageError("schedule notification", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, "", false, storageError("commit tx", err)
	}
	return st, from, true, nil
}

// enterState runs the ledger side effect of entering target, inside tx.
func (s *SettlementServiceImpl) enterState(ctx context.Context, tx pgx.Tx, st *domain.Settlement, target domain.State, meta domain.TransitionMetadata) error {
	switch target {
	case domain.StateFiatReceived:
		amount, err := meta.AmountOr(st.SourceAmount)
		if err != nil {
			return apperror.Validation("metadata.amount is not a decimal")
		}
		_, err = s.ledger.PostTx(ctx, tx, domain.PostingParams{
			UserID:       st.UserID,
			AccountKind:  domain.AccountKindFiat,
			Currency:     st.SourceCurrency,
			Provider:     st.Provider,
			Direction:    domain.DirectionCredit,
			PostingKind:  domain.PostingDeposit,
			Type:         domain.EntryTypeFiatDeposit,
			Amount:       amount,
			ReferenceID:  meta.IdempotencyKey(),
			SettlementID: &st.ID,
			Metadata:     entryMeta(meta),
		})
		return err

	case domain.StateFiatConfirmed:
		return s.settleEntries(ctx, tx, st.ID, domain.EntryTypeFiatDeposit)

	case domain.StateTokenMinted:
		txHash := meta[domain.MetaTxHash]
		if txHash == "" {
			return apperror.Validation("metadata.tx_hash is required for TOKEN_MINTED")
		}
		amount, err := meta.AmountOr(st.TargetAmount)
		if err != nil {
			return apperror.Validation("metadata.amount is not a decimal")
		}
		_, err = s.ledger.PostTx(ctx, tx, domain.PostingParams{
			UserID:       st.UserID,
			AccountKind:  domain.AccountKindToken,
			Currency:     st.TargetCurrency,
			Provider:     st.Provider,
			Direction:    domain.DirectionCredit,
			PostingKind:  domain.PostingDeposit,
			Type:         domain.EntryTypeTokenMint,
			Amount:       amount,
			ReferenceID:  mintReference(txHash, st.ID),
			SettlementID: &st.ID,
			Metadata:     entryMeta(meta),
		})
		return err

	case domain.StateTokenDelivered:
		return s.settleEntries(ctx, tx, st.ID, domain.EntryTypeTokenMint)

	case domain.StateTokenLocked:
		_, err := s.ledger.PostTx(ctx, tx, domain.PostingParams{
			UserID:       st.UserID,
			AccountKind:  domain.AccountKindToken,
			Currency:     st.SourceCurrency,
			Provider:     st.Provider,
			Direction:    domain.DirectionDebit,
			PostingKind:  domain.PostingHold,
			Type:         domain.EntryTypeTokenLock,
			Amount:       st.SourceAmount,
			ReferenceID:  meta.IdempotencyKey(),
			SettlementID: &st.ID,
			Metadata:     entryMeta(meta),
		})
		return err

	case domain.StateTokenBurned:
		// Capturing the lock clears pending; the burn hash stays in the history metadata.
		return s.settleEntries(ctx, tx, st.ID, domain.EntryTypeTokenLock)

	case domain.StateFiatRequested, domain.StateFiatSent, domain.StateSettled, domain.StateConfirmed:
		return nil

	case domain.StateFailed:
		return s.unwindFailed(ctx, tx, st, meta)

	case domain.StateReversed:
		return s.reverseAll(ctx, tx, st, meta)

	case domain.StateInitiated:
		return apperror.InternalError(fmt.Errorf("state %s cannot be entered", target))
	}
	return apperror.InternalError(fmt.Errorf("no side effect defined for %s", target))
}

func (s *SettlementServiceImpl) settleEntries(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID, entryType domain.EntryType) error {
	entries, err := s.ledger.EntriesForSettlementTx(ctx, tx, settlementID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type != entryType || e.Status != domain.EntryStatusPending {
			continue
		}
		if _, err := s.ledger.SettleTx(ctx, tx, e.ID); err != nil {
			return err
		}
	}
	return nil
}

// unwindFailed releases held tokens in the same transaction and queues a
// compensating reversal when credited funds remain on the user's accounts.
func (s *SettlementServiceImpl) unwindFailed(ctx context.Context, tx pgx.Tx, st *domain.Settlement, meta domain.TransitionMetadata) error {
	entries, err := s.ledger.EntriesForSettlementTx(ctx, tx, st.ID)
	if err != nil {
		return err
	}

	needsReversal := false
	for _, e := range entries {
		switch {
		case e.Type == domain.EntryTypeTokenLock && e.Status == domain.EntryStatusPending:
			if _, err := s.ledger.ReverseTx(ctx, tx, e.ID, "settlement failed: "+meta.Reason()); err != nil {
				return err
			}
		case e.IsLive():
			needsReversal = true
		}
	}

	if needsReversal {
		if err := s.scheduler.ScheduleReversal(ctx, tx, st.ID, meta.Reason()); err != nil {
			return storageError("schedule reversal", err)
		}
	}
	return nil
}

func (s *SettlementServiceImpl) reverseAll(ctx context.Context, tx pgx.Tx, st *domain.Settlement, meta domain.TransitionMetadata) error {
	entries, err := s.ledger.EntriesForSettlementTx(ctx, tx, st.ID)
	if err != nil {
		return err
	}

	reason := meta.Reason()
	if reason == "" {
		reason = "settlement reversed"
	}
	for _, e := range entries {
		if !e.IsLive() {
			continue
		}
		if _, err := s.ledger.ReverseTx(ctx, tx, e.ID, reason); err != nil {
			return err
		}
	}
	return nil
}

func copyMeta(meta domain.TransitionMetadata) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// entryMeta keeps the provider references worth carrying onto ledger entries.
// mintReference scopes a mint hash to one settlement: a batch mint credits
// several settlements of the same user under one hash.
func mintReference(txHash string, settlementID uuid.UUID) string {
	return txHash + ":" + settlementID.String()
}

func entryMeta(meta domain.TransitionMetadata) map[string]string {
	out := map[string]string{}
	for _, k := range []string{domain.MetaIdempotencyKey, domain.MetaTxHash, domain.MetaProviderRef} {
		if v := meta[k]; v != "" {
			out[k] = v
		}
	}
	return out
}
