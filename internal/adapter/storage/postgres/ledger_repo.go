package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const entryColumns = `id, account_id, entry_type, posting_kind, amount, currency, direction, status,
	reference_id, settlement_id, reversal_of, metadata, created_at, settled_at`

// LedgerRepo implements ports.LedgerRepository.
type LedgerRepo struct {
	pool Pool
}

// NewLedgerRepo creates a new LedgerRepo.
func NewLedgerRepo(pool Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// Create inserts a new ledger entry within a database transaction.
func (r *LedgerRepo) Create(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	query := `INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := tx.Exec(ctx, query,
		e.ID, e.AccountID, e.Type, e.PostingKind, e.Amount, e.Currency, e.Direction, e.Status,
		e.ReferenceID, e.SettlementID, e.ReversalOf, e.Metadata, e.CreatedAt, e.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// GetByID fetches an entry by UUID.
func (r *LedgerRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`

	e, err := scanEntry(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// GetByIDForUpdate fetches an entry with pessimistic locking.
func (r *LedgerRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1 FOR UPDATE`

	e, err := scanEntry(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get ledger entry for update: %w", err)
	}
	return e, nil
}

// GetByReference finds the entry previously posted under (account, type, reference).
func (r *LedgerRepo) GetByReference(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, entryType domain.EntryType, referenceID string) (*domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries WHERE account_id = $1 AND entry_type = $2 AND reference_id = $3`

	e, err := scanEntry(tx.QueryRow(ctx, query, accountID, entryType, referenceID))
	if err != nil {
		return nil, fmt.Errorf("get ledger entry by reference: %w", err)
	}
	return e, nil
}

// ListBySettlement returns a settlement's entries in posting order.
func (r *LedgerRepo) ListBySettlement(ctx context.Context, settlementID uuid.UUID) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries WHERE settlement_id = $1 ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, settlementID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return collectEntries(rows)
}

// ListBySettlementForUpdate is ListBySettlement with row locks.
func (r *LedgerRepo) ListBySettlementForUpdate(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries WHERE settlement_id = $1 ORDER BY created_at, id FOR UPDATE`

	rows, err := tx.Query(ctx, query, settlementID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for update: %w", err)
	}
	return collectEntries(rows)
}

// MarkSettled moves a PENDING entry to SETTLED.
func (r *LedgerRepo) MarkSettled(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	query := `UPDATE ledger_entries SET status = 'SETTLED', settled_at = $1 WHERE id = $2 AND status = 'PENDING'`

	tag, err := tx.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("settle ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending ledger entry not found: %s", id)
	}
	return nil
}

// MarkReversed moves an entry to REVERSED.
func (r *LedgerRepo) MarkReversed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	query := `UPDATE ledger_entries SET status = 'REVERSED' WHERE id = $1 AND status <> 'REVERSED'`

	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("reverse ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reversible ledger entry not found: %s", id)
	}
	return nil
}

// SumSettled aggregates SETTLED entries whose settled_at falls in [from, to).
func (r *LedgerRepo) SumSettled(ctx context.Context, from, to time.Time) ([]domain.AccountReconciliation, error) {
	query := `SELECT account_id, currency,
		COALESCE(SUM(amount) FILTER (WHERE direction = 'CREDIT'), 0) AS credits,
		COALESCE(SUM(amount) FILTER (WHERE direction = 'DEBIT'), 0) AS debits,
		COUNT(*) AS entries
		FROM ledger_entries
		WHERE status = 'SETTLED' AND settled_at >= $1 AND settled_at < $2
		GROUP BY account_id, currency`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("sum settled entries: %w", err)
	}
	defer rows.Close()

	var lines []domain.AccountReconciliation
	for rows.Next() {
		l := domain.AccountReconciliation{}
		if err := rows.Scan(&l.AccountID, &l.Currency, &l.Credits, &l.Debits, &l.Entries); err != nil {
			return nil, fmt.Errorf("scan reconciliation row: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reconciliation rows: %w", err)
	}
	return lines, nil
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	e := &domain.LedgerEntry{}
	err := row.Scan(
		&e.ID, &e.AccountID, &e.Type, &e.PostingKind, &e.Amount, &e.Currency, &e.Direction, &e.Status,
		&e.ReferenceID, &e.SettlementID, &e.ReversalOf, &e.Metadata, &e.CreatedAt, &e.SettledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e := domain.LedgerEntry{}
		err := rows.Scan(
			&e.ID, &e.AccountID, &e.Type, &e.PostingKind, &e.Amount, &e.Currency, &e.Direction, &e.Status,
			&e.ReferenceID, &e.SettlementID, &e.ReversalOf, &e.Metadata, &e.CreatedAt, &e.SettledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entry rows: %w", err)
	}
	return entries, nil
}
