package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamtip/backend/internal/models"
)

// LedgerService is the append-only transaction ledger. Entries are
// write-once; corrections happen through new compensating entries, never
// in-place edits.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// appendTx writes one entry inside the settlement transaction. The
// balance chain is enforced here: balance_after must equal
// balance_before + amount or the whole enclosing operation aborts.
func (s *LedgerService) appendTx(tx *sql.Tx, entry *models.LedgerEntry) error {
	if entry.BalanceAfter != entry.BalanceBefore+entry.Amount {
		return fmt.Errorf("%w: account %s entry %s: %d + %d != %d",
			ErrLedgerInvariantViolation, entry.AccountID, entry.Kind,
			entry.BalanceBefore, entry.Amount, entry.BalanceAfter)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Status = models.EntryStatusCompleted
	entry.CreatedAt = time.Now()

	_, err := tx.Exec(`
		INSERT INTO ledger_entries (id, event_id, account_id, kind, amount, balance_before, balance_after, external_ref, metadata, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)`,
		entry.ID, entry.EventID, entry.AccountID, entry.Kind, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.ExternalRef,
		entry.Metadata, entry.Status, entry.CreatedAt)
	return err
}

// FindByExternalRef supports the idempotency check: a prior entry under
// the same upstream reference means the event already settled. Returns
// nil without error when no entry exists.
func (s *LedgerService) FindByExternalRef(ctx context.Context, externalRef string) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, account_id, kind, amount, balance_before, balance_after, COALESCE(external_ref, ''), metadata, status, created_at
		FROM ledger_entries
		WHERE external_ref = $1
		ORDER BY created_at ASC
		LIMIT 1`, externalRef)

	entry, err := scanLedgerEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListByEvent returns every entry written for one distribution event,
// in creation order.
func (s *LedgerService) ListByEvent(ctx context.Context, eventID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, account_id, kind, amount, balance_before, balance_after, COALESCE(external_ref, ''), metadata, status, created_at
		FROM ledger_entries
		WHERE event_id = $1
		ORDER BY created_at ASC, id ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

// ListByUser pages through one account's ledger, newest first, for
// read-side display.
func (s *LedgerService) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, account_id, kind, amount, balance_before, balance_after, COALESCE(external_ref, ''), metadata, status, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

// ReplayBalance reconstructs an account's balance by walking its entries
// in creation order, verifying the chain as it goes. The result must
// match the account row exactly; a broken chain is a reconciliation
// incident, not a user error.
func (s *LedgerService) ReplayBalance(ctx context.Context, userID string) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount, balance_before, balance_after
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var balance int64
	for rows.Next() {
		var amount, before, after int64
		if err := rows.Scan(&amount, &before, &after); err != nil {
			return 0, err
		}
		if before != balance || after != before+amount {
			return 0, fmt.Errorf("%w: account %s chain broken at balance %d",
				ErrLedgerInvariantViolation, userID, balance)
		}
		balance = after
	}
	return balance, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(row rowScanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.EventID, &e.AccountID, &e.Kind, &e.Amount,
		&e.BalanceBefore, &e.BalanceAfter, &e.ExternalRef, &e.Metadata, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanLedgerEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
