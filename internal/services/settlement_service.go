package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/streamtip/backend/internal/audit"
	"github.com/streamtip/backend/internal/metrics"
	"github.com/streamtip/backend/internal/models"
)

const defaultLockTimeout = 5 * time.Second

// SettlementResult is what settle() hands back to callers.
type SettlementResult struct {
	Status    string               `json:"status"`
	Duplicate bool                 `json:"duplicate"`
	Event     *models.DistributionEvent `json:"event"`
	Entries   []models.LedgerEntry `json:"entries"`
}

// SettlementService is the distribution orchestrator: it consumes one
// DistributionEvent, splits it, and atomically mutates the account store
// and the ledger for every participant. An event settles exactly once
// per external_ref; on any failure the whole event rolls back with no
// partial credits.
type SettlementService struct {
	db          *sql.DB
	accounts    *AccountService
	ledger      *LedgerService
	locker      *AccountLocker
	dispatcher  *Dispatcher
	audit       *audit.AuditLogger
	lockTimeout time.Duration
}

func NewSettlementService(db *sql.DB, redisClient *redis.Client) *SettlementService {
	return &SettlementService{
		db:          db,
		accounts:    NewAccountService(db, redisClient),
		ledger:      NewLedgerService(db),
		locker:      NewAccountLocker(),
		audit:       audit.NewAuditLogger(),
		lockTimeout: defaultLockTimeout,
	}
}

// SetDispatcher wires the post-commit side-effect queue. Optional; the
// orchestrator settles correctly without consumers.
func (s *SettlementService) SetDispatcher(d *Dispatcher) {
	s.dispatcher = d
}

// Accounts exposes the account store read side.
func (s *SettlementService) Accounts() *AccountService { return s.accounts }

// Ledger exposes the ledger read side.
func (s *SettlementService) Ledger() *LedgerService { return s.ledger }

// Settle runs the full settlement state machine for one event:
// idempotency check, split computation, atomic debit/credit with ledger
// appends, then asynchronous hand-off to the side-effect consumers.
// The split configuration is evaluated here, at settlement time, so a
// session whose guest set changed since the request was validated is
// re-validated against current percentages.
func (s *SettlementService) Settle(ctx context.Context, event *models.DistributionEvent, cfg SplitConfiguration) (*SettlementResult, error) {
	started := time.Now()
	defer func() {
		metrics.SettlementDuration.Observe(time.Since(started).Seconds())
	}()

	if event.GrossAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if event.ExternalRef == "" {
		return nil, fmt.Errorf("%w: external ref required", ErrInvalidAmount)
	}

	// Idempotency: a prior ledger entry under this external ref means the
	// event already settled; return the prior result unchanged.
	if prior, err := s.priorResult(ctx, event.ExternalRef); err != nil {
		return nil, err
	} else if prior != nil {
		log.Printf("[SETTLEMENT] Duplicate settlement for ref %s, returning prior result", event.ExternalRef)
		return prior, nil
	}

	var recipients []models.SplitRecipient
	if event.SourceType != models.SourceWithdrawal {
		var err error
		recipients, err = ComputeSplit(event.GrossAmount, cfg)
		if err != nil {
			return nil, err
		}
	}

	debitsSender := sourceDebitsSender(event.SourceType)
	if debitsSender && len(recipients) == 1 && recipients[0].RecipientID == event.SenderID {
		return nil, ErrSelfTipNotAllowed
	}

	// Serialize on every touched account before opening the transaction.
	ids := participantIDs(event, recipients, debitsSender)
	release, err := s.locker.LockAll(ctx, ids, s.lockTimeout)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(event.SourceType, "timeout").Inc()
		return nil, err
	}
	defer release()

	// Re-check under the locks: a concurrent attempt for the same ref may
	// have committed while this call was queued on them. The locker
	// serializes settlements over the same accounts, so this read is
	// reliable in a way the pre-lock one is not.
	if prior, err := s.priorResult(ctx, event.ExternalRef); err != nil {
		return nil, err
	} else if prior != nil {
		log.Printf("[SETTLEMENT] Ref %s settled while waiting for locks, returning prior result", event.ExternalRef)
		return prior, nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Status = models.EventStatusPending
	event.CreatedAt = time.Now()

	entries, err := s.settleTx(ctx, event, recipients, debitsSender)
	if err != nil {
		s.markFailed(event, err)
		metrics.SettlementsTotal.WithLabelValues(event.SourceType, "failed").Inc()
		return nil, err
	}

	now := time.Now()
	event.Status = models.EventStatusSettled
	event.SettledAt = &now

	metrics.SettlementsTotal.WithLabelValues(event.SourceType, "settled").Inc()
	metrics.TokensDistributedTotal.WithLabelValues(event.SourceType).Add(float64(event.GrossAmount))

	amounts := make(map[string]int64, len(recipients))
	for _, r := range recipients {
		amounts[r.RecipientID] = r.Amount
	}
	s.audit.LogSettlement(event.ID, event.ExternalRef, event.SenderID, event.GrossAmount, amounts)
	s.accounts.InvalidateBalances(ctx, ids...)

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(event, entries)
	}

	return &SettlementResult{Status: models.EventStatusSettled, Event: event, Entries: entries}, nil
}

// settleTx performs every mutation for one event inside a single
// database transaction: either all balance updates and ledger appends
// commit, or none do.
func (s *SettlementService) settleTx(ctx context.Context, event *models.DistributionEvent, recipients []models.SplitRecipient, debitsSender bool) ([]models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.insertEvent(tx, event, models.EventStatusPending); err != nil {
		return nil, err
	}

	// Row locks in ascending id order, matching the in-process locks.
	ids := participantIDs(event, recipients, debitsSender)
	accounts := make(map[string]*models.Account, len(ids))
	for _, id := range ids {
		account, err := s.accounts.lockAccountTx(tx, id)
		if err != nil {
			return nil, err
		}
		accounts[id] = account
	}

	entries := make([]models.LedgerEntry, 0, len(recipients)+1)

	if debitsSender {
		sender := accounts[event.SenderID]
		before := sender.Balance
		after, err := s.accounts.adjustTx(tx, sender, -event.GrossAmount, 0, debitCounterFor(event.SourceType))
		if err != nil {
			return nil, err
		}
		entry := models.LedgerEntry{
			EventID:       event.ID,
			AccountID:     event.SenderID,
			Kind:          debitKindFor(event.SourceType),
			Amount:        -event.GrossAmount,
			BalanceBefore: before,
			BalanceAfter:  after,
			ExternalRef:   event.ExternalRef,
			Metadata:      models.Metadata{"session_ref": event.SessionRef},
		}
		if err := s.ledger.appendTx(tx, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	// Credits in deterministic order: primary first, then ascending id.
	// The calculator already emits recipients in that order.
	for _, r := range recipients {
		if r.Amount == 0 {
			continue
		}
		account := accounts[r.RecipientID]
		before := account.Balance
		after, err := s.accounts.adjustTx(tx, account, r.Amount, 0, counterEarned)
		if err != nil {
			return nil, err
		}
		entry := models.LedgerEntry{
			EventID:       event.ID,
			AccountID:     r.RecipientID,
			Kind:          creditKindFor(event.SourceType, r.Primary),
			Amount:        r.Amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			ExternalRef:   event.ExternalRef,
			Metadata:      models.Metadata{"role": r.Role, "percentage": r.Percentage},
		}
		if err := s.ledger.appendTx(tx, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if _, err := tx.Exec(`UPDATE distribution_events SET status = $1, settled_at = NOW() WHERE id = $2`,
		models.EventStatusSettled, event.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Refund reverses a settled event with compensating entries. Idempotent
// under "refund:<originalRef>"; the original entries stay untouched.
func (s *SettlementService) Refund(ctx context.Context, originalRef, reason string) (*SettlementResult, error) {
	refundRef := "refund:" + originalRef

	if prior, err := s.priorResult(ctx, refundRef); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	first, err := s.ledger.FindByExternalRef(ctx, originalRef)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, fmt.Errorf("%w: no settled event for ref %s", ErrAccountNotFound, originalRef)
	}
	original, err := s.getEvent(ctx, first.EventID)
	if err != nil {
		return nil, err
	}
	originalEntries, err := s.ledger.ListByEvent(ctx, original.ID)
	if err != nil {
		return nil, err
	}

	event := &models.DistributionEvent{
		ID:          uuid.NewString(),
		ExternalRef: refundRef,
		SourceType:  models.SourceRefund,
		SenderID:    original.SenderID,
		GrossAmount: original.GrossAmount,
		SessionRef:  original.SessionRef,
		Status:      models.EventStatusPending,
		CreatedAt:   time.Now(),
	}

	ids := make([]string, 0, len(originalEntries))
	for _, e := range originalEntries {
		ids = append(ids, e.AccountID)
	}
	release, err := s.locker.LockAll(ctx, ids, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	// Same re-check as Settle: a concurrent refund of this event may have
	// committed while this call waited on the account locks.
	if prior, err := s.priorResult(ctx, refundRef); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	entries, err := s.refundTx(ctx, event, originalEntries, reason)
	if err != nil {
		s.markFailed(event, err)
		metrics.SettlementsTotal.WithLabelValues(models.SourceRefund, "failed").Inc()
		return nil, err
	}

	now := time.Now()
	event.Status = models.EventStatusSettled
	event.SettledAt = &now
	metrics.SettlementsTotal.WithLabelValues(models.SourceRefund, "settled").Inc()
	s.audit.LogOperation(event.ID, original.SenderID, "REFUND", fmt.Sprintf("Reversed event %s: %s", original.ID, reason))
	s.accounts.InvalidateBalances(ctx, ids...)

	return &SettlementResult{Status: models.EventStatusSettled, Event: event, Entries: entries}, nil
}

func (s *SettlementService) refundTx(ctx context.Context, event *models.DistributionEvent, originalEntries []models.LedgerEntry, reason string) ([]models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.insertEvent(tx, event, models.EventStatusPending); err != nil {
		return nil, err
	}

	// Reverse entries grouped per account, locked in ascending order.
	reversals := make(map[string]int64, len(originalEntries))
	ids := make([]string, 0, len(originalEntries))
	for _, e := range originalEntries {
		if _, seen := reversals[e.AccountID]; !seen {
			ids = append(ids, e.AccountID)
		}
		reversals[e.AccountID] -= e.Amount
	}
	sort.Strings(ids)

	entries := make([]models.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		delta := reversals[id]
		if delta == 0 {
			continue
		}
		account, err := s.accounts.lockAccountTx(tx, id)
		if err != nil {
			return nil, err
		}
		before := account.Balance
		after, err := s.accounts.adjustTx(tx, account, delta, 0, counterNone)
		if err != nil {
			return nil, err
		}
		entry := models.LedgerEntry{
			EventID:       event.ID,
			AccountID:     id,
			Kind:          models.EntryKindRefund,
			Amount:        delta,
			BalanceBefore: before,
			BalanceAfter:  after,
			ExternalRef:   event.ExternalRef,
			Metadata:      models.Metadata{"reason": reason},
		}
		if err := s.ledger.appendTx(tx, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if _, err := tx.Exec(`UPDATE distribution_events SET status = $1, settled_at = NOW() WHERE id = $2`,
		models.EventStatusSettled, event.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// priorResult loads the result of an already-settled event, if any.
func (s *SettlementService) priorResult(ctx context.Context, externalRef string) (*SettlementResult, error) {
	prior, err := s.ledger.FindByExternalRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}
	event, err := s.getEvent(ctx, prior.EventID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.ListByEvent(ctx, prior.EventID)
	if err != nil {
		return nil, err
	}
	return &SettlementResult{Status: event.Status, Duplicate: true, Event: event, Entries: entries}, nil
}

func (s *SettlementService) getEvent(ctx context.Context, eventID string) (*models.DistributionEvent, error) {
	var e models.DistributionEvent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, external_ref, source_type, COALESCE(sender_id, ''), gross_amount, COALESCE(session_ref, ''), status, created_at, settled_at
		FROM distribution_events WHERE id = $1`, eventID).
		Scan(&e.ID, &e.ExternalRef, &e.SourceType, &e.SenderID, &e.GrossAmount,
			&e.SessionRef, &e.Status, &e.CreatedAt, &e.SettledAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SettlementService) insertEvent(tx *sql.Tx, event *models.DistributionEvent, status string) error {
	_, err := tx.Exec(`
		INSERT INTO distribution_events (id, external_ref, source_type, sender_id, gross_amount, session_ref, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8)`,
		event.ID, event.ExternalRef, event.SourceType, event.SenderID,
		event.GrossAmount, event.SessionRef, status, event.CreatedAt)
	return err
}

// markFailed records the aborted event for the audit trail. The
// settlement transaction itself has already rolled back, so balances
// and the ledger are untouched.
func (s *SettlementService) markFailed(event *models.DistributionEvent, cause error) {
	event.Status = models.EventStatusFailed
	s.audit.LogError(event.ID, event.SenderID, cause)
	_, err := s.db.Exec(`
		INSERT INTO distribution_events (id, external_ref, source_type, sender_id, gross_amount, session_ref, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		event.ID, event.ExternalRef, event.SourceType, event.SenderID,
		event.GrossAmount, event.SessionRef, models.EventStatusFailed, event.CreatedAt)
	if err != nil {
		log.Printf("[SETTLEMENT] Failed to record failed event %s: %v", event.ID, err)
	}
}

// participantIDs returns every account an event touches, sorted
// ascending and deduplicated.
func participantIDs(event *models.DistributionEvent, recipients []models.SplitRecipient, debitsSender bool) []string {
	ids := make([]string, 0, len(recipients)+1)
	seen := make(map[string]bool, len(recipients)+1)
	if debitsSender && event.SenderID != "" {
		ids = append(ids, event.SenderID)
		seen[event.SenderID] = true
	}
	for _, r := range recipients {
		if !seen[r.RecipientID] {
			seen[r.RecipientID] = true
			ids = append(ids, r.RecipientID)
		}
	}
	sort.Strings(ids)
	return ids
}

// sourceDebitsSender reports whether the event's payer is debited.
// Purchases are credit-only: the payment collaborator already captured
// the funds upstream.
func sourceDebitsSender(sourceType string) bool {
	switch sourceType {
	case models.SourcePurchase:
		return false
	default:
		return true
	}
}

func debitKindFor(sourceType string) string {
	if sourceType == models.SourceWithdrawal {
		return models.EntryKindWithdraw
	}
	return models.EntryKindTipSend
}

func debitCounterFor(sourceType string) string {
	if sourceType == models.SourceWithdrawal {
		return counterSpent
	}
	return counterSent
}

func creditKindFor(sourceType string, primary bool) string {
	switch sourceType {
	case models.SourcePurchase:
		return models.EntryKindPurchase
	case models.SourceCharityRevenue:
		return models.EntryKindSplitPayout
	case models.SourceSessionSplit:
		if primary {
			return models.EntryKindTipReceive
		}
		return models.EntryKindSplitPayout
	default:
		return models.EntryKindTipReceive
	}
}
