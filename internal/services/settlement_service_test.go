package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/streamtip/backend/internal/models"
)

func newTestSettlementService(t *testing.T) (*SettlementService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	return NewSettlementService(db, nil), mock, func() { db.Close() }
}

func expectNoPriorSettlement(mock sqlmock.Sqlmock, externalRef string) {
	mock.ExpectQuery("FROM ledger_entries WHERE external_ref = \\$1").
		WithArgs(externalRef).
		WillReturnRows(sqlmock.NewRows(ledgerColumns))
}

func accountLockRows(userID string, balance int64, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "balance", "total_sent", "total_earned", "total_spent", "experience", "level", "version"}).
		AddRow(userID, balance, 0, 0, 0, 0, 1, version)
}

func TestSettlementService_Settle(t *testing.T) {
	t.Run("direct tip settles atomically", func(t *testing.T) {
		service, mock, closeDB := newTestSettlementService(t)
		defer closeDB()

		expectNoPriorSettlement(mock, "tip-1")
		expectNoPriorSettlement(mock, "tip-1") // re-checked under the account locks
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO distribution_events").
			WithArgs(sqlmock.AnyArg(), "tip-1", models.SourceDirectTip, "alice", int64(1000), "", models.EventStatusPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Row locks in ascending account-id order.
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(accountLockRows("alice", 5000, 3))
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("bob").
			WillReturnRows(accountLockRows("bob", 2000, 1))

		// Sender debit plus paired ledger entry.
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, total_sent = total_sent \\+ \\$2").
			WithArgs(int64(4000), int64(1000), sqlmock.AnyArg(), "alice", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "alice", models.EntryKindTipSend, int64(-1000),
				int64(5000), int64(4000), "tip-1", sqlmock.AnyArg(), models.EntryStatusCompleted, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Recipient credit.
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, total_earned = total_earned \\+ \\$2").
			WithArgs(int64(3000), int64(1000), sqlmock.AnyArg(), "bob", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "bob", models.EntryKindTipReceive, int64(1000),
				int64(2000), int64(3000), "tip-1", sqlmock.AnyArg(), models.EntryStatusCompleted, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE distribution_events SET status = \\$1, settled_at = NOW\\(\\)").
			WithArgs(models.EventStatusSettled, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		event := &models.DistributionEvent{
			ExternalRef: "tip-1",
			SourceType:  models.SourceDirectTip,
			SenderID:    "alice",
			GrossAmount: 1000,
		}
		result, err := service.Settle(context.Background(), event, DirectTip{StreamerID: "bob"})
		assert.NoError(t, err)
		assert.Equal(t, models.EventStatusSettled, result.Status)
		assert.False(t, result.Duplicate)
		assert.Len(t, result.Entries, 2)
		assert.Equal(t, int64(-1000), result.Entries[0].Amount)
		assert.Equal(t, int64(1000), result.Entries[1].Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds rolls back whole event", func(t *testing.T) {
		service, mock, closeDB := newTestSettlementService(t)
		defer closeDB()

		expectNoPriorSettlement(mock, "tip-2")
		expectNoPriorSettlement(mock, "tip-2")
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO distribution_events").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(accountLockRows("alice", 500, 1))
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("bob").
			WillReturnRows(accountLockRows("bob", 2000, 1))
		mock.ExpectRollback()

		// The aborted event is recorded for the audit trail.
		mock.ExpectExec("INSERT INTO distribution_events").
			WillReturnResult(sqlmock.NewResult(1, 1))

		event := &models.DistributionEvent{
			ExternalRef: "tip-2",
			SourceType:  models.SourceDirectTip,
			SenderID:    "alice",
			GrossAmount: 1000,
		}
		_, err := service.Settle(context.Background(), event, DirectTip{StreamerID: "bob"})
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Equal(t, models.EventStatusFailed, event.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate external ref returns prior result", func(t *testing.T) {
		service, mock, closeDB := newTestSettlementService(t)
		defer closeDB()

		now := time.Now()
		mock.ExpectQuery("FROM ledger_entries WHERE external_ref = \\$1").
			WithArgs("tip-3").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry1", "event9", "alice", models.EntryKindTipSend, -1000, 5000, 4000, "tip-3", []byte(`{}`), models.EntryStatusCompleted, now))
		mock.ExpectQuery("FROM distribution_events WHERE id = \\$1").
			WithArgs("event9").
			WillReturnRows(sqlmock.NewRows([]string{"id", "external_ref", "source_type", "sender_id", "gross_amount", "session_ref", "status", "created_at", "settled_at"}).
				AddRow("event9", "tip-3", models.SourceDirectTip, "alice", 1000, "", models.EventStatusSettled, now, now))
		mock.ExpectQuery("FROM ledger_entries WHERE event_id = \\$1").
			WithArgs("event9").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry1", "event9", "alice", models.EntryKindTipSend, -1000, 5000, 4000, "tip-3", []byte(`{}`), models.EntryStatusCompleted, now).
				AddRow("entry2", "event9", "bob", models.EntryKindTipReceive, 1000, 2000, 3000, "tip-3", []byte(`{}`), models.EntryStatusCompleted, now))

		event := &models.DistributionEvent{
			ExternalRef: "tip-3",
			SourceType:  models.SourceDirectTip,
			SenderID:    "alice",
			GrossAmount: 1000,
		}
		result, err := service.Settle(context.Background(), event, DirectTip{StreamerID: "bob"})
		assert.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, models.EventStatusSettled, result.Status)
		assert.Len(t, result.Entries, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self tip rejected", func(t *testing.T) {
		service, mock, closeDB := newTestSettlementService(t)
		defer closeDB()

		expectNoPriorSettlement(mock, "tip-4")

		event := &models.DistributionEvent{
			ExternalRef: "tip-4",
			SourceType:  models.SourceDirectTip,
			SenderID:    "alice",
			GrossAmount: 1000,
		}
		_, err := service.Settle(context.Background(), event, DirectTip{StreamerID: "alice"})
		assert.ErrorIs(t, err, ErrSelfTipNotAllowed)
	})

	t.Run("non-positive gross rejected before any IO", func(t *testing.T) {
		service, _, closeDB := newTestSettlementService(t)
		defer closeDB()

		event := &models.DistributionEvent{ExternalRef: "tip-5", SourceType: models.SourceDirectTip, SenderID: "alice"}
		_, err := service.Settle(context.Background(), event, DirectTip{StreamerID: "bob"})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("missing external ref rejected", func(t *testing.T) {
		service, _, closeDB := newTestSettlementService(t)
		defer closeDB()

		event := &models.DistributionEvent{SourceType: models.SourceDirectTip, SenderID: "alice", GrossAmount: 100}
		_, err := service.Settle(context.Background(), event, DirectTip{StreamerID: "bob"})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("withdrawal debits without recipients", func(t *testing.T) {
		service, mock, closeDB := newTestSettlementService(t)
		defer closeDB()

		expectNoPriorSettlement(mock, "wd-1")
		expectNoPriorSettlement(mock, "wd-1")
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO distribution_events").
			WithArgs(sqlmock.AnyArg(), "wd-1", models.SourceWithdrawal, "alice", int64(400), "", models.EventStatusPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(accountLockRows("alice", 1000, 2))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, total_spent = total_spent \\+ \\$2").
			WithArgs(int64(600), int64(400), sqlmock.AnyArg(), "alice", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "alice", models.EntryKindWithdraw, int64(-400),
				int64(1000), int64(600), "wd-1", sqlmock.AnyArg(), models.EntryStatusCompleted, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE distribution_events SET status = \\$1").
			WithArgs(models.EventStatusSettled, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		event := &models.DistributionEvent{
			ExternalRef: "wd-1",
			SourceType:  models.SourceWithdrawal,
			SenderID:    "alice",
			GrossAmount: 400,
		}
		result, err := service.Settle(context.Background(), event, nil)
		assert.NoError(t, err)
		assert.Len(t, result.Entries, 1)
		assert.Equal(t, models.EntryKindWithdraw, result.Entries[0].Kind)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettlementService_ConcurrentDuplicate(t *testing.T) {
	t.Run("ref settled while waiting on locks is not settled twice", func(t *testing.T) {
		service, mock, closeDB := newTestSettlementService(t)
		defer closeDB()

		now := time.Now()

		// Pre-lock check sees nothing: the first attempt has not committed yet.
		expectNoPriorSettlement(mock, "tip-1")

		// By the time the locks are granted the first attempt has committed,
		// so the re-check under the locks finds it. No transaction may open.
		mock.ExpectQuery("FROM ledger_entries WHERE external_ref = \\$1").
			WithArgs("tip-1").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry1", "event1", "alice", models.EntryKindTipSend, -1000, 5000, 4000, "tip-1", []byte(`{}`), models.EntryStatusCompleted, now))
		mock.ExpectQuery("FROM distribution_events WHERE id = \\$1").
			WithArgs("event1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "external_ref", "source_type", "sender_id", "gross_amount", "session_ref", "status", "created_at", "settled_at"}).
				AddRow("event1", "tip-1", models.SourceDirectTip, "alice", 1000, "", models.EventStatusSettled, now, now))
		mock.ExpectQuery("FROM ledger_entries WHERE event_id = \\$1").
			WithArgs("event1").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry1", "event1", "alice", models.EntryKindTipSend, -1000, 5000, 4000, "tip-1", []byte(`{}`), models.EntryStatusCompleted, now).
				AddRow("entry2", "event1", "bob", models.EntryKindTipReceive, 1000, 2000, 3000, "tip-1", []byte(`{}`), models.EntryStatusCompleted, now))

		// The first attempt is holding the account locks.
		release, err := service.locker.LockAll(context.Background(), []string{"alice", "bob"}, time.Second)
		assert.NoError(t, err)

		type settleResult struct {
			result *SettlementResult
			err    error
		}
		done := make(chan settleResult, 1)
		go func() {
			event := &models.DistributionEvent{
				ExternalRef: "tip-1",
				SourceType:  models.SourceDirectTip,
				SenderID:    "alice",
				GrossAmount: 1000,
			}
			result, err := service.Settle(context.Background(), event, DirectTip{StreamerID: "bob"})
			done <- settleResult{result, err}
		}()

		// Let the retry run its pre-lock check and queue on the locks,
		// then let it through.
		time.Sleep(50 * time.Millisecond)
		release()

		select {
		case r := <-done:
			assert.NoError(t, r.err)
			assert.True(t, r.result.Duplicate)
			assert.Equal(t, models.EventStatusSettled, r.result.Status)
			assert.Len(t, r.result.Entries, 2)
		case <-time.After(3 * time.Second):
			t.Fatal("Settle did not return after locks were released")
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refund settled while waiting on locks is not applied twice", func(t *testing.T) {
		service, mock, closeDB := newTestSettlementService(t)
		defer closeDB()

		now := time.Now()
		expectNoPriorSettlement(mock, "refund:tip-1")
		mock.ExpectQuery("FROM ledger_entries WHERE external_ref = \\$1").
			WithArgs("tip-1").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry1", "event1", "alice", models.EntryKindTipSend, -1000, 5000, 4000, "tip-1", []byte(`{}`), models.EntryStatusCompleted, now))
		mock.ExpectQuery("FROM distribution_events WHERE id = \\$1").
			WithArgs("event1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "external_ref", "source_type", "sender_id", "gross_amount", "session_ref", "status", "created_at", "settled_at"}).
				AddRow("event1", "tip-1", models.SourceDirectTip, "alice", 1000, "", models.EventStatusSettled, now, now))
		mock.ExpectQuery("FROM ledger_entries WHERE event_id = \\$1").
			WithArgs("event1").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry1", "event1", "alice", models.EntryKindTipSend, -1000, 5000, 4000, "tip-1", []byte(`{}`), models.EntryStatusCompleted, now).
				AddRow("entry2", "event1", "bob", models.EntryKindTipReceive, 1000, 2000, 3000, "tip-1", []byte(`{}`), models.EntryStatusCompleted, now))

		// Under the locks the concurrent refund has already committed.
		mock.ExpectQuery("FROM ledger_entries WHERE external_ref = \\$1").
			WithArgs("refund:tip-1").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry3", "event2", "alice", models.EntryKindRefund, 1000, 4000, 5000, "refund:tip-1", []byte(`{}`), models.EntryStatusCompleted, now))
		mock.ExpectQuery("FROM distribution_events WHERE id = \\$1").
			WithArgs("event2").
			WillReturnRows(sqlmock.NewRows([]string{"id", "external_ref", "source_type", "sender_id", "gross_amount", "session_ref", "status", "created_at", "settled_at"}).
				AddRow("event2", "refund:tip-1", models.SourceRefund, "alice", 1000, "", models.EventStatusSettled, now, now))
		mock.ExpectQuery("FROM ledger_entries WHERE event_id = \\$1").
			WithArgs("event2").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry3", "event2", "alice", models.EntryKindRefund, 1000, 4000, 5000, "refund:tip-1", []byte(`{}`), models.EntryStatusCompleted, now).
				AddRow("entry4", "event2", "bob", models.EntryKindRefund, -1000, 3000, 2000, "refund:tip-1", []byte(`{}`), models.EntryStatusCompleted, now))

		release, err := service.locker.LockAll(context.Background(), []string{"alice", "bob"}, time.Second)
		assert.NoError(t, err)

		type refundResult struct {
			result *SettlementResult
			err    error
		}
		done := make(chan refundResult, 1)
		go func() {
			result, err := service.Refund(context.Background(), "tip-1", "chargeback")
			done <- refundResult{result, err}
		}()

		time.Sleep(50 * time.Millisecond)
		release()

		select {
		case r := <-done:
			assert.NoError(t, r.err)
			assert.True(t, r.result.Duplicate)
			assert.Len(t, r.result.Entries, 2)
		case <-time.After(3 * time.Second):
			t.Fatal("Refund did not return after locks were released")
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettlementService_Refund(t *testing.T) {
	t.Run("reverses settled event with compensating entries", func(t *testing.T) {
		service, mock, closeDB := newTestSettlementService(t)
		defer closeDB()

		now := time.Now()
		expectNoPriorSettlement(mock, "refund:tip-1")
		mock.ExpectQuery("FROM ledger_entries WHERE external_ref = \\$1").
			WithArgs("tip-1").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry1", "event1", "alice", models.EntryKindTipSend, -1000, 5000, 4000, "tip-1", []byte(`{}`), models.EntryStatusCompleted, now))
		mock.ExpectQuery("FROM distribution_events WHERE id = \\$1").
			WithArgs("event1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "external_ref", "source_type", "sender_id", "gross_amount", "session_ref", "status", "created_at", "settled_at"}).
				AddRow("event1", "tip-1", models.SourceDirectTip, "alice", 1000, "", models.EventStatusSettled, now, now))
		mock.ExpectQuery("FROM ledger_entries WHERE event_id = \\$1").
			WithArgs("event1").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("entry1", "event1", "alice", models.EntryKindTipSend, -1000, 5000, 4000, "tip-1", []byte(`{}`), models.EntryStatusCompleted, now).
				AddRow("entry2", "event1", "bob", models.EntryKindTipReceive, 1000, 2000, 3000, "tip-1", []byte(`{}`), models.EntryStatusCompleted, now))

		expectNoPriorSettlement(mock, "refund:tip-1") // re-checked under the account locks
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO distribution_events").
			WithArgs(sqlmock.AnyArg(), "refund:tip-1", models.SourceRefund, "alice", int64(1000), "", models.EventStatusPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Sender gets the tip back, recipient is clawed back.
		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(accountLockRows("alice", 4000, 4))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
			WithArgs(int64(5000), sqlmock.AnyArg(), "alice", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "alice", models.EntryKindRefund, int64(1000),
				int64(4000), int64(5000), "refund:tip-1", sqlmock.AnyArg(), models.EntryStatusCompleted, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("FROM accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("bob").
			WillReturnRows(accountLockRows("bob", 3000, 2))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1").
			WithArgs(int64(2000), sqlmock.AnyArg(), "bob", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "bob", models.EntryKindRefund, int64(-1000),
				int64(3000), int64(2000), "refund:tip-1", sqlmock.AnyArg(), models.EntryStatusCompleted, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE distribution_events SET status = \\$1").
			WithArgs(models.EventStatusSettled, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := service.Refund(context.Background(), "tip-1", "chargeback")
		assert.NoError(t, err)
		assert.Equal(t, models.EventStatusSettled, result.Status)
		assert.Len(t, result.Entries, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown original ref", func(t *testing.T) {
		service, mock, closeDB := newTestSettlementService(t)
		defer closeDB()

		expectNoPriorSettlement(mock, "refund:missing")
		expectNoPriorSettlement(mock, "missing")

		_, err := service.Refund(context.Background(), "missing", "typo")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
