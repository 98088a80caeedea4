package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Ledger entry kinds. One kind per balance mutation cause.
const (
	EntryKindPurchase    = "purchase"
	EntryKindTipSend     = "tip_send"
	EntryKindTipReceive  = "tip_receive"
	EntryKindSplitPayout = "split_payout"
	EntryKindWithdraw    = "withdraw"
	EntryKindBonus       = "bonus"
	EntryKindPenalty     = "penalty"
	EntryKindRefund      = "refund"
)

// Entry status values. Entries are write-once after "completed".
const (
	EntryStatusPending   = "pending"
	EntryStatusCompleted = "completed"
	EntryStatusFailed    = "failed"
)

type LedgerEntry struct {
	ID            string    `json:"id" db:"id"`
	EventID       string    `json:"event_id" db:"event_id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Kind          string    `json:"kind" db:"kind"`
	Amount        int64     `json:"amount" db:"amount"` // signed, token units
	BalanceBefore int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	ExternalRef   string    `json:"external_ref,omitempty" db:"external_ref"`
	Metadata      Metadata  `json:"metadata,omitempty" db:"metadata"`
	Status        string    `json:"status" db:"status"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}
