package models

import (
	"time"
)

// ExperienceTransaction records one experience grant. The pair
// (user_id, source_ledger_ref) is unique so re-delivery of a settled
// event cannot double-grant.
type ExperienceTransaction struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Amount          int64     `json:"amount" db:"amount"`
	Reason          string    `json:"reason" db:"reason"`
	SourceType      string    `json:"source_type" db:"source_type"`
	SourceLedgerRef string    `json:"source_ledger_ref" db:"source_ledger_ref"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
