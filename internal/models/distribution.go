package models

import (
	"time"
)

// DistributionEvent source types.
const (
	SourceDirectTip      = "direct_tip"
	SourceSessionSplit   = "session_split"
	SourceCharityRevenue = "charity_revenue"
	SourcePurchase       = "purchase"
	SourceWithdrawal     = "withdrawal"
	SourceRefund         = "refund"
)

// DistributionEvent status values.
const (
	EventStatusPending = "pending"
	EventStatusSettled = "settled"
	EventStatusFailed  = "failed"
)

// DistributionEvent is a single gross monetary event to be split
// among one or more recipients.
type DistributionEvent struct {
	ID          string     `json:"id" db:"id"`
	ExternalRef string     `json:"external_ref" db:"external_ref"`
	SourceType  string     `json:"source_type" db:"source_type"`
	SenderID    string     `json:"sender_id,omitempty" db:"sender_id"`
	GrossAmount int64      `json:"gross_amount" db:"gross_amount"`
	SessionRef  string     `json:"session_ref,omitempty" db:"session_ref"`
	Status      string     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// Recipient roles within a split.
const (
	RoleHost      = "host"
	RoleGuest     = "guest"
	RolePlatform  = "platform"
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleCharity   = "charity"
	RoleStreamer  = "streamer"
)

// SplitRecipient is computed by the split calculator; it is never
// persisted independently of its ledger entry.
type SplitRecipient struct {
	RecipientID string  `json:"recipient_id"`
	Percentage  float64 `json:"percentage"`
	Amount      int64   `json:"amount"`
	Role        string  `json:"role"`
	Primary     bool    `json:"primary"`
}
