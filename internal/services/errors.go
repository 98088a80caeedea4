package services

import "errors"

// Settlement error taxonomy. Handlers map these to HTTP status codes
// with errors.Is; everything else is treated as internal.
var (
	// ErrInvalidAmount rejects a non-positive gross amount before any mutation.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientFunds aborts an event when the payer cannot cover the debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound aborts an event when a payer or recipient has no account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidSplitConfiguration rejects a configuration whose percentages
	// cannot be honored.
	ErrInvalidSplitConfiguration = errors.New("invalid split configuration")

	// ErrSelfTipNotAllowed rejects an event whose payer is also its sole recipient.
	ErrSelfTipNotAllowed = errors.New("self tip not allowed")

	// ErrLedgerInvariantViolation means an entry's balances do not reconcile.
	// This is a bug, never user error; the event aborts and the incident is
	// escalated for manual reconciliation.
	ErrLedgerInvariantViolation = errors.New("ledger invariant violation")

	// ErrSettlementTimeout means the account locks could not be acquired in
	// time. The caller retries the whole event under the same external ref.
	ErrSettlementTimeout = errors.New("settlement timed out acquiring account locks")
)
