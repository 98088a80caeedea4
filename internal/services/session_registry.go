package services

import (
	"context"
	"database/sql"
	"fmt"
)

// CharityCampaign is the per-stream charity configuration supplied by
// the stream registry: the five recipient accounts plus an optional
// charity-share override, validated against campaign bounds at
// settlement time.
type CharityCampaign struct {
	StreamerID         string
	CharityID          string
	PlatformID         string
	AdminID            string
	ModeratorID        string
	CharityOverridePct *float64
}

// SessionRegistry is the stream/session collaborator. It is queried at
// settlement time, not request time, so a guest roster that changed
// since the tip was submitted is re-validated against current shares.
type SessionRegistry interface {
	// Session returns the host and the currently active guest shares.
	Session(ctx context.Context, sessionRef string) (hostID string, guests []GuestShare, err error)
	// CharityCampaign returns the charity configuration for a stream.
	CharityCampaign(ctx context.Context, streamRef string) (*CharityCampaign, error)
}

// pgSessionRegistry reads the registry tables maintained by the stream
// platform.
type pgSessionRegistry struct {
	db *sql.DB
}

func NewSessionRegistry(db *sql.DB) SessionRegistry {
	return &pgSessionRegistry{db: db}
}

func (r *pgSessionRegistry) Session(ctx context.Context, sessionRef string) (string, []GuestShare, error) {
	var hostID string
	err := r.db.QueryRowContext(ctx,
		`SELECT host_id FROM stream_sessions WHERE session_ref = $1`, sessionRef).Scan(&hostID)
	if err == sql.ErrNoRows {
		return "", nil, fmt.Errorf("session %s not found", sessionRef)
	}
	if err != nil {
		return "", nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, tip_split_percentage, tipping_enabled
		FROM session_guests
		WHERE session_ref = $1 AND active = true
		ORDER BY user_id`, sessionRef)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()

	var guests []GuestShare
	for rows.Next() {
		var g GuestShare
		if err := rows.Scan(&g.UserID, &g.TipSplitPct, &g.TippingEnabled); err != nil {
			return "", nil, err
		}
		guests = append(guests, g)
	}
	return hostID, guests, rows.Err()
}

func (r *pgSessionRegistry) CharityCampaign(ctx context.Context, streamRef string) (*CharityCampaign, error) {
	var c CharityCampaign
	var override sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT streamer_id, charity_account_id, platform_account_id, admin_account_id, moderator_account_id, charity_override_pct
		FROM charity_campaigns
		WHERE stream_ref = $1`, streamRef).
		Scan(&c.StreamerID, &c.CharityID, &c.PlatformID, &c.AdminID, &c.ModeratorID, &override)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no charity campaign for stream %s", streamRef)
	}
	if err != nil {
		return nil, err
	}
	if override.Valid {
		c.CharityOverridePct = &override.Float64
	}
	return &c, nil
}
