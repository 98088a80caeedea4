package services

import (
	"fmt"
	"math"
	"sort"

	"github.com/streamtip/backend/internal/config"
	"github.com/streamtip/backend/internal/models"
)

const percentTolerance = 0.01

// Guest tip shares are policy-bounded.
const (
	guestShareMinPct = 10
	guestShareMaxPct = 90
)

// SplitConfiguration is the tagged variant describing how a gross amount
// is divided. Each variant carries its own validation rule and the
// calculator checks them exhaustively. No I/O happens here.
type SplitConfiguration interface {
	Validate() error
	shares() []share
}

type share struct {
	recipientID string
	percentage  float64
	role        string
	primary     bool
}

// DirectTip sends 100% to the streamer.
type DirectTip struct {
	StreamerID string
}

func (c DirectTip) Validate() error {
	if c.StreamerID == "" {
		return fmt.Errorf("%w: streamer id required", ErrInvalidSplitConfiguration)
	}
	return nil
}

func (c DirectTip) shares() []share {
	return []share{{recipientID: c.StreamerID, percentage: 100, role: models.RoleStreamer, primary: true}}
}

// GuestShare is one active guest streamer's configured cut, as supplied
// by the session registry at settlement time.
type GuestShare struct {
	UserID         string
	TipSplitPct    float64
	TippingEnabled bool
}

// SessionSplit divides a tip between the host and the active,
// tipping-enabled guests; the host takes the remainder.
type SessionSplit struct {
	HostID string
	Guests []GuestShare
}

func (c SessionSplit) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("%w: host id required", ErrInvalidSplitConfiguration)
	}
	var guestTotal float64
	for _, g := range c.Guests {
		if !g.TippingEnabled {
			continue
		}
		if g.TipSplitPct < guestShareMinPct || g.TipSplitPct > guestShareMaxPct {
			return fmt.Errorf("%w: guest %s share %.2f%% outside %d-%d%% policy",
				ErrInvalidSplitConfiguration, g.UserID, g.TipSplitPct, guestShareMinPct, guestShareMaxPct)
		}
		guestTotal += g.TipSplitPct
	}
	if guestTotal >= 100 {
		return fmt.Errorf("%w: guest shares sum to %.2f%%, must be below 100%%",
			ErrInvalidSplitConfiguration, guestTotal)
	}
	return nil
}

func (c SessionSplit) shares() []share {
	var guestTotal float64
	guests := make([]share, 0, len(c.Guests))
	for _, g := range c.Guests {
		if !g.TippingEnabled {
			continue
		}
		guests = append(guests, share{recipientID: g.UserID, percentage: g.TipSplitPct, role: models.RoleGuest})
		guestTotal += g.TipSplitPct
	}
	sort.Slice(guests, func(i, j int) bool { return guests[i].recipientID < guests[j].recipientID })

	out := []share{{recipientID: c.HostID, percentage: 100 - guestTotal, role: models.RoleHost, primary: true}}
	return append(out, guests...)
}

// CharityRevenue divides stream revenue between charity, platform, admin,
// moderator, and the streamer. The charity share may be overridden
// per-stream within campaign bounds; the streamer absorbs the difference.
type CharityRevenue struct {
	StreamerID  string
	CharityID   string
	PlatformID  string
	AdminID     string
	ModeratorID string

	Shares             config.CharityShares
	CharityOverridePct *float64
}

func (c CharityRevenue) charityPct() float64 {
	if c.CharityOverridePct != nil {
		return *c.CharityOverridePct
	}
	return c.Shares.CharityPct
}

func (c CharityRevenue) Validate() error {
	if c.StreamerID == "" || c.CharityID == "" {
		return fmt.Errorf("%w: streamer and charity ids required", ErrInvalidSplitConfiguration)
	}
	pct := c.charityPct()
	if pct < c.Shares.CharityMinPct || pct > c.Shares.CharityMaxPct {
		return fmt.Errorf("%w: charity share %.2f%% outside campaign bounds %.2f-%.2f%%",
			ErrInvalidSplitConfiguration, pct, c.Shares.CharityMinPct, c.Shares.CharityMaxPct)
	}
	streamerPct := 100 - pct - c.Shares.PlatformPct - c.Shares.AdminPct - c.Shares.ModeratorPct
	if streamerPct < 0 {
		return fmt.Errorf("%w: fixed shares exceed 100%%", ErrInvalidSplitConfiguration)
	}
	return nil
}

func (c CharityRevenue) shares() []share {
	pct := c.charityPct()
	streamerPct := 100 - pct - c.Shares.PlatformPct - c.Shares.AdminPct - c.Shares.ModeratorPct

	fixed := []share{
		{recipientID: c.CharityID, percentage: pct, role: models.RoleCharity},
		{recipientID: c.PlatformID, percentage: c.Shares.PlatformPct, role: models.RolePlatform},
		{recipientID: c.AdminID, percentage: c.Shares.AdminPct, role: models.RoleAdmin},
		{recipientID: c.ModeratorID, percentage: c.Shares.ModeratorPct, role: models.RoleModerator},
	}
	sort.Slice(fixed, func(i, j int) bool { return fixed[i].recipientID < fixed[j].recipientID })

	out := []share{{recipientID: c.StreamerID, percentage: streamerPct, role: models.RoleStreamer, primary: true}}
	return append(out, fixed...)
}

// CustomForced is an admin-supplied recipient->percentage map.
type CustomForced struct {
	PrimaryID string
	Shares    map[string]float64
	Roles     map[string]string // optional, defaults to "admin"
}

func (c CustomForced) Validate() error {
	if len(c.Shares) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidSplitConfiguration)
	}
	if _, ok := c.Shares[c.PrimaryID]; !ok {
		return fmt.Errorf("%w: primary recipient %q not in share map", ErrInvalidSplitConfiguration, c.PrimaryID)
	}
	var total float64
	for id, pct := range c.Shares {
		if pct < 0 {
			return fmt.Errorf("%w: negative share for %s", ErrInvalidSplitConfiguration, id)
		}
		total += pct
	}
	if math.Abs(total-100) > percentTolerance {
		return fmt.Errorf("%w: shares sum to %.4f%%, expected 100%%", ErrInvalidSplitConfiguration, total)
	}
	return nil
}

func (c CustomForced) shares() []share {
	rest := make([]share, 0, len(c.Shares))
	var primary share
	for id, pct := range c.Shares {
		role := c.Roles[id]
		if role == "" {
			role = models.RoleAdmin
		}
		s := share{recipientID: id, percentage: pct, role: role}
		if id == c.PrimaryID {
			s.primary = true
			primary = s
			continue
		}
		rest = append(rest, s)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].recipientID < rest[j].recipientID })
	return append([]share{primary}, rest...)
}

// ComputeSplit divides grossAmount per the configuration. Each recipient
// gets floor(gross * pct / 100); the integer remainder goes to the primary
// recipient so the amounts always sum to grossAmount exactly. Recipients
// come back in settlement order: primary first, then ascending id.
func ComputeSplit(grossAmount int64, cfg SplitConfiguration) ([]models.SplitRecipient, error) {
	if grossAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	shares := cfg.shares()
	recipients := make([]models.SplitRecipient, 0, len(shares))
	var distributed int64
	primaryIdx := -1
	for i, s := range shares {
		amount := int64(math.Floor(float64(grossAmount) * s.percentage / 100))
		recipients = append(recipients, models.SplitRecipient{
			RecipientID: s.recipientID,
			Percentage:  s.percentage,
			Amount:      amount,
			Role:        s.role,
			Primary:     s.primary,
		})
		distributed += amount
		if s.primary {
			primaryIdx = i
		}
	}
	if primaryIdx < 0 {
		return nil, fmt.Errorf("%w: no primary recipient", ErrInvalidSplitConfiguration)
	}

	// Rounding remainder goes to the primary so no tokens are lost or created.
	recipients[primaryIdx].Amount += grossAmount - distributed
	return recipients, nil
}
