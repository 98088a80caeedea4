package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/streamtip/backend/internal/metrics"
	"github.com/streamtip/backend/internal/models"
)

// Experience formulas per ledger entry kind. Deterministic pure
// functions of kind and amount.
const (
	xpDivisorTipSend    = 5
	xpDivisorTipReceive = 20
	xpDivisorPurchase   = 10
)

// levelThresholds[i] is the cumulative experience required for level i+1.
// The table is monotonic; level 1 is the floor for every account.
var levelThresholds = []int64{
	0,      // level 1
	100,    // level 2
	300,    // level 3
	700,    // level 4
	1500,   // level 5
	3100,   // level 6
	6300,   // level 7
	12700,  // level 8
	25500,  // level 9
	51100,  // level 10
	102300, // level 11
	204700, // level 12
}

// LevelForExperience returns the highest level whose threshold the
// experience total meets.
func LevelForExperience(experience int64) int {
	level := 1
	for i, required := range levelThresholds {
		if experience >= required {
			level = i + 1
		}
	}
	return level
}

// XPForEntry maps a settled ledger entry to its experience grant.
// Entry kinds without a formula grant nothing.
func XPForEntry(kind string, amount int64) int64 {
	if amount < 0 {
		amount = -amount
	}
	switch kind {
	case models.EntryKindTipSend:
		return amount / xpDivisorTipSend
	case models.EntryKindTipReceive, models.EntryKindSplitPayout:
		return amount / xpDivisorTipReceive
	case models.EntryKindPurchase:
		return amount / xpDivisorPurchase
	default:
		return 0
	}
}

// ResolveLevelUps computes the level transition for an experience total,
// including level-up bonuses. On a level increase the account earns a
// one-time bonus of newLevel*100 experience; that bonus may push the
// account over at most one further threshold, which earns one more bonus
// and then the cascade stops for this settlement regardless of totals.
func ResolveLevelUps(currentLevel int, experience int64) (finalLevel int, finalExperience int64, bonuses []int64) {
	finalExperience = experience
	finalLevel = currentLevel

	level := LevelForExperience(finalExperience)
	if level <= currentLevel {
		return finalLevel, finalExperience, nil
	}

	// First level-up bonus, then at most one cascade.
	for range [2]struct{}{} {
		bonus := int64(level) * 100
		bonuses = append(bonuses, bonus)
		finalExperience += bonus
		finalLevel = level

		next := LevelForExperience(finalExperience)
		if next <= level {
			break
		}
		level = next
	}

	// The cascade bound means the level can still move without a bonus.
	finalLevel = LevelForExperience(finalExperience)
	return finalLevel, finalExperience, bonuses
}

// AchievementHook is notified after a level changes. External
// collaborator, fire-and-forget.
type AchievementHook func(userID string, level int)

type levelUpPublisher interface {
	PublishLevelUp(userID string, level int, experience int64)
}

// ExperienceService derives experience grants and level transitions from
// settled ledger events. Best-effort: its failures are logged and never
// roll back a settlement. Grants are idempotent per
// (user, source_ledger_ref) so re-delivery cannot double-grant.
type ExperienceService struct {
	db          *sql.DB
	publisher   levelUpPublisher
	achievement AchievementHook
}

func NewExperienceService(db *sql.DB, publisher levelUpPublisher, achievement AchievementHook) *ExperienceService {
	return &ExperienceService{db: db, publisher: publisher, achievement: achievement}
}

// OnSettled is the dispatcher entry point.
func (s *ExperienceService) OnSettled(ctx context.Context, event *models.DistributionEvent, entries []models.LedgerEntry) {
	for _, entry := range entries {
		xp := XPForEntry(entry.Kind, entry.Amount)
		if xp <= 0 {
			continue
		}
		reason := "ledger:" + entry.Kind
		if err := s.grant(ctx, entry.AccountID, xp, reason, event.SourceType, entry.ID); err != nil {
			log.Printf("[EXPERIENCE] Grant failed for %s on entry %s: %v", entry.AccountID, entry.ID, err)
		}
	}
}

// grant applies one experience grant plus any resulting level-up bonuses
// in a single transaction.
func (s *ExperienceService) grant(ctx context.Context, userID string, amount int64, reason, sourceType, ledgerRef string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inserted, err := s.insertGrantTx(tx, userID, amount, reason, sourceType, ledgerRef)
	if err != nil {
		return err
	}
	if !inserted {
		// Already granted for this ledger entry; idempotent replay.
		return tx.Commit()
	}

	var experience int64
	var level int
	err = tx.QueryRow(`
		UPDATE accounts SET experience = experience + $1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING experience, level`, amount, userID).Scan(&experience, &level)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return err
	}

	newLevel, newExperience, bonuses := ResolveLevelUps(level, experience)
	for i, bonus := range bonuses {
		bonusRef := fmt.Sprintf("%s:levelup:%d", ledgerRef, i+1)
		if _, err := s.insertGrantTx(tx, userID, bonus, "level_up_bonus", sourceType, bonusRef); err != nil {
			return err
		}
	}
	if newLevel != level || newExperience != experience {
		_, err = tx.Exec(`UPDATE accounts SET experience = $1, level = $2, updated_at = NOW() WHERE user_id = $3`,
			newExperience, newLevel, userID)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if newLevel > level {
		metrics.LevelUpsTotal.Inc()
		log.Printf("[EXPERIENCE] User %s reached level %d", userID, newLevel)
		if s.publisher != nil {
			s.publisher.PublishLevelUp(userID, newLevel, newExperience)
		}
		if s.achievement != nil {
			go s.achievement(userID, newLevel)
		}
	}
	return nil
}

func (s *ExperienceService) insertGrantTx(tx *sql.Tx, userID string, amount int64, reason, sourceType, ledgerRef string) (bool, error) {
	result, err := tx.Exec(`
		INSERT INTO experience_transactions (id, user_id, amount, reason, source_type, source_ledger_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, source_ledger_ref) DO NOTHING`,
		uuid.NewString(), userID, amount, reason, sourceType, ledgerRef, time.Now())
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}
