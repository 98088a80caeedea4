package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/streamtip/backend/internal/models"
)

const balanceCacheTTL = 30 * time.Second

// Counter columns bumped alongside a balance adjustment. The counters
// are monotonically non-decreasing; which one moves depends on why the
// balance moved.
const (
	counterNone   = ""
	counterSent   = "total_sent"
	counterSpent  = "total_spent"
	counterEarned = "total_earned"
)

// AccountService is the account store: token balances plus cumulative
// counters. Balances are only ever mutated inside a settlement
// transaction through adjustTx.
type AccountService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewAccountService(db *sql.DB, redisClient *redis.Client) *AccountService {
	return &AccountService{db: db, redis: redisClient}
}

// CreateAccount provisions a zero-balance account at user registration.
// Already-existing accounts are left untouched.
func (s *AccountService) CreateAccount(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrAccountNotFound)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, total_sent, total_earned, total_spent, experience, level, version, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 0, 0, 1, 1, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

// GetBalance returns the authoritative balance. The redis cache is
// consulted first for read-side display; the database always wins on miss
// and refills the cache. Realtime messages are never the source of truth.
func (s *AccountService) GetBalance(ctx context.Context, userID string) (int64, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, balanceCacheKey(userID)).Result(); err == nil {
			if balance, err := strconv.ParseInt(cached, 10, 64); err == nil {
				return balance, nil
			}
		}
	}

	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, balanceCacheKey(userID), balance, balanceCacheTTL).Err(); err != nil {
			log.Printf("[ACCOUNT] Balance cache refresh failed for %s: %v", userID, err)
		}
	}
	return balance, nil
}

// GetAccount returns the full account row for display.
func (s *AccountService) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, total_sent, total_earned, total_spent, experience, level, version, created_at, updated_at
		FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &a.Balance, &a.TotalSent, &a.TotalEarned, &a.TotalSpent,
			&a.Experience, &a.Level, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// lockAccountTx reads an account under FOR UPDATE. Callers lock accounts
// in ascending user-id order to prevent deadlocks.
func (s *AccountService) lockAccountTx(tx *sql.Tx, userID string) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRow(`
		SELECT user_id, balance, total_sent, total_earned, total_spent, experience, level, version
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE`, userID).
		Scan(&a.UserID, &a.Balance, &a.TotalSent, &a.TotalEarned, &a.TotalSpent,
			&a.Experience, &a.Level, &a.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// adjustTx applies a signed delta to a locked account. It fails with
// ErrInsufficientFunds when balance+delta would drop below minBalance.
// The in-memory account is updated on success so subsequent adjustments
// within the same transaction see the new balance.
func (s *AccountService) adjustTx(tx *sql.Tx, account *models.Account, delta, minBalance int64, counter string) (int64, error) {
	newBalance := account.Balance + delta
	if newBalance < minBalance {
		return 0, fmt.Errorf("%w: account %s balance %d cannot cover %d",
			ErrInsufficientFunds, account.UserID, account.Balance, -delta)
	}

	magnitude := delta
	if magnitude < 0 {
		magnitude = -magnitude
	}

	var result sql.Result
	var err error
	switch counter {
	case counterSent:
		result, err = tx.Exec(`UPDATE accounts SET balance = $1, total_sent = total_sent + $2, version = version + 1, updated_at = $3 WHERE user_id = $4 AND version = $5`,
			newBalance, magnitude, time.Now(), account.UserID, account.Version)
	case counterSpent:
		result, err = tx.Exec(`UPDATE accounts SET balance = $1, total_spent = total_spent + $2, version = version + 1, updated_at = $3 WHERE user_id = $4 AND version = $5`,
			newBalance, magnitude, time.Now(), account.UserID, account.Version)
	case counterEarned:
		result, err = tx.Exec(`UPDATE accounts SET balance = $1, total_earned = total_earned + $2, version = version + 1, updated_at = $3 WHERE user_id = $4 AND version = $5`,
			newBalance, magnitude, time.Now(), account.UserID, account.Version)
	default:
		result, err = tx.Exec(`UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2 WHERE user_id = $3 AND version = $4`,
			newBalance, time.Now(), account.UserID, account.Version)
	}
	if err != nil {
		return 0, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rowsAffected == 0 {
		return 0, fmt.Errorf("optimistic lock failed for account %s", account.UserID)
	}

	account.Balance = newBalance
	account.Version++
	return newBalance, nil
}

// InvalidateBalances drops cached balances after a settlement commits.
func (s *AccountService) InvalidateBalances(ctx context.Context, userIDs ...string) {
	if s.redis == nil || len(userIDs) == 0 {
		return
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = balanceCacheKey(id)
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		log.Printf("[ACCOUNT] Balance cache invalidation failed: %v", err)
	}
}

func balanceCacheKey(userID string) string {
	return "balance:" + userID
}
