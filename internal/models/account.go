package models

import (
	"time"
)

type Account struct {
	UserID      string    `json:"user_id" db:"user_id"`
	Balance     int64     `json:"balance" db:"balance"` // token units, never negative
	TotalSent   int64     `json:"total_sent" db:"total_sent"`
	TotalEarned int64     `json:"total_earned" db:"total_earned"`
	TotalSpent  int64     `json:"total_spent" db:"total_spent"`
	Experience  int64     `json:"experience" db:"experience"`
	Level       int       `json:"level" db:"level"`
	Version     int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
