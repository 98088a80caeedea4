package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/streamtip/backend/internal/metrics"
	"github.com/streamtip/backend/internal/models"
)

// Domain event names carried on the realtime channels.
const (
	EventTipSettled         = "tip_settled"
	EventSplitSettled       = "split_settled"
	EventRevenueDistributed = "revenue_distributed"
	EventLevelUp            = "level_up"
)

// RealtimePublisher fans settled events out to live subscribers over
// redis pub/sub: the stream room channel plus each recipient's private
// channel. Delivery is at-most-once and purely informational; clients
// treat balances from the account store as authoritative. Publishing
// never blocks or fails a settlement.
type RealtimePublisher struct {
	redis *redis.Client
}

func NewRealtimePublisher(redisClient *redis.Client) *RealtimePublisher {
	return &RealtimePublisher{redis: redisClient}
}

type realtimeMessage struct {
	Event       string `json:"event"`
	EventID     string `json:"event_id"`
	SourceType  string `json:"source_type"`
	SessionRef  string `json:"session_ref,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	GrossAmount int64  `json:"gross_amount,omitempty"`
	Level       int    `json:"level,omitempty"`
	Experience  int64  `json:"experience,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Publish is the dispatcher entry point for settled events.
func (p *RealtimePublisher) Publish(ctx context.Context, event *models.DistributionEvent, entries []models.LedgerEntry) {
	if p.redis == nil {
		return
	}

	name := eventNameFor(event.SourceType)

	if event.SessionRef != "" {
		p.send(ctx, "stream:"+event.SessionRef, realtimeMessage{
			Event:       name,
			EventID:     event.ID,
			SourceType:  event.SourceType,
			SessionRef:  event.SessionRef,
			GrossAmount: event.GrossAmount,
			Timestamp:   time.Now().Unix(),
		})
	}

	for _, entry := range entries {
		p.send(ctx, "user:"+entry.AccountID, realtimeMessage{
			Event:      name,
			EventID:    event.ID,
			SourceType: event.SourceType,
			SessionRef: event.SessionRef,
			AccountID:  entry.AccountID,
			Amount:     entry.Amount,
			Timestamp:  time.Now().Unix(),
		})
	}
}

// PublishLevelUp notifies a user's private channel about a level change.
func (p *RealtimePublisher) PublishLevelUp(userID string, level int, experience int64) {
	if p.redis == nil {
		return
	}
	p.send(context.Background(), "user:"+userID, realtimeMessage{
		Event:      EventLevelUp,
		AccountID:  userID,
		Level:      level,
		Experience: experience,
		Timestamp:  time.Now().Unix(),
	})
}

func (p *RealtimePublisher) send(ctx context.Context, channel string, msg realtimeMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := p.redis.Publish(ctx, channel, string(data)).Err(); err != nil {
		metrics.RealtimePublishFailures.Inc()
		log.Printf("[REALTIME] Publish to %s failed: %v", channel, err)
	}
}

func eventNameFor(sourceType string) string {
	switch sourceType {
	case models.SourceSessionSplit:
		return EventSplitSettled
	case models.SourceCharityRevenue:
		return EventRevenueDistributed
	default:
		return EventTipSettled
	}
}
