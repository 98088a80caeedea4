package audit

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	EventID     string    `json:"event_id"`
	ExternalRef string    `json:"external_ref,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Status      string    `json:"status"`
	Details     any       `json:"details,omitempty"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

// LogSettlement records a completed distribution with its per-recipient amounts.
func (a *AuditLogger) LogSettlement(eventID, externalRef, senderID string, gross int64, recipients map[string]int64) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "SETTLEMENT",
		EventID:     eventID,
		ExternalRef: externalRef,
		AccountID:   senderID,
		Amount:      gross,
		Status:      "SETTLED",
		Details:     recipients,
	}
	a.log(event)
}

func (a *AuditLogger) LogError(eventID, accountID string, err error) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		EventID:   eventID,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) LogOperation(eventID, accountID, operation, details string) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: operation,
		EventID:   eventID,
		AccountID: accountID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
