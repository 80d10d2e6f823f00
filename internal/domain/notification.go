package domain

import "time"

type DeliveryStatus string

const (
	DeliveryQueued DeliveryStatus = "QUEUED"
	DeliverySent   DeliveryStatus = "SENT"
	DeliveryFailed DeliveryStatus = "FAILED"
)

// Notification is one queued outbound message. The idempotency key
// (event_type, recipient, dedupe_key) guarantees a triggering event cannot
// produce duplicate sends.
type Notification struct {
	ID           string         `json:"id"`
	Channel      string         `json:"channel"`
	Recipient    string         `json:"recipient"`
	EventType    string         `json:"event_type"`
	DedupeKey    string         `json:"dedupe_key"`
	Payload      []byte         `json:"payload"`
	Status       DeliveryStatus `json:"status"`
	RetryCount   int            `json:"retry_count"`
	NextAttempt  time.Time      `json:"next_attempt_at"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
