package models

import "time"

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	// OutboxProcessing is the claim a worker takes before calling the sender.
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxSent       OutboxStatus = "SENT"
	OutboxFailed     OutboxStatus = "FAILED"
)

// OutboxMessage an outbound message waiting to be delivered to a ticket's thread.
type OutboxMessage struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	TicketID     uint         `gorm:"index;not null" json:"ticketId"`
	Channel      string       `gorm:"size:32;not null" json:"channel"`
	Payload      string       `gorm:"type:text;not null" json:"payload"` // JSON: {"text": "..."}
	Status       OutboxStatus `gorm:"size:16;not null;default:'PENDING';index:idx_outbox_status_next" json:"status"`
	RetryCount   int          `gorm:"not null;default:0" json:"retryCount"`
	NextRetryAt  *time.Time   `gorm:"index:idx_outbox_status_next" json:"nextRetryAt,omitempty"`
	ErrorMessage *string      `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt    time.Time    `gorm:"index" json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	SentAt       *time.Time   `json:"sentAt,omitempty"`
}

// OutboxPayload is the JSON stored in OutboxMessage.Payload.
type OutboxPayload struct {
	Text string `json:"text"`
	// Origin is informational, e.g. "ticket_reply" or "invoice_reminder".
	Origin string `json:"origin,omitempty"`
}
