package models

import "time"

const (
	IdempotencyInProgress = "IN_PROGRESS"
	IdempotencyDone       = "DONE"
)

// IdempotencyRecord stored response for one (key, endpoint). The composite unique index
// is the single source of truth for "has this request already run".
type IdempotencyRecord struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Key              string    `gorm:"size:128;not null;uniqueIndex:idx_idempotency_key_endpoint" json:"key"`
	Endpoint         string    `gorm:"size:255;not null;uniqueIndex:idx_idempotency_key_endpoint" json:"endpoint"`
	RequestHash      string    `gorm:"size:64;not null" json:"requestHash"`
	Status           string    `gorm:"size:16;not null" json:"status"` // IN_PROGRESS, DONE
	ResponseSnapshot string    `gorm:"type:text" json:"responseSnapshot"`
	ExpiresAt        time.Time `gorm:"index" json:"expiresAt"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
