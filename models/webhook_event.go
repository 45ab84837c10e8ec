package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is the dedup ledger entry for one provider notification.
type WebhookEvent struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Provider          Provider   `gorm:"type:varchar(32);not null;uniqueIndex:idx_webhook_provider_key" json:"provider"`
	EventKey          string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_webhook_provider_key" json:"event_key"`
	EventType         string     `gorm:"type:varchar(128)" json:"event_type"`
	ProviderRef       string     `gorm:"type:varchar(255);index" json:"provider_ref"`
	Processed         bool       `gorm:"not null;default:false" json:"processed"`
	SignatureVerified bool       `gorm:"not null;default:false" json:"signature_verified"`
	Payload           string     `gorm:"type:jsonb" json:"-"`
	ProcessingError   *string    `gorm:"type:text" json:"processing_error,omitempty"`
	Note              *string    `gorm:"type:varchar(255)" json:"note,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
