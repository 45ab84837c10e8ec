package models

import (
	"time"

	"github.com/google/uuid"
)

type TicketStatus string

const TicketStatusValid TicketStatus = "VALID"

// Ticket is one admission unit issued for a paid order. (order, type, unit) is
// unique so the same unit can never be issued twice.
type Ticket struct {
	ID              uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID         uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex:idx_ticket_unit" json:"order_id"`
	TicketTypeID    uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex:idx_ticket_unit" json:"ticket_type_id"`
	Unit            int          `gorm:"not null;uniqueIndex:idx_ticket_unit" json:"unit"`
	EventID         uuid.UUID    `gorm:"type:uuid;index;not null" json:"event_id"`
	PaymentIntentID uuid.UUID    `gorm:"type:uuid;not null" json:"payment_intent_id"`
	Code            string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Status          TicketStatus `gorm:"type:varchar(20);not null" json:"status"`
	IssuedAt        time.Time    `gorm:"not null" json:"issued_at"`
}
