package models

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderStatusCompleted       OrderStatus = "COMPLETED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

// Order is the purchase being paid for. Rows are never deleted.
type Order struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	CheckoutKey *string     `gorm:"type:varchar(255);uniqueIndex" json:"-"`
	EventID     uuid.UUID   `gorm:"type:uuid;index;not null" json:"event_id"`
	UserID      string      `gorm:"type:varchar(64);index" json:"user_id,omitempty"`
	BuyerName   string      `gorm:"type:varchar(255)" json:"buyer_name,omitempty"`
	BuyerEmail  string      `gorm:"type:varchar(255)" json:"buyer_email,omitempty"`
	BuyerPhone  string      `gorm:"type:varchar(32)" json:"buyer_phone,omitempty"`
	Status      OrderStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	TotalAmount int64       `gorm:"not null" json:"total_amount"`
	Currency    string      `gorm:"type:varchar(3);not null" json:"currency"`
	Lines       []OrderLine `gorm:"foreignKey:OrderID;constraint:OnDelete:RESTRICT" json:"lines"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	FailedAt    *time.Time  `json:"failed_at,omitempty"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderLine is the quantity of one ticket type on an order.
type OrderLine struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID      uuid.UUID `gorm:"type:uuid;index;not null" json:"order_id"`
	TicketTypeID uuid.UUID `gorm:"type:uuid;not null" json:"ticket_type_id"`
	Quantity     int       `gorm:"not null" json:"quantity"`
	UnitPrice    int64     `gorm:"not null" json:"unit_price"`
}

// TotalUnits is the number of tickets the order entitles the buyer to.
func (o *Order) TotalUnits() int {
	n := 0
	for _, l := range o.Lines {
		n += l.Quantity
	}
	return n
}

// TicketType is the catalog entry a line is priced from. The catalog is owned
// by the event service; this service only reads it.
type TicketType struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventID  uuid.UUID `gorm:"type:uuid;index;not null" json:"event_id"`
	Name     string    `gorm:"type:varchar(255);not null" json:"name"`
	Price    int64     `gorm:"not null" json:"price"`
	Currency string    `gorm:"type:varchar(3);not null" json:"currency"`
}

// TicketLine is a requested quantity of a ticket type.
type TicketLine struct {
	TicketTypeID uuid.UUID `json:"ticket_type_id" validate:"required"`
	Quantity     int       `json:"quantity" validate:"required,min=1,max=50"`
}
