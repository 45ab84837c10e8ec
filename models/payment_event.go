package models

import "time"

const (
	EventPaymentSucceeded = "payment_succeeded"
	EventPaymentFailed    = "payment_failed"
)

// PaymentEvent is published when an intent reaches a terminal state.
type PaymentEvent struct {
	Type          string    `json:"type"` // payment_succeeded or payment_failed
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id,omitempty"`
	PaymentID     string    `json:"payment_id"`
	Provider      Provider  `json:"provider"`
	ProviderRef   string    `json:"provider_ref,omitempty"`
	Status        string    `json:"status"`
	Amount        int64     `json:"amount"`   // charge amount, smallest currency unit
	Currency      string    `json:"currency"` // charge currency
	DisplayAmount int64     `json:"display_amount"`
	Reason        string    `json:"reason,omitempty"`
	TicketsIssued int       `json:"tickets_issued,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// PaymentRequest is a CreateIntent request delivered over the payment-request queue.
type PaymentRequest struct {
	IdempotencyKey string       `json:"idempotency_key"`
	OrderID        string       `json:"order_id,omitempty"`
	UserID         string       `json:"user_id"`
	EventID        string       `json:"event_id"`
	Lines          []TicketLine `json:"ticket_lines"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	Provider       Provider     `json:"provider"`
	Buyer          BuyerContact `json:"buyer"`
	ReturnURL      string       `json:"return_url,omitempty"`
	CancelURL      string       `json:"cancel_url,omitempty"`
}
