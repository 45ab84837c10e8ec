package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies the external gateway family that carries a charge.
type Provider string

const (
	ProviderCard         Provider = "CARD"
	ProviderMobileMoneyA Provider = "MOBILE_MONEY_A"
	ProviderMobileMoneyB Provider = "MOBILE_MONEY_B"
)

// Valid reports whether p is one of the supported gateway families.
func (p Provider) Valid() bool {
	switch p {
	case ProviderCard, ProviderMobileMoneyA, ProviderMobileMoneyB:
		return true
	}
	return false
}

// PaymentStatus is the normalized lifecycle state of a payment intent.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// Failure reasons recorded on FAILED intents.
const (
	ReasonNoTransactionCreated = "NO_TRANSACTION_CREATED"
	ReasonNotFoundAtProvider   = "NOT_FOUND_AT_PROVIDER"
	ReasonAmountMismatch       = "AMOUNT_MISMATCH"
	ReasonProviderRejected     = "PROVIDER_REJECTED"
	ReasonProviderFailed       = "PROVIDER_REPORTED_FAILURE"
)

// PaymentIntent is the local record of one attempt to collect money for an order.
type PaymentIntent struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID        uuid.UUID     `gorm:"type:uuid;index;not null" json:"order_id"`
	IdempotencyKey string        `gorm:"type:varchar(255);uniqueIndex;not null" json:"idempotency_key"`
	Provider       Provider      `gorm:"type:varchar(32);not null;uniqueIndex:idx_intent_provider_ref" json:"provider"`
	ProviderRef    *string       `gorm:"type:varchar(255);uniqueIndex:idx_intent_provider_ref" json:"provider_ref,omitempty"`
	Status         PaymentStatus `gorm:"type:varchar(20);not null;index" json:"status"`

	DisplayAmount   int64  `gorm:"not null" json:"display_amount"`
	DisplayCurrency string `gorm:"type:varchar(3);not null" json:"display_currency"`
	ChargeAmount    int64  `gorm:"not null" json:"charge_amount"`
	ChargeCurrency  string `gorm:"type:varchar(3);not null" json:"charge_currency"`

	FXNumerator   int64      `gorm:"not null;default:1" json:"fx_numerator"`
	FXDenominator int64      `gorm:"not null;default:1" json:"fx_denominator"`
	FXLockedAt    *time.Time `json:"fx_locked_at,omitempty"`

	CheckoutURL         *string `gorm:"type:varchar(1024)" json:"checkout_url,omitempty"`
	ClientSecret        *string `gorm:"type:varchar(255)" json:"-"`
	FailureReason       *string `gorm:"type:varchar(64)" json:"failure_reason,omitempty"`
	LastProviderPayload *string `gorm:"type:jsonb" json:"-"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// Ref returns the provider reference or an empty string.
func (p *PaymentIntent) Ref() string {
	if p.ProviderRef == nil {
		return ""
	}
	return *p.ProviderRef
}

// BuyerContact is forwarded to gateways that need to reach the payer.
type BuyerContact struct {
	Name     string `json:"name"`
	Email    string `json:"email" validate:"omitempty,email"`
	Phone    string `json:"phone" validate:"omitempty,min=6,max=20"`
	Operator string `json:"operator,omitempty"` // mobile network code for deposit-style gateways
}
