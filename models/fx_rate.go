package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// FXRate is to-currency units per one from-currency unit, valid over a window.
// At most one row per pair is active.
type FXRate struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FromCurrency string    `gorm:"type:varchar(3);not null" json:"from_currency"`
	ToCurrency   string    `gorm:"type:varchar(3);not null" json:"to_currency"`
	Numerator    int64     `gorm:"not null" json:"numerator"`
	Denominator  int64     `gorm:"not null" json:"denominator"`
	Rate         string    `gorm:"type:varchar(32);not null" json:"rate"`
	Source       string    `gorm:"type:varchar(64);not null" json:"source"`
	ValidFrom    time.Time `gorm:"not null" json:"valid_from"`
	ValidUntil   time.Time `gorm:"not null" json:"valid_until"`
	Active       bool      `gorm:"not null;default:false" json:"active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (FXRate) TableName() string { return "fx_rates" }

// Rat returns the rate as an exact rational.
func (r *FXRate) Rat() *big.Rat {
	if r.Denominator == 0 {
		return new(big.Rat)
	}
	return big.NewRat(r.Numerator, r.Denominator)
}

// Fresh reports whether now falls inside the validity window.
func (r *FXRate) Fresh(now time.Time) bool {
	return !now.Before(r.ValidFrom) && now.Before(r.ValidUntil)
}
