package repository

import (
	"context"
	"strings"
	"time"

	"ticket-payment-service/models"

	"gorm.io/gorm"
)

type GormFXRateRepository struct {
	db *gorm.DB
}

func NewGormFXRateRepository(db *gorm.DB) *GormFXRateRepository {
	return &GormFXRateRepository{db: db}
}

// ActiveRate returns the active rate whose validity window contains at.
func (r *GormFXRateRepository) ActiveRate(ctx context.Context, from, to string, at time.Time) (*models.FXRate, error) {
	var rate models.FXRate
	err := r.db.WithContext(ctx).
		Where("from_currency = ? AND to_currency = ? AND active = ? AND valid_from <= ? AND valid_until > ?",
			strings.ToUpper(from), strings.ToUpper(to), true, at, at).
		Order("valid_from DESC").
		First(&rate).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rate, nil
}

// RotateRate deactivates the pair's current rate and inserts the new one.
func (r *GormFXRateRepository) RotateRate(ctx context.Context, rate *models.FXRate) error {
	return translate(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.FXRate{}).
			Where("from_currency = ? AND to_currency = ? AND active = ?", rate.FromCurrency, rate.ToCurrency, true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Create(rate).Error
	}))
}
