package repository

import (
	"context"
	"time"

	"ticket-payment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PaymentRepository interface {
	// CreateIntent inserts the intent, and the order too when newOrder is set,
	// in one transaction.
	CreateIntent(ctx context.Context, order *models.Order, newOrder bool, intent *models.PaymentIntent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error)
	GetByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.PaymentIntent, error)
	AttachProviderRef(ctx context.Context, id uuid.UUID, ref string, checkoutURL, clientSecret *string) error
	// TransitionStatus moves a PENDING intent to a terminal status, failing
	// its order in the same transaction when the status is FAILED. It reports
	// false, without error, when the intent was no longer PENDING.
	TransitionStatus(ctx context.Context, id uuid.UUID, to models.PaymentStatus, reason, payload *string, at time.Time) (bool, error)
	RecordPayload(ctx context.Context, id uuid.UUID, payload string) error
	DeletePending(ctx context.Context, id uuid.UUID) error
	ListPending(ctx context.Context, createdAfter, createdBefore time.Time, limit int) ([]models.PaymentIntent, error)
	ListCompletedUnfulfilled(ctx context.Context, limit int) ([]models.PaymentIntent, error)
}

type gormPaymentRepo struct {
	db *gorm.DB
}

func NewGormPaymentRepo(db *gorm.DB) PaymentRepository {
	return &gormPaymentRepo{db: db}
}

func (r *gormPaymentRepo) CreateIntent(ctx context.Context, order *models.Order, newOrder bool, intent *models.PaymentIntent) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if newOrder {
			if err := tx.Create(order).Error; err != nil {
				return err
			}
		}
		return tx.Create(intent).Error
	})
	return translate(err)
}

func (r *gormPaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&intent).Error; err != nil {
		return nil, translate(err)
	}
	return &intent, nil
}

func (r *gormPaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&intent).Error; err != nil {
		return nil, translate(err)
	}
	return &intent, nil
}

func (r *gormPaymentRepo) GetByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.db.WithContext(ctx).Where("provider = ? AND provider_ref = ?", provider, ref).First(&intent).Error; err != nil {
		return nil, translate(err)
	}
	return &intent, nil
}

func (r *gormPaymentRepo) AttachProviderRef(ctx context.Context, id uuid.UUID, ref string, checkoutURL, clientSecret *string) error {
	updates := map[string]interface{}{
		"provider_ref":  ref,
		"checkout_url":  checkoutURL,
		"client_secret": clientSecret,
		"updated_at":    time.Now(),
	}
	res := r.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("id = ? AND provider_ref IS NULL", id).
		Updates(updates)
	return translate(res.Error)
}

func (r *gormPaymentRepo) TransitionStatus(ctx context.Context, id uuid.UUID, to models.PaymentStatus, reason, payload *string, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	switch to {
	case models.PaymentStatusCompleted:
		updates["completed_at"] = at
	case models.PaymentStatusFailed:
		updates["failed_at"] = at
		updates["failure_reason"] = reason
	}
	if payload != nil {
		updates["last_provider_payload"] = *payload
	}

	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PaymentIntent{}).
			Where("id = ? AND status = ?", id, models.PaymentStatusPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected == 1
		if !changed || to != models.PaymentStatusFailed {
			return nil
		}
		// a failed intent fails the order it was paying for, unless already paid
		return tx.Model(&models.Order{}).
			Where("id = (?) AND status = ?",
				tx.Model(&models.PaymentIntent{}).Select("order_id").Where("id = ?", id),
				models.OrderStatusAwaitingPayment).
			Updates(map[string]interface{}{
				"status":     models.OrderStatusFailed,
				"failed_at":  at,
				"updated_at": at,
			}).Error
	})
	if err != nil {
		return false, translate(err)
	}
	return changed, nil
}

func (r *gormPaymentRepo) RecordPayload(ctx context.Context, id uuid.UUID, payload string) error {
	return translate(r.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_provider_payload": payload, "updated_at": time.Now()}).Error)
}

// DeletePending removes an intent that never reached the provider.
func (r *gormPaymentRepo) DeletePending(ctx context.Context, id uuid.UUID) error {
	return translate(r.db.WithContext(ctx).
		Where("id = ? AND status = ? AND provider_ref IS NULL", id, models.PaymentStatusPending).
		Delete(&models.PaymentIntent{}).Error)
}

func (r *gormPaymentRepo) ListPending(ctx context.Context, createdAfter, createdBefore time.Time, limit int) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at > ? AND created_at < ?", models.PaymentStatusPending, createdAfter, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&intents).Error
	return intents, translate(err)
}

func (r *gormPaymentRepo) ListCompletedUnfulfilled(ctx context.Context, limit int) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := r.db.WithContext(ctx).
		Joins("JOIN orders ON orders.id = payment_intents.order_id").
		Where("payment_intents.status = ? AND orders.status <> ?", models.PaymentStatusCompleted, models.OrderStatusCompleted).
		Limit(limit).
		Find(&intents).Error
	return intents, translate(err)
}
