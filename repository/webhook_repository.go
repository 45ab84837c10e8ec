package repository

import (
	"context"
	"time"

	"ticket-payment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventRepository interface {
	// Record inserts the event unless (provider, event_key) exists. It returns
	// the stored row and whether this call created it.
	Record(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, note *string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}

type gormWebhookRepo struct {
	db *gorm.DB
}

func NewGormWebhookRepo(db *gorm.DB) WebhookEventRepository {
	return &gormWebhookRepo{db: db}
}

func (r *gormWebhookRepo) Record(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ev)
	if res.Error != nil {
		return nil, false, translate(res.Error)
	}
	if res.RowsAffected == 1 {
		return ev, true, nil
	}

	var existing models.WebhookEvent
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND event_key = ?", ev.Provider, ev.EventKey).
		First(&existing).Error; err != nil {
		return nil, false, translate(err)
	}
	return &existing, false, nil
}

func (r *gormWebhookRepo) MarkProcessed(ctx context.Context, id uuid.UUID, note *string, at time.Time) error {
	return translate(r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":        true,
			"processed_at":     at,
			"note":             note,
			"processing_error": nil,
			"updated_at":       at,
		}).Error)
}

func (r *gormWebhookRepo) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return translate(r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"processing_error": msg,
			"updated_at":       time.Now(),
		}).Error)
}
