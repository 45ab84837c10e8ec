package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ticket-payment-service/models"
	aws_pkg "ticket-payment-service/pkg/aws"
)

// EventPublisher announces terminal payment outcomes to downstream services.
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error
}

// SNSEventPublisher publishes PaymentEvents as JSON to an SNS topic.
type SNSEventPublisher struct {
	sns      aws_pkg.SNSPublisher
	topicArn string
}

func NewSNSEventPublisher(sns aws_pkg.SNSPublisher, topicArn string) *SNSEventPublisher {
	return &SNSEventPublisher{sns: sns, topicArn: topicArn}
}

func (p *SNSEventPublisher) PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}
	return p.sns.Publish(ctx, p.topicArn, body, map[string]string{
		"event_type": event.Type,
		"provider":   string(event.Provider),
	})
}

// MultiPublisher fans an event out to every publisher and joins their errors.
type MultiPublisher []EventPublisher

func (m MultiPublisher) PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishPaymentEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
