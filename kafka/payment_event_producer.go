package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ticket-payment-service/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PaymentEventProducer publishes PaymentEvents keyed by order id, so every
// event for one order lands on the same partition.
type PaymentEventProducer struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

func NewPaymentEventProducer(brokers []string, topic string, logger *zap.Logger) *PaymentEventProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 5 * time.Second,
	}
	logger.Info("kafka producer initialized", zap.String("topic", topic), zap.Strings("brokers", brokers))
	return &PaymentEventProducer{writer: w, topic: topic, logger: logger}
}

func (p *PaymentEventProducer) PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.OrderID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s: %w", p.topic, err)
	}

	p.logger.Debug("payment event sent",
		zap.String("type", event.Type),
		zap.String("order_id", event.OrderID),
		zap.String("payment_id", event.PaymentID),
	)
	return nil
}

func (p *PaymentEventProducer) Close() error {
	return p.writer.Close()
}
