package services

import (
	"context"
	"encoding/json"
	"strings"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/models"
	aws_pkg "ticket-payment-service/pkg/aws"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentRequestConsumer opens payments requested by the checkout flow over
// SQS. Requests carry their own idempotency key, so redelivery is safe.
type PaymentRequestConsumer struct {
	sqsConsumer *aws_pkg.SQSConsumer
	intents     IntentService
	logger      *zap.Logger
}

func NewPaymentRequestConsumer(sqsConsumer *aws_pkg.SQSConsumer, intents IntentService, logger *zap.Logger) *PaymentRequestConsumer {
	return &PaymentRequestConsumer{
		sqsConsumer: sqsConsumer,
		intents:     intents,
		logger:      logger,
	}
}

func (c *PaymentRequestConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting PaymentRequestConsumer (SQS)")
	return c.sqsConsumer.StartPolling(ctx, c.handle)
}

// handle returns an error only when a retry could succeed; permanently bad
// requests are logged and dropped.
func (c *PaymentRequestConsumer) handle(ctx context.Context, body string) error {
	var req models.PaymentRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		c.logger.Warn("Invalid payment request JSON, dropping", zap.Error(err))
		return nil
	}
	log := c.logger.With(zap.String("idempotency_key", req.IdempotencyKey))

	in := CreateIntentRequest{
		IdempotencyKey: req.IdempotencyKey,
		Lines:          req.Lines,
		DisplayAmount:  req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		Provider:       req.Provider,
		UserID:         req.UserID,
		Buyer:          req.Buyer,
		ReturnURL:      req.ReturnURL,
		CancelURL:      req.CancelURL,
	}
	if req.OrderID != "" {
		orderID, err := uuid.Parse(req.OrderID)
		if err != nil {
			log.Warn("Invalid order_id format, dropping", zap.String("order_id", req.OrderID), zap.Error(err))
			return nil
		}
		in.OrderRef = &orderID
	}
	if req.EventID != "" {
		eventID, err := uuid.Parse(req.EventID)
		if err != nil {
			log.Warn("Invalid event_id format, dropping", zap.String("event_id", req.EventID), zap.Error(err))
			return nil
		}
		in.EventID = eventID
	}

	res, err := c.intents.CreateIntent(ctx, in)
	if err != nil {
		appErr := apperrors.From(err)
		if appErr.Retryable || appErr.Code == apperrors.CodeInternal {
			log.Warn("Payment request failed, will be redelivered", zap.String("code", appErr.Code), zap.Error(err))
			return err
		}
		log.Warn("Payment request rejected, dropping", zap.String("code", appErr.Code), zap.Error(err))
		return nil
	}

	log.Info("Payment request processed",
		zap.String("payment_id", res.PaymentID.String()),
		zap.String("order_id", res.OrderID.String()),
		zap.Bool("replayed", res.Replayed),
	)
	return nil
}
