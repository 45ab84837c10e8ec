package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// SQSConsumer long-polls one queue.
type SQSConsumer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

func NewSQSConsumer(cfg aws.Config, queueURL string, logger *zap.Logger) *SQSConsumer {
	return &SQSConsumer{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		logger:   logger.With(zap.String("queue_url", queueURL)),
	}
}

// MessageHandler processes one message body. A nil error deletes the
// message; any error leaves it for redelivery after the visibility timeout.
type MessageHandler func(ctx context.Context, body string) error

// StartPolling runs until ctx is cancelled.
func (c *SQSConsumer) StartPolling(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("sqs polling started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sqs polling stopped")
			return nil
		default:
		}
		if err := c.pollOnce(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("sqs poll failed", zap.Error(err))
		}
	}
}

func (c *SQSConsumer) pollOnce(ctx context.Context, handler MessageHandler) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &c.queueURL,
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	for _, msg := range result.Messages {
		if msg.Body == nil {
			continue
		}
		if err := handler(ctx, *msg.Body); err != nil {
			c.logger.Warn("sqs message left for redelivery", zap.Stringp("message_id", msg.MessageId), zap.Error(err))
			continue
		}
		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &c.queueURL,
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			c.logger.Warn("sqs delete failed", zap.Stringp("message_id", msg.MessageId), zap.Error(err))
		}
	}
	return nil
}
