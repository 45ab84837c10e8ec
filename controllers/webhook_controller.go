package controllers

import (
	"context"
	"io"
	"net/http"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/models"
	"ticket-payment-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type WebhookHandler interface {
	Handle(ctx context.Context, provider models.Provider, body []byte, headers http.Header) (*services.WebhookOutcome, error)
}

type WebhookController struct {
	Webhooks WebhookHandler
	Logger   *zap.Logger
}

// Receive handles POST /webhooks/:provider.
func (wc *WebhookController) Receive(c *gin.Context) {
	provider, ok := providerFromParam(c.Param("provider"))
	if !ok {
		respondError(c, wc.Logger, apperrors.Wrap(apperrors.ErrNotFound, "unknown provider", nil))
		return
	}
	wc.handle(c, provider)
}

// StripeWebhook keeps the original Stripe endpoint working.
func (wc *WebhookController) StripeWebhook(c *gin.Context) {
	wc.handle(c, models.ProviderCard)
}

func (wc *WebhookController) handle(c *gin.Context, provider models.Provider) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		respondError(c, wc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "unreadable body", err))
		return
	}

	outcome, err := wc.Webhooks.Handle(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		respondError(c, wc.Logger, err)
		return
	}

	if outcome.Decision == services.DecisionRetry {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "retry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "received",
		"duplicate": outcome.Duplicate,
		"unmatched": outcome.Unmatched,
	})
}
