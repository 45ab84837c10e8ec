package controllers

import (
	"context"
	"net/http"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/middleware"
	"ticket-payment-service/models"
	"ticket-payment-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Reconciler interface {
	Reconcile(ctx context.Context, intentID uuid.UUID) (*services.ReconcileResult, error)
	ReconcileByProviderRef(ctx context.Context, provider models.Provider, ref string) (*services.ReconcileResult, error)
	Audit(ctx context.Context, intentID uuid.UUID) (*services.ReconcileResult, error)
}

type TicketLister interface {
	Order(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	Tickets(ctx context.Context, orderID uuid.UUID) (*models.Order, []models.Ticket, error)
}

type PaymentController struct {
	Intents    services.IntentService
	Reconciler Reconciler
	Tickets    TicketLister
	Logger     *zap.Logger
}

type createPaymentRequest struct {
	IdempotencyKey string              `json:"idempotency_key"`
	OrderID        *uuid.UUID          `json:"order_id"`
	EventID        uuid.UUID           `json:"event_id"`
	TicketLines    []models.TicketLine `json:"ticket_lines"`
	DisplayAmount  int64               `json:"display_amount" binding:"required"`
	Currency       string              `json:"currency" binding:"required"`
	Provider       string              `json:"provider" binding:"required"`
	Buyer          models.BuyerContact `json:"buyer"`
	ReturnURL      string              `json:"return_url"`
	CancelURL      string              `json:"cancel_url"`
}

// CreatePayment opens a payment intent. A replayed idempotency key returns
// the original intent with 200 instead of 201.
func (pc *PaymentController) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "invalid request body", err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	provider, ok := providerFromParam(req.Provider)
	if !ok {
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "unknown provider "+req.Provider, nil))
		return
	}

	res, err := pc.Intents.CreateIntent(c.Request.Context(), services.CreateIntentRequest{
		IdempotencyKey: req.IdempotencyKey,
		OrderRef:       req.OrderID,
		EventID:        req.EventID,
		Lines:          req.TicketLines,
		DisplayAmount:  req.DisplayAmount,
		Currency:       req.Currency,
		Provider:       provider,
		UserID:         middleware.GetUserID(c),
		Buyer:          req.Buyer,
		ReturnURL:      req.ReturnURL,
		CancelURL:      req.CancelURL,
	})
	if err != nil {
		respondError(c, pc.Logger, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

type verifyPaymentRequest struct {
	PaymentID   *uuid.UUID `json:"payment_id"`
	ProviderRef string     `json:"provider_ref"`
	Provider    string     `json:"provider"`
	OrderID     *uuid.UUID `json:"order_id"`
	// Audit re-checks a final payment with the provider instead of
	// returning the stored outcome.
	Audit bool `json:"audit"`
}

// VerifyPayment asks the provider for the current status and applies it.
func (pc *PaymentController) VerifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "invalid request body", err))
		return
	}

	var (
		res *services.ReconcileResult
		err error
	)
	switch {
	case req.Audit && req.PaymentID == nil:
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "payment_id is required for an audit", nil))
		return
	case req.Audit:
		res, err = pc.Reconciler.Audit(c.Request.Context(), *req.PaymentID)
	case req.PaymentID != nil:
		res, err = pc.Reconciler.Reconcile(c.Request.Context(), *req.PaymentID)
	case req.ProviderRef != "":
		provider, ok := providerFromParam(req.Provider)
		if !ok {
			respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "provider is required with provider_ref", nil))
			return
		}
		res, err = pc.Reconciler.ReconcileByProviderRef(c.Request.Context(), provider, req.ProviderRef)
	default:
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "payment_id or provider_ref is required", nil))
		return
	}
	if err != nil {
		respondError(c, pc.Logger, err)
		return
	}
	if req.OrderID != nil && *req.OrderID != res.OrderID {
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrNotFound, "payment not found for order", nil))
		return
	}

	body := gin.H{
		"payment_id": res.PaymentID,
		"status":     publicStatus(res.Status),
		"order_id":   res.OrderID,
		"message":    res.Message,
	}
	if res.Reason != "" {
		body["reason"] = res.Reason
	}
	c.JSON(http.StatusOK, body)
}

// ownsOrder reports whether the caller may see order. Orders created without
// a user are visible to any authenticated caller.
func ownsOrder(c *gin.Context, order *models.Order) bool {
	return order.UserID == "" || order.UserID == middleware.GetUserID(c)
}

// GetPayment returns the stored intent. Payments for another user's order
// are reported as not found.
func (pc *PaymentController) GetPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "invalid payment id", err))
		return
	}
	intent, err := pc.Intents.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, pc.Logger, err)
		return
	}
	order, err := pc.Tickets.Order(c.Request.Context(), intent.OrderID)
	if err != nil {
		respondError(c, pc.Logger, err)
		return
	}
	if !ownsOrder(c, order) {
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrNotFound, "payment not found", nil))
		return
	}
	c.JSON(http.StatusOK, intent)
}

// GetOrderTickets lists issued tickets. Orders owned by another user are
// reported as not found.
func (pc *PaymentController) GetOrderTickets(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "invalid order id", err))
		return
	}
	order, tickets, err := pc.Tickets.Tickets(c.Request.Context(), id)
	if err != nil {
		respondError(c, pc.Logger, err)
		return
	}
	if !ownsOrder(c, order) {
		respondError(c, pc.Logger, apperrors.Wrap(apperrors.ErrNotFound, "order not found", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": order.ID,
		"status":   order.Status,
		"tickets":  tickets,
	})
}
