package services

import (
	"context"
	"fmt"
	"time"

	"ticket-payment-service/metrics"
	"ticket-payment-service/models"
	"ticket-payment-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FulfillmentResult describes one Finalize call. AlreadyFulfilled is a normal
// outcome, not an error.
type FulfillmentResult struct {
	OrderID          uuid.UUID `json:"order_id"`
	Issued           int       `json:"issued"`
	AlreadyFulfilled bool      `json:"already_fulfilled"`
	// FulfilledBy names the other payment whose tickets the order holds. The
	// finalized payment then captured money for nothing.
	FulfilledBy *uuid.UUID `json:"fulfilled_by,omitempty"`
	// Skipped is set when the intent is not COMPLETED.
	Skipped bool `json:"skipped,omitempty"`
}

type FulfillmentService struct {
	payments repository.PaymentRepository
	orders   repository.OrderRepository
	metrics  metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewFulfillmentService(payments repository.PaymentRepository, orders repository.OrderRepository, rec metrics.Recorder, logger *zap.Logger) *FulfillmentService {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &FulfillmentService{
		payments: payments,
		orders:   orders,
		metrics:  rec,
		logger:   logger,
		now:      time.Now,
	}
}

// Finalize issues the order's tickets exactly once. It is safe to call any
// number of times, concurrently, from webhooks, polls and sweeps.
func (s *FulfillmentService) Finalize(ctx context.Context, intentID uuid.UUID) (*FulfillmentResult, error) {
	intent, err := s.payments.GetByID(ctx, intentID)
	if err != nil {
		return nil, storeError(err)
	}
	res := &FulfillmentResult{OrderID: intent.OrderID}
	if intent.Status != models.PaymentStatusCompleted {
		res.Skipped = true
		return res, nil
	}

	log := s.logger.With(
		zap.String("payment_id", intent.ID.String()),
		zap.String("order_id", intent.OrderID.String()),
	)

	issued, already, err := s.orders.Fulfill(ctx, intent.OrderID, intent.ID, s.now().UTC())
	if err != nil {
		s.metrics.FulfillmentFailed()
		log.Error("fulfillment rolled back", zap.Error(err))
		return nil, fmt.Errorf("fulfill order %s: %w", intent.OrderID, storeError(err))
	}

	res.Issued = issued
	res.AlreadyFulfilled = already
	if issued > 0 {
		s.metrics.TicketsIssued(issued)
		log.Info("tickets issued", zap.Int("count", issued))
		return res, nil
	}

	tickets, err := s.orders.ListTickets(ctx, intent.OrderID)
	if err != nil {
		log.Warn("failed to check which payment fulfilled the order", zap.Error(err))
		return res, nil
	}
	if len(tickets) > 0 && tickets[0].PaymentIntentID != intent.ID {
		other := tickets[0].PaymentIntentID
		res.FulfilledBy = &other
		log.Warn("order already fulfilled by another payment",
			zap.String("fulfilled_by", other.String()),
			zap.String("provider", string(intent.Provider)),
		)
		return res, nil
	}
	log.Debug("order already fulfilled")
	return res, nil
}

func (s *FulfillmentService) Order(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, storeError(err)
	}
	return order, nil
}

// Tickets returns the order with what has been issued for it.
func (s *FulfillmentService) Tickets(ctx context.Context, orderID uuid.UUID) (*models.Order, []models.Ticket, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, storeError(err)
	}
	tickets, err := s.orders.ListTickets(ctx, orderID)
	if err != nil {
		return nil, nil, storeError(err)
	}
	return order, tickets, nil
}
