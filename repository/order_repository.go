package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticket-payment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OrderRepository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetOrderByCheckoutKey(ctx context.Context, key string) (*models.Order, error)
	GetTicketTypes(ctx context.Context, ids []uuid.UUID) ([]models.TicketType, error)
	// Fulfill issues every ticket for the order and completes it atomically.
	// alreadyFulfilled is set, with issued == 0, when tickets already exist.
	Fulfill(ctx context.Context, orderID, intentID uuid.UUID, at time.Time) (issued int, alreadyFulfilled bool, err error)
	ListTickets(ctx context.Context, orderID uuid.UUID) ([]models.Ticket, error)
}

type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Preload("Lines").Where("id = ?", id).First(&order).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (r *GormOrderRepository) GetOrderByCheckoutKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Preload("Lines").Where("checkout_key = ?", key).First(&order).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (r *GormOrderRepository) GetTicketTypes(ctx context.Context, ids []uuid.UUID) ([]models.TicketType, error) {
	var types []models.TicketType
	if len(ids) == 0 {
		return types, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&types).Error
	return types, translate(err)
}

func (r *GormOrderRepository) Fulfill(ctx context.Context, orderID, intentID uuid.UUID, at time.Time) (int, bool, error) {
	issued := 0
	already := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", orderID).
			First(&order).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.Ticket{}).Where("order_id = ?", orderID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			already = true
			return nil
		}

		var lines []models.OrderLine
		if err := tx.Where("order_id = ?", orderID).Find(&lines).Error; err != nil {
			return err
		}
		tickets := NewTickets(&order, lines, intentID, at)
		if len(tickets) == 0 {
			return fmt.Errorf("order %s has no ticket lines", orderID)
		}
		if err := tx.CreateInBatches(tickets, 100).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).Updates(map[string]interface{}{
			"status":       models.OrderStatusCompleted,
			"completed_at": at,
			"updated_at":   at,
		}).Error; err != nil {
			return err
		}
		issued = len(tickets)
		return nil
	})
	if err != nil {
		// a concurrent fulfillment won; any other collision, such as a ticket
		// code, is a real failure
		if violatesConstraint(err, ticketUnitIndex) {
			return 0, true, nil
		}
		return 0, false, translate(err)
	}
	return issued, already, nil
}

func (r *GormOrderRepository) ListTickets(ctx context.Context, orderID uuid.UUID) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("ticket_type_id, unit").
		Find(&tickets).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, translate(err)
	}
	return tickets, nil
}

// NewTickets expands order lines into one ticket per unit.
func NewTickets(order *models.Order, lines []models.OrderLine, intentID uuid.UUID, at time.Time) []models.Ticket {
	var tickets []models.Ticket
	for _, l := range lines {
		for unit := 1; unit <= l.Quantity; unit++ {
			tickets = append(tickets, models.Ticket{
				ID:              uuid.New(),
				OrderID:         order.ID,
				TicketTypeID:    l.TicketTypeID,
				Unit:            unit,
				EventID:         order.EventID,
				PaymentIntentID: intentID,
				Code:            ticketCode(),
				Status:          models.TicketStatusValid,
				IssuedAt:        at,
			})
		}
	}
	return tickets
}

func ticketCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}
