package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/fx"
	"ticket-payment-service/metrics"
	"ticket-payment-service/models"
	"ticket-payment-service/providers"
	"ticket-payment-service/repository"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Quoter locks an FX conversion between the display and settlement currency.
type Quoter interface {
	QuotePair(ctx context.Context, displayCurrency, chargeCurrency string, displayAmountMinor, marginBps int64) (*fx.Quote, error)
}

// Finalizer turns a COMPLETED intent into issued tickets.
type Finalizer interface {
	Finalize(ctx context.Context, intentID uuid.UUID) (*FulfillmentResult, error)
}

type IntentConfig struct {
	SupportedCurrencies    []string
	MinAmount              map[string]int64 // minor units, per display currency
	MaxAmount              map[string]int64
	CardSettlementCurrency string
	MarginBps              int64
	ProviderTimeout        time.Duration
}

type CreateIntentRequest struct {
	IdempotencyKey string              `validate:"required,max=255"`
	OrderRef       *uuid.UUID          `validate:"-"`
	EventID        uuid.UUID           `validate:"-"`
	Lines          []models.TicketLine `validate:"omitempty,max=20,dive"`
	DisplayAmount  int64               `validate:"required,gt=0"`
	Currency       string              `validate:"required,len=3"`
	Provider       models.Provider     `validate:"required"`
	UserID         string              `validate:"max=64"`
	Buyer          models.BuyerContact `validate:"-"`
	ReturnURL      string              `validate:"omitempty,url"`
	CancelURL      string              `validate:"omitempty,url"`
}

type CreateIntentResult struct {
	PaymentID    uuid.UUID            `json:"payment_id"`
	OrderID      uuid.UUID            `json:"order_id"`
	ProviderRef  string               `json:"provider_ref,omitempty"`
	CheckoutURL  string               `json:"checkout_url,omitempty"`
	ClientSecret string               `json:"client_secret,omitempty"`
	Status       models.PaymentStatus `json:"status"`
	Replayed     bool                 `json:"replayed"`
}

// TransitionInput is a provider-reported status for one intent, from either
// a webhook or a poll.
type TransitionInput struct {
	IntentID    uuid.UUID
	Status      models.PaymentStatus
	ProviderRef string
	Amount      int64
	// AmountReported marks Amount as a provider claim that must equal the
	// charge. Unparseable reports arrive as a non-positive Amount.
	AmountReported bool
	Currency       string
	Raw            []byte
	Reason         string
	Source         string
}

type TransitionResult struct {
	Intent      *models.PaymentIntent
	Changed     bool
	Fulfillment *FulfillmentResult
}

type IntentService interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*CreateIntentResult, error)
	// UpdateStatus applies a status through a conditional update. It never
	// moves a terminal intent and reports whether this call changed the row.
	UpdateStatus(ctx context.Context, intentID uuid.UUID, status models.PaymentStatus, providerRef string, raw []byte, reason string) (*models.PaymentIntent, bool, error)
	Transition(ctx context.Context, in TransitionInput) (*TransitionResult, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error)
	GetByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.PaymentIntent, error)
}

type IntentDeps struct {
	Payments  repository.PaymentRepository
	Orders    repository.OrderRepository
	Providers *providers.Registry
	Quoter    Quoter
	Fulfiller Finalizer
	Publisher EventPublisher
	Metrics   metrics.Recorder
	Logger    *zap.Logger
}

type intentService struct {
	payments  repository.PaymentRepository
	orders    repository.OrderRepository
	providers *providers.Registry
	quoter    Quoter
	fulfiller Finalizer
	publisher EventPublisher
	metrics   metrics.Recorder
	logger    *zap.Logger
	cfg       IntentConfig
	validate  *validator.Validate
	now       func() time.Time
}

func NewIntentService(deps IntentDeps, cfg IntentConfig) IntentService {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 20 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Publisher == nil {
		deps.Publisher = MultiPublisher{}
	}
	return &intentService{
		payments:  deps.Payments,
		orders:    deps.Orders,
		providers: deps.Providers,
		quoter:    deps.Quoter,
		fulfiller: deps.Fulfiller,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
		validate:  validator.New(),
		now:       time.Now,
	}
}

func (s *intentService) CreateIntent(ctx context.Context, req CreateIntentRequest) (*CreateIntentResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRequest, err.Error(), err)
	}
	if err := s.validate.Struct(req.Buyer); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRequest, err.Error(), err)
	}
	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRequest, "unknown provider "+string(req.Provider), err)
	}

	existing, err := s.payments.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		return replayResult(existing), nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, storeError(err)
	}

	currency := strings.ToUpper(req.Currency)
	if err := s.checkAmount(currency, req.DisplayAmount); err != nil {
		return nil, err
	}
	if req.Provider == models.ProviderMobileMoneyB && req.Buyer.Phone == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRequest, "buyer phone is required for "+string(req.Provider), nil)
	}

	order, newOrder, err := s.resolveOrder(ctx, req, currency)
	if err != nil {
		return nil, err
	}
	if order.TotalAmount != req.DisplayAmount || !strings.EqualFold(order.Currency, currency) {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRequest,
			fmt.Sprintf("amount %d %s does not match order total %d %s", req.DisplayAmount, currency, order.TotalAmount, order.Currency), nil)
	}

	intent := &models.PaymentIntent{
		ID:              uuid.New(),
		OrderID:         order.ID,
		IdempotencyKey:  req.IdempotencyKey,
		Provider:        req.Provider,
		Status:          models.PaymentStatusPending,
		DisplayAmount:   req.DisplayAmount,
		DisplayCurrency: currency,
		ChargeAmount:    req.DisplayAmount,
		ChargeCurrency:  currency,
		FXNumerator:     1,
		FXDenominator:   1,
	}
	if settle := s.settlementCurrency(req.Provider, currency); settle != currency {
		q, err := s.quoter.QuotePair(ctx, currency, settle, req.DisplayAmount, s.cfg.MarginBps)
		if err != nil {
			return nil, err
		}
		intent.ChargeAmount = q.ChargeAmountMinor
		intent.ChargeCurrency = q.ChargeCurrency
		intent.FXNumerator = q.FXNumerator
		intent.FXDenominator = q.FXDenominator
		lockedAt := q.LockedAt
		intent.FXLockedAt = &lockedAt
	}

	if err := s.payments.CreateIntent(ctx, order, newOrder, intent); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// a concurrent request with the same key won the insert
			if winner, gerr := s.payments.GetByIdempotencyKey(ctx, req.IdempotencyKey); gerr == nil {
				return replayResult(winner), nil
			}
		}
		return nil, storeError(err)
	}

	log := s.logger.With(
		zap.String("payment_id", intent.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.String("provider", string(intent.Provider)),
	)
	log.Info("payment intent created",
		zap.Int64("display_amount", intent.DisplayAmount),
		zap.String("display_currency", intent.DisplayCurrency),
		zap.Int64("charge_amount", intent.ChargeAmount),
		zap.String("charge_currency", intent.ChargeCurrency),
	)

	return s.openAtProvider(ctx, provider, intent, order, req, log)
}

func (s *intentService) openAtProvider(ctx context.Context, provider providers.Provider, intent *models.PaymentIntent, order *models.Order, req CreateIntentRequest, log *zap.Logger) (*CreateIntentResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := provider.Create(callCtx, providers.CreateRequest{
		PaymentID:   intent.ID,
		OrderID:     order.ID,
		Amount:      intent.ChargeAmount,
		Currency:    intent.ChargeCurrency,
		Description: "Tickets " + strings.ToUpper(order.ID.String()[:8]),
		Buyer:       req.Buyer,
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
	})
	s.metrics.ProviderCall(intent.Provider, "create", err, time.Since(start))
	if err != nil {
		return nil, s.handleCreateFailure(context.WithoutCancel(ctx), provider, intent, err, log)
	}

	// the charge exists at the gateway now; finish bookkeeping even if the
	// caller goes away
	ctx = context.WithoutCancel(ctx)
	if err := s.payments.AttachProviderRef(ctx, intent.ID, res.ProviderRef, nonEmpty(res.CheckoutURL), nonEmpty(res.ClientSecret)); err != nil {
		log.Error("failed to attach provider reference", zap.String("provider_ref", res.ProviderRef), zap.Error(err))
		return nil, storeError(err)
	}
	if json.Valid(res.Raw) {
		if err := s.payments.RecordPayload(ctx, intent.ID, string(res.Raw)); err != nil {
			log.Warn("failed to record provider payload", zap.Error(err))
		}
	}

	log.Info("payment opened at provider", zap.String("provider_ref", res.ProviderRef))
	return &CreateIntentResult{
		PaymentID:    intent.ID,
		OrderID:      order.ID,
		ProviderRef:  res.ProviderRef,
		CheckoutURL:  res.CheckoutURL,
		ClientSecret: res.ClientSecret,
		Status:       models.PaymentStatusPending,
	}, nil
}

func (s *intentService) handleCreateFailure(ctx context.Context, provider providers.Provider, intent *models.PaymentIntent, cause error, log *zap.Logger) error {
	mapped := providerError(cause)

	switch {
	case errors.Is(cause, providers.ErrRejected):
		log.Warn("provider rejected payment", zap.Error(cause))
		if _, err := s.Transition(ctx, TransitionInput{
			IntentID: intent.ID,
			Status:   models.PaymentStatusFailed,
			Reason:   models.ReasonProviderRejected,
			Source:   "create",
		}); err != nil {
			log.Error("failed to record rejection", zap.Error(err))
		}
		return mapped

	case errors.Is(cause, providers.ErrInvalidRequest):
		log.Warn("provider refused request", zap.Error(cause))

	default:
		if _, ok := provider.(providers.ClientReferenced); ok {
			// the gateway may hold a transaction under our id; the
			// reconciler decides its fate
			log.Warn("provider create failed, intent kept for reconciliation", zap.Error(cause))
			return mapped
		}
		log.Warn("provider create failed, intent discarded", zap.Error(cause))
	}

	if err := s.payments.DeletePending(ctx, intent.ID); err != nil {
		log.Error("failed to discard pending intent", zap.Error(err))
	}
	return mapped
}

func (s *intentService) resolveOrder(ctx context.Context, req CreateIntentRequest, currency string) (*models.Order, bool, error) {
	if req.OrderRef != nil {
		order, err := s.orders.GetOrder(ctx, *req.OrderRef)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, false, apperrors.Wrap(apperrors.ErrNotFound, "order not found", err)
			}
			return nil, false, storeError(err)
		}
		if order.Status != models.OrderStatusAwaitingPayment {
			return nil, false, apperrors.Wrap(apperrors.ErrInvalidRequest, "order is "+string(order.Status), nil)
		}
		return order, false, nil
	}

	order, err := s.orders.GetOrderByCheckoutKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		if order.Status != models.OrderStatusAwaitingPayment {
			return nil, false, apperrors.Wrap(apperrors.ErrInvalidRequest, "order is "+string(order.Status), nil)
		}
		return order, false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, false, storeError(err)
	}

	if req.EventID == uuid.Nil || len(req.Lines) == 0 {
		return nil, false, apperrors.Wrap(apperrors.ErrInvalidRequest, "event_id and ticket_lines are required without order_id", nil)
	}

	// one line per ticket type keeps ticket units unique
	quantities := make(map[uuid.UUID]int)
	var ids []uuid.UUID
	for _, l := range req.Lines {
		if _, seen := quantities[l.TicketTypeID]; !seen {
			ids = append(ids, l.TicketTypeID)
		}
		quantities[l.TicketTypeID] += l.Quantity
	}

	types, err := s.orders.GetTicketTypes(ctx, ids)
	if err != nil {
		return nil, false, storeError(err)
	}
	byID := make(map[uuid.UUID]models.TicketType, len(types))
	for _, t := range types {
		byID[t.ID] = t
	}

	key := req.IdempotencyKey
	order = &models.Order{
		ID:          uuid.New(),
		CheckoutKey: &key,
		EventID:     req.EventID,
		UserID:      req.UserID,
		BuyerName:   req.Buyer.Name,
		BuyerEmail:  req.Buyer.Email,
		BuyerPhone:  req.Buyer.Phone,
		Status:      models.OrderStatusAwaitingPayment,
		Currency:    currency,
	}
	for _, id := range ids {
		t, ok := byID[id]
		if !ok || t.EventID != req.EventID {
			return nil, false, apperrors.Wrap(apperrors.ErrInvalidRequest, "unknown ticket type "+id.String(), nil)
		}
		if !strings.EqualFold(t.Currency, currency) {
			return nil, false, apperrors.Wrap(apperrors.ErrInvalidRequest, "ticket type "+id.String()+" is priced in "+t.Currency, nil)
		}
		qty := quantities[id]
		order.Lines = append(order.Lines, models.OrderLine{
			ID:           uuid.New(),
			OrderID:      order.ID,
			TicketTypeID: id,
			Quantity:     qty,
			UnitPrice:    t.Price,
		})
		order.TotalAmount += t.Price * int64(qty)
	}
	return order, true, nil
}

func (s *intentService) checkAmount(currency string, amount int64) error {
	supported := false
	for _, c := range s.cfg.SupportedCurrencies {
		if strings.EqualFold(c, currency) {
			supported = true
			break
		}
	}
	if !supported {
		return apperrors.Wrap(apperrors.ErrUnsupportedCurrency, "currency "+currency+" is not supported", nil)
	}
	if lo, ok := s.cfg.MinAmount[currency]; ok && amount < lo {
		return apperrors.Wrap(apperrors.ErrAmountOutOfBounds, fmt.Sprintf("minimum amount is %d %s", lo, currency), nil)
	}
	if hi, ok := s.cfg.MaxAmount[currency]; ok && amount > hi {
		return apperrors.Wrap(apperrors.ErrAmountOutOfBounds, fmt.Sprintf("maximum amount is %d %s", hi, currency), nil)
	}
	return nil
}

// settlementCurrency is what the gateway actually charges. Card payments
// settle in one configured currency; mobile money settles as displayed.
func (s *intentService) settlementCurrency(p models.Provider, display string) string {
	if p == models.ProviderCard && s.cfg.CardSettlementCurrency != "" {
		return strings.ToUpper(s.cfg.CardSettlementCurrency)
	}
	return display
}

func (s *intentService) UpdateStatus(ctx context.Context, intentID uuid.UUID, status models.PaymentStatus, providerRef string, raw []byte, reason string) (*models.PaymentIntent, bool, error) {
	intent, err := s.payments.GetByID(ctx, intentID)
	if err != nil {
		return nil, false, storeError(err)
	}
	return s.updateStatus(ctx, intent, status, providerRef, raw, reason)
}

func (s *intentService) updateStatus(ctx context.Context, intent *models.PaymentIntent, status models.PaymentStatus, providerRef string, raw []byte, reason string) (*models.PaymentIntent, bool, error) {
	if intent.Status.Terminal() {
		return intent, false, nil
	}

	var payload *string
	if len(raw) > 0 && json.Valid(raw) {
		p := string(raw)
		payload = &p
	}

	if providerRef != "" && intent.ProviderRef == nil {
		if err := s.payments.AttachProviderRef(ctx, intent.ID, providerRef, nil, nil); err != nil {
			s.logger.Warn("failed to attach provider reference",
				zap.String("payment_id", intent.ID.String()),
				zap.String("provider_ref", providerRef),
				zap.Error(err),
			)
		}
	}

	if status != models.PaymentStatusCompleted && status != models.PaymentStatusFailed {
		if payload != nil {
			if err := s.payments.RecordPayload(ctx, intent.ID, *payload); err != nil {
				return nil, false, storeError(err)
			}
		}
		return intent, false, nil
	}

	var reasonPtr *string
	if status == models.PaymentStatusFailed {
		reasonPtr = &reason
	}
	changed, err := s.payments.TransitionStatus(ctx, intent.ID, status, reasonPtr, payload, s.now().UTC())
	if err != nil {
		return nil, false, storeError(err)
	}

	updated, err := s.payments.GetByID(ctx, intent.ID)
	if err != nil {
		return nil, changed, storeError(err)
	}
	return updated, changed, nil
}

func (s *intentService) Transition(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	intent, err := s.payments.GetByID(ctx, in.IntentID)
	if err != nil {
		return nil, storeError(err)
	}
	log := s.logger.With(
		zap.String("payment_id", intent.ID.String()),
		zap.String("order_id", intent.OrderID.String()),
		zap.String("provider", string(intent.Provider)),
		zap.String("source", in.Source),
	)

	status, reason := in.Status, in.Reason
	if status == models.PaymentStatusCompleted && amountMismatch(intent, in) {
		log.Error("provider reported amount differs from charge",
			zap.Int64("charge_amount", intent.ChargeAmount),
			zap.String("charge_currency", intent.ChargeCurrency),
			zap.Int64("reported_amount", in.Amount),
			zap.String("reported_currency", in.Currency),
		)
		status, reason = models.PaymentStatusFailed, models.ReasonAmountMismatch
	}
	if status == models.PaymentStatusFailed && reason == "" {
		reason = models.ReasonProviderFailed
	}

	updated, changed, err := s.updateStatus(ctx, intent, status, in.ProviderRef, in.Raw, reason)
	if err != nil {
		return nil, err
	}
	res := &TransitionResult{Intent: updated, Changed: changed}

	if changed {
		s.metrics.PaymentTransition(updated.Provider, updated.Status)
		log.Info("payment intent transitioned", zap.String("status", string(updated.Status)))
	}

	// also re-run on no-op transitions so an earlier failed fulfillment heals
	var finalizeErr error
	if updated.Status == models.PaymentStatusCompleted {
		res.Fulfillment, finalizeErr = s.fulfiller.Finalize(ctx, updated.ID)
	}
	if changed && res.Fulfillment != nil && res.Fulfillment.FulfilledBy != nil {
		s.metrics.DuplicatePayment(updated.Provider)
	}

	if changed {
		s.publish(ctx, updated, res.Fulfillment, log)
	}
	if finalizeErr != nil {
		return res, finalizeErr
	}
	return res, nil
}

func (s *intentService) publish(ctx context.Context, intent *models.PaymentIntent, fr *FulfillmentResult, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	event := models.PaymentEvent{
		Type:          models.EventPaymentSucceeded,
		OrderID:       intent.OrderID.String(),
		PaymentID:     intent.ID.String(),
		Provider:      intent.Provider,
		ProviderRef:   intent.Ref(),
		Status:        string(intent.Status),
		Amount:        intent.ChargeAmount,
		Currency:      intent.ChargeCurrency,
		DisplayAmount: intent.DisplayAmount,
		Timestamp:     s.now().UTC(),
	}
	if intent.Status == models.PaymentStatusFailed {
		event.Type = models.EventPaymentFailed
		if intent.FailureReason != nil {
			event.Reason = *intent.FailureReason
		}
	}
	if fr != nil {
		event.TicketsIssued = fr.Issued
	}
	if order, err := s.orders.GetOrder(ctx, intent.OrderID); err == nil {
		event.UserID = order.UserID
	}

	if err := s.publisher.PublishPaymentEvent(ctx, event); err != nil {
		log.Warn("failed to publish payment event", zap.String("type", event.Type), zap.Error(err))
	}
}

func (s *intentService) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	intent, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	return intent, nil
}

func (s *intentService) GetByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	intent, err := s.payments.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, storeError(err)
	}
	return intent, nil
}

func (s *intentService) GetByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.PaymentIntent, error) {
	intent, err := s.payments.GetByProviderRef(ctx, provider, ref)
	if err != nil {
		return nil, storeError(err)
	}
	return intent, nil
}

func amountMismatch(intent *models.PaymentIntent, in TransitionInput) bool {
	if in.AmountReported && (in.Amount <= 0 || in.Amount != intent.ChargeAmount) {
		return true
	}
	return in.Currency != "" && !strings.EqualFold(in.Currency, intent.ChargeCurrency)
}

func replayResult(intent *models.PaymentIntent) *CreateIntentResult {
	res := &CreateIntentResult{
		PaymentID:   intent.ID,
		OrderID:     intent.OrderID,
		ProviderRef: intent.Ref(),
		Status:      intent.Status,
		Replayed:    true,
	}
	if intent.CheckoutURL != nil {
		res.CheckoutURL = *intent.CheckoutURL
	}
	if intent.ClientSecret != nil {
		res.ClientSecret = *intent.ClientSecret
	}
	return res
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
