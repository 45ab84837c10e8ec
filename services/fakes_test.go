package services_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ticket-payment-service/fx"
	"ticket-payment-service/metrics"
	"ticket-payment-service/models"
	"ticket-payment-service/providers"
	"ticket-payment-service/repository"

	"github.com/google/uuid"
)

// ---- in-memory store ----

// memStore implements the payment, order and webhook repositories with the
// same conditional-update semantics as the SQL implementations.
type memStore struct {
	mu          sync.Mutex
	intents     map[uuid.UUID]*models.PaymentIntent
	orders      map[uuid.UUID]*models.Order
	ticketTypes map[uuid.UUID]models.TicketType
	tickets     map[uuid.UUID][]models.Ticket
	events      map[string]*models.WebhookEvent
	fulfillErr  error
	payloads    int
}

func newMemStore() *memStore {
	return &memStore{
		intents:     map[uuid.UUID]*models.PaymentIntent{},
		orders:      map[uuid.UUID]*models.Order{},
		ticketTypes: map[uuid.UUID]models.TicketType{},
		tickets:     map[uuid.UUID][]models.Ticket{},
		events:      map[string]*models.WebhookEvent{},
	}
}

func (s *memStore) addTicketType(eventID uuid.UUID, price int64, currency string) models.TicketType {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt := models.TicketType{ID: uuid.New(), EventID: eventID, Name: "General", Price: price, Currency: currency}
	s.ticketTypes[tt.ID] = tt
	return tt
}

func (s *memStore) intent(id uuid.UUID) models.PaymentIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.intents[id]
}

func (s *memStore) order(id uuid.UUID) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orders[id]
}

func (s *memStore) ticketCount(orderID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets[orderID])
}

func (s *memStore) intentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents)
}

// age moves an intent's creation time into the past.
func (s *memStore) age(id uuid.UUID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[id].CreatedAt = s.intents[id].CreatedAt.Add(-d)
}

// PaymentRepository

func (s *memStore) CreateIntent(_ context.Context, order *models.Order, newOrder bool, intent *models.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.intents {
		if existing.IdempotencyKey == intent.IdempotencyKey {
			return repository.ErrDuplicate
		}
	}
	if newOrder {
		cp := *order
		s.orders[order.ID] = &cp
	}
	cp := *intent
	cp.CreatedAt = time.Now()
	s.intents[intent.ID] = &cp
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *memStore) GetByIdempotencyKey(_ context.Context, key string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.IdempotencyKey == key {
			cp := *in
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) GetByProviderRef(_ context.Context, provider models.Provider, ref string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.Provider == provider && in.Ref() == ref {
			cp := *in
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) AttachProviderRef(_ context.Context, id uuid.UUID, ref string, checkoutURL, clientSecret *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.ProviderRef != nil {
		return nil
	}
	r := ref
	in.ProviderRef = &r
	in.CheckoutURL = checkoutURL
	in.ClientSecret = clientSecret
	return nil
}

func (s *memStore) TransitionStatus(_ context.Context, id uuid.UUID, to models.PaymentStatus, reason, payload *string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.Status != models.PaymentStatusPending {
		return false, nil
	}
	in.Status = to
	in.LastProviderPayload = payload
	switch to {
	case models.PaymentStatusCompleted:
		in.CompletedAt = &at
	case models.PaymentStatusFailed:
		in.FailedAt = &at
		in.FailureReason = reason
		if o, ok := s.orders[in.OrderID]; ok && o.Status == models.OrderStatusAwaitingPayment {
			o.Status = models.OrderStatusFailed
			o.FailedAt = &at
		}
	}
	return true, nil
}

func (s *memStore) RecordPayload(_ context.Context, id uuid.UUID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[id]; ok {
		in.LastProviderPayload = &payload
		s.payloads++
	}
	return nil
}

func (s *memStore) DeletePending(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[id]; ok && in.Status == models.PaymentStatusPending {
		delete(s.intents, id)
	}
	return nil
}

func (s *memStore) ListPending(_ context.Context, createdAfter, createdBefore time.Time, limit int) ([]models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentIntent
	for _, in := range s.intents {
		if in.Status == models.PaymentStatusPending && in.CreatedAt.After(createdAfter) && in.CreatedAt.Before(createdBefore) {
			out = append(out, *in)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) ListCompletedUnfulfilled(_ context.Context, limit int) ([]models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentIntent
	for _, in := range s.intents {
		if in.Status == models.PaymentStatusCompleted && len(s.tickets[in.OrderID]) == 0 {
			out = append(out, *in)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// OrderRepository

func (s *memStore) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) GetOrderByCheckoutKey(_ context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.CheckoutKey != nil && *o.CheckoutKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) GetTicketTypes(_ context.Context, ids []uuid.UUID) ([]models.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TicketType
	for _, id := range ids {
		if tt, ok := s.ticketTypes[id]; ok {
			out = append(out, tt)
		}
	}
	return out, nil
}

func (s *memStore) Fulfill(_ context.Context, orderID, intentID uuid.UUID, at time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fulfillErr != nil {
		return 0, false, s.fulfillErr
	}
	o, ok := s.orders[orderID]
	if !ok {
		return 0, false, repository.ErrNotFound
	}
	if len(s.tickets[orderID]) > 0 {
		return 0, true, nil
	}
	tickets := repository.NewTickets(o, o.Lines, intentID, at)
	s.tickets[orderID] = tickets
	o.Status = models.OrderStatusCompleted
	o.CompletedAt = &at
	return len(tickets), false, nil
}

func (s *memStore) ListTickets(_ context.Context, orderID uuid.UUID) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Ticket(nil), s.tickets[orderID]...), nil
}

// WebhookEventRepository

func (s *memStore) Record(_ context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(ev.Provider) + "|" + ev.EventKey
	if existing, ok := s.events[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *ev
	s.events[key] = &cp
	return ev, true, nil
}

func (s *memStore) MarkProcessed(_ context.Context, id uuid.UUID, note *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id {
			ev.Processed = true
			ev.Note = note
			ev.ProcessedAt = &at
		}
	}
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id {
			ev.ProcessingError = &msg
		}
	}
	return nil
}

func (s *memStore) event(provider models.Provider, key string) *models.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[string(provider)+"|"+key]
	if !ok {
		return nil
	}
	cp := *ev
	return &cp
}

// ---- provider ----

type fakeProvider struct {
	name        models.Provider
	createRes   *providers.CreateResult
	createErr   error
	createCalls int32
	createMu    sync.Mutex
	requests    []providers.CreateRequest
	verifyMu    sync.Mutex
	verifyRes   *providers.StatusResult
	verifyErr   error
	webhookRes  *providers.WebhookResult
	webhookErr  error
}

func (p *fakeProvider) Name() models.Provider { return p.name }

func (p *fakeProvider) Create(_ context.Context, req providers.CreateRequest) (*providers.CreateResult, error) {
	atomic.AddInt32(&p.createCalls, 1)
	p.createMu.Lock()
	p.requests = append(p.requests, req)
	p.createMu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.createRes, nil
}

func (p *fakeProvider) Verify(_ context.Context, _ string) (*providers.StatusResult, error) {
	p.verifyMu.Lock()
	defer p.verifyMu.Unlock()
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	cp := *p.verifyRes
	return &cp, nil
}

func (p *fakeProvider) ParseWebhook(_ []byte, _ http.Header) (*providers.WebhookResult, error) {
	if p.webhookErr != nil {
		return nil, p.webhookErr
	}
	cp := *p.webhookRes
	return &cp, nil
}

func (p *fakeProvider) calls() int { return int(atomic.LoadInt32(&p.createCalls)) }

func (p *fakeProvider) createRequests() []providers.CreateRequest {
	p.createMu.Lock()
	defer p.createMu.Unlock()
	return append([]providers.CreateRequest(nil), p.requests...)
}

// clientRefProvider is a gateway whose transaction id is our payment id.
type clientRefProvider struct {
	*fakeProvider
}

func (clientRefProvider) ClientReference(id uuid.UUID) string { return id.String() }

// ---- collaborators ----

type fixedQuoter struct {
	charge int64
	err    error
}

func (q fixedQuoter) QuotePair(_ context.Context, display, charge string, amount, marginBps int64) (*fx.Quote, error) {
	if q.err != nil {
		return nil, q.err
	}
	return &fx.Quote{
		DisplayAmountMinor: amount,
		DisplayCurrency:    display,
		ChargeAmountMinor:  q.charge,
		ChargeCurrency:     charge,
		MarginBps:          marginBps,
		FXNumerator:        57449,
		FXDenominator:      100,
		LockedAt:           time.Now().UTC(),
	}, nil
}

// countingRecorder counts duplicate captures and ignores everything else.
type countingRecorder struct {
	metrics.Noop
	duplicates int32
}

func (r *countingRecorder) DuplicatePayment(models.Provider) { atomic.AddInt32(&r.duplicates, 1) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.PaymentEvent
}

func (p *recordingPublisher) PublishPaymentEvent(_ context.Context, event models.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type memArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *memArchiver) Put(_ context.Context, key string, _ []byte, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return nil
}
