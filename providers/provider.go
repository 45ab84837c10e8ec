package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ticket-payment-service/models"

	"github.com/google/uuid"
)

var (
	ErrUnavailable      = errors.New("provider unavailable")
	ErrRejected         = errors.New("provider rejected request")
	ErrNotFound         = errors.New("transaction not found at provider")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrInvalidRequest   = errors.New("request not acceptable for provider")
	ErrUnknownProvider  = errors.New("unknown provider")
)

// CreateRequest carries everything a gateway needs to open a charge.
type CreateRequest struct {
	PaymentID   uuid.UUID
	OrderID     uuid.UUID
	Amount      int64 // minor units of Currency
	Currency    string
	Description string
	Buyer       models.BuyerContact
	ReturnURL   string
	CancelURL   string
}

type CreateResult struct {
	ProviderRef  string
	CheckoutURL  string
	ClientSecret string
	Raw          []byte
}

// StatusResult is the provider's view of a transaction, normalized.
type StatusResult struct {
	Status         models.PaymentStatus
	ProviderStatus string
	ProviderRef    string
	Amount         int64
	// AmountReported is set whenever the provider sent an amount, even one
	// that failed to parse. Amount is then <= 0 for unusable values.
	AmountReported bool
	Currency       string
	NotFound       bool
	Raw            []byte
}

// WebhookResult is an authenticated, parsed notification.
type WebhookResult struct {
	EventKey       string
	EventType      string
	ProviderRef    string
	AlternateRefs  []string
	Status         models.PaymentStatus
	ProviderStatus string
	Amount         int64
	AmountReported bool
	Currency       string
	Verified       bool
	Raw            []byte
}

// Provider is the capability set every gateway integration exposes.
type Provider interface {
	Name() models.Provider
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	// Verify returns a StatusResult with NotFound set, and a nil error, when
	// the gateway has no record of ref.
	Verify(ctx context.Context, ref string) (*StatusResult, error)
	ParseWebhook(body []byte, headers http.Header) (*WebhookResult, error)
}

// ClientReferenced is implemented by gateways whose transaction id is chosen
// by us at creation time, so it can be queried before a reference is stored.
type ClientReferenced interface {
	ClientReference(paymentID uuid.UUID) string
}

// Registry selects an adapter by provider enum.
type Registry struct {
	providers map[models.Provider]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[models.Provider]Provider, len(ps))}
	for _, p := range ps {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name models.Provider) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []models.Provider {
	names := make([]models.Provider, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
