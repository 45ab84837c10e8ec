package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ticket-payment-service/models"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/webhook"
)

// paymentIntentAPI is the slice of the Stripe client the card adapter uses.
type paymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProvider implements Provider for CARD payments via Stripe
// PaymentIntents. Completion is driven by webhooks.
type StripeProvider struct {
	api        paymentIntentAPI
	webhookKey string
}

func NewStripeProvider(secretKey, webhookKey string, timeout time.Duration) *StripeProvider {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &StripeProvider{
		api:        &paymentintent.Client{B: backend, Key: secretKey},
		webhookKey: webhookKey,
	}
}

func (s *StripeProvider) Name() models.Provider { return models.ProviderCard }

func (s *StripeProvider) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.Buyer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Buyer.Email)
	}
	params.Context = ctx
	// scoped to the intent so a retried create carries identical parameters
	params.SetIdempotencyKey(req.PaymentID.String())
	params.AddMetadata("payment_id", req.PaymentID.String())
	params.AddMetadata("order_id", req.OrderID.String())

	pi, err := s.api.New(params)
	if err != nil {
		return nil, classifyStripeError("create payment intent", err)
	}
	raw, _ := json.Marshal(pi)
	return &CreateResult{
		ProviderRef:  pi.ID,
		ClientSecret: pi.ClientSecret,
		Raw:          raw,
	}, nil
}

func (s *StripeProvider) Verify(ctx context.Context, ref string) (*StatusResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.Get(ref, params)
	if err != nil {
		err = classifyStripeError("get payment intent", err)
		if isNotFound(err) {
			return &StatusResult{NotFound: true, ProviderRef: ref}, nil
		}
		return nil, err
	}
	raw, _ := json.Marshal(pi)
	amount, reported := reportedAmount(pi)
	return &StatusResult{
		Status:         Normalize(string(pi.Status)),
		ProviderStatus: string(pi.Status),
		ProviderRef:    pi.ID,
		Amount:         amount,
		AmountReported: reported,
		Currency:       strings.ToUpper(string(pi.Currency)),
		Raw:            raw,
	}, nil
}

// ParseWebhook verifies the Stripe-Signature header. Without a configured
// signing secret the event is parsed but left unverified.
func (s *StripeProvider) ParseWebhook(body []byte, headers http.Header) (*WebhookResult, error) {
	var event stripe.Event
	verified := false
	if s.webhookKey != "" {
		ev, err := webhook.ConstructEventWithOptions(body, headers.Get("Stripe-Signature"), s.webhookKey,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		event = ev
		verified = true
	} else if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	res := &WebhookResult{
		EventKey:  event.ID,
		EventType: string(event.Type),
		Verified:  verified,
		Raw:       body,
		Status:    models.PaymentStatusPending,
	}
	if event.Data == nil {
		return res, nil
	}

	switch {
	case strings.HasPrefix(string(event.Type), "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedPayload, err)
		}
		res.ProviderRef = pi.ID
		if id := pi.Metadata["payment_id"]; id != "" {
			res.AlternateRefs = []string{id}
		}
		res.ProviderStatus = string(pi.Status)
		res.Status = stripeEventStatus(event.Type, pi.Status)
		res.Amount, res.AmountReported = reportedAmount(&pi)
		res.Currency = strings.ToUpper(string(pi.Currency))

	case event.Type == "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
		}
		if sess.PaymentIntent != nil {
			res.ProviderRef = sess.PaymentIntent.ID
		}
		res.AlternateRefs = nonEmpty(sess.Metadata["payment_id"], sess.ClientReferenceID)
		res.ProviderStatus = string(sess.PaymentStatus)
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			res.Status = models.PaymentStatusCompleted
			res.Amount, res.AmountReported = sess.AmountTotal, true
			res.Currency = strings.ToUpper(string(sess.Currency))
		}
	}
	return res, nil
}

func stripeEventStatus(t stripe.EventType, status stripe.PaymentIntentStatus) models.PaymentStatus {
	switch t {
	case "payment_intent.succeeded":
		return models.PaymentStatusCompleted
	case "payment_intent.payment_failed", "payment_intent.canceled":
		return models.PaymentStatusFailed
	}
	return Normalize(string(status))
}

// reportedAmount only counts money actually received once the intent succeeded.
func reportedAmount(pi *stripe.PaymentIntent) (int64, bool) {
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		if pi.AmountReceived > 0 {
			return pi.AmountReceived, true
		}
		return pi.Amount, true
	}
	return 0, false
}

func classifyStripeError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		switch {
		case serr.Code == stripe.ErrorCodeResourceMissing || serr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: stripe %s: %s", ErrNotFound, op, serr.Msg)
		case serr.Type == stripe.ErrorTypeIdempotency,
			serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500 || serr.HTTPStatusCode == 0:
			return fmt.Errorf("%w: stripe %s: %s", ErrUnavailable, op, serr.Msg)
		default:
			return fmt.Errorf("%w: stripe %s: %s", ErrRejected, op, serr.Msg)
		}
	}
	return fmt.Errorf("%w: stripe %s: %v", ErrUnavailable, op, err)
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
