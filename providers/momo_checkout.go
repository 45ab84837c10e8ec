package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ticket-payment-service/models"
)

// CheckoutConfig configures the hosted-checkout mobile money aggregator.
type CheckoutConfig struct {
	BaseURL         string
	APIKey          string
	WebhookSecret   string
	SignatureHeader string
	CallbackURL     string
	Timeout         time.Duration
}

// CheckoutProvider implements Provider for MOBILE_MONEY_A: the buyer is sent
// to a hosted checkout page and the result arrives by webhook.
type CheckoutProvider struct {
	client          *apiClient
	webhookSecret   string
	signatureHeader string
	callbackURL     string
}

func NewCheckoutProvider(cfg CheckoutConfig) *CheckoutProvider {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Signature"
	}
	return &CheckoutProvider{
		client:          newAPIClient("checkout", cfg.BaseURL, cfg.APIKey, cfg.Timeout),
		webhookSecret:   cfg.WebhookSecret,
		signatureHeader: cfg.SignatureHeader,
		callbackURL:     cfg.CallbackURL,
	}
}

func (p *CheckoutProvider) Name() models.Provider { return models.ProviderMobileMoneyA }

type checkoutCustomer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type checkoutInvoiceRequest struct {
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Reference   string            `json:"reference"`
	Description string            `json:"description,omitempty"`
	Customer    checkoutCustomer  `json:"customer"`
	ReturnURL   string            `json:"return_url,omitempty"`
	CancelURL   string            `json:"cancel_url,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	CustomData  map[string]string `json:"custom_data"`
}

type checkoutInvoiceResponse struct {
	Status      string `json:"status"`
	Token       string `json:"token"`
	CheckoutURL string `json:"checkout_url"`
	Message     string `json:"message"`
}

var (
	checkoutRefPaths    = []string{"token", "invoice_token", "data.token", "data.invoice_token", "invoice.token", "transaction_id", "data.transaction_id"}
	checkoutOwnRefPaths = []string{"reference", "data.reference", "custom_data.payment_id", "data.custom_data.payment_id"}
	checkoutStatusPaths = []string{"status", "data.status", "transaction.status", "invoice.status"}
	checkoutEventPaths  = []string{"event_id", "id", "notification_id", "data.event_id"}
	checkoutAmountPaths = []string{"amount", "data.amount", "invoice.total_amount", "transaction.amount"}
	checkoutCurrPaths   = []string{"currency", "data.currency", "invoice.currency", "transaction.currency"}
)

func (p *CheckoutProvider) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	body := checkoutInvoiceRequest{
		Amount:      toMajor(req.Amount, req.Currency),
		Currency:    strings.ToUpper(req.Currency),
		Reference:   req.PaymentID.String(),
		Description: req.Description,
		Customer: checkoutCustomer{
			Name:  req.Buyer.Name,
			Email: req.Buyer.Email,
			Phone: req.Buyer.Phone,
		},
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
		CallbackURL: p.callbackURL,
		CustomData: map[string]string{
			"payment_id": req.PaymentID.String(),
			"order_id":   req.OrderID.String(),
		},
	}

	var resp checkoutInvoiceResponse
	raw, err := p.client.do(ctx, http.MethodPost, "/v1/checkout/invoices", body, &resp)
	if err != nil {
		return nil, fmt.Errorf("checkout create invoice: %w", err)
	}
	if resp.Token == "" || Normalize(resp.Status) == models.PaymentStatusFailed {
		msg := resp.Message
		if msg == "" {
			msg = "no invoice token returned"
		}
		return nil, fmt.Errorf("%w: checkout create invoice: %s", ErrRejected, msg)
	}
	return &CreateResult{
		ProviderRef: resp.Token,
		CheckoutURL: resp.CheckoutURL,
		Raw:         raw,
	}, nil
}

func (p *CheckoutProvider) Verify(ctx context.Context, ref string) (*StatusResult, error) {
	raw, err := p.client.do(ctx, http.MethodGet, "/v1/checkout/invoices/"+url.PathEscape(ref), nil, nil)
	if err != nil {
		if isNotFound(err) {
			return &StatusResult{NotFound: true, ProviderRef: ref, Raw: raw}, nil
		}
		return nil, fmt.Errorf("checkout verify: %w", err)
	}
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("checkout verify: %w", err)
	}
	providerStatus := doc.first(checkoutStatusPaths...)
	currency := strings.ToUpper(doc.first(checkoutCurrPaths...))
	amount, reported := reportedMinor(doc.first(checkoutAmountPaths...), currency)
	return &StatusResult{
		Status:         Normalize(providerStatus),
		ProviderStatus: providerStatus,
		ProviderRef:    ref,
		Amount:         amount,
		AmountReported: reported,
		Currency:       currency,
		Raw:            raw,
	}, nil
}

// ParseWebhook authenticates with HMAC-SHA256 over the raw body when a secret
// is configured. Field names differ between deployments, so every value is
// read through a fallback chain.
func (p *CheckoutProvider) ParseWebhook(body []byte, headers http.Header) (*WebhookResult, error) {
	verified := false
	if p.webhookSecret != "" {
		if !verifyHMAC(p.webhookSecret, headers.Get(p.signatureHeader), body) {
			return nil, fmt.Errorf("%w: checkout callback", ErrInvalidSignature)
		}
		verified = true
	}

	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}

	refs := doc.all(checkoutRefPaths...)
	res := &WebhookResult{
		EventKey:       doc.first(checkoutEventPaths...),
		EventType:      doc.first("event", "type", "event_type"),
		ProviderStatus: doc.first(checkoutStatusPaths...),
		Verified:       verified,
		Raw:            body,
	}
	if len(refs) > 0 {
		res.ProviderRef = refs[0]
		res.AlternateRefs = refs[1:]
	}
	res.AlternateRefs = append(res.AlternateRefs, doc.all(checkoutOwnRefPaths...)...)
	res.Status = Normalize(res.ProviderStatus)
	res.Currency = strings.ToUpper(doc.first(checkoutCurrPaths...))
	if res.Status == models.PaymentStatusCompleted {
		res.Amount, res.AmountReported = reportedMinor(doc.first(checkoutAmountPaths...), res.Currency)
	}
	return res, nil
}
