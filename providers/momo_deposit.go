package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ticket-payment-service/models"

	"github.com/google/uuid"
)

// DepositConfig configures the deposits-style mobile money API.
type DepositConfig struct {
	BaseURL         string
	APIKey          string
	WebhookSecret   string
	SignatureHeader string
	Timeout         time.Duration
}

// DepositProvider implements Provider for MOBILE_MONEY_B. The deposit id is
// our payment id, completion is found mainly by polling, and callbacks are
// best-effort.
type DepositProvider struct {
	client          *apiClient
	webhookSecret   string
	signatureHeader string
	now             func() time.Time
}

func NewDepositProvider(cfg DepositConfig) *DepositProvider {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Signature"
	}
	return &DepositProvider{
		client:          newAPIClient("deposits", cfg.BaseURL, cfg.APIKey, cfg.Timeout),
		webhookSecret:   cfg.WebhookSecret,
		signatureHeader: cfg.SignatureHeader,
		now:             time.Now,
	}
}

func (p *DepositProvider) Name() models.Provider { return models.ProviderMobileMoneyB }

func (p *DepositProvider) ClientReference(paymentID uuid.UUID) string { return paymentID.String() }

type depositPayer struct {
	Type    string `json:"type"`
	Address struct {
		Value string `json:"value"`
	} `json:"address"`
}

type depositRequest struct {
	DepositID            string       `json:"depositId"`
	Amount               string       `json:"amount"`
	Currency             string       `json:"currency"`
	Correspondent        string       `json:"correspondent,omitempty"`
	Payer                depositPayer `json:"payer"`
	CustomerTimestamp    string       `json:"customerTimestamp"`
	StatementDescription string       `json:"statementDescription,omitempty"`
}

type depositResponse struct {
	DepositID       string `json:"depositId"`
	Status          string `json:"status"`
	RejectionReason *struct {
		RejectionCode    string `json:"rejectionCode"`
		RejectionMessage string `json:"rejectionMessage"`
	} `json:"rejectionReason,omitempty"`
}

type depositStatus struct {
	DepositID     string `json:"depositId"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	FailureReason *struct {
		FailureCode    string `json:"failureCode"`
		FailureMessage string `json:"failureMessage"`
	} `json:"failureReason,omitempty"`
}

func (p *DepositProvider) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Buyer.Phone == "" {
		return nil, fmt.Errorf("%w: payer phone number is required", ErrInvalidRequest)
	}
	body := depositRequest{
		DepositID:            p.ClientReference(req.PaymentID),
		Amount:               toMajor(req.Amount, req.Currency),
		Currency:             strings.ToUpper(req.Currency),
		Correspondent:        req.Buyer.Operator,
		CustomerTimestamp:    p.now().UTC().Format(time.RFC3339),
		StatementDescription: statementDescription(req.Description),
	}
	body.Payer.Type = "MSISDN"
	body.Payer.Address.Value = strings.TrimPrefix(req.Buyer.Phone, "+")

	var resp depositResponse
	raw, err := p.client.do(ctx, http.MethodPost, "/deposits", body, &resp)
	if err != nil {
		return nil, fmt.Errorf("deposits create: %w", err)
	}

	switch strings.ToUpper(resp.Status) {
	case "ACCEPTED", "DUPLICATE_IGNORED":
	default:
		msg := resp.Status
		if resp.RejectionReason != nil {
			msg = resp.RejectionReason.RejectionCode + ": " + resp.RejectionReason.RejectionMessage
		}
		return nil, fmt.Errorf("%w: deposits create: %s", ErrRejected, msg)
	}

	ref := resp.DepositID
	if ref == "" {
		ref = body.DepositID
	}
	return &CreateResult{ProviderRef: ref, Raw: raw}, nil
}

func (p *DepositProvider) Verify(ctx context.Context, ref string) (*StatusResult, error) {
	raw, err := p.client.do(ctx, http.MethodGet, "/deposits/"+url.PathEscape(ref), nil, nil)
	if err != nil {
		if isNotFound(err) {
			return &StatusResult{NotFound: true, ProviderRef: ref, Raw: raw}, nil
		}
		return nil, fmt.Errorf("deposits verify: %w", err)
	}

	var list []depositStatus
	if err := json.Unmarshal(raw, &list); err != nil {
		// some deployments answer with a bare object
		var single depositStatus
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, fmt.Errorf("deposits verify: decode response: %w", err)
		}
		list = []depositStatus{single}
	}
	if len(list) == 0 || list[0].Status == "" {
		return &StatusResult{NotFound: true, ProviderRef: ref, Raw: raw}, nil
	}

	d := list[0]
	amount, reported := reportedMinor(d.Amount, d.Currency)
	return &StatusResult{
		Status:         Normalize(d.Status),
		ProviderStatus: d.Status,
		ProviderRef:    ref,
		Amount:         amount,
		AmountReported: reported,
		Currency:       strings.ToUpper(d.Currency),
		Raw:            raw,
	}, nil
}

// ParseWebhook handles the deposit callback. Callbacks carry no event id; one
// is sent per final status, so depositId plus status identifies it.
func (p *DepositProvider) ParseWebhook(body []byte, headers http.Header) (*WebhookResult, error) {
	verified := false
	if p.webhookSecret != "" {
		if !verifyHMAC(p.webhookSecret, headers.Get(p.signatureHeader), body) {
			return nil, fmt.Errorf("%w: deposit callback", ErrInvalidSignature)
		}
		verified = true
	}

	var d depositStatus
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	res := &WebhookResult{
		EventType:      "deposit." + strings.ToLower(d.Status),
		ProviderRef:    d.DepositID,
		Status:         Normalize(d.Status),
		ProviderStatus: d.Status,
		Currency:       strings.ToUpper(d.Currency),
		Verified:       verified,
		Raw:            body,
	}
	if d.DepositID != "" && d.Status != "" {
		res.EventKey = d.DepositID + ":" + strings.ToUpper(d.Status)
	}
	if res.Status == models.PaymentStatusCompleted {
		res.Amount, res.AmountReported = reportedMinor(d.Amount, d.Currency)
	}
	return res, nil
}

func statementDescription(s string) string {
	if len(s) > 22 {
		return s[:22]
	}
	return s
}
