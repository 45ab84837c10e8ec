package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ticket-payment-service/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := map[string]models.PaymentStatus{
		"SUCCESSFUL":  models.PaymentStatusCompleted,
		"completed":   models.PaymentStatusCompleted,
		" paid ":      models.PaymentStatusCompleted,
		"succeeded":   models.PaymentStatusCompleted,
		"FAILED":      models.PaymentStatusFailed,
		"cancelled":   models.PaymentStatusFailed,
		"EXPIRED":     models.PaymentStatusFailed,
		"ACCEPTED":    models.PaymentStatusPending,
		"SUBMITTED":   models.PaymentStatusPending,
		"processing":  models.PaymentStatusPending,
		"":            models.PaymentStatusPending,
		"SOMETHING_X": models.PaymentStatusPending,
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestMajorMinorConversion(t *testing.T) {
	assert.Equal(t, "5000", toMajor(5000, "XOF"))
	assert.Equal(t, "8.71", toMajor(871, "USD"))

	v, ok := fromMajor("8.71", "USD")
	require.True(t, ok)
	assert.Equal(t, int64(871), v)

	v, ok = fromMajor("5000", "XOF")
	require.True(t, ok)
	assert.Equal(t, int64(5000), v)

	_, ok = fromMajor("8.715", "USD")
	assert.False(t, ok)
	_, ok = fromMajor("abc", "XOF")
	assert.False(t, ok)
}

func TestReportedMinor(t *testing.T) {
	tests := []struct {
		in           string
		wantAmount   int64
		wantReported bool
	}{
		{"5000", 5000, true},
		{"", 0, false},
		{"  ", 0, false},
		{"4999.5", -1, true},
		{"abc", -1, true},
		{"0", 0, true},
		{"-1", -1, true},
		{"-5000", -5000, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			amount, reported := reportedMinor(tt.in, "XOF")
			assert.Equal(t, tt.wantAmount, amount)
			assert.Equal(t, tt.wantReported, reported)
		})
	}
}

// unusableAmounts are reports that must never be read as "no amount".
var unusableAmounts = []string{"4999.5", "0", "-1"}

func TestDocumentFallbackChain(t *testing.T) {
	doc, err := parseDocument([]byte(`{"data":{"token":"tok_1","status":"completed","amount":5000},"reference":"ref-1"}`))
	require.NoError(t, err)

	assert.Equal(t, "tok_1", doc.first("token", "data.token"))
	assert.Equal(t, "5000", doc.first("amount", "data.amount"))
	assert.Equal(t, []string{"tok_1", "ref-1"}, doc.all("token", "data.token", "reference"))
	assert.Equal(t, "", doc.first("missing", "data.missing.deeper"))

	_, err = parseDocument([]byte(`null`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := SignHMAC("secret", body)

	assert.True(t, verifyHMAC("secret", sig, body))
	assert.True(t, verifyHMAC("secret", "sha256="+sig, body))
	assert.False(t, verifyHMAC("other", sig, body))
	assert.False(t, verifyHMAC("secret", "", body))
	assert.False(t, verifyHMAC("secret", "zz", body))
}

// ---- MOBILE_MONEY_A ----

func TestCheckoutCreate(t *testing.T) {
	paymentID, orderID := uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/invoices", r.URL.Path)
		assert.Equal(t, "Bearer key-a", r.Header.Get("Authorization"))

		var req checkoutInvoiceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "5000", req.Amount)
		assert.Equal(t, "XOF", req.Currency)
		assert.Equal(t, paymentID.String(), req.Reference)
		assert.Equal(t, "https://api.example/webhooks/mobile-money-a", req.CallbackURL)
		assert.Equal(t, orderID.String(), req.CustomData["order_id"])

		_, _ = w.Write([]byte(`{"status":"pending","token":"tok_abc","checkout_url":"https://pay.example/tok_abc"}`))
	}))
	defer srv.Close()

	p := NewCheckoutProvider(CheckoutConfig{BaseURL: srv.URL, APIKey: "key-a", CallbackURL: "https://api.example/webhooks/mobile-money-a", Timeout: time.Second})
	res, err := p.Create(context.Background(), CreateRequest{PaymentID: paymentID, OrderID: orderID, Amount: 5000, Currency: "XOF"})
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", res.ProviderRef)
	assert.Equal(t, "https://pay.example/tok_abc", res.CheckoutURL)
	assert.NotEmpty(t, res.Raw)
}

func TestCheckoutCreate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"no token", http.StatusOK, `{"status":"failed","message":"merchant disabled"}`, ErrRejected},
		{"bad request", http.StatusBadRequest, `{"message":"invalid amount"}`, ErrRejected},
		{"server error", http.StatusInternalServerError, `{}`, ErrUnavailable},
		{"throttled", http.StatusTooManyRequests, `{}`, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewCheckoutProvider(CheckoutConfig{BaseURL: srv.URL, Timeout: time.Second})
			_, err := p.Create(context.Background(), CreateRequest{PaymentID: uuid.New(), Amount: 5000, Currency: "XOF"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheckoutCreate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewCheckoutProvider(CheckoutConfig{BaseURL: url, Timeout: time.Second})
	_, err := p.Create(context.Background(), CreateRequest{PaymentID: uuid.New(), Amount: 5000, Currency: "XOF"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCheckoutVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/checkout/invoices/tok_abc":
			_, _ = w.Write([]byte(`{"invoice":{"status":"completed","total_amount":"5000","currency":"XOF"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewCheckoutProvider(CheckoutConfig{BaseURL: srv.URL, Timeout: time.Second})

	st, err := p.Verify(context.Background(), "tok_abc")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, st.Status)
	assert.Equal(t, int64(5000), st.Amount)
	assert.Equal(t, "XOF", st.Currency)

	st, err = p.Verify(context.Background(), "tok_missing")
	require.NoError(t, err)
	assert.True(t, st.NotFound)
}

func TestCheckoutWebhook(t *testing.T) {
	paymentID := uuid.New()
	body := []byte(`{"event_id":"ntf_1","event":"invoice.paid","data":{"token":"tok_abc","status":"completed","amount":"5000","currency":"XOF","reference":"` + paymentID.String() + `"}}`)
	headers := http.Header{}
	headers.Set("X-Signature", SignHMAC("hook-secret", body))

	p := NewCheckoutProvider(CheckoutConfig{WebhookSecret: "hook-secret"})
	res, err := p.ParseWebhook(body, headers)
	require.NoError(t, err)

	assert.Equal(t, "ntf_1", res.EventKey)
	assert.Equal(t, "invoice.paid", res.EventType)
	assert.Equal(t, "tok_abc", res.ProviderRef)
	assert.Contains(t, res.AlternateRefs, paymentID.String())
	assert.Equal(t, models.PaymentStatusCompleted, res.Status)
	assert.Equal(t, int64(5000), res.Amount)
	assert.True(t, res.Verified)
}

func TestCheckoutWebhook_UnusableAmountIsReported(t *testing.T) {
	p := NewCheckoutProvider(CheckoutConfig{})
	for _, amount := range unusableAmounts {
		t.Run(amount, func(t *testing.T) {
			body := []byte(`{"event_id":"e1","token":"tok_1","status":"completed","amount":"` + amount + `","currency":"XOF"}`)
			res, err := p.ParseWebhook(body, http.Header{})
			require.NoError(t, err)
			assert.Equal(t, models.PaymentStatusCompleted, res.Status)
			assert.True(t, res.AmountReported)
			assert.LessOrEqual(t, res.Amount, int64(0))
		})
	}

	res, err := p.ParseWebhook([]byte(`{"event_id":"e2","token":"tok_1","status":"completed","currency":"XOF"}`), http.Header{})
	require.NoError(t, err)
	assert.False(t, res.AmountReported)
}

func TestCheckoutVerify_UnusableAmountIsReported(t *testing.T) {
	for _, amount := range unusableAmounts {
		t.Run(amount, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"invoice":{"status":"completed","total_amount":"` + amount + `","currency":"XOF"}}`))
			}))
			defer srv.Close()

			st, err := NewCheckoutProvider(CheckoutConfig{BaseURL: srv.URL, Timeout: time.Second}).Verify(context.Background(), "tok_1")
			require.NoError(t, err)
			assert.Equal(t, models.PaymentStatusCompleted, st.Status)
			assert.True(t, st.AmountReported)
			assert.LessOrEqual(t, st.Amount, int64(0))
		})
	}
}

func TestCheckoutWebhook_BadSignature(t *testing.T) {
	body := []byte(`{"event_id":"ntf_1","token":"tok_abc","status":"completed"}`)
	headers := http.Header{}
	headers.Set("X-Signature", SignHMAC("wrong", body))

	_, err := NewCheckoutProvider(CheckoutConfig{WebhookSecret: "hook-secret"}).ParseWebhook(body, headers)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCheckoutWebhook_CustomSignatureHeader(t *testing.T) {
	body := []byte(`{"id":"ntf_2","token":"tok_abc","status":"cancelled"}`)
	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", "sha256="+SignHMAC("hook-secret", body))

	p := NewCheckoutProvider(CheckoutConfig{WebhookSecret: "hook-secret", SignatureHeader: "X-Hub-Signature-256"})
	res, err := p.ParseWebhook(body, headers)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, res.Status)
	assert.Zero(t, res.Amount)
}

// ---- MOBILE_MONEY_B ----

func TestDepositCreate(t *testing.T) {
	paymentID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deposits", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		var req depositRequest
		require.NoError(t, json.Unmarshal(b, &req))
		assert.Equal(t, paymentID.String(), req.DepositID)
		assert.Equal(t, "5000", req.Amount)
		assert.Equal(t, "22507000000", req.Payer.Address.Value)
		assert.Equal(t, "MSISDN", req.Payer.Type)
		assert.Equal(t, "ORANGE_CIV", req.Correspondent)
		assert.LessOrEqual(t, len(req.StatementDescription), 22)

		_, _ = w.Write([]byte(`{"depositId":"` + req.DepositID + `","status":"ACCEPTED"}`))
	}))
	defer srv.Close()

	p := NewDepositProvider(DepositConfig{BaseURL: srv.URL, Timeout: time.Second})
	res, err := p.Create(context.Background(), CreateRequest{
		PaymentID:   paymentID,
		Amount:      5000,
		Currency:    "XOF",
		Description: "Tickets for a very long event name",
		Buyer:       models.BuyerContact{Phone: "+22507000000", Operator: "ORANGE_CIV"},
	})
	require.NoError(t, err)
	assert.Equal(t, paymentID.String(), res.ProviderRef)
	assert.Equal(t, paymentID.String(), p.ClientReference(paymentID))
}

func TestDepositCreate_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"REJECTED","rejectionReason":{"rejectionCode":"INVALID_PAYER","rejectionMessage":"unknown msisdn"}}`))
	}))
	defer srv.Close()

	p := NewDepositProvider(DepositConfig{BaseURL: srv.URL, Timeout: time.Second})
	_, err := p.Create(context.Background(), CreateRequest{PaymentID: uuid.New(), Amount: 5000, Currency: "XOF", Buyer: models.BuyerContact{Phone: "2250700"}})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "INVALID_PAYER")
}

func TestDepositCreate_RequiresPhone(t *testing.T) {
	p := NewDepositProvider(DepositConfig{BaseURL: "http://unused", Timeout: time.Second})
	_, err := p.Create(context.Background(), CreateRequest{PaymentID: uuid.New(), Amount: 5000, Currency: "XOF"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDepositVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/deposits/dep-1":
			_, _ = w.Write([]byte(`[{"depositId":"dep-1","status":"COMPLETED","amount":"5000","currency":"XOF"}]`))
		case "/deposits/dep-2":
			_, _ = w.Write([]byte(`{"depositId":"dep-2","status":"FAILED","amount":"5000","currency":"XOF"}`))
		case "/deposits/dep-3":
			_, _ = w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewDepositProvider(DepositConfig{BaseURL: srv.URL, Timeout: time.Second})

	st, err := p.Verify(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, st.Status)
	assert.Equal(t, int64(5000), st.Amount)

	st, err = p.Verify(context.Background(), "dep-2")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, st.Status)

	st, err = p.Verify(context.Background(), "dep-3")
	require.NoError(t, err)
	assert.True(t, st.NotFound)

	st, err = p.Verify(context.Background(), "dep-4")
	require.NoError(t, err)
	assert.True(t, st.NotFound)
}

func TestDepositWebhook(t *testing.T) {
	body := []byte(`{"depositId":"dep-1","status":"COMPLETED","amount":"5000","currency":"XOF"}`)
	headers := http.Header{}
	headers.Set("X-Signature", SignHMAC("dep-secret", body))

	p := NewDepositProvider(DepositConfig{WebhookSecret: "dep-secret"})
	res, err := p.ParseWebhook(body, headers)
	require.NoError(t, err)

	assert.Equal(t, "dep-1:COMPLETED", res.EventKey)
	assert.Equal(t, "dep-1", res.ProviderRef)
	assert.Equal(t, models.PaymentStatusCompleted, res.Status)
	assert.Equal(t, int64(5000), res.Amount)
	assert.True(t, res.Verified)

	_, err = p.ParseWebhook(body, http.Header{})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDepositWebhook_UnusableAmountIsReported(t *testing.T) {
	p := NewDepositProvider(DepositConfig{})
	for _, amount := range unusableAmounts {
		t.Run(amount, func(t *testing.T) {
			body := []byte(`{"depositId":"dep-1","status":"COMPLETED","amount":"` + amount + `","currency":"XOF"}`)
			res, err := p.ParseWebhook(body, http.Header{})
			require.NoError(t, err)
			assert.True(t, res.AmountReported)
			assert.LessOrEqual(t, res.Amount, int64(0))
		})
	}
}

func TestDepositVerify_UnusableAmountIsReported(t *testing.T) {
	for _, amount := range unusableAmounts {
		t.Run(amount, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`[{"depositId":"dep-1","status":"COMPLETED","amount":"` + amount + `","currency":"XOF"}]`))
			}))
			defer srv.Close()

			st, err := NewDepositProvider(DepositConfig{BaseURL: srv.URL, Timeout: time.Second}).Verify(context.Background(), "dep-1")
			require.NoError(t, err)
			assert.Equal(t, models.PaymentStatusCompleted, st.Status)
			assert.True(t, st.AmountReported)
			assert.LessOrEqual(t, st.Amount, int64(0))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewCheckoutProvider(CheckoutConfig{}), NewDepositProvider(DepositConfig{}))

	p, err := r.Get(models.ProviderMobileMoneyB)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderMobileMoneyB, p.Name())

	_, err = r.Get(models.ProviderCard)
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Len(t, r.Names(), 2)
}
