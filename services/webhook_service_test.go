package services_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/models"
	"ticket-payment-service/providers"
	"ticket-payment-service/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedWebhook(eventKey, ref string) *providers.WebhookResult {
	return &providers.WebhookResult{
		EventKey:       eventKey,
		EventType:      "invoice.paid",
		ProviderRef:    ref,
		Status:         models.PaymentStatusCompleted,
		ProviderStatus: "completed",
		Amount:         5000,
		AmountReported: true,
		Currency:       "XOF",
		Verified:       true,
		Raw:            []byte(`{"status":"completed"}`),
	}
}

// checkoutGateway serves invoice creation and lookup for tok_1, reporting
// amount as the paid total.
func checkoutGateway(t *testing.T, amount string) *providers.CheckoutProvider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/checkout/invoices":
			_, _ = w.Write([]byte(`{"status":"pending","token":"tok_1","checkout_url":"https://pay.example/tok_1"}`))
		case r.URL.Path == "/v1/checkout/invoices/tok_1":
			_, _ = w.Write([]byte(`{"invoice":{"status":"completed","total_amount":"` + amount + `","currency":"XOF"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return providers.NewCheckoutProvider(providers.CheckoutConfig{BaseURL: srv.URL, Timeout: time.Second})
}

func TestWebhook_UnusableAmountNeverCompletes(t *testing.T) {
	for _, amount := range []string{"4999.5", "0", "-1"} {
		t.Run(amount, func(t *testing.T) {
			f := newFixtureWith(t, checkoutGateway(t, "5000"))
			res := f.create(t, "checkout-amt-"+amount, models.ProviderMobileMoneyA)

			body := []byte(`{"event_id":"ntf_amt","token":"tok_1","status":"completed","amount":"` + amount + `","currency":"XOF"}`)
			out, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, body, http.Header{})
			require.NoError(t, err)

			assert.Equal(t, services.DecisionAck, out.Decision)
			intent := f.store.intent(res.PaymentID)
			assert.Equal(t, models.PaymentStatusFailed, intent.Status)
			require.NotNil(t, intent.FailureReason)
			assert.Equal(t, models.ReasonAmountMismatch, *intent.FailureReason)
			assert.Equal(t, 0, f.store.ticketCount(res.OrderID))
		})
	}
}

func TestWebhook_AppliesCompletion(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, "checkout-hook", models.ProviderMobileMoneyA)
	f.checkout.webhookRes = completedWebhook("ntf_1", "tok_1")

	out, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{"status":"completed"}`), http.Header{})
	require.NoError(t, err)

	assert.Equal(t, services.DecisionAck, out.Decision)
	assert.False(t, out.Duplicate)
	require.NotNil(t, out.PaymentID)
	assert.Equal(t, res.PaymentID, *out.PaymentID)
	assert.Equal(t, models.PaymentStatusCompleted, out.Status)
	assert.Equal(t, 2, f.store.ticketCount(res.OrderID))

	ev := f.store.event(models.ProviderMobileMoneyA, "ntf_1")
	require.NotNil(t, ev)
	assert.True(t, ev.Processed)
	assert.True(t, ev.SignatureVerified)

	require.Len(t, f.archiver.keys, 1)
	assert.True(t, strings.HasPrefix(f.archiver.keys[0], "webhooks/mobile_money_a/"))
	assert.True(t, strings.HasSuffix(f.archiver.keys[0], "/ntf_1.json"))
}

func TestWebhook_ReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, "checkout-replay", models.ProviderMobileMoneyA)
	f.checkout.webhookRes = completedWebhook("ntf_1", "tok_1")

	for i := 0; i < 3; i++ {
		out, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{}`), http.Header{})
		require.NoError(t, err)
		assert.Equal(t, services.DecisionAck, out.Decision)
		assert.Equal(t, i > 0, out.Duplicate)
	}

	assert.Equal(t, 2, f.store.ticketCount(res.OrderID))
	assert.Equal(t, 1, f.publisher.count())
	assert.Len(t, f.archiver.keys, 1)
}

func TestWebhook_ConcurrentWithPoll(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, "checkout-race", models.ProviderMobileMoneyA)
	f.checkout.webhookRes = completedWebhook("ntf_1", "tok_1")
	f.checkout.verifyRes = &providers.StatusResult{
		Status:         models.PaymentStatusCompleted,
		ProviderRef:    "tok_1",
		Amount:         5000,
		AmountReported: true,
		Currency:       "XOF",
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				out, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{}`), http.Header{})
				assert.NoError(t, err)
				assert.Equal(t, services.DecisionAck, out.Decision)
				return
			}
			rr, err := f.reconciler.Reconcile(context.Background(), res.PaymentID)
			assert.NoError(t, err)
			assert.Equal(t, models.PaymentStatusCompleted, rr.Status)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, f.store.ticketCount(res.OrderID))
	assert.Equal(t, 1, f.publisher.count())
	assert.Equal(t, models.OrderStatusCompleted, f.store.order(res.OrderID).Status)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	f.checkout.webhookErr = fmt.Errorf("%w: checkout callback", providers.ErrInvalidSignature)

	out, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{}`), http.Header{})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
	assert.Empty(t, f.store.events)
}

func TestWebhook_Malformed(t *testing.T) {
	f := newFixture(t)
	f.checkout.webhookErr = fmt.Errorf("%w: eof", providers.ErrMalformedPayload)

	_, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{`), http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestWebhook_MissingEventKey(t *testing.T) {
	f := newFixture(t)
	f.checkout.webhookRes = completedWebhook("", "tok_1")

	_, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestWebhook_UnknownProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.webhooks.Handle(context.Background(), models.Provider("PAYPAL"), []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestWebhook_UnmatchedIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.checkout.webhookRes = completedWebhook("ntf_9", "tok_unknown")

	out, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, services.DecisionAck, out.Decision)
	assert.True(t, out.Unmatched)
	assert.Nil(t, out.PaymentID)

	ev := f.store.event(models.ProviderMobileMoneyA, "ntf_9")
	require.NotNil(t, ev)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.Note)
	assert.Equal(t, "unmatched", *ev.Note)
}

func TestWebhook_MatchesByPaymentIDBeforeReferenceIsStored(t *testing.T) {
	f := newFixture(t)
	f.deposit.createErr = fmt.Errorf("%w: timeout", providers.ErrUnavailable)
	_, err := f.intents.CreateIntent(context.Background(), f.request("checkout-dep", models.ProviderMobileMoneyB))
	require.Error(t, err)
	intent, err := f.intents.GetByIdempotencyKey(context.Background(), "checkout-dep")
	require.NoError(t, err)

	ref := intent.ID.String()
	f.deposit.webhookRes = &providers.WebhookResult{
		EventKey:       ref + ":COMPLETED",
		ProviderRef:    ref,
		Status:         models.PaymentStatusCompleted,
		Amount:         5000,
		AmountReported: true,
		Currency:       "XOF",
	}

	out, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyB, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.False(t, out.Unmatched)
	assert.False(t, out.Verified)

	stored := f.store.intent(intent.ID)
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)
	assert.Equal(t, ref, stored.Ref())
	assert.Equal(t, 2, f.store.ticketCount(intent.OrderID))
}

func TestWebhook_PaymentIDOfOtherProviderIgnored(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, "checkout-cross", models.ProviderMobileMoneyA)
	f.card.webhookRes = completedWebhook("evt_1", res.PaymentID.String())

	out, err := f.webhooks.Handle(context.Background(), models.ProviderCard, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.True(t, out.Unmatched)
	assert.Equal(t, models.PaymentStatusPending, f.store.intent(res.PaymentID).Status)
}

func TestWebhook_FulfillmentFailureAsksForRedelivery(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, "checkout-heal", models.ProviderMobileMoneyA)
	f.checkout.webhookRes = completedWebhook("ntf_1", "tok_1")
	f.store.fulfillErr = fmt.Errorf("connection reset")

	out, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, services.DecisionRetry, out.Decision)
	assert.Equal(t, models.PaymentStatusCompleted, f.store.intent(res.PaymentID).Status)
	assert.Equal(t, 0, f.store.ticketCount(res.OrderID))

	ev := f.store.event(models.ProviderMobileMoneyA, "ntf_1")
	require.NotNil(t, ev)
	assert.False(t, ev.Processed)
	assert.NotNil(t, ev.ProcessingError)

	// redelivery heals the order
	f.store.mu.Lock()
	f.store.fulfillErr = nil
	f.store.mu.Unlock()
	out, err = f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, services.DecisionAck, out.Decision)
	assert.False(t, out.Duplicate)
	assert.Equal(t, 2, f.store.ticketCount(res.OrderID))
}

func TestWebhook_PendingStatusRecorded(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, "checkout-processing", models.ProviderMobileMoneyA)
	f.checkout.webhookRes = &providers.WebhookResult{
		EventKey:    "ntf_2",
		ProviderRef: "tok_1",
		Status:      models.PaymentStatusPending,
		Raw:         []byte(`{"status":"processing"}`),
	}

	out, err := f.webhooks.Handle(context.Background(), models.ProviderMobileMoneyA, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, services.DecisionAck, out.Decision)
	assert.Equal(t, models.PaymentStatusPending, out.Status)
	assert.Equal(t, models.PaymentStatusPending, f.store.intent(res.PaymentID).Status)
	assert.Equal(t, 0, f.publisher.count())
}
