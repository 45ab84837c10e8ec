package metrics

import (
	"context"
	"errors"
	"time"

	"ticket-payment-service/models"
	aws_pkg "ticket-payment-service/pkg/aws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives business events from the payment services.
type Recorder interface {
	PaymentTransition(provider models.Provider, status models.PaymentStatus)
	WebhookReceived(provider models.Provider, outcome string)
	ProviderCall(provider models.Provider, op string, err error, took time.Duration)
	TicketsIssued(n int)
	FulfillmentFailed()
	// DuplicatePayment counts a completed payment for an order that another
	// payment already fulfilled.
	DuplicatePayment(provider models.Provider)
	FXFallback(from, to string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) PaymentTransition(models.Provider, models.PaymentStatus)    {}
func (Noop) WebhookReceived(models.Provider, string)                    {}
func (Noop) ProviderCall(models.Provider, string, error, time.Duration) {}
func (Noop) TicketsIssued(int)                                          {}
func (Noop) FulfillmentFailed()                                         {}
func (Noop) DuplicatePayment(models.Provider)                           {}
func (Noop) FXFallback(string, string)                                  {}

// Collector exports Prometheus series and mirrors the key business counts to
// CloudWatch when a client is configured.
type Collector struct {
	transitions   *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	providerCalls *prometheus.HistogramVec
	tickets       prometheus.Counter
	fulfillFails  prometheus.Counter
	duplicates    *prometheus.CounterVec
	fxFallbacks   *prometheus.CounterVec
	cloudwatch    *aws_pkg.MetricsClient
	service       string
}

func NewCollector(reg prometheus.Registerer, cloudwatch *aws_pkg.MetricsClient, service string) *Collector {
	f := promauto.With(reg)
	return &Collector{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_intent_transitions_total",
			Help: "Payment intents reaching a terminal status.",
		}, []string{"provider", "status"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"provider", "outcome"}),
		providerCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payment_provider_call_seconds",
			Help:    "Latency of calls to payment gateways.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op", "result"}),
		tickets: f.NewCounter(prometheus.CounterOpts{
			Name: "tickets_issued_total",
			Help: "Tickets issued by fulfillment.",
		}),
		fulfillFails: f.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_failures_total",
			Help: "Fulfillment transactions rolled back.",
		}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_duplicate_captures_total",
			Help: "Completed payments for orders fulfilled by another payment.",
		}, []string{"provider"}),
		fxFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fx_fallback_rate_used_total",
			Help: "Rate refreshes that fell back to the configured rate.",
		}, []string{"pair"}),
		cloudwatch: cloudwatch,
		service:    service,
	}
}

func (c *Collector) PaymentTransition(provider models.Provider, status models.PaymentStatus) {
	c.transitions.WithLabelValues(string(provider), string(status)).Inc()

	name := aws_pkg.MetricPaymentSucceeded
	if status == models.PaymentStatusFailed {
		name = aws_pkg.MetricPaymentFailed
	}
	c.cloudwatchCount(name, map[string]string{"Service": c.service, "Provider": string(provider)})
}

func (c *Collector) WebhookReceived(provider models.Provider, outcome string) {
	c.webhooks.WithLabelValues(string(provider), outcome).Inc()
}

func (c *Collector) ProviderCall(provider models.Provider, op string, err error, took time.Duration) {
	c.providerCalls.WithLabelValues(string(provider), op, callResult(err)).Observe(took.Seconds())
}

func (c *Collector) TicketsIssued(n int) {
	c.tickets.Add(float64(n))
	c.cloudwatchValue(aws_pkg.MetricTicketsIssued, float64(n))
}

func (c *Collector) FulfillmentFailed() {
	c.fulfillFails.Inc()
	c.cloudwatchCount(aws_pkg.MetricFulfillmentFailed, map[string]string{"Service": c.service})
}

func (c *Collector) DuplicatePayment(provider models.Provider) {
	c.duplicates.WithLabelValues(string(provider)).Inc()
	c.cloudwatchCount(aws_pkg.MetricDuplicatePayment, map[string]string{"Service": c.service, "Provider": string(provider)})
}

func (c *Collector) FXFallback(from, to string) {
	pair := from + "/" + to
	c.fxFallbacks.WithLabelValues(pair).Inc()
	c.cloudwatchCount(aws_pkg.MetricFXFallback, map[string]string{"Service": c.service, "Pair": pair})
}

func (c *Collector) cloudwatchCount(name string, dims map[string]string) {
	if c.cloudwatch == nil || !c.cloudwatch.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.cloudwatch.RecordCount(ctx, name, dims)
	}()
}

func (c *Collector) cloudwatchValue(name string, v float64) {
	if c.cloudwatch == nil || !c.cloudwatch.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.cloudwatch.RecordValue(ctx, name, v, map[string]string{"Service": c.service})
	}()
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}
