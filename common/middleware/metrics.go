package middleware

import (
	"context"
	"strconv"
	"time"

	awspkg "ticket-payment-service/pkg/aws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics records request counts and latency in Prometheus and, when the
// client is enabled, in CloudWatch.
type HTTPMetrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	cloudwatch *awspkg.MetricsClient
	service    string
}

func NewHTTPMetrics(reg prometheus.Registerer, cloudwatch *awspkg.MetricsClient, service string) *HTTPMetrics {
	f := promauto.With(reg)
	return &HTTPMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		cloudwatch: cloudwatch,
		service:    service,
	}
}

// Middleware returns the gin handler. Routes are labelled by their template
// so path parameters do not explode cardinality.
func (m *HTTPMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		statusCode := c.Writer.Status()
		duration := time.Since(start)

		m.requests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
		m.latency.WithLabelValues(method, route).Observe(duration.Seconds())

		if !m.cloudwatch.IsEnabled() {
			return
		}
		dimensions := map[string]string{
			"Service": m.service,
			"Method":  method,
			"Path":    route,
			"Status":  statusCodeToRange(statusCode),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = m.cloudwatch.RecordCount(ctx, awspkg.MetricHTTPRequests, dimensions)
			_ = m.cloudwatch.RecordLatency(ctx, awspkg.MetricHTTPLatency, duration, dimensions)
			switch {
			case statusCode >= 500:
				_ = m.cloudwatch.RecordCount(ctx, awspkg.MetricHTTP5xx, dimensions)
			case statusCode >= 400:
				_ = m.cloudwatch.RecordCount(ctx, awspkg.MetricHTTP4xx, dimensions)
			}
		}()
	}
}

// statusCodeToRange converts status code to a range string (2xx, 3xx, 4xx, 5xx)
func statusCodeToRange(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
