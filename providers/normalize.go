package providers

import (
	"strings"

	"ticket-payment-service/models"
)

var statusTable = map[string]models.PaymentStatus{
	"ACCEPTED":   models.PaymentStatusPending,
	"SUBMITTED":  models.PaymentStatusPending,
	"PENDING":    models.PaymentStatusPending,
	"PROCESSING": models.PaymentStatusPending,
	"ENQUEUED":   models.PaymentStatusPending,

	"COMPLETED":  models.PaymentStatusCompleted,
	"SUCCESS":    models.PaymentStatusCompleted,
	"SUCCESSFUL": models.PaymentStatusCompleted,
	"SUCCEEDED":  models.PaymentStatusCompleted,
	"PAID":       models.PaymentStatusCompleted,

	"FAILED":    models.PaymentStatusFailed,
	"CANCELLED": models.PaymentStatusFailed,
	"CANCELED":  models.PaymentStatusFailed,
	"ERROR":     models.PaymentStatusFailed,
	"REJECTED":  models.PaymentStatusFailed,
	"EXPIRED":   models.PaymentStatusFailed,
}

// Normalize maps a raw gateway status onto PENDING, COMPLETED or FAILED.
// Unknown values are PENDING.
func Normalize(providerStatus string) models.PaymentStatus {
	if s, ok := statusTable[strings.ToUpper(strings.TrimSpace(providerStatus))]; ok {
		return s
	}
	return models.PaymentStatusPending
}
