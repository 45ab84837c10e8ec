package controllers

import (
	"strings"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/common/logger"
	"ticket-payment-service/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError writes the public form of err. Server-side failures are
// logged with their cause; client errors are not.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	appErr := apperrors.From(err)
	if appErr.Status >= 500 {
		logger.FromGin(log, c).Error("request failed",
			zap.String("code", appErr.Code),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	apperrors.Respond(c, appErr)
}

// providerFromParam accepts the URL slug ("mobile-money-a") or the enum
// value ("MOBILE_MONEY_A").
func providerFromParam(s string) (models.Provider, bool) {
	p := models.Provider(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	return p, p.Valid()
}

// publicStatus is the buyer-facing wording of an intent status.
func publicStatus(s models.PaymentStatus) string {
	switch s {
	case models.PaymentStatusCompleted:
		return "succeeded"
	case models.PaymentStatusFailed:
		return "failed"
	}
	return "pending"
}
