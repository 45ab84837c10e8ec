package services

import (
	"context"
	"errors"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/providers"
	"ticket-payment-service/repository"
)

// providerError maps adapter failures onto the application taxonomy.
// Anything that is not a definitive answer from the gateway is treated as
// transient.
func providerError(err error) error {
	switch {
	case errors.Is(err, providers.ErrRejected):
		return apperrors.Wrap(apperrors.ErrProviderRejected, "", err)
	case errors.Is(err, providers.ErrInvalidRequest):
		return apperrors.Wrap(apperrors.ErrInvalidRequest, "request not accepted by provider", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrProviderUnavailable, "Payment provider timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrProviderUnavailable, "", err)
}

// storeError maps repository failures, keeping not-found distinguishable.
func storeError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.Wrap(apperrors.ErrNotFound, "not found", err)
	}
	return apperrors.Wrap(apperrors.ErrInternal, "", err)
}
