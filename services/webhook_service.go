package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/metrics"
	"ticket-payment-service/models"
	"ticket-payment-service/providers"
	"ticket-payment-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookDecision tells the HTTP layer whether the provider should redeliver.
type WebhookDecision string

const (
	DecisionAck   WebhookDecision = "ACK"
	DecisionRetry WebhookDecision = "RETRY"
)

type WebhookOutcome struct {
	Decision  WebhookDecision      `json:"decision"`
	EventKey  string               `json:"event_key"`
	Duplicate bool                 `json:"duplicate,omitempty"`
	Unmatched bool                 `json:"unmatched,omitempty"`
	Verified  bool                 `json:"verified"`
	PaymentID *uuid.UUID           `json:"payment_id,omitempty"`
	Status    models.PaymentStatus `json:"status,omitempty"`
}

// PayloadArchiver keeps raw webhook bodies outside the database.
type PayloadArchiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

type WebhookService struct {
	events    repository.WebhookEventRepository
	payments  repository.PaymentRepository
	intents   IntentService
	providers *providers.Registry
	archiver  PayloadArchiver
	metrics   metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewWebhookService builds the ingestion pipeline. archiver may be nil.
func NewWebhookService(
	events repository.WebhookEventRepository,
	payments repository.PaymentRepository,
	intents IntentService,
	registry *providers.Registry,
	archiver PayloadArchiver,
	rec metrics.Recorder,
	logger *zap.Logger,
) *WebhookService {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &WebhookService{
		events:    events,
		payments:  payments,
		intents:   intents,
		providers: registry,
		archiver:  archiver,
		metrics:   rec,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle authenticates, deduplicates and applies one notification.
// Authentication and payload problems are returned as errors; everything
// else is expressed through the outcome's Decision.
func (s *WebhookService) Handle(ctx context.Context, provider models.Provider, body []byte, headers http.Header) (*WebhookOutcome, error) {
	adapter, err := s.providers.Get(provider)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "unknown provider", err)
	}
	log := s.logger.With(zap.String("provider", string(provider)))

	wr, err := adapter.ParseWebhook(body, headers)
	if err != nil {
		switch {
		case errors.Is(err, providers.ErrInvalidSignature):
			s.metrics.WebhookReceived(provider, "invalid_signature")
			log.Warn("webhook signature rejected", zap.Error(err))
			return nil, apperrors.Wrap(apperrors.ErrInvalidSignature, "", err)
		default:
			s.metrics.WebhookReceived(provider, "malformed")
			log.Warn("webhook payload rejected", zap.Error(err))
			return nil, apperrors.Wrap(apperrors.ErrInvalidRequest, "malformed webhook payload", err)
		}
	}
	if wr.EventKey == "" {
		s.metrics.WebhookReceived(provider, "malformed")
		return nil, apperrors.Wrap(apperrors.ErrInvalidRequest, "webhook carries no event identifier", nil)
	}
	if !wr.Verified {
		log.Warn("processing unverified webhook, no secret configured", zap.String("event_key", wr.EventKey))
	}
	log = log.With(zap.String("event_key", wr.EventKey), zap.String("event_type", wr.EventType))

	payload := string(body)
	if !json.Valid(body) {
		payload = "{}"
	}
	ev, created, err := s.events.Record(ctx, &models.WebhookEvent{
		ID:                uuid.New(),
		Provider:          provider,
		EventKey:          wr.EventKey,
		EventType:         wr.EventType,
		ProviderRef:       wr.ProviderRef,
		SignatureVerified: wr.Verified,
		Payload:           payload,
	})
	if err != nil {
		log.Error("failed to record webhook event", zap.Error(err))
		return s.retry(provider, wr), nil
	}

	outcome := &WebhookOutcome{Decision: DecisionAck, EventKey: wr.EventKey, Verified: wr.Verified, Status: wr.Status}
	if ev.Processed {
		outcome.Duplicate = true
		s.metrics.WebhookReceived(provider, "duplicate")
		log.Info("duplicate webhook ignored")
		return outcome, nil
	}
	if created {
		s.archive(ctx, provider, wr.EventKey, body, log)
	}

	intent, err := s.resolveIntent(ctx, provider, wr)
	if err != nil {
		log.Error("failed to resolve payment intent", zap.Error(err))
		s.markFailed(ctx, ev.ID, err, log)
		return s.retry(provider, wr), nil
	}
	if intent == nil {
		outcome.Unmatched = true
		note := "unmatched"
		if err := s.events.MarkProcessed(ctx, ev.ID, &note, s.now().UTC()); err != nil {
			log.Error("failed to mark webhook processed", zap.Error(err))
			return s.retry(provider, wr), nil
		}
		s.metrics.WebhookReceived(provider, "unmatched")
		log.Warn("webhook matches no payment intent", zap.String("provider_ref", wr.ProviderRef), zap.Strings("alternate_refs", wr.AlternateRefs))
		return outcome, nil
	}
	outcome.PaymentID = &intent.ID

	tr, err := s.intents.Transition(ctx, TransitionInput{
		IntentID:       intent.ID,
		Status:         wr.Status,
		ProviderRef:    wr.ProviderRef,
		Amount:         wr.Amount,
		AmountReported: wr.AmountReported,
		Currency:       wr.Currency,
		Raw:            wr.Raw,
		Source:         "webhook",
	})
	if err != nil {
		log.Error("failed to apply webhook", zap.String("payment_id", intent.ID.String()), zap.Error(err))
		s.markFailed(ctx, ev.ID, err, log)
		return s.retry(provider, wr), nil
	}
	outcome.Status = tr.Intent.Status

	if err := s.events.MarkProcessed(ctx, ev.ID, nil, s.now().UTC()); err != nil {
		// the transition is applied; a redelivery would be a harmless no-op
		log.Error("failed to mark webhook processed", zap.Error(err))
		return s.retry(provider, wr), nil
	}
	s.metrics.WebhookReceived(provider, "applied")
	log.Info("webhook applied",
		zap.String("payment_id", intent.ID.String()),
		zap.String("status", string(tr.Intent.Status)),
		zap.Bool("changed", tr.Changed),
	)
	return outcome, nil
}

// resolveIntent tries the primary reference, then every alternate. A
// reference that parses as one of our payment ids is accepted too.
func (s *WebhookService) resolveIntent(ctx context.Context, provider models.Provider, wr *providers.WebhookResult) (*models.PaymentIntent, error) {
	refs := append([]string{wr.ProviderRef}, wr.AlternateRefs...)
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		intent, err := s.payments.GetByProviderRef(ctx, provider, ref)
		if err == nil {
			return intent, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}

		id, perr := uuid.Parse(ref)
		if perr != nil {
			continue
		}
		intent, err = s.payments.GetByID(ctx, id)
		switch {
		case err == nil && intent.Provider == provider:
			return intent, nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}
	return nil, nil
}

func (s *WebhookService) archive(ctx context.Context, provider models.Provider, eventKey string, body []byte, log *zap.Logger) {
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	key := fmt.Sprintf("webhooks/%s/%s/%s.json",
		strings.ToLower(string(provider)),
		s.now().UTC().Format("2006/01/02"),
		strings.NewReplacer("/", "_", " ", "_").Replace(eventKey),
	)
	if err := s.archiver.Put(ctx, key, body, "application/json"); err != nil {
		log.Warn("failed to archive webhook payload", zap.String("key", key), zap.Error(err))
	}
}

func (s *WebhookService) markFailed(ctx context.Context, id uuid.UUID, cause error, log *zap.Logger) {
	if err := s.events.MarkFailed(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		log.Error("failed to record webhook processing error", zap.Error(err))
	}
}

func (s *WebhookService) retry(provider models.Provider, wr *providers.WebhookResult) *WebhookOutcome {
	s.metrics.WebhookReceived(provider, "retry")
	return &WebhookOutcome{Decision: DecisionRetry, EventKey: wr.EventKey, Verified: wr.Verified, Status: wr.Status}
}
