package services

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/metrics"
	"ticket-payment-service/models"
	"ticket-payment-service/providers"
	"ticket-payment-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ReconcilerConfig struct {
	ProviderTimeout time.Duration
	// NotFoundGrace is how long a referenced transaction may be unknown to
	// the gateway before the intent is failed.
	NotFoundGrace time.Duration
	MinAge        time.Duration
	MaxAge        time.Duration
	BatchSize     int
	Concurrency   int
}

type ReconcileResult struct {
	PaymentID uuid.UUID            `json:"payment_id"`
	OrderID   uuid.UUID            `json:"order_id"`
	Status    models.PaymentStatus `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	Message   string               `json:"message"`
}

type SweepStats struct {
	Checked     int
	Completed   int
	Failed      int
	Pending     int
	Errors      int
	Refinalized int
}

// Reconciler asks gateways for the truth when webhooks are late or lost.
type Reconciler struct {
	payments  repository.PaymentRepository
	intents   IntentService
	fulfiller Finalizer
	providers *providers.Registry
	cfg       ReconcilerConfig
	metrics   metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

func NewReconciler(
	payments repository.PaymentRepository,
	intents IntentService,
	fulfiller Finalizer,
	registry *providers.Registry,
	cfg ReconcilerConfig,
	rec metrics.Recorder,
	logger *zap.Logger,
) *Reconciler {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 20 * time.Second
	}
	if cfg.NotFoundGrace <= 0 {
		cfg.NotFoundGrace = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Reconciler{
		payments:  payments,
		intents:   intents,
		fulfiller: fulfiller,
		providers: registry,
		cfg:       cfg,
		metrics:   rec,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, intentID uuid.UUID) (*ReconcileResult, error) {
	intent, err := r.payments.GetByID(ctx, intentID)
	if err != nil {
		return nil, storeError(err)
	}
	return r.reconcile(ctx, intent)
}

func (r *Reconciler) ReconcileByProviderRef(ctx context.Context, provider models.Provider, ref string) (*ReconcileResult, error) {
	intent, err := r.payments.GetByProviderRef(ctx, provider, ref)
	if err != nil {
		return nil, storeError(err)
	}
	return r.reconcile(ctx, intent)
}

func (r *Reconciler) reconcile(ctx context.Context, intent *models.PaymentIntent) (*ReconcileResult, error) {
	if intent.Status.Terminal() {
		if intent.Status == models.PaymentStatusCompleted {
			if _, err := r.fulfiller.Finalize(ctx, intent.ID); err != nil {
				return nil, err
			}
		}
		return resultFor(intent, "payment already final"), nil
	}

	provider, err := r.providers.Get(intent.Provider)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "", err)
	}
	log := r.logger.With(
		zap.String("payment_id", intent.ID.String()),
		zap.String("provider", string(intent.Provider)),
	)

	ref := intent.Ref()
	hasRef := ref != ""
	if !hasRef {
		if cr, ok := provider.(providers.ClientReferenced); ok {
			ref = cr.ClientReference(intent.ID)
		}
	}
	age := r.now().Sub(intent.CreatedAt)

	if ref == "" {
		if age < r.creationGrace() {
			return resultFor(intent, "waiting for the provider to confirm creation"), nil
		}
		log.Warn("pending intent never reached the provider")
		return r.fail(ctx, intent, models.ReasonNoTransactionCreated, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	start := time.Now()
	st, err := provider.Verify(callCtx, ref)
	cancel()
	r.metrics.ProviderCall(intent.Provider, "verify", err, time.Since(start))
	if err != nil {
		log.Warn("provider verify failed", zap.String("provider_ref", ref), zap.Error(err))
		return nil, apperrors.Wrap(apperrors.ErrProviderUnavailable, "", err)
	}

	if st.NotFound {
		switch {
		case !hasRef && age >= r.creationGrace():
			log.Warn("provider has no transaction for pending intent", zap.String("provider_ref", ref))
			return r.fail(ctx, intent, models.ReasonNoTransactionCreated, st.Raw)
		case hasRef && age > r.cfg.NotFoundGrace:
			log.Warn("provider lost track of referenced transaction", zap.String("provider_ref", ref))
			return r.fail(ctx, intent, models.ReasonNotFoundAtProvider, st.Raw)
		}
		return resultFor(intent, "provider has not registered the payment yet"), nil
	}

	providerRef := st.ProviderRef
	if providerRef == "" {
		providerRef = ref
	}
	tr, err := r.intents.Transition(ctx, TransitionInput{
		IntentID:       intent.ID,
		Status:         st.Status,
		ProviderRef:    providerRef,
		Amount:         st.Amount,
		AmountReported: st.AmountReported,
		Currency:       st.Currency,
		Raw:            st.Raw,
		Source:         "reconcile",
	})
	if err != nil {
		return nil, err
	}
	return resultFor(tr.Intent, messageFor(tr.Intent.Status)), nil
}

func (r *Reconciler) fail(ctx context.Context, intent *models.PaymentIntent, reason string, raw []byte) (*ReconcileResult, error) {
	tr, err := r.intents.Transition(ctx, TransitionInput{
		IntentID: intent.ID,
		Status:   models.PaymentStatusFailed,
		Reason:   reason,
		Raw:      raw,
		Source:   "reconcile",
	})
	if err != nil {
		return nil, err
	}
	return resultFor(tr.Intent, messageFor(tr.Intent.Status)), nil
}

// creationGrace covers a create call still in flight: an intent without a
// reference is only abandoned once its create call must have timed out.
func (r *Reconciler) creationGrace() time.Duration {
	return 2 * r.cfg.ProviderTimeout
}

// Audit re-verifies a terminal intent against the gateway without ever
// changing it. A PENDING intent is reconciled as usual.
func (r *Reconciler) Audit(ctx context.Context, intentID uuid.UUID) (*ReconcileResult, error) {
	intent, err := r.payments.GetByID(ctx, intentID)
	if err != nil {
		return nil, storeError(err)
	}
	if !intent.Status.Terminal() {
		return r.reconcile(ctx, intent)
	}
	if intent.Ref() == "" {
		return resultFor(intent, messageFor(intent.Status)), nil
	}
	provider, err := r.providers.Get(intent.Provider)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()
	start := time.Now()
	st, err := provider.Verify(callCtx, intent.Ref())
	r.metrics.ProviderCall(intent.Provider, "audit", err, time.Since(start))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrProviderUnavailable, "", err)
	}
	// a gateway that lost a completed deposit is retried, never failed
	if intent.Status == models.PaymentStatusCompleted && (st.NotFound || st.Status == models.PaymentStatusFailed) {
		r.logger.Error("provider disagrees with completed payment",
			zap.String("payment_id", intent.ID.String()),
			zap.String("provider_ref", intent.Ref()),
			zap.Bool("not_found", st.NotFound),
			zap.String("provider_status", st.ProviderStatus),
		)
		return nil, apperrors.Wrap(apperrors.ErrInconsistentState, "", nil)
	}
	return resultFor(intent, "payment confirmed by provider"), nil
}

// Sweep reconciles PENDING intents in the age window and re-finalizes
// completed payments whose orders were never fulfilled.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepStats, error) {
	now := r.now()
	intents, err := r.payments.ListPending(ctx, now.Add(-r.cfg.MaxAge), now.Add(-r.cfg.MinAge), r.cfg.BatchSize)
	if err != nil {
		return nil, storeError(err)
	}

	stats := &SweepStats{}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	for i := range intents {
		intent := &intents[i]
		g.Go(func() error {
			res, err := r.reconcile(ctx, intent)

			mu.Lock()
			defer mu.Unlock()
			stats.Checked++
			if err != nil {
				stats.Errors++
				if !errors.Is(err, apperrors.ErrProviderUnavailable) {
					r.logger.Error("reconcile failed", zap.String("payment_id", intent.ID.String()), zap.Error(err))
				}
				return nil
			}
			switch res.Status {
			case models.PaymentStatusCompleted:
				stats.Completed++
			case models.PaymentStatusFailed:
				stats.Failed++
			default:
				stats.Pending++
			}
			return nil
		})
	}
	_ = g.Wait()

	unfulfilled, err := r.payments.ListCompletedUnfulfilled(ctx, r.cfg.BatchSize)
	if err != nil {
		return stats, storeError(err)
	}
	for _, intent := range unfulfilled {
		if _, err := r.fulfiller.Finalize(ctx, intent.ID); err != nil {
			stats.Errors++
			continue
		}
		stats.Refinalized++
	}
	return stats, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("reconcile sweep failed", zap.Error(err))
				continue
			}
			if stats.Checked > 0 || stats.Refinalized > 0 {
				r.logger.Info("reconcile sweep finished",
					zap.Int("checked", stats.Checked),
					zap.Int("completed", stats.Completed),
					zap.Int("failed", stats.Failed),
					zap.Int("pending", stats.Pending),
					zap.Int("errors", stats.Errors),
					zap.Int("refinalized", stats.Refinalized),
				)
			}
		}
	}
}

func resultFor(intent *models.PaymentIntent, msg string) *ReconcileResult {
	res := &ReconcileResult{
		PaymentID: intent.ID,
		OrderID:   intent.OrderID,
		Status:    intent.Status,
		Message:   msg,
	}
	if intent.FailureReason != nil {
		res.Reason = *intent.FailureReason
	}
	return res
}

func messageFor(status models.PaymentStatus) string {
	switch status {
	case models.PaymentStatusCompleted:
		return "payment completed"
	case models.PaymentStatusFailed:
		return "payment failed"
	}
	return "payment pending"
}
