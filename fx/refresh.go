package fx

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/metrics"
	"ticket-payment-service/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const FallbackSource = "fallback"

// Refresher keeps one active rate per pair, trying sources in priority order.
type Refresher struct {
	store    RateStore
	cache    RateCache
	sources  []RateSource
	from, to string
	validity time.Duration
	timeout  time.Duration
	fallback *big.Rat
	metrics  metrics.Recorder
	logger   *zap.Logger
	group    singleflight.Group
	now      func() time.Time
}

type RefresherConfig struct {
	From     string
	To       string
	Validity time.Duration
	Timeout  time.Duration
	// Fallback is the last-known-good rate used when every source fails. Nil
	// disables degraded mode.
	Fallback *big.Rat
	Metrics  metrics.Recorder
}

func NewRefresher(store RateStore, cache RateCache, sources []RateSource, cfg RefresherConfig, logger *zap.Logger) *Refresher {
	if cfg.Validity <= 0 {
		cfg.Validity = 2 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	return &Refresher{
		store:    store,
		cache:    cache,
		sources:  sources,
		from:     strings.ToUpper(cfg.From),
		to:       strings.ToUpper(cfg.To),
		validity: cfg.Validity,
		timeout:  cfg.Timeout,
		fallback: cfg.Fallback,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Refresh rotates in a new active rate. Concurrent calls share one fetch.
func (r *Refresher) Refresh(ctx context.Context) (*models.FXRate, error) {
	v, err, _ := r.group.Do(pairKey(r.from, r.to), func() (interface{}, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.FXRate), nil
}

func (r *Refresher) refresh(ctx context.Context) (*models.FXRate, error) {
	rate, source := r.fetchFirstPlausible(ctx)
	if rate == nil {
		if r.fallback == nil || !Plausible(r.from, r.to, r.fallback) {
			r.logger.Error("fx refresh failed: no source and no usable fallback", zap.String("pair", pairKey(r.from, r.to)))
			return nil, apperrors.Wrap(apperrors.ErrRateUnavailable, "no rate source available", nil)
		}
		r.logger.Warn("fx refresh degraded: all sources failed, using fallback rate",
			zap.String("pair", pairKey(r.from, r.to)),
			zap.String("rate", r.fallback.FloatString(6)),
		)
		r.metrics.FXFallback(r.from, r.to)
		rate, source = r.fallback, FallbackSource
	}

	if !rate.Num().IsInt64() || !rate.Denom().IsInt64() {
		return nil, fmt.Errorf("rate %s not representable", rate.String())
	}

	now := r.now().UTC()
	row := &models.FXRate{
		ID:           uuid.New(),
		FromCurrency: r.from,
		ToCurrency:   r.to,
		Numerator:    rate.Num().Int64(),
		Denominator:  rate.Denom().Int64(),
		Rate:         rate.FloatString(6),
		Source:       source,
		ValidFrom:    now,
		ValidUntil:   now.Add(r.validity),
		Active:       true,
	}
	if err := r.store.RotateRate(ctx, row); err != nil {
		return nil, fmt.Errorf("rotate fx rate: %w", err)
	}

	if r.cache != nil && source != FallbackSource {
		if err := r.cache.Store(ctx, row); err != nil {
			r.logger.Warn("failed to cache fx rate", zap.Error(err))
		}
	}

	r.logger.Info("fx rate refreshed",
		zap.String("pair", pairKey(r.from, r.to)),
		zap.String("rate", row.Rate),
		zap.String("source", source),
		zap.Time("valid_until", row.ValidUntil),
	)
	return row, nil
}

func (r *Refresher) fetchFirstPlausible(ctx context.Context) (*big.Rat, string) {
	for _, src := range r.sources {
		fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
		rate, err := src.Fetch(fetchCtx, r.from, r.to)
		cancel()
		if err != nil {
			r.logger.Warn("fx source failed", zap.String("source", src.Name()), zap.Error(err))
			continue
		}
		if !Plausible(r.from, r.to, rate) {
			r.logger.Warn("fx source returned implausible rate",
				zap.String("source", src.Name()),
				zap.String("rate", rate.FloatString(6)),
			)
			continue
		}
		return rate, src.Name()
	}
	return nil, ""
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) error {
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Error("initial fx refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("fx refresher stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil {
				r.logger.Error("fx refresh failed", zap.Error(err))
			}
		}
	}
}
