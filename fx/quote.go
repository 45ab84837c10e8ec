package fx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/models"
	"ticket-payment-service/repository"

	"go.uber.org/zap"
)

// MaxMarginBps caps the margin applied on top of the base rate.
const MaxMarginBps = 500

// RateStore persists FX rates. ActiveRate returns repository.ErrNotFound when
// no rate is active and fresh at the given instant.
type RateStore interface {
	ActiveRate(ctx context.Context, from, to string, at time.Time) (*models.FXRate, error)
	RotateRate(ctx context.Context, rate *models.FXRate) error
}

// Quote is a locked conversion from a display amount to a charge amount.
type Quote struct {
	DisplayAmountMinor int64     `json:"display_amount_minor"`
	DisplayCurrency    string    `json:"display_currency"`
	ChargeAmountMinor  int64     `json:"charge_amount_minor"`
	ChargeCurrency     string    `json:"charge_currency"`
	MarginBps          int64     `json:"margin_bps"`
	FXNumerator        int64     `json:"fx_numerator"`
	FXDenominator      int64     `json:"fx_denominator"`
	BaseRate           string    `json:"base_rate"`
	EffectiveRate      string    `json:"effective_rate"`
	Source             string    `json:"source"`
	LockedAt           time.Time `json:"locked_at"`
}

// QuoteService converts display amounts into settlement amounts. It is pure
// over the rate state it reads.
type QuoteService struct {
	store           RateStore
	cache           RateCache
	displayCurrency string
	chargeCurrency  string
	logger          *zap.Logger
	now             func() time.Time
}

func NewQuoteService(store RateStore, cache RateCache, displayCurrency, chargeCurrency string, logger *zap.Logger) *QuoteService {
	return &QuoteService{
		store:           store,
		cache:           cache,
		displayCurrency: strings.ToUpper(displayCurrency),
		chargeCurrency:  strings.ToUpper(chargeCurrency),
		logger:          logger,
		now:             time.Now,
	}
}

// Quote converts an amount in the configured display currency.
func (s *QuoteService) Quote(ctx context.Context, displayAmountMinor, marginBps int64) (*Quote, error) {
	return s.QuotePair(ctx, s.displayCurrency, s.chargeCurrency, displayAmountMinor, marginBps)
}

// QuotePair converts displayAmountMinor of displayCurrency into chargeCurrency.
//
// effective = base * (10000 + marginBps) / 10000
// charge    = ceil(display * 10^(chargeExp-displayExp) / effective), at least 1
func (s *QuoteService) QuotePair(ctx context.Context, displayCurrency, chargeCurrency string, displayAmountMinor, marginBps int64) (*Quote, error) {
	displayCurrency = strings.ToUpper(displayCurrency)
	chargeCurrency = strings.ToUpper(chargeCurrency)

	if displayAmountMinor <= 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRequest, "display amount must be positive", nil)
	}
	if marginBps < 0 || marginBps > MaxMarginBps {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRequest, fmt.Sprintf("margin must be between 0 and %d bps", MaxMarginBps), nil)
	}
	displayExp, ok := Exponent(displayCurrency)
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrUnsupportedCurrency, "unknown currency "+displayCurrency, nil)
	}
	chargeExp, ok := Exponent(chargeCurrency)
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrUnsupportedCurrency, "unknown currency "+chargeCurrency, nil)
	}

	// rates are stored as display units per charge unit
	rate, err := s.currentRate(ctx, chargeCurrency, displayCurrency)
	if err != nil {
		return nil, err
	}
	base := rate.Rat()
	if !Plausible(chargeCurrency, displayCurrency, base) {
		s.logger.Error("active fx rate outside plausible band",
			zap.String("pair", pairKey(chargeCurrency, displayCurrency)),
			zap.String("rate", rate.Rate),
			zap.String("source", rate.Source),
		)
		return nil, apperrors.Wrap(apperrors.ErrRateOutOfBounds, "", fmt.Errorf("rate %s for %s", rate.Rate, pairKey(chargeCurrency, displayCurrency)))
	}

	effective := new(big.Rat).Mul(base, big.NewRat(10000+marginBps, 10000))
	factor := pow10(chargeExp - displayExp)

	raw := new(big.Rat).Mul(new(big.Rat).SetInt64(displayAmountMinor), factor)
	raw.Quo(raw, effective)
	chargeInt := ceil(raw)
	if chargeInt.Sign() <= 0 {
		chargeInt.SetInt64(1)
	}
	if !chargeInt.IsInt64() || !effective.Num().IsInt64() || !effective.Denom().IsInt64() {
		return nil, apperrors.Wrap(apperrors.ErrAmountOutOfBounds, "converted amount overflows", nil)
	}
	charge := chargeInt.Int64()

	// implied = display major units / charge major units
	implied := new(big.Rat).Mul(new(big.Rat).SetInt64(displayAmountMinor), factor)
	implied.Quo(implied, new(big.Rat).SetInt64(charge))
	if !Plausible(chargeCurrency, displayCurrency, implied) {
		return nil, apperrors.Wrap(apperrors.ErrRateOutOfBounds, "implied rate outside plausible range", fmt.Errorf("implied %s", implied.FloatString(4)))
	}

	return &Quote{
		DisplayAmountMinor: displayAmountMinor,
		DisplayCurrency:    displayCurrency,
		ChargeAmountMinor:  charge,
		ChargeCurrency:     chargeCurrency,
		MarginBps:          marginBps,
		FXNumerator:        effective.Num().Int64(),
		FXDenominator:      effective.Denom().Int64(),
		BaseRate:           base.FloatString(6),
		EffectiveRate:      effective.FloatString(6),
		Source:             rate.Source,
		LockedAt:           s.now().UTC(),
	}, nil
}

// currentRate prefers the active database row and falls back to the shared
// last-known-good cache.
func (s *QuoteService) currentRate(ctx context.Context, from, to string) (*models.FXRate, error) {
	rate, err := s.store.ActiveRate(ctx, from, to, s.now())
	if err == nil {
		return rate, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("fx rate lookup failed, trying cache", zap.String("pair", pairKey(from, to)), zap.Error(err))
	}

	if s.cache != nil {
		cached, cerr := s.cache.Load(ctx, from, to)
		if cerr != nil {
			s.logger.Warn("fx rate cache lookup failed", zap.String("pair", pairKey(from, to)), zap.Error(cerr))
		} else if cached != nil {
			s.logger.Info("using cached fx rate", zap.String("pair", pairKey(from, to)), zap.String("rate", cached.Rate))
			return cached, nil
		}
	}
	return nil, apperrors.Wrap(apperrors.ErrRateUnavailable, "", err)
}
