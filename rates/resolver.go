package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payrollbridge/money"
	"payrollbridge/timesheet"
)

// DefaultTimeout bounds a single FetchRateProfile call.
const DefaultTimeout = 10 * time.Second

// Source looks up a worker's rate profile. Implementations return
// ErrProfileNotFound when the worker has none.
type Source interface {
	FetchRateProfile(ctx context.Context, workerID string) (RateProfile, error)
}

// Resolver converts worker aggregates into payable amounts.
type Resolver struct {
	source   Source
	currency string
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Resolver)

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the clock used for ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver builds a resolver paying out in payoutCurrency.
func NewResolver(source Source, payoutCurrency string, opts ...Option) (*Resolver, error) {
	cur, err := money.NormalizeCurrency(payoutCurrency)
	if err != nil {
		return nil, fmt.Errorf("rates: payout currency: %w", err)
	}
	r := &Resolver{
		source:   source,
		currency: cur,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("module", "rates")
	return r, nil
}

// Currency returns the configured payout currency.
func (r *Resolver) Currency() string { return r.currency }

// Resolve computes the payable amount for one aggregate. Errors are scoped to
// the worker and never affect other workers.
func (r *Resolver) Resolve(ctx context.Context, agg timesheet.WorkerAggregate) (PayableAmount, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	profile, err := r.source.FetchRateProfile(lookupCtx, agg.WorkerID)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		return PayableAmount{}, &MissingRateProfileError{WorkerID: agg.WorkerID}
	case err != nil:
		return PayableAmount{}, fmt.Errorf("%w: worker %s: %w", ErrRateLookupFailed, agg.WorkerID, err)
	}

	return r.compute(agg, profile)
}

func (r *Resolver) compute(agg timesheet.WorkerAggregate, profile RateProfile) (PayableAmount, error) {
	if !profile.Classification.Valid() || profile.Rate.IsNegative() {
		return PayableAmount{}, fmt.Errorf("%w: worker %s classification=%q rate=%s",
			ErrInvalidProfile, agg.WorkerID, profile.Classification, profile.Rate)
	}

	cur, err := money.NormalizeCurrency(profile.Currency)
	if err != nil || cur != r.currency {
		return PayableAmount{}, &CurrencyMismatchError{WorkerID: agg.WorkerID, Profile: profile.Currency, Payout: r.currency}
	}

	var amount int64
	switch profile.Classification {
	case ClassificationHourly:
		amount = money.ToMinor(agg.TotalHours.Mul(profile.Rate), cur)
	case ClassificationFixedSalary:
		amount = money.ToMinor(profile.Rate, cur)
	}

	return PayableAmount{
		WorkerID:       agg.WorkerID,
		Period:         agg.Period,
		Amount:         amount,
		Currency:       cur,
		Hours:          agg.TotalHours,
		Classification: profile.Classification,
		ComputedAt:     r.now().UTC(),
	}, nil
}
