package rates

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"payrollbridge/money"
)

// StaticSource serves rate profiles configured by operators, typically
// fixed-salary workers the time tracker has no rate for.
type StaticSource struct {
	profiles map[string]RateProfile
}

// ParseProfile validates raw configuration values into a RateProfile.
func ParseProfile(workerID, classification, rate, currency string) (RateProfile, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return RateProfile{}, fmt.Errorf("%w: missing worker id", ErrInvalidProfile)
	}
	class := Classification(strings.ToLower(strings.TrimSpace(classification)))
	if !class.Valid() {
		return RateProfile{}, fmt.Errorf("%w: worker %s: classification %q", ErrInvalidProfile, workerID, classification)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(rate))
	if err != nil || amount.IsNegative() {
		return RateProfile{}, fmt.Errorf("%w: worker %s: rate %q", ErrInvalidProfile, workerID, rate)
	}
	cur, err := money.NormalizeCurrency(currency)
	if err != nil {
		return RateProfile{}, fmt.Errorf("%w: worker %s: %w", ErrInvalidProfile, workerID, err)
	}
	return RateProfile{WorkerID: workerID, Classification: class, Rate: amount, Currency: cur}, nil
}

func NewStaticSource(profiles []RateProfile) *StaticSource {
	m := make(map[string]RateProfile, len(profiles))
	for _, p := range profiles {
		m[p.WorkerID] = p
	}
	return &StaticSource{profiles: m}
}

func (s *StaticSource) FetchRateProfile(_ context.Context, workerID string) (RateProfile, error) {
	p, ok := s.profiles[workerID]
	if !ok {
		return RateProfile{}, ErrProfileNotFound
	}
	return p, nil
}

// Len returns the number of configured profiles.
func (s *StaticSource) Len() int { return len(s.profiles) }
