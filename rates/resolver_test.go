package rates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payrollbridge/period"
	"payrollbridge/timesheet"
)

type stubSource struct {
	profiles map[string]RateProfile
	err      error
	calls    int
}

func (s *stubSource) FetchRateProfile(ctx context.Context, workerID string) (RateProfile, error) {
	s.calls++
	if s.err != nil {
		return RateProfile{}, s.err
	}
	p, ok := s.profiles[workerID]
	if !ok {
		return RateProfile{}, ErrProfileNotFound
	}
	return p, nil
}

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func aggregate(t *testing.T, worker, total string) timesheet.WorkerAggregate {
	t.Helper()
	p, err := period.Parse("2024-05-01", "2024-05-31", fixedNow)
	if err != nil {
		t.Fatalf("period: %v", err)
	}
	h := decimal.RequireFromString(total)
	return timesheet.WorkerAggregate{
		WorkerID:       worker,
		Period:         p,
		TotalHours:     h,
		HoursByProject: map[string]decimal.Decimal{"p1": h},
	}
}

func newResolver(t *testing.T, src Source) *Resolver {
	t.Helper()
	r, err := NewResolver(src, "USD", WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func TestResolve_HourlyRounding(t *testing.T) {
	src := &stubSource{profiles: map[string]RateProfile{
		"w1": {WorkerID: "w1", Classification: ClassificationHourly, Rate: decimal.RequireFromString("20.00"), Currency: "USD"},
		"w2": {WorkerID: "w2", Classification: ClassificationHourly, Rate: decimal.RequireFromString("33.33"), Currency: "usd"},
	}}
	r := newResolver(t, src)

	got, err := r.Resolve(context.Background(), aggregate(t, "w1", "37.5"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Amount != 75000 || got.Currency != "USD" {
		t.Fatalf("expected 75000 USD, got %d %s", got.Amount, got.Currency)
	}
	if !got.ComputedAt.Equal(fixedNow) {
		t.Fatalf("unexpected computed_at %s", got.ComputedAt)
	}

	// 1.5 * 33.33 = 49.995 -> 5000 minor units
	got, err = r.Resolve(context.Background(), aggregate(t, "w2", "1.5"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Amount != 5000 {
		t.Fatalf("expected half-up rounding to 5000, got %d", got.Amount)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	src := &stubSource{profiles: map[string]RateProfile{
		"w1": {WorkerID: "w1", Classification: ClassificationHourly, Rate: decimal.RequireFromString("17.3"), Currency: "USD"},
	}}
	r := newResolver(t, src)
	agg := aggregate(t, "w1", "12.75")

	first, err := r.Resolve(context.Background(), agg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := r.Resolve(context.Background(), agg)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if again.Amount != first.Amount {
			t.Fatalf("non-deterministic amount: %d vs %d", again.Amount, first.Amount)
		}
	}
}

func TestResolve_FixedSalaryIgnoresHours(t *testing.T) {
	src := &stubSource{profiles: map[string]RateProfile{
		"s1": {WorkerID: "s1", Classification: ClassificationFixedSalary, Rate: decimal.RequireFromString("4200"), Currency: "USD"},
	}}
	r := newResolver(t, src)

	for _, h := range []string{"0.5", "160"} {
		got, err := r.Resolve(context.Background(), aggregate(t, "s1", h))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got.Amount != 420000 {
			t.Fatalf("expected 420000, got %d", got.Amount)
		}
		if !got.Hours.Equal(decimal.RequireFromString(h)) {
			t.Fatalf("expected hours to be retained for audit")
		}
	}
}

func TestResolve_MissingProfile(t *testing.T) {
	r := newResolver(t, &stubSource{})
	_, err := r.Resolve(context.Background(), aggregate(t, "ghost", "8"))
	if !errors.Is(err, ErrMissingRateProfile) {
		t.Fatalf("expected ErrMissingRateProfile, got %v", err)
	}
	var missing *MissingRateProfileError
	if !errors.As(err, &missing) || missing.WorkerID != "ghost" {
		t.Fatalf("expected MissingRateProfileError for ghost, got %v", err)
	}
}

func TestResolve_CurrencyMismatch(t *testing.T) {
	src := &stubSource{profiles: map[string]RateProfile{
		"w1": {WorkerID: "w1", Classification: ClassificationHourly, Rate: decimal.RequireFromString("20"), Currency: "EUR"},
	}}
	_, err := newResolver(t, src).Resolve(context.Background(), aggregate(t, "w1", "8"))
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestResolve_LookupFailure(t *testing.T) {
	src := &stubSource{err: context.DeadlineExceeded}
	_, err := newResolver(t, src).Resolve(context.Background(), aggregate(t, "w1", "8"))
	if !errors.Is(err, ErrRateLookupFailed) {
		t.Fatalf("expected ErrRateLookupFailed, got %v", err)
	}
	if errors.Is(err, ErrMissingRateProfile) {
		t.Fatalf("transport failure must not look like a missing profile")
	}
}

func TestOverlay_StaticTakesPrecedence(t *testing.T) {
	salary, err := ParseProfile("w1", "fixed_salary", "3000", "usd")
	if err != nil {
		t.Fatalf("parse profile: %v", err)
	}
	static := NewStaticSource([]RateProfile{salary})
	upstream := &stubSource{profiles: map[string]RateProfile{
		"w1": {WorkerID: "w1", Classification: ClassificationHourly, Rate: decimal.RequireFromString("10"), Currency: "USD"},
		"w2": {WorkerID: "w2", Classification: ClassificationHourly, Rate: decimal.RequireFromString("10"), Currency: "USD"},
	}}
	overlay := NewOverlay(static, upstream)

	p, err := overlay.FetchRateProfile(context.Background(), "w1")
	if err != nil || p.Classification != ClassificationFixedSalary {
		t.Fatalf("expected static fixed salary profile, got %+v err=%v", p, err)
	}
	if upstream.calls != 0 {
		t.Fatalf("upstream should not be consulted when static source has the worker")
	}
	p, err = overlay.FetchRateProfile(context.Background(), "w2")
	if err != nil || p.Classification != ClassificationHourly {
		t.Fatalf("expected upstream profile, got %+v err=%v", p, err)
	}
	if _, err := overlay.FetchRateProfile(context.Background(), "w3"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestParseProfile_Rejects(t *testing.T) {
	cases := [][4]string{
		{"", "hourly", "10", "USD"},
		{"w1", "contractor", "10", "USD"},
		{"w1", "hourly", "-1", "USD"},
		{"w1", "hourly", "ten", "USD"},
		{"w1", "hourly", "10", "US"},
	}
	for _, c := range cases {
		if _, err := ParseProfile(c[0], c[1], c[2], c[3]); !errors.Is(err, ErrInvalidProfile) {
			t.Errorf("ParseProfile(%v) expected ErrInvalidProfile, got %v", c, err)
		}
	}
}
