package timesheet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payrollbridge/period"
)

type stubSource struct {
	entries []TimeEntry
	err     error
	calls   int
}

func (s *stubSource) FetchTimeEntries(ctx context.Context, p period.Period) ([]TimeEntry, error) {
	s.calls++
	return s.entries, s.err
}

func mustPeriod(t *testing.T) period.Period {
	t.Helper()
	p, err := period.Parse("2024-05-01", "2024-05-31", time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("period: %v", err)
	}
	return p
}

func day(d int) time.Time {
	return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC)
}

func hours(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func collect(t *testing.T, a *Aggregator, p period.Period) []WorkerAggregate {
	t.Helper()
	seq, err := a.Aggregate(context.Background(), p)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	var out []WorkerAggregate
	for agg := range seq {
		out = append(out, agg)
	}
	return out
}

func TestAggregate_ConservesApprovedHours(t *testing.T) {
	src := &stubSource{entries: []TimeEntry{
		{WorkerID: "w2", ProjectID: "p1", Date: day(2), Hours: hours("4.25"), ApprovalStatus: "approved"},
		{WorkerID: "w1", ProjectID: "p1", Date: day(3), Hours: hours("20"), ApprovalStatus: "approved"},
		{WorkerID: "w1", ProjectID: "p2", Date: day(4), Hours: hours("17.5"), ApprovalStatus: "approved"},
		{WorkerID: "w1", ProjectID: "p2", Date: day(5), Hours: hours("3"), ApprovalStatus: "submitted"},
		{WorkerID: "w1", ProjectID: "", Date: day(6), Hours: hours("1.5"), ApprovalStatus: "approved"},
		{WorkerID: "w3", ProjectID: "p9", Date: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Hours: hours("8"), ApprovalStatus: "approved"},
	}}

	out := collect(t, NewAggregator(src), mustPeriod(t))
	if len(out) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(out))
	}
	if out[0].WorkerID != "w1" || out[1].WorkerID != "w2" {
		t.Fatalf("expected ordering by worker id, got %s, %s", out[0].WorkerID, out[1].WorkerID)
	}

	w1 := out[0]
	if !w1.TotalHours.Equal(hours("39")) {
		t.Fatalf("expected 39 total hours, got %s", w1.TotalHours)
	}
	sum := decimal.Zero
	for _, h := range w1.HoursByProject {
		sum = sum.Add(h)
	}
	if !sum.Equal(w1.TotalHours) {
		t.Fatalf("project hours %s do not add up to total %s", sum, w1.TotalHours)
	}
	if !w1.HoursByProject[UnassignedProject].Equal(hours("1.5")) {
		t.Fatalf("expected 1.5 unassigned hours, got %s", w1.HoursByProject[UnassignedProject])
	}
	if !w1.HoursByProject["p2"].Equal(hours("17.5")) {
		t.Fatalf("unapproved entry leaked into p2: %s", w1.HoursByProject["p2"])
	}
}

func TestAggregate_OmitsZeroHourWorkers(t *testing.T) {
	src := &stubSource{entries: []TimeEntry{
		{WorkerID: "idle", ProjectID: "p1", Date: day(2), Hours: decimal.Zero, ApprovalStatus: "approved"},
		{WorkerID: "pending-only", ProjectID: "p1", Date: day(2), Hours: hours("8"), ApprovalStatus: "pending"},
	}}
	if out := collect(t, NewAggregator(src), mustPeriod(t)); len(out) != 0 {
		t.Fatalf("expected no aggregates, got %d", len(out))
	}
}

func TestAggregate_MalformedPayloadYieldsNothing(t *testing.T) {
	cases := map[string]TimeEntry{
		"missing worker": {ProjectID: "p1", Date: day(2), Hours: hours("1"), ApprovalStatus: "approved"},
		"negative hours": {WorkerID: "w1", Date: day(2), Hours: hours("-1"), ApprovalStatus: "approved"},
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			src := &stubSource{entries: []TimeEntry{
				{WorkerID: "w0", ProjectID: "p1", Date: day(1), Hours: hours("8"), ApprovalStatus: "approved"},
				bad,
			}}
			seq, err := NewAggregator(src).Aggregate(context.Background(), mustPeriod(t))
			if !errors.Is(err, ErrSourceUnavailable) {
				t.Fatalf("expected ErrSourceUnavailable, got %v", err)
			}
			if seq != nil {
				t.Fatalf("expected nil sequence on failure")
			}
		})
	}
}

func TestAggregate_SourceErrorWrapped(t *testing.T) {
	src := &stubSource{err: context.DeadlineExceeded}
	_, err := NewAggregator(src, WithTimeout(time.Second)).Aggregate(context.Background(), mustPeriod(t))
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected underlying cause to be preserved, got %v", err)
	}
}

func TestAggregate_StopsWhenConsumerBreaks(t *testing.T) {
	src := &stubSource{entries: []TimeEntry{
		{WorkerID: "a", Date: day(1), Hours: hours("1"), ApprovalStatus: "approved"},
		{WorkerID: "b", Date: day(1), Hours: hours("1"), ApprovalStatus: "approved"},
		{WorkerID: "c", Date: day(1), Hours: hours("1"), ApprovalStatus: "approved"},
	}}
	seq, err := NewAggregator(src).Aggregate(context.Background(), mustPeriod(t))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	var seen []string
	for agg := range seq {
		seen = append(seen, agg.WorkerID)
		if len(seen) == 2 {
			break
		}
	}
	if len(seen) != 2 || seen[1] != "b" {
		t.Fatalf("unexpected early-exit result %v", seen)
	}
}
