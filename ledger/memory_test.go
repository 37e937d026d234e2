package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"payrollbridge/period"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testPeriod(t *testing.T) period.Period {
	t.Helper()
	p, err := period.Parse("2024-05-01", "2024-05-31", time.Time{})
	if err != nil {
		t.Fatalf("period: %v", err)
	}
	return p
}

func newTestStore(t *testing.T) (*MemoryStore, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	return NewMemoryStore(DefaultPolicy(), WithMemoryClock(c.Now)), c
}

func params(t *testing.T, worker string, amount int64) ReserveParams {
	return ReserveParams{WorkerID: worker, Period: testPeriod(t), PayeeID: "payee-" + worker, Amount: amount, Currency: "usd"}
}

func TestKeyFor_Deterministic(t *testing.T) {
	p := testPeriod(t)
	a := KeyFor("w1", p)
	if a != KeyFor("w1", p) {
		t.Fatalf("key must be stable")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == KeyFor("w2", p) {
		t.Fatalf("different workers must not share a key")
	}
	other, _ := period.Parse("2024-05-01", "2024-05-15", time.Time{})
	if a == KeyFor("w1", other) {
		t.Fatalf("different periods must not share a key")
	}
}

func TestReserve_CreatesPendingOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.Reserve(ctx, params(t, "w1", 75000))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Acquired || res.Entry.State != StatePending || res.Entry.AttemptCount != 1 {
		t.Fatalf("unexpected first reservation %+v", res)
	}
	if res.Entry.Currency != "USD" {
		t.Fatalf("expected normalized currency, got %s", res.Entry.Currency)
	}

	again, err := s.Reserve(ctx, params(t, "w1", 99999))
	if err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	if again.Acquired {
		t.Fatalf("in-flight PENDING must not be re-acquired")
	}
	if again.Entry.Amount != 75000 {
		t.Fatalf("existing amount must not be overwritten, got %d", again.Entry.Amount)
	}
}

func TestReserve_SubmittedAndConfirmedAreNotReacquired(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Reserve(ctx, params(t, "w1", 100))
	if _, err := s.MarkSubmitted(ctx, res.Entry.Key, "pay_1"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	c.Advance(time.Hour)
	if r, _ := s.Reserve(ctx, params(t, "w1", 100)); r.Acquired || r.Entry.State != StateSubmitted {
		t.Fatalf("SUBMITTED must be left alone, got %+v", r)
	}

	if _, err := s.MarkConfirmed(ctx, res.Entry.Key); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	if r, _ := s.Reserve(ctx, params(t, "w1", 100)); r.Acquired || r.Entry.State != StateConfirmed {
		t.Fatalf("CONFIRMED must be left alone, got %+v", r)
	}
}

func TestReserve_StalePendingIsReacquired(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	first, _ := s.Reserve(ctx, params(t, "w1", 100))
	c.Advance(DefaultPendingLease + time.Second)

	res, err := s.Reserve(ctx, params(t, "w1", 100))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Acquired || res.Entry.AttemptCount != 2 || res.Entry.Key != first.Entry.Key {
		t.Fatalf("expected stale lease to be re-acquired with attempt 2, got %+v", res)
	}
}

func TestReserve_RetryBudget(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var key string
	for attempt := 1; attempt <= DefaultRetryBudget; attempt++ {
		res, err := s.Reserve(ctx, params(t, "w1", 100))
		if err != nil {
			t.Fatalf("reserve attempt %d: %v", attempt, err)
		}
		if !res.Acquired || res.Entry.AttemptCount != attempt {
			t.Fatalf("attempt %d: unexpected reservation %+v", attempt, res)
		}
		key = res.Entry.Key
		if _, err := s.MarkFailed(ctx, key, "provider timeout"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}

	res, err := s.Reserve(ctx, params(t, "w1", 100))
	if err != nil {
		t.Fatalf("reserve after budget: %v", err)
	}
	if res.Acquired || res.Entry.State != StateFailed || res.Entry.AttemptCount != DefaultRetryBudget {
		t.Fatalf("expected exhausted FAILED entry, got %+v", res)
	}
	if res.Entry.FailureReason != "provider timeout" {
		t.Fatalf("expected failure reason to be kept, got %q", res.Entry.FailureReason)
	}
}

func TestReserve_StalePendingWithExhaustedBudgetFails(t *testing.T) {
	c := &clock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(Policy{RetryBudget: 1, PendingLease: time.Minute}, WithMemoryClock(c.Now))
	ctx := context.Background()

	s.Reserve(ctx, params(t, "w1", 100))
	c.Advance(2 * time.Minute)

	res, err := s.Reserve(ctx, params(t, "w1", 100))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Acquired || res.Entry.State != StateFailed {
		t.Fatalf("expected abandoned reservation to fail, got %+v", res)
	}
}

func TestTransitions_Monotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Reserve(ctx, params(t, "w1", 100))
	key := res.Entry.Key

	if _, err := s.MarkConfirmed(ctx, key); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("PENDING -> CONFIRMED must be rejected, got %v", err)
	}
	if _, err := s.MarkSubmitted(ctx, key, "pay_1"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if _, err := s.MarkSubmitted(ctx, key, "pay_2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SUBMITTED -> SUBMITTED must be rejected, got %v", err)
	}
	if _, err := s.MarkConfirmed(ctx, key); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}

	_, err := s.MarkFailed(ctx, key, "late failure")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != StateConfirmed || ite.To != StateFailed || ite.Key != key {
		t.Fatalf("CONFIRMED -> FAILED must be rejected with details, got %v", err)
	}

	e, _ := s.Lookup(ctx, key)
	if e.State != StateConfirmed || e.ProviderReference != "pay_1" {
		t.Fatalf("entry mutated by rejected transition: %+v", e)
	}

	var states []State
	for _, ev := range s.Events(key) {
		states = append(states, ev.To)
	}
	want := []State{StatePending, StateSubmitted, StateConfirmed}
	if len(states) != len(want) {
		t.Fatalf("expected events %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, states)
		}
	}
}

func TestLookupAndFindByReference(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Lookup(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.MarkSubmitted(ctx, "missing", "ref"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}

	a, _ := s.Reserve(ctx, params(t, "a", 1))
	b, _ := s.Reserve(ctx, params(t, "b", 1))
	s.MarkSubmitted(ctx, a.Entry.Key, "pay_a")

	if _, err := s.MarkSubmitted(ctx, b.Entry.Key, "pay_a"); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	e, err := s.FindByReference(ctx, "pay_a")
	if err != nil || e.WorkerID != "a" {
		t.Fatalf("expected to find worker a, got %+v err=%v", e, err)
	}
}

func TestList_Filters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, w := range []string{"c", "a", "b"} {
		s.Reserve(ctx, params(t, w, 1))
	}
	a, _ := s.Lookup(ctx, KeyFor("a", testPeriod(t)))
	s.MarkFailed(ctx, a.Key, "x")

	all, _ := s.List(ctx, Filter{PeriodKey: testPeriod(t).Key()})
	if len(all) != 3 || all[0].WorkerID != "a" || all[2].WorkerID != "c" {
		t.Fatalf("unexpected list ordering %+v", all)
	}
	failed, _ := s.List(ctx, Filter{State: StateFailed})
	if len(failed) != 1 || failed[0].WorkerID != "a" {
		t.Fatalf("unexpected failed filter result %+v", failed)
	}
	limited, _ := s.List(ctx, Filter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestReserve_ConcurrentSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Reserve(ctx, params(t, "w1", 100))
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if res.Acquired {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if acquired != 1 {
		t.Fatalf("expected exactly one winner, got %d", acquired)
	}
}

func TestReserve_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	bad := params(t, "w1", -5)
	if _, err := s.Reserve(context.Background(), bad); !errors.Is(err, ErrInvalidReservation) {
		t.Fatalf("expected ErrInvalidReservation, got %v", err)
	}
	bad = params(t, "w1", 5)
	bad.PayeeID = ""
	if _, err := s.Reserve(context.Background(), bad); !errors.Is(err, ErrInvalidReservation) {
		t.Fatalf("expected ErrInvalidReservation for missing payee, got %v", err)
	}
}

func TestSettledPeriods(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := testPeriod(t)
	s.MarkPeriodSettled(ctx, p, "run-1")
	s.MarkPeriodSettled(ctx, p, "run-2")
	got, _ := s.SettledPeriods(ctx)
	if len(got) != 1 || !got[0].Equal(p) {
		t.Fatalf("expected single settled period, got %v", got)
	}
}
