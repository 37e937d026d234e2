package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"payrollbridge/period"
)

// MemoryStore is a process-local Store used by tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	entries map[string]Entry
	events  []Event
	settled map[string]period.Period
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(policy Policy, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		policy:  policy.normalized(),
		now:     time.Now,
		entries: make(map[string]Entry),
		settled: make(map[string]period.Period),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Reserve(_ context.Context, params ReserveParams) (Reservation, error) {
	params, err := validateReserve(params)
	if err != nil {
		return Reservation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := KeyFor(params.WorkerID, params.Period)
	cur, ok := s.entries[key]
	if !ok {
		e := newPendingEntry(params, now)
		s.entries[key] = e
		s.appendEvent(e, "", map[string]any{"reason": "reserved"}, now)
		return Reservation{Entry: e, Acquired: true}, nil
	}

	out := decideReserve(cur, now, s.policy)
	if out.changed {
		s.entries[key] = out.next
		s.appendEvent(out.next, cur.State, map[string]any{"reason": out.reason}, now)
	}
	return Reservation{Entry: out.next, Acquired: out.acquired}, nil
}

func (s *MemoryStore) MarkSubmitted(_ context.Context, key, ref string) (Entry, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Entry{}, fmt.Errorf("ledger: empty provider reference for %s", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if k != key && e.ProviderReference == ref {
			return Entry{}, fmt.Errorf("%w: %s already used by %s", ErrDuplicateReference, ref, k)
		}
	}
	return s.transition(key, StateSubmitted, ref, "")
}

func (s *MemoryStore) MarkConfirmed(_ context.Context, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(key, StateConfirmed, "", "")
}

func (s *MemoryStore) MarkFailed(_ context.Context, key, reason string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(key, StateFailed, "", reason)
}

func (s *MemoryStore) transition(key string, to State, ref, reason string) (Entry, error) {
	cur, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	now := s.now().UTC()
	next, err := applyTransition(cur, to, ref, reason, now)
	if err != nil {
		return cur, err
	}
	s.entries[key] = next
	detail := map[string]any{}
	if ref != "" {
		detail["provider_reference"] = ref
	}
	if reason != "" {
		detail["reason"] = reason
	}
	s.appendEvent(next, cur.State, detail, now)
	return next, nil
}

func (s *MemoryStore) appendEvent(e Entry, from State, detail map[string]any, now time.Time) {
	s.events = append(s.events, Event{
		Key:          e.Key,
		From:         from,
		To:           e.State,
		AttemptCount: e.AttemptCount,
		Detail:       detail,
		CreatedAt:    now,
	})
}

// Events returns the transition history of key, oldest first.
func (s *MemoryStore) Events(key string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Key == key {
			out = append(out, ev)
		}
	}
	return out
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if f.PeriodKey != "" && e.PeriodKey != f.PeriodKey {
			continue
		}
		if f.State != "" && e.State != f.State {
			continue
		}
		if f.WorkerID != "" && e.WorkerID != f.WorkerID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodKey != out[j].PeriodKey {
			return out[i].PeriodKey < out[j].PeriodKey
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) FindByReference(_ context.Context, ref string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if ref != "" && e.ProviderReference == ref {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (s *MemoryStore) SettledPeriods(_ context.Context) ([]period.Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]period.Period, 0, len(s.settled))
	for _, p := range s.settled {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start().Before(out[j].Start()) })
	return out, nil
}

func (s *MemoryStore) MarkPeriodSettled(_ context.Context, p period.Period, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled[p.Key()] = p
	return nil
}
