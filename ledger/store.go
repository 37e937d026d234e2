package ledger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"payrollbridge/money"
	"payrollbridge/period"
)

// Store is the reconciliation ledger. Every operation is atomic per key and
// only guarded transitions change an entry's state.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, error)
	Reserve(ctx context.Context, params ReserveParams) (Reservation, error)
	MarkSubmitted(ctx context.Context, key, providerReference string) (Entry, error)
	MarkConfirmed(ctx context.Context, key string) (Entry, error)
	MarkFailed(ctx context.Context, key, reason string) (Entry, error)

	List(ctx context.Context, filter Filter) ([]Entry, error)
	FindByReference(ctx context.Context, providerReference string) (Entry, error)

	SettledPeriods(ctx context.Context) ([]period.Period, error)
	MarkPeriodSettled(ctx context.Context, p period.Period, runID string) error
}

var transitions = map[State][]State{
	StatePending:   {StateSubmitted, StateFailed},
	StateSubmitted: {StateConfirmed, StateFailed},
}

// CanTransition reports whether an explicit Mark* call may move from -> to.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func validateReserve(p ReserveParams) (ReserveParams, error) {
	p.WorkerID = strings.TrimSpace(p.WorkerID)
	p.PayeeID = strings.TrimSpace(p.PayeeID)
	if p.WorkerID == "" || p.PayeeID == "" || p.Period.IsZero() {
		return p, fmt.Errorf("%w: worker, payee and period are required", ErrInvalidReservation)
	}
	if p.Amount < 0 {
		return p, fmt.Errorf("%w: negative amount %d", ErrInvalidReservation, p.Amount)
	}
	cur, err := money.NormalizeCurrency(p.Currency)
	if err != nil {
		return p, fmt.Errorf("%w: %w", ErrInvalidReservation, err)
	}
	p.Currency = cur
	return p, nil
}

func newPendingEntry(p ReserveParams, now time.Time) Entry {
	return Entry{
		Key:           KeyFor(p.WorkerID, p.Period),
		WorkerID:      p.WorkerID,
		Period:        p.Period,
		PeriodKey:     p.Period.Key(),
		PayeeID:       p.PayeeID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		State:         StatePending,
		AttemptCount:  1,
		LastAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// reserveOutcome is the result of applying the reservation rules to an existing entry.
type reserveOutcome struct {
	next     Entry
	changed  bool
	acquired bool
	reason   string
}

func decideReserve(cur Entry, now time.Time, pol Policy) reserveOutcome {
	out := reserveOutcome{next: cur}

	switch cur.State {
	case StatePending:
		if now.Sub(cur.LastAttemptAt) < pol.PendingLease {
			return out
		}
		if cur.AttemptCount >= pol.RetryBudget {
			out.next.State = StateFailed
			out.next.FailureReason = fmt.Sprintf("pending lease expired after %d attempts", cur.AttemptCount)
			out.next.UpdatedAt = now
			out.changed = true
			out.reason = "lease_expired_budget_exhausted"
			return out
		}
		out.reason = "lease_expired"
	case StateFailed:
		if cur.AttemptCount >= pol.RetryBudget {
			return out
		}
		out.reason = "retry"
	default:
		return out
	}

	out.next.State = StatePending
	out.next.AttemptCount = cur.AttemptCount + 1
	out.next.LastAttemptAt = now
	out.next.FailureReason = ""
	out.next.UpdatedAt = now
	out.changed = true
	out.acquired = true
	return out
}

func applyTransition(cur Entry, to State, ref, reason string, now time.Time) (Entry, error) {
	if !CanTransition(cur.State, to) {
		return cur, &InvalidTransitionError{Key: cur.Key, From: cur.State, To: to}
	}
	next := cur
	next.State = to
	next.UpdatedAt = now
	switch to {
	case StateSubmitted:
		next.ProviderReference = ref
	case StateFailed:
		next.FailureReason = reason
	}
	return next, nil
}
