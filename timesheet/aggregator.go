package timesheet

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payrollbridge/period"
)

// ErrSourceUnavailable is returned when the time-tracking provider cannot be read
// or returns data the aggregator refuses to trust. Retrying the whole run is safe.
var ErrSourceUnavailable = errors.New("timesheet: source unavailable")

// DefaultTimeout bounds a single FetchTimeEntries call.
const DefaultTimeout = 30 * time.Second

// Source fetches every time entry overlapping a billing period.
type Source interface {
	FetchTimeEntries(ctx context.Context, p period.Period) ([]TimeEntry, error)
}

// Aggregator turns raw time entries into per-worker totals.
type Aggregator struct {
	source  Source
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Aggregator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewAggregator(source Source, opts ...Option) *Aggregator {
	a := &Aggregator{
		source:  source,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("module", "timesheet")
	return a
}

// Aggregate fetches the period's entries and groups the approved ones per worker.
// Either the whole period is read and validated or an error wrapping
// ErrSourceUnavailable is returned and nothing is yielded.
func (a *Aggregator) Aggregate(ctx context.Context, p period.Period) (iter.Seq[WorkerAggregate], error) {
	if a.source == nil {
		return nil, fmt.Errorf("%w: no source configured", ErrSourceUnavailable)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	entries, err := a.source.FetchTimeEntries(fetchCtx, p)
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	byWorker := make(map[string]*WorkerAggregate)
	var skipped int
	for i, e := range entries {
		if err := validate(e); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrSourceUnavailable, i, err)
		}
		if !p.Contains(e.Date) || !strings.EqualFold(e.ApprovalStatus, ApprovalApproved) {
			skipped++
			continue
		}

		project := strings.TrimSpace(e.ProjectID)
		if project == "" {
			project = UnassignedProject
		}

		agg, ok := byWorker[e.WorkerID]
		if !ok {
			agg = &WorkerAggregate{
				WorkerID:       e.WorkerID,
				Period:         p,
				TotalHours:     decimal.Zero,
				HoursByProject: make(map[string]decimal.Decimal),
			}
			byWorker[e.WorkerID] = agg
		}
		agg.HoursByProject[project] = agg.HoursByProject[project].Add(e.Hours)
		agg.TotalHours = agg.TotalHours.Add(e.Hours)
	}

	workers := slices.Sorted(maps.Keys(byWorker))
	a.logger.InfoContext(ctx, "time entries aggregated",
		"period", p.Key(),
		"entries", len(entries),
		"skipped", skipped,
		"workers", len(workers),
	)

	return func(yield func(WorkerAggregate) bool) {
		for _, id := range workers {
			agg := byWorker[id]
			if !agg.TotalHours.IsPositive() {
				continue
			}
			if !yield(*agg) {
				return
			}
		}
	}, nil
}

func validate(e TimeEntry) error {
	if strings.TrimSpace(e.WorkerID) == "" {
		return errors.New("missing worker id")
	}
	if e.Hours.IsNegative() {
		return fmt.Errorf("negative hours %s for worker %s", e.Hours, e.WorkerID)
	}
	if e.Date.IsZero() {
		return fmt.Errorf("missing date for worker %s", e.WorkerID)
	}
	return nil
}
