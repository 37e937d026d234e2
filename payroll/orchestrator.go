package payroll

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"payrollbridge/ledger"
	"payrollbridge/money"
	"payrollbridge/period"
	"payrollbridge/rates"
	"payrollbridge/timesheet"
)

// Aggregator produces per-worker totals for a period.
type Aggregator interface {
	Aggregate(ctx context.Context, p period.Period) (iter.Seq[timesheet.WorkerAggregate], error)
}

// Resolver converts a worker aggregate into a payable amount.
type Resolver interface {
	Resolve(ctx context.Context, agg timesheet.WorkerAggregate) (rates.PayableAmount, error)
}

// PayeeDirectory maps a worker to the payee identity known by the payment provider.
type PayeeDirectory interface {
	PayeeFor(ctx context.Context, workerID string) (string, error)
}

// PaymentProvider submits payment instructions. Implementations must not retry.
type PaymentProvider interface {
	SubmitPayment(ctx context.Context, instr PaymentInstruction) (PaymentReceipt, error)
}

// Metrics receives run and submission observations.
type Metrics interface {
	ObserveRun(summary RunSummary)
	ObserveSubmission(outcome string, elapsed time.Duration)
	ObserveWorkerError(kind string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRun(RunSummary)                   {}
func (noopMetrics) ObserveSubmission(string, time.Duration) {}
func (noopMetrics) ObserveWorkerError(string)               {}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	Concurrency   int
	SubmitTimeout time.Duration
	PayeeTimeout  time.Duration
	RetryBackoff  time.Duration
	Description   string
}

const (
	DefaultConcurrency   = 4
	DefaultSubmitTimeout = 30 * time.Second
	DefaultPayeeTimeout  = 10 * time.Second
	DefaultRetryBackoff  = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.PayeeTimeout <= 0 {
		c.PayeeTimeout = DefaultPayeeTimeout
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	} else if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Description == "" {
		c.Description = "Payroll"
	}
	return c
}

// Orchestrator drives one payroll run from time entries to ledger outcomes.
type Orchestrator struct {
	aggregator Aggregator
	resolver   Resolver
	payees     PayeeDirectory
	provider   PaymentProvider
	ledger     ledger.Store
	cfg        Config
	metrics    Metrics
	logger     *slog.Logger

	idGenerator func() string
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.idGenerator = gen
		}
	}
}

func NewOrchestrator(agg Aggregator, res Resolver, payees PayeeDirectory, provider PaymentProvider, store ledger.Store, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		aggregator:  agg,
		resolver:    res,
		payees:      payees,
		provider:    provider,
		ledger:      store,
		cfg:         cfg.withDefaults(),
		metrics:     noopMetrics{},
		logger:      slog.Default(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("module", "payroll")
	return o
}

// Run executes a payroll run for p. A non-nil error means the run did not start
// processing workers; per-worker problems are reported in the summary instead.
func (o *Orchestrator) Run(ctx context.Context, p period.Period) (RunSummary, error) {
	summary := RunSummary{
		RunID:     o.idGenerator(),
		Period:    p,
		StartedAt: o.now().UTC(),
		Counts:    make(map[ledger.State]int, len(ledger.States)),
		Errors:    []WorkerError{},
	}
	log := o.logger.With("run_id", summary.RunID, "period", p.Key())

	if err := o.checkOverlap(ctx, p); err != nil {
		summary.FinishedAt = o.now().UTC()
		return summary, err
	}

	aggregates, err := o.aggregator.Aggregate(ctx, p)
	if err != nil {
		summary.FinishedAt = o.now().UTC()
		log.ErrorContext(ctx, "aggregation failed; run aborted", "error", err)
		return summary, fmt.Errorf("payroll: aggregate: %w", err)
	}

	log.InfoContext(ctx, "payroll run started")

	var (
		mu       sync.Mutex
		outcomes []workerOutcome
	)
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)
	for agg := range aggregates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := o.processWorker(ctx, log, agg)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		summary.Workers++
		if out.state != "" {
			summary.Counts[out.state]++
		}
		if out.skipped {
			summary.Skipped++
		}
		for _, we := range out.errors {
			summary.Errors = append(summary.Errors, we)
			o.metrics.ObserveWorkerError(we.Kind)
		}
	}
	sortErrors(summary.Errors)

	if err := ctx.Err(); err != nil {
		summary.FinishedAt = o.now().UTC()
		log.WarnContext(ctx, "payroll run cancelled", "error", err)
		return summary, fmt.Errorf("payroll: run cancelled: %w", err)
	}

	if summary.Workers > 0 && len(summary.Errors) == 0 && summary.Counts[ledger.StateConfirmed] == summary.Workers {
		if err := o.ledger.MarkPeriodSettled(ctx, p, summary.RunID); err != nil {
			log.ErrorContext(ctx, "mark period settled failed", "error", err)
		} else {
			summary.Settled = true
		}
	}

	summary.FinishedAt = o.now().UTC()
	o.metrics.ObserveRun(summary)
	log.InfoContext(ctx, "payroll run finished",
		"workers", summary.Workers,
		"confirmed", summary.Counts[ledger.StateConfirmed],
		"submitted", summary.Counts[ledger.StateSubmitted],
		"pending", summary.Counts[ledger.StatePending],
		"failed", summary.Counts[ledger.StateFailed],
		"skipped", summary.Skipped,
		"errors", len(summary.Errors),
		"settled", summary.Settled,
	)
	return summary, nil
}

func (o *Orchestrator) checkOverlap(ctx context.Context, p period.Period) error {
	settled, err := o.ledger.SettledPeriods(ctx)
	if err != nil {
		return fmt.Errorf("payroll: load settled periods: %w", err)
	}
	for _, s := range settled {
		if s.Equal(p) {
			continue
		}
		if s.Overlaps(p) {
			return fmt.Errorf("%w: %s overlaps %s", ErrPeriodOverlap, p.Key(), s.Key())
		}
	}
	return nil
}

type workerOutcome struct {
	state   ledger.State
	skipped bool
	errors  []WorkerError
}

func (w *workerOutcome) fail(workerID, key string, err error) {
	w.errors = append(w.errors, WorkerError{WorkerID: workerID, Key: key, Kind: classify(err), Message: err.Error()})
}

func (w *workerOutcome) report(workerID, key, kind, msg string) {
	w.errors = append(w.errors, WorkerError{WorkerID: workerID, Key: key, Kind: kind, Message: msg})
}

func (o *Orchestrator) processWorker(ctx context.Context, log *slog.Logger, agg timesheet.WorkerAggregate) workerOutcome {
	var out workerOutcome
	log = log.With("worker_id", agg.WorkerID)

	payable, err := o.resolver.Resolve(ctx, agg)
	if err != nil {
		log.WarnContext(ctx, "rate resolution failed", "error", err)
		out.fail(agg.WorkerID, "", err)
		return out
	}

	payeeCtx, cancel := context.WithTimeout(ctx, o.cfg.PayeeTimeout)
	payeeID, err := o.payees.PayeeFor(payeeCtx, agg.WorkerID)
	cancel()
	if err == nil && payeeID == "" {
		err = fmt.Errorf("%w: worker %s", ErrMissingPayee, agg.WorkerID)
	}
	if err != nil {
		log.WarnContext(ctx, "payee resolution failed", "error", err)
		out.fail(agg.WorkerID, "", err)
		return out
	}

	res, err := o.ledger.Reserve(ctx, ledger.ReserveParams{
		WorkerID: agg.WorkerID,
		Period:   agg.Period,
		PayeeID:  payeeID,
		Amount:   payable.Amount,
		Currency: payable.Currency,
	})
	if err != nil {
		log.ErrorContext(ctx, "ledger reservation failed", "error", err)
		out.fail(agg.WorkerID, ledger.KeyFor(agg.WorkerID, agg.Period), err)
		return out
	}

	entry := res.Entry
	log = log.With("key", entry.Key)
	if entry.Amount != payable.Amount || entry.Currency != payable.Currency {
		out.report(agg.WorkerID, entry.Key, KindAmountDrift, fmt.Sprintf(
			"ledger holds %s %s, recomputed %s %s",
			money.Format(entry.Amount, entry.Currency), entry.Currency,
			money.Format(payable.Amount, payable.Currency), payable.Currency))
		log.WarnContext(ctx, "recomputed amount differs from reserved amount",
			"reserved", entry.Amount, "recomputed", payable.Amount)
	}

	if !res.Acquired {
		out.skipped = true
		out.state = entry.State
		if entry.State == ledger.StateFailed {
			out.report(agg.WorkerID, entry.Key, KindRetryBudgetExhausted, fmt.Sprintf(
				"%d attempts used: %s", entry.AttemptCount, entry.FailureReason))
		}
		log.InfoContext(ctx, "reservation not acquired; skipping", "state", entry.State)
		return out
	}

	for {
		final, retry := o.submit(ctx, log, entry, &out)
		if !retry {
			out.state = final.State
			return out
		}

		if err := o.sleep(ctx, o.cfg.RetryBackoff); err != nil {
			out.state = final.State
			return out
		}

		res, err := o.ledger.Reserve(ctx, ledger.ReserveParams{
			WorkerID: entry.WorkerID,
			Period:   entry.Period,
			PayeeID:  entry.PayeeID,
			Amount:   entry.Amount,
			Currency: entry.Currency,
		})
		if err != nil {
			out.fail(agg.WorkerID, entry.Key, err)
			out.state = final.State
			return out
		}
		if !res.Acquired {
			out.state = res.Entry.State
			if res.Entry.State == ledger.StateFailed {
				out.report(agg.WorkerID, entry.Key, KindRetryBudgetExhausted, fmt.Sprintf(
					"%d attempts used: %s", res.Entry.AttemptCount, res.Entry.FailureReason))
				log.ErrorContext(ctx, "retry budget exhausted", "attempts", res.Entry.AttemptCount)
			}
			return out
		}
		entry = res.Entry
		log.InfoContext(ctx, "retrying payment", "attempt", entry.AttemptCount)
	}
}

// submit performs one provider call for an acquired entry and records the
// outcome. retry is true when the failure is transient and worth re-reserving.
func (o *Orchestrator) submit(ctx context.Context, log *slog.Logger, entry ledger.Entry, out *workerOutcome) (ledger.Entry, bool) {
	instr := PaymentInstruction{
		IdempotencyKey: entry.Key,
		WorkerID:       entry.WorkerID,
		PayeeID:        entry.PayeeID,
		Amount:         entry.Amount,
		Currency:       entry.Currency,
		Period:         entry.Period,
		Description:    fmt.Sprintf("%s %s", o.cfg.Description, entry.PeriodKey),
	}

	submitCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	started := time.Now()
	receipt, err := o.provider.SubmitPayment(submitCtx, instr)
	cancel()

	if err != nil {
		o.metrics.ObserveSubmission("error", time.Since(started))
		if !errors.Is(err, ErrPaymentProvider) {
			err = fmt.Errorf("%w: %w", ErrPaymentProvider, err)
		}
		log.WarnContext(ctx, "payment submission failed", "attempt", entry.AttemptCount, "error", err)
		failed, markErr := o.markFailed(ctx, log, entry, err.Error(), out)
		if markErr != nil {
			return failed, false
		}
		if ctx.Err() != nil {
			out.fail(entry.WorkerID, entry.Key, err)
			return failed, false
		}
		return failed, true
	}
	o.metrics.ObserveSubmission(string(receipt.Status), time.Since(started))

	if receipt.Reference == "" {
		err := fmt.Errorf("%w: empty payment reference", ErrPaymentProvider)
		failed, _ := o.markFailed(ctx, log, entry, err.Error(), out)
		out.fail(entry.WorkerID, entry.Key, err)
		return failed, false
	}

	submitted, err := o.ledger.MarkSubmitted(ctx, entry.Key, receipt.Reference)
	if err != nil {
		stored, ok := o.settleRace(ctx, log, entry, ledger.StateSubmitted, receipt.Reference, err, out)
		if !ok {
			return stored, false
		}
		submitted = stored
	}
	log.InfoContext(ctx, "payment submitted", "provider_reference", receipt.Reference, "status", receipt.Status)

	switch receipt.Status {
	case StatusPaid:
		confirmed, err := o.ledger.MarkConfirmed(ctx, entry.Key)
		if err != nil {
			stored, _ := o.settleRace(ctx, log, submitted, ledger.StateConfirmed, receipt.Reference, err, out)
			return stored, false
		}
		return confirmed, false
	case StatusRejected:
		reason := receipt.Reason
		if reason == "" {
			reason = "rejected by payment provider"
		}
		failed, err := o.ledger.MarkFailed(ctx, entry.Key, reason)
		if err != nil {
			stored, ok := o.settleRace(ctx, log, submitted, ledger.StateFailed, receipt.Reference, err, out)
			if !ok {
				return stored, false
			}
			failed = stored
		}
		out.report(entry.WorkerID, entry.Key, KindPaymentProviderFailure, reason)
		return failed, false
	default:
		return submitted, false
	}
}

// settleRace handles a rejected transition to want. A provider callback may
// move the entry between two orchestrator writes; when the stored entry already
// sits in want for the same payment, the write is treated as done. Any other
// outcome is reported and the stored entry, when readable, is returned.
func (o *Orchestrator) settleRace(ctx context.Context, log *slog.Logger, entry ledger.Entry, want ledger.State, reference string, err error, out *workerOutcome) (ledger.Entry, bool) {
	if !errors.Is(err, ledger.ErrInvalidTransition) {
		o.ledgerError(ctx, log, entry, err, out)
		return entry, false
	}
	stored, lookupErr := o.ledger.Lookup(ctx, entry.Key)
	if lookupErr != nil {
		o.ledgerError(ctx, log, entry, err, out)
		return entry, false
	}
	if stored.State == want && stored.ProviderReference == reference {
		log.InfoContext(ctx, "entry already updated by a concurrent writer", "state", stored.State)
		return stored, true
	}
	o.ledgerError(ctx, log, stored, err, out)
	return stored, false
}

func (o *Orchestrator) markFailed(ctx context.Context, log *slog.Logger, entry ledger.Entry, reason string, out *workerOutcome) (ledger.Entry, error) {
	failed, err := o.ledger.MarkFailed(ctx, entry.Key, reason)
	if err != nil {
		o.ledgerError(ctx, log, entry, err, out)
		return entry, err
	}
	return failed, nil
}

func (o *Orchestrator) ledgerError(ctx context.Context, log *slog.Logger, entry ledger.Entry, err error, out *workerOutcome) {
	if errors.Is(err, ledger.ErrInvalidTransition) {
		log.ErrorContext(ctx, "invalid ledger transition", "error", err)
	} else {
		log.ErrorContext(ctx, "ledger update failed", "error", err)
	}
	out.fail(entry.WorkerID, entry.Key, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
