package payroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payrollbridge/ledger"
)

// StatusChecker queries the provider for the current status of a submitted payment.
type StatusChecker interface {
	PaymentStatus(ctx context.Context, payeeID, reference string) (PaymentReceipt, error)
}

// Confirmer moves SUBMITTED entries to CONFIRMED or FAILED from provider
// callbacks or polling. Both paths go through ApplyStatus.
type Confirmer struct {
	ledger  ledger.Store
	checker StatusChecker
	timeout time.Duration
	logger  *slog.Logger
}

func NewConfirmer(store ledger.Store, checker StatusChecker, timeout time.Duration, logger *slog.Logger) *Confirmer {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Confirmer{
		ledger:  store,
		checker: checker,
		timeout: timeout,
		logger:  logger.With("module", "payroll", "component", "confirmer"),
	}
}

// ApplyStatus records a provider-reported status for the payment with the given
// reference. Repeating a status the entry already reflects is acknowledged.
func (c *Confirmer) ApplyStatus(ctx context.Context, reference string, status PaymentStatus, reason string) (ledger.Entry, error) {
	entry, err := c.ledger.FindByReference(ctx, reference)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("payroll: find payment %s: %w", reference, err)
	}
	log := c.logger.With("key", entry.Key, "worker_id", entry.WorkerID, "provider_reference", reference)

	switch status {
	case StatusPaid:
		if entry.State == ledger.StateConfirmed {
			return entry, nil
		}
		next, err := c.ledger.MarkConfirmed(ctx, entry.Key)
		if err != nil {
			log.ErrorContext(ctx, "confirm payment failed", "state", entry.State, "error", err)
			return entry, err
		}
		log.InfoContext(ctx, "payment confirmed")
		return next, nil
	case StatusRejected:
		if entry.State == ledger.StateFailed {
			return entry, nil
		}
		if reason == "" {
			reason = "rejected by payment provider"
		}
		next, err := c.ledger.MarkFailed(ctx, entry.Key, reason)
		if err != nil {
			log.ErrorContext(ctx, "fail payment failed", "state", entry.State, "error", err)
			return entry, err
		}
		log.WarnContext(ctx, "payment rejected", "reason", reason)
		return next, nil
	default:
		return entry, nil
	}
}

// ReconcileSubmitted polls the provider for every SUBMITTED entry.
func (c *Confirmer) ReconcileSubmitted(ctx context.Context) (ReconcileSummary, error) {
	summary := ReconcileSummary{Errors: []WorkerError{}}
	if c.checker == nil {
		return summary, errors.New("payroll: no status checker configured")
	}

	entries, err := c.ledger.List(ctx, ledger.Filter{State: ledger.StateSubmitted})
	if err != nil {
		return summary, fmt.Errorf("payroll: list submitted: %w", err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++

		pollCtx, cancel := context.WithTimeout(ctx, c.timeout)
		receipt, err := c.checker.PaymentStatus(pollCtx, e.PayeeID, e.ProviderReference)
		cancel()
		if err != nil {
			if !errors.Is(err, ErrPaymentProvider) {
				err = fmt.Errorf("%w: %w", ErrPaymentProvider, err)
			}
			summary.Errors = append(summary.Errors, WorkerError{WorkerID: e.WorkerID, Key: e.Key, Kind: classify(err), Message: err.Error()})
			continue
		}

		next, err := c.ApplyStatus(ctx, e.ProviderReference, receipt.Status, receipt.Reason)
		if err != nil {
			summary.Errors = append(summary.Errors, WorkerError{WorkerID: e.WorkerID, Key: e.Key, Kind: classify(err), Message: err.Error()})
			continue
		}
		switch next.State {
		case ledger.StateConfirmed:
			summary.Confirmed++
		case ledger.StateFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
	}

	c.logger.InfoContext(ctx, "reconciliation finished",
		"checked", summary.Checked,
		"confirmed", summary.Confirmed,
		"failed", summary.Failed,
		"pending", summary.Pending,
		"errors", len(summary.Errors),
	)
	return summary, nil
}
