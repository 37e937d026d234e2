package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"payrollbridge/ledger"
	"payrollbridge/payroll"
	"payrollbridge/period"
	"payrollbridge/rates"
	"payrollbridge/timesheet"
)

// Payment is one payment held by the fake provider.
type Payment struct {
	Key       string
	Reference string
	Status    payroll.PaymentStatus
}

// Provider is an in-memory payment provider that deduplicates on the
// idempotency key the way a real provider does: while a key has a payment
// that is paid or processing, resubmissions return it unchanged.
type Provider struct {
	mu       sync.Mutex
	rng      *rand.Rand
	seq      int
	byKey    map[string][]*Payment
	byRef    map[string]*Payment
	failRate int
}

func NewProvider(seed int64) *Provider {
	return &Provider{
		rng:      rand.New(rand.NewSource(seed)),
		byKey:    make(map[string][]*Payment),
		byRef:    make(map[string]*Payment),
		failRate: 5,
	}
}

var errFlaky = errors.New("provider: upstream timeout")

func (p *Provider) SubmitPayment(_ context.Context, instr payroll.PaymentInstruction) (payroll.PaymentReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	history := p.byKey[instr.IdempotencyKey]
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Status != payroll.StatusRejected {
			return payroll.PaymentReceipt{Reference: last.Reference, Status: last.Status}, nil
		}
	}

	if p.rng.Intn(p.failRate) == 0 {
		return payroll.PaymentReceipt{}, fmt.Errorf("%w: %w", payroll.ErrPaymentProvider, errFlaky)
	}

	p.seq++
	pay := &Payment{Key: instr.IdempotencyKey, Reference: fmt.Sprintf("ocp_%06d", p.seq)}
	switch r := p.rng.Intn(10); {
	case r < 4:
		pay.Status = payroll.StatusPaid
	case r < 9:
		pay.Status = payroll.StatusProcessing
	default:
		pay.Status = payroll.StatusRejected
	}
	p.byKey[pay.Key] = append(history, pay)
	p.byRef[pay.Reference] = pay
	return payroll.PaymentReceipt{Reference: pay.Reference, Status: pay.Status, Reason: reasonFor(pay.Status)}, nil
}

// PaymentStatus settles a processing payment on first inspection with some probability.
func (p *Provider) PaymentStatus(_ context.Context, _ string, reference string) (payroll.PaymentReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.byRef[reference]
	if !ok {
		return payroll.PaymentReceipt{}, fmt.Errorf("%w: unknown reference %s", payroll.ErrPaymentProvider, reference)
	}
	if pay.Status == payroll.StatusProcessing && p.rng.Intn(2) == 0 {
		p.settleLocked(pay)
	}
	return payroll.PaymentReceipt{Reference: pay.Reference, Status: pay.Status, Reason: reasonFor(pay.Status)}, nil
}

// Settle forces a processing payment to a final status and returns it.
func (p *Provider) Settle(reference string) (Payment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.byRef[reference]
	if !ok {
		return Payment{}, false
	}
	if pay.Status == payroll.StatusProcessing {
		p.settleLocked(pay)
	}
	return *pay, true
}

func (p *Provider) settleLocked(pay *Payment) {
	if p.rng.Intn(4) == 0 {
		pay.Status = payroll.StatusRejected
		return
	}
	pay.Status = payroll.StatusPaid
}

// Payments returns a copy of every payment grouped by idempotency key.
func (p *Provider) Payments() map[string][]Payment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]Payment, len(p.byKey))
	for key, hist := range p.byKey {
		for _, pay := range hist {
			out[key] = append(out[key], *pay)
		}
	}
	return out
}

func reasonFor(s payroll.PaymentStatus) string {
	if s == payroll.StatusRejected {
		return "insufficient funding balance"
	}
	return ""
}

// Runner repeatedly triggers payroll runs over the given periods. Runs racing
// on the same period must never pay a worker twice.
func Runner(ctx context.Context, orch *payroll.Orchestrator, periods []period.Period, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		p := periods[rng.Intn(len(periods))]
		if _, err := orch.Run(ctx, p); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			// Killed backends surface here as ledger errors; the next run recovers.
		}
		time.Sleep(time.Duration(20+rng.Intn(60)) * time.Millisecond)
	}
}

// Callbacker plays the provider's webhook: it settles submitted payments and
// delivers the status, sometimes twice.
func Callbacker(ctx context.Context, store ledger.Store, confirmer *payroll.Confirmer, provider *Provider, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		entries, err := store.List(ctx, ledger.Filter{State: ledger.StateSubmitted, Limit: 20})
		if err == nil {
			for _, e := range entries {
				pay, ok := provider.Settle(e.ProviderReference)
				if !ok {
					continue
				}
				deliveries := 1 + rng.Intn(2)
				for i := 0; i < deliveries; i++ {
					_, _ = confirmer.ApplyStatus(ctx, pay.Reference, pay.Status, reasonFor(pay.Status))
				}
			}
		}
		time.Sleep(time.Duration(40+rng.Intn(80)) * time.Millisecond)
	}
}

// Reconciler polls the provider for SUBMITTED entries.
func Reconciler(ctx context.Context, confirmer *payroll.Confirmer, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = confirmer.ReconcileSubmitted(ctx)
		time.Sleep(time.Duration(150+rng.Intn(150)) * time.Millisecond)
	}
}

// Timesheets serves a fixed, approved workload for every period.
type Timesheets struct {
	Workers []string
}

func (t Timesheets) FetchTimeEntries(_ context.Context, p period.Period) ([]timesheet.TimeEntry, error) {
	out := make([]timesheet.TimeEntry, 0, len(t.Workers)*2)
	for i, w := range t.Workers {
		out = append(out,
			timesheet.TimeEntry{WorkerID: w, ProjectID: "stress", Date: p.Start(), Hours: decimal.NewFromInt(int64(4 + i%5)), ApprovalStatus: timesheet.ApprovalApproved},
			timesheet.TimeEntry{WorkerID: w, ProjectID: "stress", Date: p.End(), Hours: decimal.NewFromFloat(2.5), ApprovalStatus: timesheet.ApprovalApproved},
		)
	}
	return out, nil
}

// Profiles returns an hourly rate profile for every worker.
func Profiles(workers []string, currency string) []rates.RateProfile {
	out := make([]rates.RateProfile, 0, len(workers))
	for i, w := range workers {
		out = append(out, rates.RateProfile{
			WorkerID:       w,
			Classification: rates.ClassificationHourly,
			Rate:           decimal.NewFromInt(int64(40 + i)),
			Currency:       currency,
		})
	}
	return out
}
