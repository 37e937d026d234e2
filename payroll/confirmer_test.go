package payroll

import (
	"context"
	"errors"
	"testing"

	"payrollbridge/ledger"
)

type stubChecker struct {
	statuses map[string]PaymentReceipt
	err      error
	calls    int
}

func (s *stubChecker) PaymentStatus(ctx context.Context, payeeID, reference string) (PaymentReceipt, error) {
	s.calls++
	if s.err != nil {
		return PaymentReceipt{}, s.err
	}
	return s.statuses[reference], nil
}

func submittedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.provider.respond = func(_ int, instr PaymentInstruction) (PaymentReceipt, error) {
		return PaymentReceipt{Reference: "pay_" + instr.WorkerID, Status: StatusProcessing}, nil
	}
	if _, err := f.orch.Run(context.Background(), f.period); err != nil {
		t.Fatalf("run: %v", err)
	}
	return f
}

func TestApplyStatus_ConfirmsAndAcknowledgesDuplicates(t *testing.T) {
	f := submittedFixture(t)
	c := NewConfirmer(f.store, nil, 0, nil)
	ctx := context.Background()

	e, err := c.ApplyStatus(ctx, "pay_w1", StatusPaid, "")
	if err != nil {
		t.Fatalf("apply paid: %v", err)
	}
	if e.State != ledger.StateConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", e.State)
	}

	if _, err := c.ApplyStatus(ctx, "pay_w1", StatusPaid, ""); err != nil {
		t.Fatalf("duplicate callback must be acknowledged, got %v", err)
	}

	if _, err := c.ApplyStatus(ctx, "pay_w1", StatusRejected, "late bounce"); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("CONFIRMED -> FAILED must be rejected, got %v", err)
	}
}

func TestApplyStatus_RejectedAndUnknown(t *testing.T) {
	f := submittedFixture(t)
	c := NewConfirmer(f.store, nil, 0, nil)
	ctx := context.Background()

	if _, err := c.ApplyStatus(ctx, "pay_nobody", StatusPaid, ""); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	e, err := c.ApplyStatus(ctx, "pay_w1", StatusProcessing, "")
	if err != nil || e.State != ledger.StateSubmitted {
		t.Fatalf("processing must be a no-op, got %+v err=%v", e, err)
	}

	e, err = c.ApplyStatus(ctx, "pay_w1", StatusRejected, "")
	if err != nil || e.State != ledger.StateFailed {
		t.Fatalf("expected FAILED, got %+v err=%v", e, err)
	}
	if e.FailureReason == "" {
		t.Fatalf("expected default failure reason")
	}
	if _, err := c.ApplyStatus(ctx, "pay_w1", StatusRejected, ""); err != nil {
		t.Fatalf("duplicate rejection must be acknowledged, got %v", err)
	}
}

func TestReconcileSubmitted(t *testing.T) {
	f := submittedFixture(t)
	checker := &stubChecker{statuses: map[string]PaymentReceipt{
		"pay_w1": {Reference: "pay_w1", Status: StatusPaid},
	}}
	c := NewConfirmer(f.store, checker, 0, nil)

	summary, err := c.ReconcileSubmitted(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Checked != 1 || summary.Confirmed != 1 || len(summary.Errors) != 0 {
		t.Fatalf("unexpected reconcile summary %+v", summary)
	}

	// nothing left to check
	summary, _ = c.ReconcileSubmitted(context.Background())
	if summary.Checked != 0 || checker.calls != 1 {
		t.Fatalf("confirmed entries must not be polled again, got %+v calls=%d", summary, checker.calls)
	}
}

func TestReconcileSubmitted_ProviderError(t *testing.T) {
	f := submittedFixture(t)
	c := NewConfirmer(f.store, &stubChecker{err: errors.New("connection reset")}, 0, nil)

	summary, err := c.ReconcileSubmitted(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(summary.Errors) != 1 || summary.Errors[0].Kind != KindPaymentProviderFailure {
		t.Fatalf("expected payment_provider_failure, got %+v", summary.Errors)
	}
	e, _ := f.store.Lookup(context.Background(), ledger.KeyFor("w1", f.period))
	if e.State != ledger.StateSubmitted {
		t.Fatalf("poll failure must leave the entry SUBMITTED, got %s", e.State)
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]PaymentStatus{
		"PAID":       StatusPaid,
		"completed":  StatusPaid,
		"failed":     StatusRejected,
		"cancelled":  StatusRejected,
		"in_review":  StatusProcessing,
		"processing": StatusProcessing,
	}
	for raw, want := range cases {
		if got := ParseStatus(raw); got != want {
			t.Errorf("ParseStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}
