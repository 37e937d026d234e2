package payroll

import (
	"sort"
	"strings"
	"time"

	"payrollbridge/ledger"
	"payrollbridge/period"
)

// PaymentStatus is the provider-reported outcome of a payment.
type PaymentStatus string

const (
	StatusPaid       PaymentStatus = "paid"
	StatusProcessing PaymentStatus = "processing"
	StatusRejected   PaymentStatus = "rejected"
)

// ParseStatus maps provider vocabulary onto the three outcomes the ledger
// distinguishes. Unknown values are treated as still processing.
func ParseStatus(raw string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "completed", "complete", "succeeded", "success", "confirmed":
		return StatusPaid
	case "rejected", "failed", "declined", "cancelled", "canceled", "returned":
		return StatusRejected
	default:
		return StatusProcessing
	}
}

// PaymentInstruction is one payment request sent to the provider. IdempotencyKey
// is the ledger key, so a resubmission after a crash or timeout is deduplicated
// by the provider.
type PaymentInstruction struct {
	IdempotencyKey string
	WorkerID       string
	PayeeID        string
	Amount         int64
	Currency       string
	Period         period.Period
	Description    string
}

// PaymentReceipt is the provider's answer to a submission or status query.
type PaymentReceipt struct {
	Reference string
	Status    PaymentStatus
	Reason    string
}

// Error kinds reported in RunSummary.Errors.
const (
	KindMissingRateProfile     = "missing_rate_profile"
	KindCurrencyMismatch       = "currency_mismatch"
	KindRateLookupFailed       = "rate_lookup_failed"
	KindMissingPayee           = "missing_payee"
	KindPaymentProviderFailure = "payment_provider_failure"
	KindRetryBudgetExhausted   = "retry_budget_exhausted"
	KindInvalidTransition      = "invalid_ledger_transition"
	KindAmountDrift            = "amount_drift"
	KindLedgerError            = "ledger_error"
)

// WorkerError is a per-worker problem recorded during a run.
type WorkerError struct {
	WorkerID string `json:"worker_id"`
	Key      string `json:"key,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// RunSummary is returned to the trigger and logged; it is not persisted.
type RunSummary struct {
	RunID      string               `json:"run_id"`
	Period     period.Period        `json:"period"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Workers    int                  `json:"workers"`
	Counts     map[ledger.State]int `json:"counts"`
	Skipped    int                  `json:"skipped"`
	Settled    bool                 `json:"settled"`
	Errors     []WorkerError        `json:"errors"`
}

// Clean reports whether the run finished without worker errors or failed entries.
func (s RunSummary) Clean() bool {
	return len(s.Errors) == 0 && s.Counts[ledger.StateFailed] == 0
}

// ReconcileSummary reports a pass over SUBMITTED entries.
type ReconcileSummary struct {
	Checked   int           `json:"checked"`
	Confirmed int           `json:"confirmed"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Errors    []WorkerError `json:"errors"`
}

func sortErrors(errs []WorkerError) {
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].WorkerID != errs[j].WorkerID {
			return errs[i].WorkerID < errs[j].WorkerID
		}
		return errs[i].Kind < errs[j].Kind
	})
}
