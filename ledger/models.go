package ledger

import (
	"time"

	"payrollbridge/period"
)

// State is the lifecycle position of a ledger entry.
type State string

const (
	StatePending   State = "PENDING"
	StateSubmitted State = "SUBMITTED"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateSubmitted, StateConfirmed, StateFailed}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateSubmitted, StateConfirmed, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s on its own.
func (s State) Terminal() bool { return s == StateConfirmed }

// Entry is the durable payment record of one worker in one billing period.
type Entry struct {
	Key               string        `json:"key"`
	WorkerID          string        `json:"worker_id"`
	Period            period.Period `json:"-"`
	PeriodKey         string        `json:"period"`
	PayeeID           string        `json:"payee_id"`
	Amount            int64         `json:"amount_minor"`
	Currency          string        `json:"currency"`
	State             State         `json:"state"`
	ProviderReference string        `json:"provider_reference,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	LastAttemptAt     time.Time     `json:"last_attempt_at"`
	AttemptCount      int           `json:"attempt_count"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ReserveParams describes the payment a run intends to make.
type ReserveParams struct {
	WorkerID string
	Period   period.Period
	PayeeID  string
	Amount   int64
	Currency string
}

// Reservation is the outcome of Reserve. Entry always reflects the stored row.
// Only an Acquired reservation may be submitted to the payment provider.
type Reservation struct {
	Entry    Entry
	Acquired bool
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	PeriodKey string
	State     State
	WorkerID  string
	Limit     int
}

// Event is one row of the append-only transition history.
type Event struct {
	Key          string
	From         State
	To           State
	AttemptCount int
	Detail       map[string]any
	CreatedAt    time.Time
}

// Policy holds the reservation rules shared by every store.
type Policy struct {
	// RetryBudget is the maximum number of attempts per key.
	RetryBudget int
	// PendingLease is how long a PENDING reservation blocks other runs.
	PendingLease time.Duration
}

const (
	DefaultRetryBudget  = 3
	DefaultPendingLease = 15 * time.Minute
)

// DefaultPolicy returns the production reservation rules.
func DefaultPolicy() Policy {
	return Policy{RetryBudget: DefaultRetryBudget, PendingLease: DefaultPendingLease}
}

func (p Policy) normalized() Policy {
	if p.RetryBudget <= 0 {
		p.RetryBudget = DefaultRetryBudget
	}
	if p.PendingLease <= 0 {
		p.PendingLease = DefaultPendingLease
	}
	return p
}
