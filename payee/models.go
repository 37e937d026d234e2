package payee

import (
	"errors"
	"time"
)

// VerificationStatus records how a worker was matched to a payee.
type VerificationStatus string

const (
	StatusAutoMatched   VerificationStatus = "auto_matched"
	StatusNeedsReview   VerificationStatus = "needs_review"
	StatusHumanVerified VerificationStatus = "human_verified"
	StatusHumanRejected VerificationStatus = "human_rejected"
)

func (s VerificationStatus) Valid() bool {
	switch s {
	case StatusAutoMatched, StatusNeedsReview, StatusHumanVerified, StatusHumanRejected:
		return true
	}
	return false
}

// Payable reports whether a mapping with this status may receive payments.
func (s VerificationStatus) Payable() bool {
	return s == StatusAutoMatched || s == StatusHumanVerified
}

// ErrInvalidMapping is returned for mappings missing ids or carrying an unknown status.
var ErrInvalidMapping = errors.New("payee: invalid mapping")

// Mapping links a time-tracking worker to a payment-provider payee.
type Mapping struct {
	WorkerID    string             `json:"worker_id" yaml:"worker_id"`
	PayeeID     string             `json:"payee_id" yaml:"payee_id"`
	DisplayName string             `json:"display_name,omitempty" yaml:"display_name"`
	Status      VerificationStatus `json:"verification_status" yaml:"verification_status"`
	Active      bool               `json:"active" yaml:"active"`
	Notes       string             `json:"notes,omitempty" yaml:"notes"`
	UpdatedAt   time.Time          `json:"updated_at" yaml:"-"`
}
