package payroll

import (
	"errors"

	"payrollbridge/ledger"
	"payrollbridge/rates"
)

var (
	// ErrMissingPayee is returned by payee directories when a worker has no payable identity.
	ErrMissingPayee = errors.New("payroll: missing payee")
	// ErrPaymentProvider wraps every submission or status failure of the payment provider.
	ErrPaymentProvider = errors.New("payroll: payment provider failure")
	// ErrPeriodOverlap rejects a period that partially overlaps an already settled one.
	ErrPeriodOverlap = errors.New("payroll: period overlaps a settled period")
)

func classify(err error) string {
	switch {
	case errors.Is(err, rates.ErrMissingRateProfile):
		return KindMissingRateProfile
	case errors.Is(err, rates.ErrCurrencyMismatch):
		return KindCurrencyMismatch
	case errors.Is(err, rates.ErrRateLookupFailed), errors.Is(err, rates.ErrInvalidProfile):
		return KindRateLookupFailed
	case errors.Is(err, ErrMissingPayee):
		return KindMissingPayee
	case errors.Is(err, ledger.ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrPaymentProvider):
		return KindPaymentProviderFailure
	default:
		return KindLedgerError
	}
}
