package rates

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRateProfile is matched by MissingRateProfileError.
	ErrMissingRateProfile = errors.New("rates: missing rate profile")
	// ErrCurrencyMismatch is matched by CurrencyMismatchError.
	ErrCurrencyMismatch = errors.New("rates: currency mismatch")
	// ErrRateLookupFailed wraps transport failures and timeouts of a rate source.
	ErrRateLookupFailed = errors.New("rates: rate lookup failed")
	// ErrProfileNotFound is returned by sources that have no profile for the worker.
	ErrProfileNotFound = errors.New("rates: profile not found")
	// ErrInvalidProfile is returned for profiles with an unknown classification or a negative rate.
	ErrInvalidProfile = errors.New("rates: invalid profile")
)

type MissingRateProfileError struct {
	WorkerID string
}

func (e *MissingRateProfileError) Error() string {
	return fmt.Sprintf("rates: no rate profile for worker %s", e.WorkerID)
}

func (e *MissingRateProfileError) Is(target error) bool {
	return target == ErrMissingRateProfile
}

type CurrencyMismatchError struct {
	WorkerID string
	Profile  string
	Payout   string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("rates: worker %s is paid in %s, payout currency is %s", e.WorkerID, e.Profile, e.Payout)
}

func (e *CurrencyMismatchError) Is(target error) bool {
	return target == ErrCurrencyMismatch
}
