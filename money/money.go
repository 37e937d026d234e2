package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidCurrency is returned for currency codes that are not three ASCII letters.
var ErrInvalidCurrency = errors.New("money: invalid currency code")

// zero- and three-decimal currencies; everything else uses two minor digits.
var minorDigits = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return code, nil
}

// MinorDigits returns how many minor-unit digits the currency carries.
func MinorDigits(currency string) int32 {
	if d, ok := minorDigits[strings.ToUpper(currency)]; ok {
		return d
	}
	return 2
}

// ToMinor converts a major-unit amount into minor units, rounding half up.
// Callers pass non-negative values; half-away-from-zero equals half-up there.
func ToMinor(major decimal.Decimal, currency string) int64 {
	return major.Shift(MinorDigits(currency)).Round(0).IntPart()
}

// FromMinor converts minor units back into a major-unit decimal.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -MinorDigits(currency))
}

// Format renders minor units as a fixed-point major amount, e.g. 7500 USD -> "75.00".
func Format(minor int64, currency string) string {
	return FromMinor(minor, currency).StringFixed(MinorDigits(currency))
}
