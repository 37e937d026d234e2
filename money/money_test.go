package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToMinor_RoundsHalfUp(t *testing.T) {
	cases := []struct {
		major    string
		currency string
		want     int64
	}{
		{"750", "USD", 75000},
		{"12.345", "USD", 1235},
		{"12.344", "USD", 1234},
		{"0.005", "EUR", 1},
		{"1999.5", "JPY", 2000},
		{"1.0005", "KWD", 1001},
	}
	for _, tc := range cases {
		got := ToMinor(decimal.RequireFromString(tc.major), tc.currency)
		if got != tc.want {
			t.Errorf("ToMinor(%s %s) = %d, want %d", tc.major, tc.currency, got, tc.want)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(7500, "USD"); got != "75.00" {
		t.Fatalf("expected 75.00, got %s", got)
	}
	if got := Format(1200, "JPY"); got != "1200" {
		t.Fatalf("expected 1200, got %s", got)
	}
	if got := Format(1001, "BHD"); got != "1.001" {
		t.Fatalf("expected 1.001, got %s", got)
	}
}

func TestNormalizeCurrency(t *testing.T) {
	got, err := NormalizeCurrency(" usd ")
	if err != nil || got != "USD" {
		t.Fatalf("expected USD, got %q err=%v", got, err)
	}
	if _, err := NormalizeCurrency("US1"); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
	if _, err := NormalizeCurrency(""); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency for empty code, got %v", err)
	}
}
