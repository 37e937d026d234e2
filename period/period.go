package period

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the civil-date layout used on the wire and in ledger keys.
const DateLayout = "2006-01-02"

var (
	// ErrEmpty is returned when the end date precedes the start date.
	ErrEmpty = errors.New("period: end before start")
	// ErrFuture is returned when the period ends after today.
	ErrFuture = errors.New("period: end date in the future")
	// ErrInvalidDate is returned for unparsable dates.
	ErrInvalidDate = errors.New("period: invalid date")
)

// Period is an inclusive range of civil dates identifying one payroll run.
type Period struct {
	start time.Time
	end   time.Time
}

// New validates and builds a period. Both bounds are truncated to UTC midnight.
// now is used to reject periods that have not finished yet.
func New(start, end, now time.Time) (Period, error) {
	s := civil(start)
	e := civil(end)
	if s.IsZero() || e.IsZero() {
		return Period{}, ErrInvalidDate
	}
	if e.Before(s) {
		return Period{}, fmt.Errorf("%w: %s > %s", ErrEmpty, s.Format(DateLayout), e.Format(DateLayout))
	}
	if !now.IsZero() && e.After(civil(now)) {
		return Period{}, fmt.Errorf("%w: %s", ErrFuture, e.Format(DateLayout))
	}
	return Period{start: s, end: e}, nil
}

// Parse builds a period from two YYYY-MM-DD strings.
func Parse(start, end string, now time.Time) (Period, error) {
	s, err := time.Parse(DateLayout, strings.TrimSpace(start))
	if err != nil {
		return Period{}, fmt.Errorf("%w: start %q", ErrInvalidDate, start)
	}
	e, err := time.Parse(DateLayout, strings.TrimSpace(end))
	if err != nil {
		return Period{}, fmt.Errorf("%w: end %q", ErrInvalidDate, end)
	}
	return New(s, e, now)
}

// ParseKey reverses Key.
func ParseKey(key string) (Period, error) {
	start, end, ok := strings.Cut(key, "..")
	if !ok {
		return Period{}, fmt.Errorf("%w: key %q", ErrInvalidDate, key)
	}
	return Parse(start, end, time.Time{})
}

// PreviousMonth returns the full calendar month before now.
func PreviousMonth(now time.Time) Period {
	firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{
		start: firstOfThis.AddDate(0, -1, 0),
		end:   firstOfThis.AddDate(0, 0, -1),
	}
}

// PreviousSemiMonth returns the last closed half-month: the 16th to month end of the
// previous month when now falls on the 1st-15th, otherwise the 1st-15th of this month.
func PreviousSemiMonth(now time.Time) Period {
	firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if now.Day() <= 15 {
		lastOfPrev := firstOfThis.AddDate(0, 0, -1)
		return Period{
			start: time.Date(lastOfPrev.Year(), lastOfPrev.Month(), 16, 0, 0, 0, 0, time.UTC),
			end:   lastOfPrev,
		}
	}
	return Period{
		start: firstOfThis,
		end:   time.Date(now.Year(), now.Month(), 15, 0, 0, 0, 0, time.UTC),
	}
}

// Start returns the first day of the period.
func (p Period) Start() time.Time { return p.start }

// End returns the last day of the period (inclusive).
func (p Period) End() time.Time { return p.end }

// IsZero reports whether p is the zero period.
func (p Period) IsZero() bool { return p.start.IsZero() && p.end.IsZero() }

// Contains reports whether the civil date of t lies in the period.
func (p Period) Contains(t time.Time) bool {
	d := civil(t)
	return !d.Before(p.start) && !d.After(p.end)
}

// Overlaps reports whether the two periods share at least one day.
func (p Period) Overlaps(o Period) bool {
	return !p.end.Before(o.start) && !o.end.Before(p.start)
}

// Equal reports whether both bounds match.
func (p Period) Equal(o Period) bool {
	return p.start.Equal(o.start) && p.end.Equal(o.end)
}

// Key is the canonical string form, e.g. "2024-05-01..2024-05-31".
func (p Period) Key() string {
	return p.start.Format(DateLayout) + ".." + p.end.Format(DateLayout)
}

func (p Period) String() string { return p.Key() }

// MarshalText renders the period as its Key.
func (p Period) MarshalText() ([]byte, error) {
	if p.IsZero() {
		return []byte{}, nil
	}
	return []byte(p.Key()), nil
}

// UnmarshalText parses a Key. Future periods are not rejected here.
func (p *Period) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = Period{}
		return nil
	}
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func civil(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
