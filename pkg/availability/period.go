package availability

import (
	"fmt"
	"time"
)

// PeriodLayout is the wire layout for calendar-month periods, e.g. "2025-10".
const PeriodLayout = "2006-01"

// Period is one calendar month, the navigation and prefetch granularity of
// the availability UI.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses a wire-format period.
func ParsePeriod(s string) (Period, error) {
	t, err := time.ParseInLocation(PeriodLayout, s, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("parse period %q: %w", s, err)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing the given date.
func PeriodOf(t time.Time) Period {
	u := t.UTC()
	return Period{Year: u.Year(), Month: u.Month()}
}

// String returns the wire form, e.g. "2025-10".
func (p Period) String() string {
	return p.Start().Format(PeriodLayout)
}

// Start returns midnight UTC on the first day of the month.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC on the first day of the following month.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Range returns the nights covered by the month.
func (p Period) Range() DateRange {
	return DateRange{Start: p.Start(), End: p.End()}
}

// Next returns the following month.
func (p Period) Next() Period {
	return PeriodOf(p.End())
}

// Prev returns the preceding month.
func (p Period) Prev() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

// Contains reports whether the date falls inside the month.
func (p Period) Contains(t time.Time) bool {
	return p.Range().Contains(t)
}
