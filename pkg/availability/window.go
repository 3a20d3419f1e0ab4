// Package availability defines the shared data model for apartment
// availability windows, date ranges, and calendar periods.
package availability

import (
	"fmt"
	"sort"
	"time"
)

// WireDate is the date layout used on every external interface.
const WireDate = "2006-01-02"

// DateRange is a half-open range of nights [Start, End).
// A guest staying 2025-10-01..2025-10-08 occupies seven nights.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange creates a range from two dates, truncated to UTC midnight.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: midnight(start), End: midnight(end)}
}

// ParseDateRange parses two wire-format dates into a range.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.ParseInLocation(WireDate, start, time.UTC)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse start date %q: %w", start, err)
	}
	e, err := time.ParseInLocation(WireDate, end, time.UTC)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse end date %q: %w", end, err)
	}
	if !e.After(s) {
		return DateRange{}, fmt.Errorf("end date %s must be after start date %s", end, start)
	}
	return DateRange{Start: s, End: e}, nil
}

// Overlaps reports whether two night ranges share at least one night.
func (r DateRange) Overlaps(o DateRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Contains reports whether the given night falls inside the range.
func (r DateRange) Contains(day time.Time) bool {
	d := midnight(day)
	return !d.Before(r.Start) && d.Before(r.End)
}

// Nights returns the number of nights covered by the range.
func (r DateRange) Nights() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// Dates returns each night's date in order.
func (r DateRange) Dates() []time.Time {
	dates := make([]time.Time, 0, r.Nights())
	for d := r.Start; d.Before(r.End); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}

// String returns the range in wire format, e.g. "2025-10-01..2025-10-08".
func (r DateRange) String() string {
	return r.Start.Format(WireDate) + ".." + r.End.Format(WireDate)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Window is one fetched availability window for a resource. It is immutable
// once created: a refresh produces a new Window rather than mutating in place.
type Window struct {
	// ResourceID identifies the apartment.
	ResourceID string `json:"resource_id"`

	// StartDate and EndDate bound the nights this window covers.
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	// DailyPrice maps wire-format dates to the nightly rate.
	DailyPrice map[string]float64 `json:"daily_price"`

	// BookedDates is the set of wire-format dates already booked.
	BookedDates map[string]bool `json:"booked_dates"`

	// FetchedAt is when the window was retrieved from upstream.
	FetchedAt time.Time `json:"fetched_at"`

	// TTL is how long the window may be served without revalidation.
	TTL time.Duration `json:"ttl"`

	// Sequence is the per-resource invalidation sequence known at fetch
	// dispatch time. Used to discard writes superseded by a later event.
	Sequence uint64 `json:"sequence"`
}

// Range returns the date range the window covers.
func (w *Window) Range() DateRange {
	return DateRange{Start: w.StartDate, End: w.EndDate}
}

// ExpiresAt returns the instant the window becomes stale.
func (w *Window) ExpiresAt() time.Time {
	return w.FetchedAt.Add(w.TTL)
}

// IsExpired reports whether the window is past its TTL at the given instant.
func (w *Window) IsExpired(now time.Time) bool {
	return now.After(w.ExpiresAt())
}

// Overlaps reports whether the window covers any night of the given range.
func (w *Window) Overlaps(r DateRange) bool {
	return w.Range().Overlaps(r)
}

// Quote is the priced answer for one requested stay, derived from a Window.
type Quote struct {
	IsAvailable   bool
	TotalPrice    float64
	PricePerNight float64
	Nights        int
	BookedDates   []string
	DailyPrices   map[string]float64
}

// Quote prices the given stay against the window. A stay is available only
// if every night is unbooked and has a listed rate.
func (w *Window) Quote(r DateRange) Quote {
	q := Quote{
		IsAvailable: true,
		Nights:      r.Nights(),
		DailyPrices: make(map[string]float64, r.Nights()),
	}

	for _, d := range r.Dates() {
		day := d.Format(WireDate)
		if w.BookedDates[day] {
			q.IsAvailable = false
			q.BookedDates = append(q.BookedDates, day)
			continue
		}
		price, ok := w.DailyPrice[day]
		if !ok {
			// No rate published for this night, cannot sell it.
			q.IsAvailable = false
			continue
		}
		q.DailyPrices[day] = price
		q.TotalPrice += price
	}

	sort.Strings(q.BookedDates)
	if !q.IsAvailable {
		q.TotalPrice = 0
		return q
	}
	if q.Nights > 0 {
		q.PricePerNight = q.TotalPrice / float64(q.Nights)
	}
	return q
}
