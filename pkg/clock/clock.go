// Package clock abstracts timers and tickers so that TTL expiry, prefetch
// delays, and heartbeat sweeps can be driven by virtual time in tests.
package clock

import "time"

// Clock provides the time-related operations the cache tiers depend on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that fires once after d.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d. The returned Timer can stop
	// the call if it has not fired yet.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Timer is a stoppable pending call.
type Timer interface {
	// Stop cancels the timer. It reports whether the call was prevented.
	Stop() bool
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// New returns a Clock backed by the runtime clock.
func New() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }

func (r *realTicker) Stop() { r.t.Stop() }
