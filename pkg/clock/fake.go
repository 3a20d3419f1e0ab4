package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for deterministic tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // non-zero for tickers
	fn       func()
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a fake clock frozen at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves virtual time forward, firing due timers and tickers in
// deadline order. AfterFunc callbacks run synchronously on the caller's
// goroutine.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		w := f.nextDue(target)
		if w == nil {
			break
		}
		f.now = w.deadline
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
		} else {
			w.stopped = true
		}
		fn, ch, now := w.fn, w.ch, f.now

		// Fire outside the lock so callbacks can use the clock.
		f.mu.Unlock()
		if fn != nil {
			fn()
		}
		if ch != nil {
			select {
			case ch <- now:
			default:
			}
		}
		f.mu.Lock()
	}

	f.now = target
	f.mu.Unlock()
}

// nextDue returns the earliest unfired waiter due at or before target.
// Caller holds the lock.
func (f *Fake) nextDue(target time.Time) *fakeWaiter {
	var next *fakeWaiter
	for _, w := range f.waiters {
		if w.stopped || w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) {
			next = w
		}
	}
	return next
}

// After implements Clock.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, &fakeWaiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// AfterFunc implements Clock.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), fn: fn}
	f.waiters = append(f.waiters, w)
	return &fakeTimer{clock: f, w: w}
}

// NewTicker implements Clock.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	w := &fakeWaiter{deadline: f.now.Add(d), period: d, ch: ch}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, w: w, ch: ch}
}

type fakeTimer struct {
	clock *Fake
	w     *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.w.stopped
	t.w.stopped = true
	return active
}

type fakeTicker struct {
	clock *Fake
	w     *fakeWaiter
	ch    chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
}
