package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/villamira/availd/pkg/availability"
)

// LoadState is the navigator's view of the current month.
type LoadState string

const (
	// StateLoading means the month moved but its window has not arrived.
	StateLoading LoadState = "loading"

	// StateLoaded means the current month's window is present.
	StateLoaded LoadState = "loaded"

	// StateFailed means the load for the current month failed; the UI
	// shows an explicit error for it.
	StateFailed LoadState = "failed"
)

// View is a snapshot of what the calendar should render.
type View struct {
	Period availability.Period
	State  LoadState

	// Window is set only in StateLoaded.
	Window *availability.Window

	// Err is set only in StateFailed.
	Err error
}

// Navigator drives optimistic month-to-month calendar navigation for one
// resource. Navigation moves the current-month pointer immediately and
// loads asynchronously; a newer navigation supersedes an older in-flight
// load, whose late result is applied to the cache but never to the view.
type Navigator struct {
	cache      *Cache
	prefetcher *Prefetcher
	fetch      WindowFetch
	resourceID string
	partySize  int
	logger     zerolog.Logger

	mu      sync.Mutex
	view    View
	gen     uint64
	onEvict func()
}

// NewNavigator creates a navigator for one resource and party size.
func NewNavigator(cache *Cache, prefetcher *Prefetcher, fetch WindowFetch, resourceID string, partySize int, logger zerolog.Logger) *Navigator {
	return &Navigator{
		cache:      cache,
		prefetcher: prefetcher,
		fetch:      fetch,
		resourceID: resourceID,
		partySize:  partySize,
		logger:     logger,
	}
}

// NavigateTo moves to a month. If the cache already holds a usable window
// the view is Loaded immediately (with a background revalidation when
// stale, through the normal cache path); otherwise the view is Loading and
// an asynchronous load fills it in.
func (n *Navigator) NavigateTo(period availability.Period) View {
	key := AvailabilityKey(n.resourceID, period.String(), n.partySize)

	n.mu.Lock()
	n.gen++
	gen := n.gen

	if window, ok := n.cache.Peek(key); ok {
		n.view = View{Period: period, State: StateLoaded, Window: window}
		view := n.view
		n.mu.Unlock()

		// Refresh through the cache so staleness is handled uniformly.
		go n.load(gen, key, period)
		n.prefetcher.ViewedMonth(n.resourceID, period, n.partySize)
		return view
	}

	n.view = View{Period: period, State: StateLoading}
	view := n.view
	n.mu.Unlock()

	go n.load(gen, key, period)
	n.prefetcher.ViewedMonth(n.resourceID, period, n.partySize)
	return view
}

// Next moves one month forward.
func (n *Navigator) Next() View {
	return n.NavigateTo(n.Current().Next())
}

// Prev moves one month back.
func (n *Navigator) Prev() View {
	return n.NavigateTo(n.Current().Prev())
}

// Current returns the month the navigator points at.
func (n *Navigator) Current() availability.Period {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.view.Period
}

// View returns the current snapshot.
func (n *Navigator) View() View {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.view
}

// load fetches the month and applies the result to the view unless a newer
// navigation has superseded this load.
func (n *Navigator) load(gen uint64, key Key, period availability.Period) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	window, err := n.cache.Get(ctx, key, n.resourceID, func(ctx context.Context) (*availability.Window, error) {
		return n.fetch(ctx, n.resourceID, period, n.partySize)
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen != gen {
		// Superseded; the fetched window is already cached for when the
		// user navigates back.
		return
	}
	if err != nil {
		n.view = View{Period: period, State: StateFailed, Err: err}
		n.logger.Warn().Err(err).
			Str("resource", n.resourceID).
			Str("period", period.String()).
			Msg("Month load failed")
		return
	}
	n.view = View{Period: period, State: StateLoaded, Window: window}
}
