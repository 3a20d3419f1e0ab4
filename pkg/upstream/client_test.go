package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/villamira/availd/internal/testutil"
	"github.com/villamira/availd/pkg/availability"
)

// fastRetry keeps test backoffs in the microsecond range.
func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func testClient(t *testing.T, baseURL string, rdb *redis.Client) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:    baseURL,
		Timeout:    2 * time.Second,
		DefaultTTL: 10 * time.Minute,
		Retry:      fastRetry(),
		Redis:      rdb,
	})
	require.NoError(t, err)
	return c
}

func marchRequest(t *testing.T, resourceID string) Request {
	t.Helper()
	rng, err := availability.ParseDateRange("2026-03-01", "2026-04-01")
	require.NoError(t, err)
	return Request{ResourceID: resourceID, Range: rng, PartySize: 2}
}

func TestFetchWindow(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.SetWindow("deluxe-apartman", "2026-03-01", "2026-04-01",
		map[string]float64{"2026-03-10": 120}, []string{"2026-03-15"})

	c := testClient(t, pms.URL(), nil)
	w, err := c.FetchWindow(context.Background(), marchRequest(t, "deluxe-apartman"))

	require.NoError(t, err)
	assert.Equal(t, "deluxe-apartman", w.ResourceID)
	assert.InDelta(t, 120, w.DailyPrice["2026-03-10"], 0.001)
	assert.True(t, w.BookedDates["2026-03-15"])
	assert.Equal(t, 31, w.Range().Nights())
}

func TestFetchWindowRetriesServerErrors(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.SetWindow("deluxe-apartman", "2026-03-01", "2026-04-01", map[string]float64{}, nil)
	pms.FailNext(2, http.StatusInternalServerError)

	c := testClient(t, pms.URL(), nil)
	w, err := c.FetchWindow(context.Background(), marchRequest(t, "deluxe-apartman"))

	require.NoError(t, err)
	assert.Equal(t, "deluxe-apartman", w.ResourceID)
	assert.Equal(t, 3, pms.Calls(), "two failures then one success")
}

func TestFetchWindowExhaustsRetries(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.FailNext(10, http.StatusServiceUnavailable)

	c := testClient(t, pms.URL(), nil)
	_, err := c.FetchWindow(context.Background(), marchRequest(t, "deluxe-apartman"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 3, pms.Calls())
}

func TestFetchWindowRateLimited(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.FailNext(10, http.StatusTooManyRequests)

	c := testClient(t, pms.URL(), nil)
	_, err := c.FetchWindow(context.Background(), marchRequest(t, "deluxe-apartman"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFetchWindowDoesNotRetryClientErrors(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	// No window configured: the mock answers 404.

	c := testClient(t, pms.URL(), nil)
	_, err := c.FetchWindow(context.Background(), marchRequest(t, "missing"))

	require.Error(t, err)
	assert.Equal(t, 1, pms.Calls(), "4xx must not be retried")
}

func TestFetchWindowInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	_, err := c.FetchWindow(context.Background(), marchRequest(t, "deluxe-apartman"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestFetchWindows(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.SetWindow("deluxe-apartman", "2026-03-01", "2026-04-01", map[string]float64{"2026-03-10": 120}, nil)
	pms.SetWindow("garden-studio", "2026-03-01", "2026-04-01", map[string]float64{"2026-03-10": 80}, nil)

	c := testClient(t, pms.URL(), nil)
	windows, err := c.FetchWindows(context.Background(),
		[]string{"deluxe-apartman", "garden-studio"}, marchRequest(t, "deluxe-apartman"))

	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, 1, pms.BatchCalls(), "one round trip for both resources")
	assert.InDelta(t, 80, windows["garden-studio"].DailyPrice["2026-03-10"], 0.001)
}

func TestQuotaGateBlocksBelowCritical(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.SetWindow("deluxe-apartman", "2026-03-01", "2026-04-01", map[string]float64{}, nil)
	pms.SetRateLimit(QuotaThresholdCritical-1, time.Minute)

	c := testClient(t, pms.URL(), rdb)
	ctx := context.Background()

	// First call succeeds and records the near-exhausted budget.
	_, err := c.FetchWindow(ctx, marchRequest(t, "deluxe-apartman"))
	require.NoError(t, err)
	require.Equal(t, 1, pms.Calls())

	// Second call must be held back without touching the PMS.
	_, err = c.FetchWindow(ctx, marchRequest(t, "deluxe-apartman"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, pms.Calls())
}

func TestQuotaTrackerWithoutRedisAllowsEverything(t *testing.T) {
	tr := NewQuotaTracker(nil, zerolog.Nop())
	allowed, err := tr.ShouldAllowRequest(context.Background())
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRequestKeyRoundtrip(t *testing.T) {
	req := marchRequest(t, "deluxe-apartman")
	req.ChildCount = 1

	key := req.Key()
	assert.Equal(t, "avail:deluxe-apartman:2026-03-01:2026-04-01:p2:c1", key)

	parsed, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, req, parsed)

	_, err = ParseKey("avail:broken")
	assert.Error(t, err)
	_, err = ParseKey("other:deluxe:2026-03-01:2026-04-01:p2:c0")
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		class  ErrorClass
		retry  bool
	}{
		{http.StatusBadRequest, ErrorClassClient, false},
		{http.StatusNotFound, ErrorClassClient, false},
		{http.StatusTooManyRequests, ErrorClassRateLimit, true},
		{http.StatusInternalServerError, ErrorClassServer, true},
		{http.StatusBadGateway, ErrorClassServer, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, classifyStatus(tt.status), "status %d", tt.status)
		assert.Equal(t, tt.retry, shouldRetry(tt.class), "status %d", tt.status)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	pms := testutil.NewMockPMS()
	defer pms.Close()
	pms.FailNext(10, http.StatusInternalServerError)

	cfg := fastRetry()
	cfg.InitialBackoff = time.Hour // cancellation must cut the wait short

	c, err := NewClient(Config{BaseURL: pms.URL(), Retry: cfg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = c.FetchWindow(ctx, marchRequest(t, "deluxe-apartman"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrContextCancelled))
}
