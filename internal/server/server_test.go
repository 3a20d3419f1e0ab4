package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/villamira/availd/internal/config"
	"github.com/villamira/availd/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, *testutil.MockPMS) {
	t.Helper()
	pms := testutil.NewMockPMS()
	t.Cleanup(pms.Close)

	cfg := config.Default()
	cfg.PMS.BaseURL = pms.URL()
	cfg.Offline.Path = filepath.Join(t.TempDir(), "offline")
	cfg.Server.StaticDir = t.TempDir()
	cfg.Logging.Level = "error"

	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.store.Close() })
	return srv, pms
}

func seedMarch(pms *testutil.MockPMS) {
	prices := map[string]float64{}
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for day.Month() == time.March {
		prices[day.Format("2006-01-02")] = 120
		day = day.AddDate(0, 0, 1)
	}
	pms.SetWindow("deluxe-apartman", "2026-03-01", "2026-04-01", prices, []string{"2026-03-20"})
}

func getJSON(t *testing.T, h http.Handler, target string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestAvailabilityEndpoint(t *testing.T) {
	srv, pms := newTestServer(t)
	seedMarch(pms)
	h := srv.routes()

	code, body := getJSON(t, h,
		"/api/availability?resource=deluxe-apartman&startDate=2026-03-10&endDate=2026-03-13&partySize=2")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["isAvailable"])
	assert.InDelta(t, 360, body["totalPrice"].(float64), 0.001)
	assert.InDelta(t, 120, body["pricePerNight"].(float64), 0.001)
	assert.InDelta(t, 3, body["nights"].(float64), 0.001)

	perf, ok := body["performance"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, perf, "responseTimeMs")
	stats, ok := perf["cacheStats"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, stats, "hits")
	assert.Contains(t, stats, "hitRateFraction")
}

func TestAvailabilityEndpointBookedStay(t *testing.T) {
	srv, pms := newTestServer(t)
	seedMarch(pms)

	code, body := getJSON(t, srv.routes(),
		"/api/availability?resource=deluxe-apartman&startDate=2026-03-19&endDate=2026-03-22&partySize=2")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["isAvailable"])
	assert.Contains(t, body["bookedDates"], "2026-03-20")
	assert.Zero(t, body["totalPrice"].(float64))
}

func TestAvailabilityEndpointCachesSecondRequest(t *testing.T) {
	srv, pms := newTestServer(t)
	seedMarch(pms)
	h := srv.routes()
	target := "/api/availability?resource=deluxe-apartman&startDate=2026-03-10&endDate=2026-03-13&partySize=2"

	code, _ := getJSON(t, h, target)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, pms.Calls())

	code, _ = getJSON(t, h, target)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, pms.Calls(), "second request served from the query cache")
}

func TestAvailabilityEndpointRejectsBadParams(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.routes()

	for _, target := range []string{
		"/api/availability",
		"/api/availability?resource=x&startDate=2026-03-10&endDate=2026-03-01&partySize=2",
		"/api/availability?resource=x&startDate=2026-03-10&endDate=2026-03-13&partySize=0",
	} {
		code, body := getJSON(t, h, target)
		assert.Equal(t, http.StatusBadRequest, code, target)
		assert.Equal(t, false, body["success"])
	}
}

func TestAvailabilityEndpointExplicitErrorOnEmptyCacheFailure(t *testing.T) {
	srv, pms := newTestServer(t)
	seedMarch(pms)
	pms.FailNext(10, http.StatusInternalServerError)

	code, body := getJSON(t, srv.routes(),
		"/api/availability?resource=deluxe-apartman&startDate=2026-03-10&endDate=2026-03-13&partySize=2")

	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"], "failures surface as explicit errors, never fabricated data")
}

func TestBatchEndpoint(t *testing.T) {
	srv, pms := newTestServer(t)
	seedMarch(pms)
	pms.SetWindow("garden-studio", "2026-03-01", "2026-04-01",
		map[string]float64{"2026-03-10": 80, "2026-03-11": 80, "2026-03-12": 80}, nil)

	code, body := getJSON(t, srv.routes(),
		"/api/availability/batch?resources=deluxe-apartman,garden-studio&startDate=2026-03-10&endDate=2026-03-13&partySize=2")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	quotes, ok := body["quotes"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, quotes, 2)
	assert.Equal(t, 1, pms.BatchCalls(), "one PMS round trip for both resources")
}

func TestBroadcastInvalidatesLocalCaches(t *testing.T) {
	srv, pms := newTestServer(t)
	seedMarch(pms)
	h := srv.routes()
	target := "/api/availability?resource=deluxe-apartman&startDate=2026-03-10&endDate=2026-03-13&partySize=2"

	code, _ := getJSON(t, h, target)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, pms.Calls())

	req := httptest.NewRequest(http.MethodPost, "/admin/broadcast",
		strings.NewReader(`{"type":"booking_created","resourceId":"deluxe-apartman","date":"2026-03-11"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.InDelta(t, 1, out["sequence"].(float64), 0.001)

	code, _ = getJSON(t, h, target)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, pms.Calls(), "overlapping entry evicted, request refetched")
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := getJSON(t, srv.routes(), "/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestStaticCacheControlHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.routes()

	tests := []struct {
		path   string
		maxAge string
	}{
		{"/css/site.css", "max-age=86400"},
		{"/img/hero.webp", "max-age=604800"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Contains(t, rec.Header().Get("Cache-Control"), tt.maxAge, tt.path)
		assert.Contains(t, rec.Header().Get("Cache-Control"), "public", tt.path)
	}
}
