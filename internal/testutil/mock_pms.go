// Package testutil provides shared test fixtures, most importantly a mock
// property-management system speaking the real PMS wire format.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

type windowPayload struct {
	Apartment   string             `json:"apartment"`
	From        string             `json:"from"`
	To          string             `json:"to"`
	DailyPrices map[string]float64 `json:"dailyPrices"`
	BookedDates []string           `json:"bookedDates"`
}

// MockPMS is an httptest-backed stand-in for the property-management
// system. Behaviour (failures, delays, rate-limit headers) is adjustable
// per test; every access is mutex-guarded so concurrent fetches are safe.
type MockPMS struct {
	srv *httptest.Server

	mu         sync.Mutex
	windows    map[string]windowPayload
	calls      int
	batchCalls int
	failCount  int
	failStatus int
	delay      time.Duration
	remaining  int
	reset      int64
}

// NewMockPMS starts a mock PMS with no windows configured.
func NewMockPMS() *MockPMS {
	m := &MockPMS{
		windows:   make(map[string]windowPayload),
		remaining: -1,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/availability", m.handleSingle)
	mux.HandleFunc("/api/v1/availability/batch", m.handleBatch)
	m.srv = httptest.NewServer(mux)
	return m
}

// URL returns the mock's base URL.
func (m *MockPMS) URL() string {
	return m.srv.URL
}

// Close shuts the mock down.
func (m *MockPMS) Close() {
	m.srv.Close()
}

// SetWindow configures the availability window returned for a resource.
func (m *MockPMS) SetWindow(resourceID, from, to string, prices map[string]float64, booked []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[resourceID] = windowPayload{
		Apartment:   resourceID,
		From:        from,
		To:          to,
		DailyPrices: prices,
		BookedDates: booked,
	}
}

// FailNext makes the next n requests fail with the given status.
func (m *MockPMS) FailNext(n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
	m.failStatus = status
}

// SetDelay adds a fixed latency to every request.
func (m *MockPMS) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetRateLimit makes responses carry X-RateLimit headers. resetIn is the
// window remainder in seconds, matching the PMS convention.
func (m *MockPMS) SetRateLimit(remaining int, resetIn time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining = remaining
	m.reset = int64(resetIn.Seconds())
}

// Calls returns how many single-window requests arrived.
func (m *MockPMS) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// BatchCalls returns how many batch requests arrived.
func (m *MockPMS) BatchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchCalls
}

// gate applies delay, rate-limit headers, and scripted failures. Returns
// false when the request was already answered with a failure.
func (m *MockPMS) gate(w http.ResponseWriter) bool {
	m.mu.Lock()
	delay := m.delay
	if m.remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(m.remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(m.reset, 10))
	}
	fail := m.failCount > 0
	status := m.failStatus
	if fail {
		m.failCount--
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		w.WriteHeader(status)
		return false
	}
	return true
}

func (m *MockPMS) handleSingle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if !m.gate(w) {
		return
	}

	m.mu.Lock()
	payload, ok := m.windows[r.URL.Query().Get("apartment")]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (m *MockPMS) handleBatch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.batchCalls++
	m.mu.Unlock()

	if !m.gate(w) {
		return
	}

	ids := strings.Split(r.URL.Query().Get("apartments"), ",")
	m.mu.Lock()
	var windows []windowPayload
	for _, id := range ids {
		if payload, ok := m.windows[id]; ok {
			windows = append(windows, payload)
		}
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"windows": windows})
}
