// Package upstream provides the HTTP client for the property-management
// system (PMS), the engine's ground truth for availability and pricing.
// The PMS is slow and rate limited, so every call carries a timeout, a
// bounded retry policy, and a Redis-shared quota gate.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/villamira/availd/pkg/availability"
	"github.com/villamira/availd/pkg/logging"
)

// Prometheus metrics for PMS client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availd_pms_requests_total",
		Help: "Total PMS requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "availd_pms_request_duration_seconds",
		Help:    "PMS request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availd_pms_errors_total",
		Help: "Total PMS errors by class",
	}, []string{"class"})
)

// Request identifies one availability lookup: (resource, date range, party).
type Request struct {
	ResourceID string
	Range      availability.DateRange
	PartySize  int
	ChildCount int
}

// Key generates the deterministic request key shared by all cache tiers.
// Format: avail:<resource>:<start>:<end>:p<party>:c<children>
func (r Request) Key() string {
	return strings.Join([]string{
		"avail",
		r.ResourceID,
		r.Range.Start.Format(availability.WireDate),
		r.Range.End.Format(availability.WireDate),
		"p" + strconv.Itoa(r.PartySize),
		"c" + strconv.Itoa(r.ChildCount),
	}, ":")
}

// ParseKey reverses Key. Used by the offline agent to resynchronize cached
// availability lookups from their stored keys.
func ParseKey(key string) (Request, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 6 || parts[0] != "avail" {
		return Request{}, fmt.Errorf("malformed availability key %q", key)
	}
	rng, err := availability.ParseDateRange(parts[2], parts[3])
	if err != nil {
		return Request{}, fmt.Errorf("malformed availability key %q: %w", key, err)
	}
	party, err := strconv.Atoi(strings.TrimPrefix(parts[4], "p"))
	if err != nil {
		return Request{}, fmt.Errorf("malformed availability key %q: %w", key, err)
	}
	children, err := strconv.Atoi(strings.TrimPrefix(parts[5], "c"))
	if err != nil {
		return Request{}, fmt.Errorf("malformed availability key %q: %w", key, err)
	}
	return Request{ResourceID: parts[1], Range: rng, PartySize: party, ChildCount: children}, nil
}

// Source is the upstream availability source. Implemented by Client in
// production and by mocks in tests.
type Source interface {
	// FetchWindow retrieves the availability window for one resource.
	FetchWindow(ctx context.Context, req Request) (*availability.Window, error)

	// FetchWindows retrieves windows for several resources sharing the
	// same date range and party size in one upstream round trip.
	FetchWindows(ctx context.Context, resourceIDs []string, req Request) (map[string]*availability.Window, error)
}

// Config holds the PMS client configuration.
type Config struct {
	// BaseURL of the PMS API, e.g. "https://pms.example.com".
	BaseURL string

	// Timeout per upstream call.
	Timeout time.Duration

	// DefaultTTL assigned to fetched windows.
	DefaultTTL time.Duration

	// Retry policy for transient errors.
	Retry RetryConfig

	// Redis client for the shared quota state. Nil disables quota gating.
	Redis *redis.Client

	// HTTPClient overrides the default transport (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string, redisClient *redis.Client) Config {
	return Config{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		DefaultTTL: 10 * time.Minute,
		Retry:      DefaultRetryConfig(),
		Redis:      redisClient,
	}
}

// Client is the PMS HTTP client.
type Client struct {
	httpClient *http.Client
	cfg        Config
	quota      *QuotaTracker
	logger     zerolog.Logger
}

// NewClient creates a PMS client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}

	logger := logging.NewLogger("upstream")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		quota:      NewQuotaTracker(cfg.Redis, logger),
		logger:     logger,
	}, nil
}

// windowPayload is the PMS wire format for one availability window.
type windowPayload struct {
	Apartment   string             `json:"apartment"`
	From        string             `json:"from"`
	To          string             `json:"to"`
	DailyPrices map[string]float64 `json:"dailyPrices"`
	BookedDates []string           `json:"bookedDates"`
}

type batchPayload struct {
	Windows []windowPayload `json:"windows"`
}

// FetchWindow retrieves the availability window for one resource.
func (c *Client) FetchWindow(ctx context.Context, req Request) (*availability.Window, error) {
	q := url.Values{}
	q.Set("apartment", req.ResourceID)
	c.setCommonParams(q, req)

	body, err := c.get(ctx, "/api/v1/availability", q)
	if err != nil {
		return nil, err
	}

	var payload windowPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return c.payloadToWindow(payload)
}

// FetchWindows retrieves windows for several resources in one round trip.
func (c *Client) FetchWindows(ctx context.Context, resourceIDs []string, req Request) (map[string]*availability.Window, error) {
	q := url.Values{}
	q.Set("apartments", strings.Join(resourceIDs, ","))
	c.setCommonParams(q, req)

	body, err := c.get(ctx, "/api/v1/availability/batch", q)
	if err != nil {
		return nil, err
	}

	var payload batchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	windows := make(map[string]*availability.Window, len(payload.Windows))
	for _, wp := range payload.Windows {
		w, err := c.payloadToWindow(wp)
		if err != nil {
			return nil, err
		}
		windows[w.ResourceID] = w
	}
	return windows, nil
}

func (c *Client) setCommonParams(q url.Values, req Request) {
	q.Set("from", req.Range.Start.Format(availability.WireDate))
	q.Set("to", req.Range.End.Format(availability.WireDate))
	q.Set("guests", strconv.Itoa(req.PartySize))
	if req.ChildCount > 0 {
		q.Set("children", strconv.Itoa(req.ChildCount))
	}
}

func (c *Client) payloadToWindow(p windowPayload) (*availability.Window, error) {
	if p.Apartment == "" || p.From == "" || p.To == "" {
		return nil, fmt.Errorf("%w: missing apartment or date bounds", ErrInvalidResponse)
	}
	rng, err := availability.ParseDateRange(p.From, p.To)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	booked := make(map[string]bool, len(p.BookedDates))
	for _, d := range p.BookedDates {
		booked[d] = true
	}

	return &availability.Window{
		ResourceID:  p.Apartment,
		StartDate:   rng.Start,
		EndDate:     rng.End,
		DailyPrice:  p.DailyPrices,
		BookedDates: booked,
		FetchedAt:   time.Now(),
		TTL:         c.cfg.DefaultTTL,
	}, nil
}

// get performs one GET with quota gating and retry.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	allowed, err := c.quota.ShouldAllowRequest(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Quota check failed")
		return nil, fmt.Errorf("quota check: %w", err)
	}
	if !allowed {
		requestsTotal.WithLabelValues(endpoint, "quota_blocked").Inc()
		return nil, fmt.Errorf("%w: quota critical", ErrRateLimited)
	}

	var body []byte
	retryErr := retryWithBackoff(ctx, c.cfg.Retry, c.logger, func() error {
		var onceErr error
		body, onceErr = c.doOnce(ctx, endpoint, q)
		return onceErr
	}, func(err error) ErrorClass {
		var pmsErr *Error
		if errors.As(err, &pmsErr) {
			return pmsErr.Class
		}
		return classifyTransport(err)
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return body, nil
}

// doOnce performs a single attempt.
func (c *Client) doOnce(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqURL := c.cfg.BaseURL + endpoint + "?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		class := classifyTransport(err)
		errorsTotal.WithLabelValues(string(class)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		if sentinel := sentinelFor(class); sentinel != nil {
			return nil, fmt.Errorf("%w: %v", sentinel, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.quota.UpdateFromHeaders(ctx, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update quota from headers")
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		class := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("PMS request error")
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    resp.Status,
			Err:        sentinelFor(class),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}
