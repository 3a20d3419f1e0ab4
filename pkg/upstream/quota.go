package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys for quota state shared across server instances.
const (
	redisKeyQuotaRemaining = "pms:quota:remaining"
	redisKeyQuotaReset     = "pms:quota:reset_timestamp"
)

// Thresholds for quota decisions.
const (
	// QuotaThresholdCritical blocks all requests when the remaining call
	// budget falls below this value, so the site never exhausts the PMS
	// quota outright.
	QuotaThresholdCritical = 3

	// QuotaThresholdWarning marks the state unhealthy and triggers warn
	// logging, without blocking.
	QuotaThresholdWarning = 10
)

var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "availd_pms_quota_remaining",
		Help: "Remaining calls in the current PMS rate limit window",
	})

	quotaBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availd_pms_quota_blocks_total",
		Help: "Total number of requests blocked due to critical PMS quota",
	})
)

// QuotaState represents the PMS call budget shared via Redis.
type QuotaState struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Blocked reports whether requests must be held back until the window resets.
func (s *QuotaState) Blocked(now time.Time) bool {
	if now.After(s.ResetAt) {
		return false
	}
	return s.Remaining < QuotaThresholdCritical
}

// QuotaTracker mirrors the PMS X-RateLimit-* headers into Redis so that
// every server instance gates against the same budget. A nil Redis client
// disables gating, which is the client-runtime configuration.
type QuotaTracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewQuotaTracker creates a quota tracker.
func NewQuotaTracker(redisClient *redis.Client, logger zerolog.Logger) *QuotaTracker {
	return &QuotaTracker{redis: redisClient, logger: logger}
}

// ShouldAllowRequest reports whether a PMS call may be issued now.
func (t *QuotaTracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.state(ctx)
	if err != nil {
		return false, err
	}
	if state == nil {
		return true, nil
	}
	if state.Blocked(time.Now()) {
		quotaBlocksTotal.Inc()
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Request blocked: PMS quota critical")
		return false, nil
	}
	if state.Remaining < QuotaThresholdWarning {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("PMS quota low")
	}
	return true, nil
}

// UpdateFromHeaders parses the PMS rate limit headers and stores the state.
func (t *QuotaTracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	if t.redis == nil {
		return nil
	}

	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil
	}
	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetAt := time.Now().Add(60 * time.Second)
	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		resetSeconds, err := strconv.Atoi(resetStr)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
		resetAt = time.Now().Add(time.Duration(resetSeconds) * time.Second)
	}

	ttl := time.Until(resetAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := t.redis.Set(ctx, redisKeyQuotaRemaining, remain, ttl).Err(); err != nil {
		return fmt.Errorf("store quota remaining: %w", err)
	}
	if err := t.redis.Set(ctx, redisKeyQuotaReset, resetAt.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("store quota reset: %w", err)
	}

	quotaRemaining.Set(float64(remain))
	t.logger.Debug().
		Int("remaining", remain).
		Time("reset_at", resetAt).
		Msg("Updated PMS quota state")

	return nil
}

// state returns the shared quota state, or nil when no state exists yet.
func (t *QuotaTracker) state(ctx context.Context) (*QuotaState, error) {
	if t.redis == nil {
		return nil, nil
	}

	remain, err := t.redis.Get(ctx, redisKeyQuotaRemaining).Int()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota remaining: %w", err)
	}

	resetUnix, err := t.redis.Get(ctx, redisKeyQuotaReset).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get quota reset: %w", err)
	}

	return &QuotaState{
		Remaining: remain,
		ResetAt:   time.Unix(resetUnix, 0),
	}, nil
}
