package upstream

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availd_upstream_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "availd_upstream_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availd_upstream_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the first backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry policy: one initial attempt
// plus two retries, backoff doubling from 1s capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retryWithBackoff executes fn with exponential backoff. classify is called
// on each failure to decide whether the error is transient; non-retriable
// errors return immediately. Jitter prevents synchronized retries from the
// many callers a single-flight miss fans back out to.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, fn func() error, classify func(error) ErrorClass) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	var lastClass ErrorClass
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Upstream call succeeded after retry")
			}
			return nil
		}

		lastErr = err
		lastClass = classify(err)

		if !shouldRetry(lastClass) {
			return lastErr
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(lastClass)).Inc()

		// ±20% jitter.
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.WithLabelValues(string(lastClass)).Observe(jitter.Seconds())

		logger.Debug().
			Str("error_class", string(lastClass)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying upstream call after backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Warn().
		Str("error_class", string(lastClass)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Upstream retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}
