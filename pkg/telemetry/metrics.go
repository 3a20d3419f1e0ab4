package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheEventsTotal tracks every recorded event by tier and outcome.
	cacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "availd_cache_events_total",
			Help: "Total cache events by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// tierLatencySeconds tracks observed operation latency by tier.
	tierLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "availd_tier_latency_seconds",
			Help:    "Operation latency by tier",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"tier"},
	)

	// telemetryDropped counts events discarded because the buffer was full.
	telemetryDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "availd_telemetry_dropped_total",
			Help: "Telemetry events dropped due to a full buffer",
		},
	)
)

func observeEvent(ev Event) {
	cacheEventsTotal.WithLabelValues(string(ev.Tier), string(ev.Outcome)).Inc()
	if ev.Latency > 0 {
		tierLatencySeconds.WithLabelValues(string(ev.Tier)).Observe(ev.Latency.Seconds())
	}
}
