package querycache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queryCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availd_querycache_hits_total",
		Help: "Query cache hits, by freshness at serve time",
	}, []string{"freshness"})

	queryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availd_querycache_misses_total",
		Help: "Query cache misses",
	})

	queryCacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availd_querycache_evictions_total",
		Help: "Query cache evictions, by cause",
	}, []string{"cause"})

	queryCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "availd_querycache_entries",
		Help: "Entries currently held by the query cache",
	})

	queryCacheDiscardedWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availd_querycache_discarded_writes_total",
		Help: "Fetch results discarded because an invalidation superseded them in flight",
	})

	prefetchScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availd_prefetch_scheduled_total",
		Help: "Adjacent-month prefetches scheduled",
	})

	prefetchSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availd_prefetch_skipped_total",
		Help: "Scheduled prefetches skipped because the entry was already fresh",
	})
)
