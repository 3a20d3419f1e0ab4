package invalidation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	channelConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "availd_channel_connections",
		Help: "Currently open invalidation channel connections",
	})

	channelEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availd_channel_events_received_total",
		Help: "Invalidation events received by the client, by type",
	}, []string{"type"})

	channelReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availd_channel_reconnects_total",
		Help: "Reconnection attempts made by the invalidation client",
	})

	channelDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "availd_channel_degraded",
		Help: "1 while the invalidation client is disconnected and caches run TTL-only",
	})
)
