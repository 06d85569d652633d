package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TicksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qamd_ticks_received_total",
		Help: "Total depth market data ticks received from upstream feeds.",
	})

	PublishDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qamd_cache_publish_dropped_total",
		Help: "Quote cache publishes dropped due to capacity.",
	})

	PublishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "qamd_cache_publish_seconds",
		Help:    "Quote cache publish latency on the upstream callback path.",
		Buckets: prometheus.ExponentialBuckets(1e-7, 10, 8),
	})

	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qamd_frames_sent_total",
		Help: "Total frames enqueued to client sessions.",
	})

	PeekDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "qamd_peek_seconds",
		Help:    "peek_message processing latency.",
		Buckets: prometheus.ExponentialBuckets(1e-5, 10, 6),
	})

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qamd_upstream_connections_active",
		Help: "Upstream connections currently logged in.",
	})

	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qamd_sessions_open",
		Help: "Open client sessions.",
	})

	TotalSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qamd_subscriptions_total",
		Help: "Instruments with at least one requesting session.",
	})
)

func Init() {
	prometheus.MustRegister(TicksReceived)
	prometheus.MustRegister(PublishDropped)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(FramesSent)
	prometheus.MustRegister(PeekDuration)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(OpenSessions)
	prometheus.MustRegister(TotalSubscriptions)
}
