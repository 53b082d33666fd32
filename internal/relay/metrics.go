package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox rows successfully published, by category.",
	}, []string{"category"})

	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Failed publish attempts, by category.",
	}, []string{"category"})

	sweepClaimed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_sweep_claimed",
		Help:    "Rows claimed per sweep.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 7),
	})
)
