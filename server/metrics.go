package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prefsync_server_mutations_total",
		Help: "Counter of favorite create/delete requests, by operation and whether a row changed.",
	}, []string{"op", "changed"})
	feedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prefsync_server_feed_subscribers",
		Help: "Number of connected favorites feed subscribers.",
	})
	feedDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_server_feed_dropped_total",
		Help: "Counter of changes not delivered to a lagging feed subscriber.",
	})
)
