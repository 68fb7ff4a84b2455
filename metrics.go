package prefsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values of the sync counters.
const (
	resultOK         = "ok"
	resultFailed     = "failed"
	resultSuperseded = "superseded"
	resultDiscarded  = "discarded"
)

var (
	flushFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_storage_flush_failures_total",
		Help: "Counter of failed writes of versioned state to persistent storage.",
	})
	pullTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prefsync_pull_total",
		Help: "Counter of favorites list pulls, by result.",
	}, []string{"result"})
	pushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prefsync_push_total",
		Help: "Counter of favorite create/delete pushes, by operation and result.",
	}, []string{"op", "result"})
	reconcileTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_reconcile_total",
		Help: "Counter of completed reconciliations of local and server favorites.",
	})
)
