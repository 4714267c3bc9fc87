package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dinobot22/mineru-tianshu/store"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tianshu_tasks_submitted_total",
			Help: "Total number of tasks accepted for processing",
		},
		[]string{"backend"},
	)

	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tianshu_tasks_claimed_total",
		Help: "Total number of successful worker claims",
	})

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tianshu_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"backend"},
	)

	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tianshu_tasks_failed_total",
			Help: "Total number of task failures",
		},
		[]string{"backend", "kind"},
	)

	TasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tianshu_tasks_cancelled_total",
		Help: "Total number of tasks cancelled by users",
	})

	StaleResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tianshu_stale_resets_total",
		Help: "Total number of stale processing tasks recovered",
	})

	TasksPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tianshu_tasks_purged_total",
		Help: "Total number of terminal tasks removed by retention cleanup",
	})

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tianshu_queue_depth",
			Help: "Current number of tasks per status",
		},
		[]string{"status"},
	)

	ParseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tianshu_parse_duration_seconds",
			Help:    "Engine parse duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"backend"},
	)
)

// SetQueueDepth refreshes the per-status gauges from a stats snapshot.
func SetQueueDepth(st *store.Stats) {
	QueueDepth.WithLabelValues(string(store.StatusPending)).Set(float64(st.Pending))
	QueueDepth.WithLabelValues(string(store.StatusProcessing)).Set(float64(st.Processing))
	QueueDepth.WithLabelValues(string(store.StatusCompleted)).Set(float64(st.Completed))
	QueueDepth.WithLabelValues(string(store.StatusFailed)).Set(float64(st.Failed))
	QueueDepth.WithLabelValues(string(store.StatusCancelled)).Set(float64(st.Cancelled))
}
