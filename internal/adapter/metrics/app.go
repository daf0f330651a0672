package metrics

import "github.com/prometheus/client_golang/prometheus"

// ActionMetrics tracks inbound room actions.
type ActionMetrics struct {
	Total    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewActionMetrics(reg prometheus.Registerer) *ActionMetrics {
	m := &ActionMetrics{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "total",
			Help:      "Total number of handled actions, by action and result kind.",
		}, []string{"action", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "duration_seconds",
			Help:      "Time from receiving an action to finishing its broadcast.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}

	reg.MustRegister(m.Total, m.Duration)
	return m
}

// BroadcastMetrics tracks room fan-out.
type BroadcastMetrics struct {
	Broadcasts   prometheus.Counter
	Rebroadcasts prometheus.Counter
	Kicks        prometheus.Counter
	Recipients   prometheus.Histogram
	Duration     prometheus.Histogram
}

func NewBroadcastMetrics(reg prometheus.Registerer) *BroadcastMetrics {
	m := &BroadcastMetrics{
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "total",
			Help:      "Total number of room broadcasts.",
		}),
		Rebroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "rebroadcasts_total",
			Help:      "Total number of follow-up broadcasts after kicking gone connections.",
		}),
		Kicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "kicks_total",
			Help:      "Total number of users kicked because their connection was gone.",
		}),
		Recipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "recipients",
			Help:      "Number of live connections per broadcast.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "duration_seconds",
			Help:      "Time to fan out one room snapshot to all recipients.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.Broadcasts, m.Rebroadcasts, m.Kicks, m.Recipients, m.Duration)
	return m
}

// SweepMetrics tracks the maintenance sweeper.
type SweepMetrics struct {
	Runs     *prometheus.CounterVec
	Affected *prometheus.CounterVec
	Duration prometheus.Histogram
}

func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	m := &SweepMetrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total number of sweep runs, by status (ok, error, skipped).",
		}, []string{"status"}),
		Affected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "rows_total",
			Help:      "Total number of rows deleted or reset, by pass.",
		}, []string{"pass"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of a full sweep.",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		}),
	}

	reg.MustRegister(m.Runs, m.Affected, m.Duration)
	return m
}

// ErrorMetrics counts errors reported to clients.
type ErrorMetrics struct {
	Total *prometheus.CounterVec
}

func NewErrorMetrics(reg prometheus.Registerer) *ErrorMetrics {
	m := &ErrorMetrics{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors reported to clients, by kind and surface (http, websocket).",
		}, []string{"kind", "surface"}),
	}

	reg.MustRegister(m.Total)
	return m
}
