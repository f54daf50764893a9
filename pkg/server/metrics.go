package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics
// disables instrumentation; all call sites check for nil.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionsResumed  prometheus.Counter
	SessionsEvicted  prometheus.Counter
	EventsReceived   prometheus.Counter
	EventsProcessed  prometheus.Counter
	EventsDropped    prometheus.Counter
	DeltasSent       prometheus.Counter
	HandlerPanics    prometheus.Counter
	TasksStarted     prometheus.Counter
	EventDuration    prometheus.Histogram
	SnapshotFailures prometheus.Counter
}

// NewMetrics creates and registers the server collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ripple_sessions_active",
			Help: "Number of live sessions, attached or detached.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_sessions_created_total",
			Help: "Total sessions created.",
		}),
		SessionsResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_sessions_resumed_total",
			Help: "Total sessions resumed after a disconnect.",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_sessions_evicted_total",
			Help: "Total sessions evicted by limits or expiry.",
		}),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_events_received_total",
			Help: "Total events accepted onto session queues.",
		}),
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_events_processed_total",
			Help: "Total events run through a regular handler.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_events_dropped_total",
			Help: "Total events dropped because a queue was full.",
		}),
		DeltasSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_deltas_sent_total",
			Help: "Total state deltas pushed to clients.",
		}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_handler_panics_total",
			Help: "Total panics recovered from event handlers.",
		}),
		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_background_tasks_started_total",
			Help: "Total background tasks started.",
		}),
		EventDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ripple_event_duration_seconds",
			Help:    "Time spent per regular handler, including lock wait.",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ripple_snapshot_failures_total",
			Help: "Total failed snapshot persistence attempts.",
		}),
	}
}
