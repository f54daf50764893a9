package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ripple-frame/ripple/pkg/server"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default "ripple").
	Namespace string

	// Subsystem is the metrics subsystem (default "").
	Subsystem string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Buckets for the handler duration histogram
	// (default prometheus.DefBuckets).
	Buckets []float64

	// Registry registers the metrics (default prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// WithBuckets sets the duration histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registerer.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

type handlerMetrics struct {
	handledTotal    *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec
}

func newHandlerMetrics(config MetricsConfig) *handlerMetrics {
	factory := promauto.With(config.Registry)

	return &handlerMetrics{
		handledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handled_events_total",
			Help:        "Events handled, by event name and status.",
			ConstLabels: config.ConstLabels,
		}, []string{"event", "status"}),

		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handler_duration_seconds",
			Help:        "Handler execution time in seconds, by event name.",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"event"}),

		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handler_errors_total",
			Help:        "Handler errors, by event name.",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),
	}
}

// Prometheus returns middleware that records per-event counters and a
// duration histogram:
//
//	<namespace>_handled_events_total{event, status}
//	<namespace>_handler_duration_seconds{event}
//	<namespace>_handler_errors_total{event}
//
// The event name is the only high-cardinality label; names come from the
// handler registry, not from clients, so cardinality stays bounded.
//
// Expose the registry with promhttp in your mux:
//
//	mux.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) server.Middleware {
	config := MetricsConfig{
		Namespace: "ripple",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	m := newHandlerMetrics(config)

	return func(c *server.Ctx, next func() error) error {
		start := time.Now()
		err := next()
		event := c.Name()

		m.handlerDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())

		status := "ok"
		if err != nil {
			status = "error"
			m.handlerErrors.WithLabelValues(event).Inc()
		}
		m.handledTotal.WithLabelValues(event, status).Inc()

		return err
	}
}
