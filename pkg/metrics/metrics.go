package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Queue engine metrics
	QueueAdvances        *prometheus.CounterVec
	QueueAbsences        *prometheus.CounterVec
	QueueStaleWrites     prometheus.Counter
	QueueDurationSamples *prometheus.CounterVec
	QueueAvgDuration     *prometheus.GaugeVec
	QueueVisitUpdates    *prometheus.CounterVec

	// Realtime metrics
	RealtimeSubscribers     prometheus.Gauge
	RealtimeEventsPublished *prometheus.CounterVec
	RealtimeEventsDropped   prometheus.Counter

	// Background jobs
	WorkerJobs *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.HistogramVec

	// Redis metrics
	RedisOperations *prometheus.CounterVec
	RedisLatency    *prometheus.HistogramVec
}

// NewMetrics creates all application metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QueueAdvances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "advances_total",
			Help:      "Total number of queue advancement attempts by result",
		}, []string{"result"}),
		QueueAbsences: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "absences_total",
			Help:      "Total number of appointments marked absent",
		}, []string{"auto_advanced"}),
		QueueStaleWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "stale_writes_total",
			Help:      "Total number of queue state commits rejected by the version check",
		}),
		QueueDurationSamples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "duration_samples_total",
			Help:      "Observed visit durations by whether the estimator accepted them",
		}, []string{"accepted"}),
		QueueAvgDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "avg_duration_minutes",
			Help:      "Current rolling visit duration estimate per doctor",
		}, []string{"doctor_id"}),
		QueueVisitUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "visit_updates_total",
			Help:      "Appointment status transitions made through the queue",
		}, []string{"status"}),

		RealtimeSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Current number of connected websocket clients",
		}),
		RealtimeEventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_published_total",
			Help:      "Total number of queue events published",
		}, []string{"type"}),
		RealtimeEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Events not enqueued because a client buffer was full",
		}),

		WorkerJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Background jobs by name and outcome",
		}, []string{"job", "result"}),

		HTTPRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status"}),

		RedisOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Total number of Redis operations",
		}, []string{"operation", "status"}),
		RedisLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"operation"}),
	}
}

// NewTest returns metrics bound to a private registry.
func NewTest() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "test")
}
