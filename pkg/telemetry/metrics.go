package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the management plane.
// A nil *Metrics, or one built with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Task execution metrics
	tasksSubmitted prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	tasksQueued    prometheus.Gauge

	// Sensor bus metrics
	sensorPublishes   prometheus.Counter
	sensorDeliveries  prometheus.Counter
	sensorSuppressed  prometheus.Counter
	subscriptionsLive prometheus.Gauge

	// Adjunct metrics
	adjunctAttachments *prometheus.CounterVec
	transformErrors    *prometheus.CounterVec

	// Reference resolution metrics
	resolutions        *prometheus.CounterVec
	resolutionAttempts prometheus.Histogram

	// Graph metrics
	nodesManaged       prometheus.Gauge
	deployments        *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of units of work submitted to node execution contexts",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of units of work finished, by outcome",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of units of work in seconds",
			Buckets:   buckets,
		}),
		tasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Units of work waiting in node queues",
		}),

		sensorPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_publishes_total",
			Help:      "Total number of sensor values published",
		}),
		sensorDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_deliveries_total",
			Help:      "Total number of sensor events delivered to subscribers",
		}),
		sensorSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_publishes_suppressed_total",
			Help:      "Publishes that did not notify because the value was unchanged",
		}),
		subscriptionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Current number of active sensor subscriptions",
		}),

		adjunctAttachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjunct_attachments_total",
			Help:      "Enricher and policy attachments, by kind and outcome",
		}, []string{"kind", "status"}),
		transformErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_errors_total",
			Help:      "Enricher computations that failed for a single event",
		}, []string{"adjunct_type"}),

		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_resolutions_total",
			Help:      "Deferred reference resolutions, by outcome",
		}, []string{"status"}),
		resolutionAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reference_resolution_attempts",
			Help:      "Attempts needed per deferred reference resolution",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),

		nodesManaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_managed",
			Help:      "Current number of managed nodes",
		}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Blueprint deployments, by final status",
		}, []string{"status"}),
		deploymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Time to materialize and start a blueprint",
			Buckets:   buckets,
		}, []string{"status"}),

		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_code_total",
			Help:      "Total number of classified errors by code",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.tasksSubmitted,
		m.tasksCompleted,
		m.taskDuration,
		m.tasksQueued,
		m.sensorPublishes,
		m.sensorDeliveries,
		m.sensorSuppressed,
		m.subscriptionsLive,
		m.adjunctAttachments,
		m.transformErrors,
		m.resolutions,
		m.resolutionAttempts,
		m.nodesManaged,
		m.deployments,
		m.deploymentDuration,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Task Metrics

// RecordTaskSubmitted counts a newly queued unit of work.
func (m *Metrics) RecordTaskSubmitted() {
	if !m.enabled() {
		return
	}
	m.tasksSubmitted.Inc()
	m.tasksQueued.Inc()
}

// RecordTaskStarted moves a unit of work out of the queued gauge.
func (m *Metrics) RecordTaskStarted() {
	if !m.enabled() {
		return
	}
	m.tasksQueued.Dec()
}

// RecordTaskCompleted records the outcome and run time of a unit of work.
func (m *Metrics) RecordTaskCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksCompleted.WithLabelValues(status).Inc()
	m.taskDuration.Observe(duration.Seconds())
}

// RecordTaskCancelled records a unit of work cancelled before it started.
func (m *Metrics) RecordTaskCancelled() {
	if !m.enabled() {
		return
	}
	m.tasksCompleted.WithLabelValues("cancelled").Inc()
	m.tasksQueued.Dec()
}

// Sensor Metrics

// RecordSensorPublish counts a published sensor value.
func (m *Metrics) RecordSensorPublish(suppressed bool) {
	if !m.enabled() {
		return
	}
	m.sensorPublishes.Inc()
	if suppressed {
		m.sensorSuppressed.Inc()
	}
}

// RecordSensorDelivery counts an event handed to a subscriber callback.
func (m *Metrics) RecordSensorDelivery() {
	if !m.enabled() {
		return
	}
	m.sensorDeliveries.Inc()
}

// AddSubscriptions adjusts the live subscription gauge.
func (m *Metrics) AddSubscriptions(delta int) {
	if !m.enabled() {
		return
	}
	m.subscriptionsLive.Add(float64(delta))
}

// Adjunct Metrics

// RecordAdjunctAttachment records an enricher or policy attachment outcome.
func (m *Metrics) RecordAdjunctAttachment(kind, status string) {
	if !m.enabled() {
		return
	}
	m.adjunctAttachments.WithLabelValues(kind, status).Inc()
}

// RecordTransformError records an enricher computation failure.
func (m *Metrics) RecordTransformError(adjunctType string) {
	if !m.enabled() {
		return
	}
	m.transformErrors.WithLabelValues(adjunctType).Inc()
}

// Reference Metrics

// RecordResolution records a deferred reference outcome and the attempts it took.
func (m *Metrics) RecordResolution(status string, attempts int) {
	if !m.enabled() {
		return
	}
	m.resolutions.WithLabelValues(status).Inc()
	m.resolutionAttempts.Observe(float64(attempts))
}

// Graph Metrics

// AddManagedNodes adjusts the managed node gauge.
func (m *Metrics) AddManagedNodes(delta int) {
	if !m.enabled() {
		return
	}
	m.nodesManaged.Add(float64(delta))
}

// RecordDeployment records a finished deployment.
func (m *Metrics) RecordDeployment(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.deployments.WithLabelValues(status).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordError records a classified error by code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics and returns it so
// the caller can shut it down.
func (m *Metrics) StartMetricsServer() *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server
}
