package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// Metrics provides Prometheus metrics for mlpipe. It implements
// engine.MetricsRecorder; a Metrics built with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Provisioning metrics
	provisioningRequests *prometheus.CounterVec
	provisioningDuration *prometheus.HistogramVec

	// Substrate submission metrics
	submissions        *prometheus.CounterVec
	submissionDuration *prometheus.HistogramVec
	fanouts            *prometheus.CounterVec
	fanoutTargets      prometheus.Histogram

	// Lifecycle metrics
	transitions      *prometheus.CounterVec
	lockContention   prometheus.Counter
	versionConflicts prometheus.Counter

	// Reconciler metrics
	outstandingPipelines prometheus.Gauge
	sweepDuration        prometheus.Histogram
	describeErrors       prometheus.Counter

	// Notification metrics
	notifications        *prometheus.CounterVec
	notificationsDropped prometheus.Counter

	// Policy metrics
	policyDecisions *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.LatencyBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		provisioningRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_requests_total",
				Help:      "Total number of provisioning requests by pipeline type and result",
			},
			[]string{"pipeline_type", "result"},
		),
		provisioningDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioning_duration_seconds",
				Help:      "Duration of provisioning requests in seconds",
				Buckets:   buckets,
			},
			[]string{"pipeline_type"},
		),

		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "substrate_submissions_total",
				Help:      "Total number of substrate submissions by unit kind and acknowledgement",
			},
			[]string{"kind", "state"},
		),
		submissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "substrate_submission_duration_seconds",
				Help:      "Duration of substrate submissions in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		fanouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanouts_total",
				Help:      "Total number of multi-environment submissions by aggregate result",
			},
			[]string{"result"},
		),
		fanoutTargets: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fanout_targets",
				Help:      "Number of target environments per multi-environment submission",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Total number of deployment status transitions",
			},
			[]string{"from", "to"},
		),
		lockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of provisioning requests refused by a held pipeline lock",
			},
		),
		versionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "version_conflicts_total",
				Help:      "Total number of optimistic concurrency conflicts on pipeline records",
			},
		),

		outstandingPipelines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outstanding_pipelines",
				Help:      "Pipelines awaiting a definitive outcome at the last reconcile sweep",
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_sweep_duration_seconds",
				Help:      "Duration of reconcile sweeps in seconds",
				Buckets:   buckets,
			},
		),
		describeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "describe_errors_total",
				Help:      "Total number of failed substrate describe calls",
			},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notification deliveries by sink and result",
			},
			[]string{"sink", "result"},
		),
		notificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Total number of notifications dropped because the buffer was full",
			},
		),

		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of admission policy decisions",
			},
			[]string{"decision"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of API requests in seconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),
	}

	registry.MustRegister(
		m.provisioningRequests,
		m.provisioningDuration,
		m.submissions,
		m.submissionDuration,
		m.fanouts,
		m.fanoutTargets,
		m.transitions,
		m.lockContention,
		m.versionConflicts,
		m.outstandingPipelines,
		m.sweepDuration,
		m.describeErrors,
		m.notifications,
		m.notificationsDropped,
		m.policyDecisions,
		m.errorsByClass,
		m.errorsByCode,
		m.httpRequests,
		m.httpDuration,
	)

	return m, nil
}

// Provisioning Metrics

// RecordProvisioning records a handled provisioning request.
func (m *Metrics) RecordProvisioning(pipelineType, result string, duration time.Duration) {
	if m.provisioningRequests == nil {
		return
	}
	m.provisioningRequests.WithLabelValues(pipelineType, result).Inc()
	m.provisioningDuration.WithLabelValues(pipelineType).Observe(duration.Seconds())
}

// RecordSubmission records one substrate submission and its acknowledgement.
func (m *Metrics) RecordSubmission(kind engine.UnitKind, state engine.SubmissionState, duration time.Duration) {
	if m.submissions == nil {
		return
	}
	m.submissions.WithLabelValues(string(kind), string(state)).Inc()
	m.submissionDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// RecordFanout records the aggregate result of a multi-environment submission.
func (m *Metrics) RecordFanout(result engine.FanoutResult, targets int) {
	if m.fanouts == nil {
		return
	}
	m.fanouts.WithLabelValues(string(result)).Inc()
	m.fanoutTargets.Observe(float64(targets))
}

// Lifecycle Metrics

// RecordTransition records a deployment status transition.
func (m *Metrics) RecordTransition(from, to engine.DeploymentStatus) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordLockContention counts a request refused by a held pipeline lock.
func (m *Metrics) RecordLockContention() {
	if m.lockContention == nil {
		return
	}
	m.lockContention.Inc()
}

// RecordVersionConflict counts a lost optimistic-concurrency race.
func (m *Metrics) RecordVersionConflict() {
	if m.versionConflicts == nil {
		return
	}
	m.versionConflicts.Inc()
}

// Reconciler Metrics

// RecordReconcileSweep records one reconciler pass.
func (m *Metrics) RecordReconcileSweep(outstanding int, duration time.Duration) {
	if m.outstandingPipelines == nil {
		return
	}
	m.outstandingPipelines.Set(float64(outstanding))
	m.sweepDuration.Observe(duration.Seconds())
}

// RecordDescribeError counts a failed substrate describe call.
func (m *Metrics) RecordDescribeError() {
	if m.describeErrors == nil {
		return
	}
	m.describeErrors.Inc()
}

// Notification Metrics

// RecordNotification records one delivery attempt outcome for a sink.
func (m *Metrics) RecordNotification(sink string, delivered bool) {
	if m.notifications == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

// RecordNotificationDropped counts a notification dropped on a full buffer.
func (m *Metrics) RecordNotificationDropped() {
	if m.notificationsDropped == nil {
		return
	}
	m.notificationsDropped.Inc()
}

// RecordPolicyDecision records an admission decision.
func (m *Metrics) RecordPolicyDecision(allowed bool) {
	if m.policyDecisions == nil {
		return
	}
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

// Error Metrics

// RecordError records an engine error by class and code. Other errors count
// as internal.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		m.errorsByClass.WithLabelValues(string(engine.ErrorClassPermanent)).Inc()
		m.errorsByCode.WithLabelValues(engine.ErrCodeInternal).Inc()
		return
	}
	m.errorsByClass.WithLabelValues(string(engErr.Class)).Inc()
	if engErr.Code != "" {
		m.errorsByCode.WithLabelValues(engErr.Code).Inc()
	}
}

// HTTP Metrics

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(route string, code int, duration time.Duration) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, http.StatusText(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The server is
// shut down when ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
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
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
