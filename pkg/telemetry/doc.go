// Package telemetry provides logging, tracing and metrics for mlpipe.
//
// Structured logging uses zerolog, traces use OpenTelemetry and metrics are
// Prometheus collectors on a private registry. Lifecycle notifications are
// not part of this package; see package notify.
//
// # Usage
//
// Initialize telemetry at startup and attach it to the root context:
//
//	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//
// The engine components take tel.Logger.Zerolog() and use tel.Metrics as
// their engine.MetricsRecorder, notify.Recorder, policy.DecisionRecorder and
// api.RequestRecorder.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("coordinator")
//	logger.WithPipelineID(id).WithEnvironment(env).Info("Submission accepted")
//
//	ctx = telemetry.WithPipelineContext(ctx, pipelineID, pipelineType, requestID)
//	telemetry.FromContext(ctx).Info("Provisioning")
//
// Log levels: trace, debug, info, warn, error, fatal. Formats: console, json.
//
// # Tracing
//
// NewTracer installs the global tracer provider, so spans started with
// otel.Tracer anywhere in the process are exported. Exporters: otlp (gRPC),
// stdout and none. The engine starts provision, fanout and reconcile.sweep
// spans; substrate calls are wrapped with RecordSubstrateOperation:
//
//	err := telemetry.RecordSubstrateOperation(ctx, "nats", "submit", unit, func(ctx context.Context) error {
//	    opID, err = client.Submit(ctx, in)
//	    return err
//	})
//
// RecordError tags engine errors with their class and code.
//
// # Metrics
//
// Metrics are registered under the configured namespace (default mlpipe):
//
//	provisioning_requests_total{pipeline_type,result}
//	provisioning_duration_seconds{pipeline_type}
//	substrate_submissions_total{kind,state}
//	fanouts_total{result}, fanout_targets
//	status_transitions_total{from,to}
//	lock_contention_total, version_conflicts_total
//	outstanding_pipelines, reconcile_sweep_duration_seconds, describe_errors_total
//	notifications_total{sink,result}, notifications_dropped_total
//	policy_decisions_total{decision}
//	errors_by_class_total, errors_by_code_total
//	http_requests_total{route,code}, http_request_duration_seconds{route}
//
// Handler serves the registry; StartMetricsServer runs it on its own
// listener when metrics are enabled.
//
// # Operations
//
// StartOperation bundles a span, a logger carrying the trace and span IDs
// and a timer:
//
//	op := telemetry.StartOperation(ctx, "cli.provision", telemetry.AttrPipelineType.String(t))
//	out, err := coordinator.Handle(op.Ctx, raw)
//	op.End(err)
package telemetry
