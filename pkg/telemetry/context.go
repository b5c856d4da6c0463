package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one mlpipe process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds all three signals.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer serves metrics on their own listener until ctx is done.
// It returns immediately and does nothing when metrics are disabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.Zerolog())
}

// InstrumentedContext is one traced, timed and logged operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation starts a span named operation when telemetry is in ctx. The
// returned logger carries the operation name and the trace and span IDs.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	logger := FromContext(ctx).WithField("operation", operation)
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{Ctx: ctx, Logger: logger, Timer: NewTimer()}
	}

	ctx, span := tel.Tracer.Start(ctx, operation, attrs...)
	if id := TraceID(ctx); id != "" {
		logger = logger.WithField("trace_id", id).WithField("span_id", SpanID(ctx))
	}
	return &InstrumentedContext{
		Ctx:    logger.WithContext(ctx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End closes the span. A failed operation is counted by error class and code
// and logged with its duration.
func (ic *InstrumentedContext) End(err error) {
	if err != nil {
		if tel := FromTelemetryContext(ic.Ctx); tel != nil {
			tel.Metrics.RecordError(err)
		}
		ic.Logger.WithError(err).WithField("duration", ic.Timer.Duration().String()).Debug("Operation failed")
	}
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// WithPipelineContext returns ctx with a logger carrying the non-empty
// pipeline and request identifiers.
func WithPipelineContext(ctx context.Context, pipelineID, pipelineType, requestID string) context.Context {
	logger := FromContext(ctx)
	if pipelineID != "" {
		logger = logger.WithPipelineID(pipelineID)
	}
	if pipelineType != "" {
		logger = logger.WithPipelineType(pipelineType)
	}
	if requestID != "" {
		logger = logger.WithRequestID(requestID)
	}
	return logger.WithContext(ctx)
}

// RecordSubstrateOperation runs fn inside a substrate span when telemetry is
// in ctx, and runs it bare otherwise.
func RecordSubstrateOperation(ctx context.Context, driver, operation, unitName string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartSubstrateSpan(ctx, driver, operation, unitName)
	defer span.End()

	if err := fn(ctx); err != nil {
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}
