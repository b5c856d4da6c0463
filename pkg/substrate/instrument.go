package substrate

import (
	"context"

	"github.com/openfroyo/mlpipe/pkg/engine"
	"github.com/openfroyo/mlpipe/pkg/telemetry"
)

// Instrumented wraps a substrate so that every call runs inside a substrate
// span when telemetry is attached to the context.
type Instrumented struct {
	next   engine.Substrate
	driver string
}

var _ engine.Substrate = (*Instrumented)(nil)

// Instrument wraps next. driver names the backend in span attributes.
func Instrument(next engine.Substrate, driver string) *Instrumented {
	return &Instrumented{next: next, driver: driver}
}

// Submit implements engine.Substrate.
func (s *Instrumented) Submit(ctx context.Context, in engine.SubmitInput) (string, error) {
	logger := s.targetLogger(ctx, in.UnitName, in.Environment).WithPipelineID(in.PipelineID)

	var opID string
	err := telemetry.RecordSubstrateOperation(ctx, s.driver, SubjectSubmit, in.UnitName, func(ctx context.Context) error {
		telemetry.SetAttributes(telemetry.SpanFromContext(ctx),
			append(telemetry.EnvironmentAttributes(in.Environment), telemetry.AttrPipelineID.String(in.PipelineID))...)
		var err error
		opID, err = s.next.Submit(ctx, in)
		return err
	})
	if err != nil {
		s.recordFailure(ctx, err)
		logger.WithError(err).Warn("Substrate refused submission")
		return "", err
	}
	logger.WithField("operation_id", opID).Debug("Substrate accepted submission")
	return opID, nil
}

// Describe implements engine.Substrate.
func (s *Instrumented) Describe(ctx context.Context, in engine.DescribeInput) (*engine.OperationStatus, error) {
	var status *engine.OperationStatus
	err := telemetry.RecordSubstrateOperation(ctx, s.driver, SubjectDescribe, in.UnitName, func(ctx context.Context) error {
		telemetry.SetAttributes(telemetry.SpanFromContext(ctx), telemetry.EnvironmentAttributes(in.Environment)...)
		var err error
		status, err = s.next.Describe(ctx, in)
		return err
	})
	if err != nil {
		s.recordFailure(ctx, err)
		s.targetLogger(ctx, in.UnitName, in.Environment).
			WithField("operation_id", in.OperationID).
			WithError(err).
			Debug("Describe failed")
		return nil, err
	}
	return status, nil
}

func (s *Instrumented) targetLogger(ctx context.Context, unitName string, env *engine.EnvironmentRef) *telemetry.Logger {
	logger := telemetry.FromContext(ctx).
		NewComponentLogger("substrate").
		WithField("driver", s.driver).
		WithField("unit", unitName)
	if env != nil {
		logger = logger.WithEnvironment(*env)
	}
	return logger
}

// recordFailure counts err by class and code when telemetry is attached.
func (s *Instrumented) recordFailure(ctx context.Context, err error) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordError(err)
	}
}
