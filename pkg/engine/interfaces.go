package engine

import (
	"context"
	"time"
)

// Substrate is the external provisioning system that materializes deployment units.
// Submit returns synchronously with an operation ID once the substrate accepts the
// request; completion is reported later through Describe or a SignalSource.
type Substrate interface {
	// Submit creates or updates a deployment unit. A returned error is a rejection.
	Submit(ctx context.Context, in SubmitInput) (operationID string, err error)

	// Describe returns the current status of a previously submitted operation.
	Describe(ctx context.Context, in DescribeInput) (*OperationStatus, error)
}

// SignalSource streams asynchronous completion signals from the substrate.
type SignalSource interface {
	// Signals returns a channel of completion signals. The channel is closed
	// when ctx is done or the source shuts down.
	Signals(ctx context.Context) (<-chan CompletionSignal, error)
}

// RecordStore persists pipeline records.
type RecordStore interface {
	// GetRecord returns a copy of the record. Returns ErrPipelineNotFound if absent.
	GetRecord(ctx context.Context, pipelineID string) (*PipelineRecord, error)

	// CreateRecord inserts a new record at version 1.
	// Returns ErrPipelineAlreadyExists if the ID is taken.
	CreateRecord(ctx context.Context, rec *PipelineRecord) error

	// UpdateRecord replaces the record if its stored version equals expectedVersion,
	// then sets rec.Version to expectedVersion+1. Returns ErrVersionConflict otherwise.
	UpdateRecord(ctx context.Context, rec *PipelineRecord, expectedVersion int64) error

	// ListRecords returns records matching the filter ordered by pipeline ID.
	ListRecords(ctx context.Context, filter PipelineFilter) ([]*PipelineRecord, error)
}

// LockManager provides per-pipeline mutual exclusion.
type LockManager interface {
	// TryLock acquires the lock for pipelineID without blocking. It returns false
	// if another holder owns an unexpired lock.
	TryLock(ctx context.Context, pipelineID, holder string, ttl time.Duration) (bool, error)

	// Unlock releases the lock if holder owns it.
	Unlock(ctx context.Context, pipelineID, holder string) error
}

// Notifier delivers lifecycle notifications. Emit must not block the caller
// on delivery and never fails the originating operation.
type Notifier interface {
	Emit(ctx context.Context, n Notification)
}

// PolicyEvaluator checks admission policies before any substrate call.
type PolicyEvaluator interface {
	EvaluateRequest(ctx context.Context, req *PipelineRequest, bp *Blueprint) (*PolicyDecision, error)
}

// ParameterValidator runs schema validation over a full parameter map.
// Errors should be InvalidParameterValue or MissingParameter engine errors.
type ParameterValidator interface {
	ValidateParameters(definition string, params map[string]string) error
}

// ParameterMapper derives substrate template parameters from request parameters.
// env is nil for single-environment units.
type ParameterMapper interface {
	TemplateParameters(ctx context.Context, bp *Blueprint, params map[string]string, env *EnvironmentRef) (map[string]string, error)
}

// MetricsRecorder receives engine measurements. Implementations must be safe
// for concurrent use.
type MetricsRecorder interface {
	RecordProvisioning(pipelineType, result string, duration time.Duration)
	RecordSubmission(kind UnitKind, state SubmissionState, duration time.Duration)
	RecordFanout(result FanoutResult, targets int)
	RecordTransition(from, to DeploymentStatus)
	RecordLockContention()
	RecordVersionConflict()
	RecordReconcileSweep(outstanding int, duration time.Duration)
	RecordDescribeError()
}

type noopMetrics struct{}

func (noopMetrics) RecordProvisioning(string, string, time.Duration) {}
func (noopMetrics) RecordSubmission(UnitKind, SubmissionState, time.Duration) {}
func (noopMetrics) RecordFanout(FanoutResult, int) {}
func (noopMetrics) RecordTransition(DeploymentStatus, DeploymentStatus) {}
func (noopMetrics) RecordLockContention() {}
func (noopMetrics) RecordVersionConflict() {}
func (noopMetrics) RecordReconcileSweep(int, time.Duration) {}
func (noopMetrics) RecordDescribeError() {}

type noopNotifier struct{}

func (noopNotifier) Emit(context.Context, Notification) {}
