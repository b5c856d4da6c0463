package engine

import (
	"encoding/json"
	"fmt"
)

// DeploymentStatus represents the lifecycle state of a deployment unit or stackset instance.
type DeploymentStatus string

const (
	// StatusRequested indicates the provisioning request was accepted by the engine
	// but the substrate has not yet acknowledged it.
	StatusRequested DeploymentStatus = "requested"

	// StatusInProgress indicates the substrate accepted the submission and is working on it.
	StatusInProgress DeploymentStatus = "in_progress"

	// StatusSucceeded indicates the substrate reported successful completion.
	StatusSucceeded DeploymentStatus = "succeeded"

	// StatusFailed indicates the submission was rejected or the operation failed.
	StatusFailed DeploymentStatus = "failed"

	// StatusUnknown indicates no definitive outcome was observed within the staleness threshold.
	StatusUnknown DeploymentStatus = "unknown"
)

// IsTerminal returns true if the status is a final outcome reported by the substrate.
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsOutstanding returns true if the status still awaits a definitive outcome.
// Outstanding units are what the reconciler sweeps.
func (s DeploymentStatus) IsOutstanding() bool {
	return s == StatusRequested || s == StatusInProgress || s == StatusUnknown
}

// IsActive returns true while an operation is known to be in flight.
func (s DeploymentStatus) IsActive() bool {
	return s == StatusRequested || s == StatusInProgress
}

// Validate checks if the deployment status is valid.
func (s DeploymentStatus) Validate() error {
	switch s {
	case StatusRequested, StatusInProgress, StatusSucceeded, StatusFailed, StatusUnknown:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// CanTransition reports whether the lifecycle allows moving from s to next.
//
//	requested   -> in_progress | failed
//	in_progress -> succeeded | failed | unknown
//	unknown     -> succeeded | failed | in_progress
//	succeeded   -> in_progress (re-provisioning)
//	failed      -> in_progress (re-provisioning)
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	switch s {
	case StatusRequested:
		return next == StatusInProgress || next == StatusFailed
	case StatusInProgress:
		return next == StatusSucceeded || next == StatusFailed || next == StatusUnknown
	case StatusUnknown:
		return next == StatusSucceeded || next == StatusFailed || next == StatusInProgress
	case StatusSucceeded, StatusFailed:
		return next == StatusInProgress
	default:
		return false
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeploymentStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeploymentStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeploymentStatus(str)
	return s.Validate()
}

// UnitKind distinguishes single-environment units from multi-environment fan-out units.
type UnitKind string

const (
	// UnitKindSingle is one deployment in the engine's home environment.
	UnitKindSingle UnitKind = "single"

	// UnitKindFanout is one stackset deployed to a list of target environments.
	UnitKindFanout UnitKind = "fanout"
)

// Validate checks if the unit kind is valid.
func (k UnitKind) Validate() error {
	switch k {
	case UnitKindSingle, UnitKindFanout:
		return nil
	default:
		return fmt.Errorf("invalid unit kind: %s", k)
	}
}

// SubmissionState is the synchronous acknowledgement of one substrate submission.
type SubmissionState string

const (
	SubmissionAccepted SubmissionState = "accepted"
	SubmissionRejected SubmissionState = "rejected"
)

// FanoutResult summarizes a fan-out across all target environments.
type FanoutResult string

const (
	// FanoutAllAccepted means every target accepted its submission.
	FanoutAllAccepted FanoutResult = "all_accepted"

	// FanoutPartiallyAccepted means at least one target accepted and at least one rejected.
	FanoutPartiallyAccepted FanoutResult = "partially_accepted"

	// FanoutAllRejected means no target accepted its submission.
	FanoutAllRejected FanoutResult = "all_rejected"
)

// Validate checks if the fan-out result is valid.
func (r FanoutResult) Validate() error {
	switch r {
	case FanoutAllAccepted, FanoutPartiallyAccepted, FanoutAllRejected:
		return nil
	default:
		return fmt.Errorf("invalid fanout result: %s", r)
	}
}

// EventType represents the type of lifecycle notification.
type EventType string

const (
	// EventTypeSubmissionAccepted indicates the substrate accepted a provisioning submission.
	EventTypeSubmissionAccepted EventType = "submission_accepted"

	// EventTypeSubmissionRejected indicates the substrate rejected a provisioning submission.
	EventTypeSubmissionRejected EventType = "submission_rejected"

	// EventTypeInstanceSucceeded indicates one fan-out target completed successfully.
	EventTypeInstanceSucceeded EventType = "instance_succeeded"

	// EventTypeInstanceFailed indicates one fan-out target failed.
	EventTypeInstanceFailed EventType = "instance_failed"

	// EventTypePipelineSucceeded indicates the pipeline reached an aggregate success.
	EventTypePipelineSucceeded EventType = "pipeline_succeeded"

	// EventTypePipelineFailed indicates the pipeline reached an aggregate failure.
	EventTypePipelineFailed EventType = "pipeline_failed"

	// EventTypePipelineStale indicates no outcome was observed within the staleness threshold.
	EventTypePipelineStale EventType = "pipeline_stale"

	// EventTypePipelineTerminated indicates an operator terminated the pipeline record.
	EventTypePipelineTerminated EventType = "pipeline_terminated"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeSubmissionRejected, EventTypeInstanceFailed, EventTypePipelineFailed:
		return "error"
	case EventTypePipelineStale, EventTypePipelineTerminated:
		return "warning"
	default:
		return "info"
	}
}

// eventForStatus picks the notification emitted when a target reaches status.
func eventForStatus(status DeploymentStatus, instance bool) EventType {
	switch {
	case status == StatusSucceeded && instance:
		return EventTypeInstanceSucceeded
	case status == StatusFailed && instance:
		return EventTypeInstanceFailed
	case status == StatusSucceeded:
		return EventTypePipelineSucceeded
	case status == StatusFailed:
		return EventTypePipelineFailed
	case status == StatusUnknown:
		return EventTypePipelineStale
	default:
		return EventTypeSubmissionAccepted
	}
}
