package engine

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// RawRequest is an unvalidated provisioning request as received from a client.
type RawRequest struct {
	// RequestID is an optional caller-supplied correlation ID. One is generated when empty.
	RequestID string `json:"request_id,omitempty" yaml:"request_id,omitempty"`

	// PipelineID is an optional explicit pipeline identifier. When empty the ID is
	// derived from the pipeline type, option and key parameters.
	PipelineID string `json:"pipeline_id,omitempty" yaml:"pipeline_id,omitempty" validate:"omitempty,pipelineid"`

	// PipelineType names the pipeline family, e.g. "realtime-inference".
	PipelineType string `json:"pipeline_type" yaml:"pipeline_type" validate:"required"`

	// Option selects a variant of the pipeline type. The type's default option is used when empty.
	Option string `json:"option,omitempty" yaml:"option,omitempty"`

	// Parameters are the pipeline parameters as string key/value pairs.
	Parameters map[string]string `json:"parameters" yaml:"parameters"`

	// TargetEnvironments lists the environments to deploy to. Empty means a
	// single deployment in the engine's home environment.
	TargetEnvironments []EnvironmentRef `json:"target_environments,omitempty" yaml:"target_environments,omitempty" validate:"omitempty,dive"`

	// IsUpdate marks the request as an update of an existing pipeline.
	IsUpdate bool `json:"is_update,omitempty" yaml:"is_update,omitempty"`
}

// EnvironmentRef identifies one target environment by account and region.
type EnvironmentRef struct {
	// AccountID is the numeric cloud account identifier.
	AccountID string `json:"account_id" yaml:"account_id" validate:"required,number,max=12"`

	// Region is the cloud region, e.g. "us-east-1".
	Region string `json:"region" yaml:"region" validate:"required,awsregion"`
}

// String returns the environment as "account/region".
func (e EnvironmentRef) String() string {
	return e.AccountID + "/" + e.Region
}

// PipelineRequest is a validated, normalized provisioning request.
// It is only produced by the Validator.
type PipelineRequest struct {
	RequestID          string            `json:"request_id"`
	PipelineID         string            `json:"pipeline_id,omitempty"`
	PipelineType       string            `json:"pipeline_type"`
	Option             string            `json:"option"`
	Parameters         map[string]string `json:"parameters"`
	TargetEnvironments []EnvironmentRef  `json:"target_environments,omitempty"`
	IsUpdate           bool              `json:"is_update"`
}

// IsFanout reports whether the request deploys to explicit target environments.
func (r *PipelineRequest) IsFanout() bool {
	return len(r.TargetEnvironments) > 0
}

// Kind returns the deployment unit kind this request produces.
func (r *PipelineRequest) Kind() UnitKind {
	if r.IsFanout() {
		return UnitKindFanout
	}
	return UnitKindSingle
}

// ParameterKind names the constraint applied to a parameter value.
type ParameterKind string

const (
	ParamKindText         ParameterKind = "text"
	ParamKindIdentifier   ParameterKind = "identifier"
	ParamKindS3URI        ParameterKind = "s3_uri"
	ParamKindARN          ParameterKind = "arn"
	ParamKindImageURI     ParameterKind = "image_uri"
	ParamKindInstanceType ParameterKind = "instance_type"
	ParamKindInteger      ParameterKind = "integer"
	ParamKindBoolean      ParameterKind = "boolean"
	ParamKindSchedule     ParameterKind = "schedule"
	ParamKindEnum         ParameterKind = "enum"
)

// ParameterSpec describes one parameter accepted by a blueprint.
type ParameterSpec struct {
	// Name is the parameter key as supplied in requests.
	Name string `json:"name" yaml:"name"`

	// Kind selects the value constraint.
	Kind ParameterKind `json:"kind" yaml:"kind"`

	// Required parameters must be present and non-empty unless a Default is set.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Default is filled in when the parameter is absent.
	Default string `json:"default,omitempty" yaml:"default,omitempty"`

	// Allowed lists the permitted values for ParamKindEnum.
	Allowed []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`

	// Description is shown by the blueprint listing.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ParameterSchema is the ordered parameter list of a blueprint.
type ParameterSchema struct {
	Parameters []ParameterSpec `json:"parameters" yaml:"parameters"`

	// Definition optionally names a CUE definition (e.g. "#RealtimeInference")
	// checked against the full parameter map after per-field validation.
	Definition string `json:"definition,omitempty" yaml:"definition,omitempty"`
}

// Lookup returns the spec for a parameter name.
func (s ParameterSchema) Lookup(name string) (ParameterSpec, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// Blueprint maps a (pipeline type, option) pair to a provisioning template.
// Blueprints are static configuration and are never mutated after registration.
type Blueprint struct {
	PipelineType string `json:"pipeline_type" yaml:"pipeline_type"`
	Option       string `json:"option" yaml:"option"`

	// Default marks the option used when a request omits one.
	Default bool `json:"default,omitempty" yaml:"default,omitempty"`

	// TemplateID identifies the provisioning template on the substrate.
	TemplateID string `json:"template_id" yaml:"template_id"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	ParameterSchema ParameterSchema `json:"parameter_schema" yaml:"parameter_schema"`

	// KeyParameters are the parameters hashed into a derived pipeline ID.
	// All required parameters are used when empty.
	KeyParameters []string `json:"key_parameters,omitempty" yaml:"key_parameters,omitempty"`

	// SupportedRegions restricts target environments. Any region is allowed when empty.
	SupportedRegions []string `json:"supported_regions,omitempty" yaml:"supported_regions,omitempty"`
}

// Key returns the registry key of the blueprint.
func (b *Blueprint) Key() string {
	return b.PipelineType + "/" + b.Option
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (b *Blueprint) Clone() *Blueprint {
	c := *b
	c.ParameterSchema.Parameters = make([]ParameterSpec, len(b.ParameterSchema.Parameters))
	for i, p := range b.ParameterSchema.Parameters {
		p.Allowed = slices.Clone(p.Allowed)
		c.ParameterSchema.Parameters[i] = p
	}
	c.KeyParameters = slices.Clone(b.KeyParameters)
	c.SupportedRegions = slices.Clone(b.SupportedRegions)
	return &c
}

// StackSetInstance is one target environment of a fan-out deployment unit.
type StackSetInstance struct {
	Environment     EnvironmentRef   `json:"environment"`
	UnitName        string           `json:"unit_name"`
	Status          DeploymentStatus `json:"status"`
	LastOperationID string           `json:"last_operation_id,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DeploymentUnit is the single provisioned unit of a pipeline.
// For fan-out units Status is the aggregate of Instances.
type DeploymentUnit struct {
	// UnitName is the substrate-side name of the unit.
	UnitName string `json:"unit_name"`

	Kind            UnitKind         `json:"kind"`
	Status          DeploymentStatus `json:"status"`
	TemplateID      string           `json:"template_id"`
	LastRequestID   string           `json:"last_request_id,omitempty"`
	LastOperationID string           `json:"last_operation_id,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	UpdatedAt       time.Time        `json:"updated_at"`

	// Instances is populated for fan-out units only.
	Instances []StackSetInstance `json:"instances,omitempty"`
}

// Instance returns the instance for env, or nil.
func (u *DeploymentUnit) Instance(env EnvironmentRef) *StackSetInstance {
	for i := range u.Instances {
		if u.Instances[i].Environment == env {
			return &u.Instances[i]
		}
	}
	return nil
}

// HasOutstanding reports whether any part of the unit still awaits an outcome.
func (u *DeploymentUnit) HasOutstanding() bool {
	if u.Kind != UnitKindFanout {
		return u.Status.IsOutstanding()
	}
	for _, inst := range u.Instances {
		if inst.Status.IsOutstanding() {
			return true
		}
	}
	return false
}

// HasActive reports whether any part of the unit has an operation known to be in flight.
func (u *DeploymentUnit) HasActive() bool {
	if u.Kind != UnitKindFanout {
		return u.Status.IsActive()
	}
	for _, inst := range u.Instances {
		if inst.Status.IsActive() {
			return true
		}
	}
	return false
}

// LifecycleEvent is one entry of a pipeline's append-only history.
type LifecycleEvent struct {
	Sequence    int              `json:"sequence"`
	Timestamp   time.Time        `json:"timestamp"`
	FromState   DeploymentStatus `json:"from_state,omitempty"`
	ToState     DeploymentStatus `json:"to_state"`
	Detail      string           `json:"detail,omitempty"`
	Environment *EnvironmentRef  `json:"environment,omitempty"`
}

// PipelineRecord is the persisted state of one provisioned pipeline.
type PipelineRecord struct {
	PipelineID        string            `json:"pipeline_id"`
	PipelineType      string            `json:"pipeline_type"`
	Option            string            `json:"option"`
	CurrentParameters map[string]string `json:"current_parameters"`
	DeploymentUnit    DeploymentUnit    `json:"deployment_unit"`
	History           []LifecycleEvent  `json:"history"`

	// Terminated records are read-only; they can no longer be updated.
	Terminated bool `json:"terminated"`

	// Version is incremented on every successful write and used for optimistic locking.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status returns the aggregate status of the pipeline.
func (r *PipelineRecord) Status() DeploymentStatus {
	return r.DeploymentUnit.Status
}

// Clone returns a deep copy of the record.
func (r *PipelineRecord) Clone() *PipelineRecord {
	c := *r
	c.CurrentParameters = maps.Clone(r.CurrentParameters)
	c.DeploymentUnit.Instances = slices.Clone(r.DeploymentUnit.Instances)
	c.History = make([]LifecycleEvent, len(r.History))
	for i, ev := range r.History {
		if ev.Environment != nil {
			env := *ev.Environment
			ev.Environment = &env
		}
		c.History[i] = ev
	}
	return &c
}

// Summary condenses the record for listings.
func (r *PipelineRecord) Summary() PipelineSummary {
	s := PipelineSummary{
		PipelineID:   r.PipelineID,
		PipelineType: r.PipelineType,
		Option:       r.Option,
		Kind:         r.DeploymentUnit.Kind,
		Status:       r.DeploymentUnit.Status,
		UnitName:     r.DeploymentUnit.UnitName,
		Terminated:   r.Terminated,
		Version:      r.Version,
		UpdatedAt:    r.UpdatedAt,
	}
	for _, inst := range r.DeploymentUnit.Instances {
		s.Targets++
		if inst.Status == StatusFailed {
			s.FailedTargets++
		}
	}
	return s
}

// PipelineSummary is a listing row.
type PipelineSummary struct {
	PipelineID    string           `json:"pipeline_id"`
	PipelineType  string           `json:"pipeline_type"`
	Option        string           `json:"option"`
	Kind          UnitKind         `json:"kind"`
	Status        DeploymentStatus `json:"status"`
	UnitName      string           `json:"unit_name"`
	Targets       int              `json:"targets,omitempty"`
	FailedTargets int              `json:"failed_targets,omitempty"`
	Terminated    bool             `json:"terminated"`
	Version       int64            `json:"version"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// PipelineFilter narrows ListPipelines results.
type PipelineFilter struct {
	PipelineType string
	Status       DeploymentStatus

	// IncludeTerminated includes terminated records, which are hidden by default.
	IncludeTerminated bool

	// OutstandingOnly keeps records with any unit or instance awaiting an outcome.
	OutstandingOnly bool

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Matches reports whether rec passes the filter, ignoring Limit.
func (f PipelineFilter) Matches(rec *PipelineRecord) bool {
	if rec.Terminated && !f.IncludeTerminated {
		return false
	}
	if f.PipelineType != "" && rec.PipelineType != f.PipelineType {
		return false
	}
	if f.Status != "" && rec.DeploymentUnit.Status != f.Status {
		return false
	}
	if f.OutstandingOnly && !rec.DeploymentUnit.HasOutstanding() {
		return false
	}
	return true
}

// TargetOutcome is the synchronous result of one submission.
type TargetOutcome struct {
	// Environment is nil for single-environment units.
	Environment *EnvironmentRef `json:"environment,omitempty"`
	UnitName    string          `json:"unit_name"`
	State       SubmissionState `json:"state"`
	OperationID string          `json:"operation_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`

	// TimedOut marks a rejection caused by the per-target submit timeout.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Accepted reports whether the submission was accepted.
func (o TargetOutcome) Accepted() bool {
	return o.State == SubmissionAccepted
}

// FanoutOutcome aggregates all target outcomes of one fan-out.
type FanoutOutcome struct {
	Result FanoutResult `json:"result"`

	// Targets holds one outcome per target environment, in request order.
	Targets []TargetOutcome `json:"targets"`

	Accepted []EnvironmentRef          `json:"-"`
	Rejected map[EnvironmentRef]string `json:"-"`
}

// UnitOutcome describes one unit in a provisioning outcome.
type UnitOutcome struct {
	UnitName    string           `json:"unit_name"`
	Environment *EnvironmentRef  `json:"environment,omitempty"`
	Status      DeploymentStatus `json:"status"`
	OperationID string           `json:"operation_id,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// ProvisioningOutcome is returned to the client when a request has been handled.
type ProvisioningOutcome struct {
	PipelineID      string           `json:"pipeline_id"`
	RequestID       string           `json:"request_id"`
	Status          DeploymentStatus `json:"status"`
	Created         bool             `json:"created"`
	DeploymentUnits []UnitOutcome    `json:"deployment_units"`
	Fanout          *FanoutOutcome   `json:"fanout,omitempty"`
}

// CompletionSignal is an asynchronous outcome reported by the substrate.
type CompletionSignal struct {
	PipelineID string `json:"pipeline_id"`

	// Environment is nil for single-environment units.
	Environment *EnvironmentRef `json:"environment,omitempty"`

	// OperationID must match the target's last operation; signals for older
	// operations are ignored. Empty matches any operation.
	OperationID string           `json:"operation_id,omitempty"`
	Status      DeploymentStatus `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	ObservedAt  time.Time        `json:"observed_at"`
}

// Notification is a lifecycle event delivered to external consumers.
type Notification struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	Severity     string            `json:"severity"`
	PipelineID   string            `json:"pipeline_id"`
	PipelineType string            `json:"pipeline_type,omitempty"`
	Environment  *EnvironmentRef   `json:"environment,omitempty"`
	Status       DeploymentStatus  `json:"status,omitempty"`
	Message      string            `json:"message"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SubmitInput is one create/update call against the substrate.
type SubmitInput struct {
	PipelineID  string            `json:"pipeline_id"`
	UnitName    string            `json:"unit_name"`
	TemplateID  string            `json:"template_id"`
	Environment *EnvironmentRef   `json:"environment,omitempty"`
	Parameters  map[string]string `json:"parameters"`
	RequestID   string            `json:"request_id"`
	IsUpdate    bool              `json:"is_update"`
}

// DescribeInput asks the substrate for the status of an operation.
type DescribeInput struct {
	UnitName    string          `json:"unit_name"`
	Environment *EnvironmentRef `json:"environment,omitempty"`
	OperationID string          `json:"operation_id"`
}

// OperationStatus is the substrate's view of one operation.
type OperationStatus struct {
	OperationID string           `json:"operation_id"`
	Status      DeploymentStatus `json:"status"`
	Reason      string           `json:"reason,omitempty"`
}

// PolicyViolation represents a policy rule violation.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// PolicyDecision is the result of evaluating admission policies for a request.
type PolicyDecision struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
}

// NewPolicyDeniedError builds a PolicyDenied error from the decision's violations.
func NewPolicyDeniedError(pipelineID string, d *PolicyDecision) *EngineError {
	msg := "request denied by policy"
	if len(d.Violations) > 0 {
		msg = fmt.Sprintf("request denied by policy %s: %s", d.Violations[0].Policy, d.Violations[0].Message)
	}
	return NewPermanentError(msg, nil).
		WithCode(ErrCodePolicyDenied).
		WithResource(pipelineID).
		WithDetail("violations", d.Violations)
}
