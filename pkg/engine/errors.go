package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: substrate describe timeouts, broker disconnects.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion on the substrate.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a pipeline state conflict.
	// Examples: duplicate create, concurrent provisioning, optimistic version mismatch.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid request, unknown pipeline type, substrate rejection.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error for programmatic handling (see ErrCode* constants).
	Code string `json:"code,omitempty"`

	// Resource is the pipeline ID or unit name that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal, so the package level
// sentinels below can be used as errors.Is targets.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable. Conflicts are surfaced to the
// caller, who decides whether to resubmit.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// CodeOf returns the error code of the first EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes.
const (
	ErrCodeUnknownPipelineType    = "UNKNOWN_PIPELINE_TYPE"
	ErrCodeMissingParameter       = "MISSING_PARAMETER"
	ErrCodeInvalidParameterValue  = "INVALID_PARAMETER_VALUE"
	ErrCodeDuplicateTarget        = "DUPLICATE_TARGET_ENVIRONMENT"
	ErrCodeUnsupportedOption      = "UNSUPPORTED_PIPELINE_OPTION"
	ErrCodePolicyDenied           = "POLICY_DENIED"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeAlreadyExists          = "ALREADY_EXISTS"
	ErrCodeTerminated             = "PIPELINE_TERMINATED"
	ErrCodeConcurrentProvisioning = "CONCURRENT_PROVISIONING"
	ErrCodeSubmissionRejected     = "SUBMISSION_REJECTED"
	ErrCodeTimeout                = "TIMEOUT"
	ErrCodeVersionConflict        = "VERSION_CONFLICT"
	ErrCodeSubstrateUnavailable   = "SUBSTRATE_UNAVAILABLE"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks. Matching uses class and code only.
var (
	ErrUnknownPipelineType              = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownPipelineType}
	ErrMissingParameter                 = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeMissingParameter}
	ErrInvalidParameterValue            = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidParameterValue}
	ErrDuplicateTargetEnvironment       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDuplicateTarget}
	ErrUnsupportedPipelineOption        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnsupportedOption}
	ErrPolicyDenied                     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
	ErrPipelineNotFound                 = &EngineError{Class: ErrorClassConflict, Code: ErrCodeNotFound}
	ErrPipelineAlreadyExists            = &EngineError{Class: ErrorClassConflict, Code: ErrCodeAlreadyExists}
	ErrPipelineTerminated               = &EngineError{Class: ErrorClassConflict, Code: ErrCodeTerminated}
	ErrConcurrentProvisioningInProgress = &EngineError{Class: ErrorClassConflict, Code: ErrCodeConcurrentProvisioning}
	ErrSubmissionRejected               = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSubmissionRejected}
	ErrVersionConflict                  = &EngineError{Class: ErrorClassConflict, Code: ErrCodeVersionConflict}
)

// NewUnknownPipelineTypeError reports a pipeline type with no registered blueprint.
func NewUnknownPipelineTypeError(pipelineType string) *EngineError {
	msg := fmt.Sprintf("unknown pipeline type %q", pipelineType)
	if pipelineType == "" {
		msg = "pipeline type is required"
	}
	return NewPermanentError(msg, nil).
		WithCode(ErrCodeUnknownPipelineType).
		WithDetail("pipelineType", pipelineType)
}

// NewMissingParameterError reports a required parameter that was not supplied.
func NewMissingParameterError(name string) *EngineError {
	return NewPermanentError(fmt.Sprintf("missing required parameter %q", name), nil).
		WithCode(ErrCodeMissingParameter).
		WithDetail("parameter", name)
}

// NewInvalidParameterError reports a parameter whose value fails its constraint.
func NewInvalidParameterError(name, reason string) *EngineError {
	return NewPermanentError(fmt.Sprintf("invalid value for parameter %q: %s", name, reason), nil).
		WithCode(ErrCodeInvalidParameterValue).
		WithDetail("parameter", name).
		WithDetail("reason", reason)
}

// NewDuplicateTargetError reports an environment listed twice in one request.
func NewDuplicateTargetError(env EnvironmentRef) *EngineError {
	return NewPermanentError(fmt.Sprintf("target environment %s is listed more than once", env), nil).
		WithCode(ErrCodeDuplicateTarget).
		WithDetail("accountId", env.AccountID).
		WithDetail("region", env.Region)
}

// NewUnsupportedOptionError reports a type/option combination with no blueprint.
func NewUnsupportedOptionError(pipelineType, option string) *EngineError {
	return NewPermanentError(fmt.Sprintf("pipeline type %q does not support option %q", pipelineType, option), nil).
		WithCode(ErrCodeUnsupportedOption).
		WithDetail("pipelineType", pipelineType).
		WithDetail("option", option)
}

// NewPipelineNotFoundError reports a missing pipeline record.
func NewPipelineNotFoundError(pipelineID string) *EngineError {
	return NewConflictError("pipeline not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource(pipelineID)
}

// NewAlreadyExistsError reports a create request for a pipeline that is already provisioned.
func NewAlreadyExistsError(pipelineID string) *EngineError {
	return NewConflictError("pipeline already exists; submit an update instead", nil).
		WithCode(ErrCodeAlreadyExists).
		WithResource(pipelineID)
}

// NewTerminatedError reports an update against a terminated pipeline.
func NewTerminatedError(pipelineID string) *EngineError {
	return NewConflictError("pipeline is terminated and can no longer be updated", nil).
		WithCode(ErrCodeTerminated).
		WithResource(pipelineID)
}

// NewConcurrentProvisioningError reports a pipeline that already has an operation in flight.
func NewConcurrentProvisioningError(pipelineID string) *EngineError {
	return NewConflictError("another provisioning operation is in progress for this pipeline", nil).
		WithCode(ErrCodeConcurrentProvisioning).
		WithResource(pipelineID)
}

// NewSubmissionRejectedError reports a create or update call refused by the substrate.
func NewSubmissionRejectedError(unitName, reason string, err error) *EngineError {
	return NewPermanentError("provisioning substrate rejected the submission: "+reason, err).
		WithCode(ErrCodeSubmissionRejected).
		WithResource(unitName).
		WithDetail("reason", reason)
}

// ErrorType returns the external error type name for err, as used in API responses.
func ErrorType(err error) string {
	switch CodeOf(err) {
	case ErrCodeUnknownPipelineType:
		return "UnknownPipelineType"
	case ErrCodeMissingParameter:
		return "MissingParameter"
	case ErrCodeInvalidParameterValue:
		return "InvalidParameterValue"
	case ErrCodeDuplicateTarget:
		return "DuplicateTargetEnvironment"
	case ErrCodeUnsupportedOption:
		return "UnsupportedPipelineOption"
	case ErrCodePolicyDenied:
		return "PolicyDenied"
	case ErrCodeNotFound:
		return "PipelineNotFound"
	case ErrCodeAlreadyExists:
		return "PipelineAlreadyExists"
	case ErrCodeTerminated:
		return "PipelineTerminated"
	case ErrCodeConcurrentProvisioning:
		return "ConcurrentProvisioningInProgress"
	case ErrCodeSubmissionRejected:
		return "SubmissionRejected"
	case ErrCodeVersionConflict:
		return "VersionConflict"
	default:
		return "InternalError"
	}
}

// IsValidationError reports whether err is one of the synchronous request validation errors.
func IsValidationError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUnknownPipelineType, ErrCodeMissingParameter, ErrCodeInvalidParameterValue,
		ErrCodeDuplicateTarget, ErrCodeUnsupportedOption:
		return true
	}
	return false
}
