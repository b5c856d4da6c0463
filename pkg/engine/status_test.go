package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestDeploymentStatus_CanTransition(t *testing.T) {
	all := []DeploymentStatus{StatusRequested, StatusInProgress, StatusSucceeded, StatusFailed, StatusUnknown}
	allowed := map[DeploymentStatus][]DeploymentStatus{
		StatusRequested:  {StatusInProgress, StatusFailed},
		StatusInProgress: {StatusSucceeded, StatusFailed, StatusUnknown},
		StatusUnknown:    {StatusSucceeded, StatusFailed, StatusInProgress},
		StatusSucceeded:  {StatusInProgress},
		StatusFailed:     {StatusInProgress},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestDeploymentStatus_Predicates(t *testing.T) {
	tests := []struct {
		status      DeploymentStatus
		terminal    bool
		outstanding bool
		active      bool
	}{
		{StatusRequested, false, true, true},
		{StatusInProgress, false, true, true},
		{StatusUnknown, false, true, false},
		{StatusSucceeded, true, false, false},
		{StatusFailed, true, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if tt.status.IsTerminal() != tt.terminal {
				t.Errorf("IsTerminal() = %v", tt.status.IsTerminal())
			}
			if tt.status.IsOutstanding() != tt.outstanding {
				t.Errorf("IsOutstanding() = %v", tt.status.IsOutstanding())
			}
			if tt.status.IsActive() != tt.active {
				t.Errorf("IsActive() = %v", tt.status.IsActive())
			}
		})
	}
}

func TestDeploymentStatus_UnmarshalRejectsInvalid(t *testing.T) {
	var s DeploymentStatus
	if err := json.Unmarshal([]byte(`"in_progress"`), &s); err != nil || s != StatusInProgress {
		t.Errorf("Expected in_progress, got %q err=%v", s, err)
	}
	if err := json.Unmarshal([]byte(`"done"`), &s); err == nil {
		t.Error("Expected error for invalid status")
	}
}

func TestEventType_Severity(t *testing.T) {
	tests := map[EventType]string{
		EventTypeSubmissionAccepted: "info",
		EventTypeSubmissionRejected: "error",
		EventTypePipelineFailed:     "error",
		EventTypeInstanceFailed:     "error",
		EventTypePipelineStale:      "warning",
		EventTypePipelineSucceeded:  "info",
	}
	for typ, want := range tests {
		if got := typ.Severity(); got != want {
			t.Errorf("%s.Severity() = %s, want %s", typ, got, want)
		}
	}
}

func TestEngineError_Matching(t *testing.T) {
	err := fmt.Errorf("provisioning: %w", NewPipelineNotFoundError("pl-1"))

	if !errors.Is(err, ErrPipelineNotFound) {
		t.Error("Expected wrapped error to match ErrPipelineNotFound")
	}
	if errors.Is(err, ErrPipelineAlreadyExists) {
		t.Error("Expected different code not to match")
	}
	if !IsConflict(err) || IsRetryable(err) {
		t.Error("Expected not-found to be a non-retryable conflict")
	}
	if got := ErrorType(err); got != "PipelineNotFound" {
		t.Errorf("ErrorType() = %s", got)
	}
	if got := CodeOf(err); got != ErrCodeNotFound {
		t.Errorf("CodeOf() = %s", got)
	}
	if CodeOf(errors.New("plain")) != "" || ErrorType(errors.New("plain")) != "InternalError" {
		t.Error("Expected plain errors to map to InternalError")
	}
}

func TestEngineError_Message(t *testing.T) {
	err := NewTransientError("describe failed", errors.New("connection reset")).
		WithResource("mlpipe-pl-1").
		WithOperation("describe")

	want := "[transient] describe failed (resource=mlpipe-pl-1, operation=describe): connection reset"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !IsRetryable(err) {
		t.Error("Expected transient error to be retryable")
	}
}

func TestPolicyDeniedError(t *testing.T) {
	err := NewPolicyDeniedError("pl-1", &PolicyDecision{
		Violations: []PolicyViolation{{Policy: "gpu", Message: "GPU instances require approval", Severity: "high"}},
	})
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("Expected ErrPolicyDenied, got %v", err)
	}
	if IsValidationError(err) {
		t.Error("Policy denial is not a validation error")
	}
}
