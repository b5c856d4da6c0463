package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCoordinator_CreateSingle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	out, err := e.coordinator.Handle(ctx, realtimeRequest())
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if !out.Created {
		t.Error("Expected Created=true for first request")
	}
	if out.Status != StatusInProgress {
		t.Errorf("Expected status in_progress, got %s", out.Status)
	}
	if len(out.DeploymentUnits) != 1 {
		t.Fatalf("Expected 1 deployment unit, got %d", len(out.DeploymentUnits))
	}
	if out.DeploymentUnits[0].UnitName != UnitName(out.PipelineID) {
		t.Errorf("Unexpected unit name %s", out.DeploymentUnits[0].UnitName)
	}

	rec, err := e.tracker.GetStatus(ctx, out.PipelineID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Expected version 1, got %d", rec.Version)
	}
	if len(rec.History) != 2 {
		t.Fatalf("Expected 2 history events, got %d", len(rec.History))
	}
	if rec.History[1].FromState != StatusRequested || rec.History[1].ToState != StatusInProgress {
		t.Errorf("Unexpected transition %s -> %s", rec.History[1].FromState, rec.History[1].ToState)
	}

	sub := e.substrate.submits[0]
	if sub.Parameters["MODELNAME"] != "churn-model" {
		t.Errorf("Expected MODELNAME template parameter, got %v", sub.Parameters)
	}
	if sub.Parameters["DATACAPTURELOCATION"] != "capture-bucket/churn" {
		t.Errorf("Expected trailing slash stripped, got %q", sub.Parameters["DATACAPTURELOCATION"])
	}
	if e.notifier.count(EventTypeSubmissionAccepted) != 1 {
		t.Errorf("Expected one submission_accepted notification, got %v", e.notifier.types())
	}
}

func TestCoordinator_CreateTwice(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.coordinator.Handle(ctx, realtimeRequest()); err != nil {
		t.Fatalf("First Handle failed: %v", err)
	}

	_, err := e.coordinator.Handle(ctx, realtimeRequest())
	if !errors.Is(err, ErrPipelineAlreadyExists) {
		t.Fatalf("Expected ErrPipelineAlreadyExists, got %v", err)
	}
	if e.substrate.submitCount() != 1 {
		t.Errorf("Expected no second submission, got %d", e.substrate.submitCount())
	}
}

func TestCoordinator_UpdateMissing(t *testing.T) {
	e := newTestEngine(t)

	req := realtimeRequest()
	req.IsUpdate = true

	_, err := e.coordinator.Handle(context.Background(), req)
	if !errors.Is(err, ErrPipelineNotFound) {
		t.Fatalf("Expected ErrPipelineNotFound, got %v", err)
	}
	if e.substrate.submitCount() != 0 {
		t.Errorf("Expected no submission, got %d", e.substrate.submitCount())
	}
}

func TestCoordinator_UpdateWhileInProgress(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.coordinator.Handle(ctx, realtimeRequest()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	req := realtimeRequest()
	req.IsUpdate = true
	_, err := e.coordinator.Handle(ctx, req)
	if !errors.Is(err, ErrConcurrentProvisioningInProgress) {
		t.Fatalf("Expected ErrConcurrentProvisioningInProgress, got %v", err)
	}
}

func TestCoordinator_UpdateAfterSuccess(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	created, err := e.coordinator.Handle(ctx, realtimeRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := e.tracker.ApplySignal(ctx, CompletionSignal{
		PipelineID:  created.PipelineID,
		OperationID: created.DeploymentUnits[0].OperationID,
		Status:      StatusSucceeded,
	}); err != nil {
		t.Fatalf("ApplySignal failed: %v", err)
	}

	req := realtimeRequest()
	req.IsUpdate = true
	req.RequestID = "req-2"
	req.Parameters["inference_instance"] = "ml.c5.xlarge"

	out, err := e.coordinator.Handle(ctx, req)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if out.Created {
		t.Error("Expected Created=false for update")
	}
	if out.PipelineID != created.PipelineID {
		t.Errorf("Expected same pipeline ID for non-key parameter change, got %s and %s", created.PipelineID, out.PipelineID)
	}

	rec, _ := e.tracker.GetStatus(ctx, out.PipelineID)
	if rec.Status() != StatusInProgress {
		t.Errorf("Expected in_progress after update, got %s", rec.Status())
	}
	if rec.CurrentParameters["inference_instance"] != "ml.c5.xlarge" {
		t.Errorf("Expected updated parameters, got %v", rec.CurrentParameters)
	}
	last := rec.History[len(rec.History)-1]
	if last.FromState != StatusSucceeded || last.ToState != StatusInProgress {
		t.Errorf("Expected succeeded -> in_progress, got %s -> %s", last.FromState, last.ToState)
	}
	if !e.substrate.submits[1].IsUpdate {
		t.Error("Expected update submission")
	}
}

func TestCoordinator_RejectedCreateLeavesNoRecord(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	req := realtimeRequest()
	validated, err := e.coordinator.validator.Validate(req)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	bp, _ := e.coordinator.registry.Resolve(validated.PipelineType, validated.Option)
	id := DerivePipelineID(validated, bp)
	e.substrate.reject[UnitName(id)] = "template parameter out of range"

	_, err = e.coordinator.Handle(ctx, req)
	if !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("Expected ErrSubmissionRejected, got %v", err)
	}

	if _, err := e.tracker.GetStatus(ctx, id); !errors.Is(err, ErrPipelineNotFound) {
		t.Errorf("Expected no record after rejected create, got %v", err)
	}
	if e.notifier.count(EventTypeSubmissionRejected) != 1 {
		t.Errorf("Expected rejection notification, got %v", e.notifier.types())
	}

	// The lock must have been released.
	ok, _ := e.locks.TryLock(ctx, id, "other", time.Minute)
	if !ok {
		t.Error("Expected lock to be released after rejection")
	}
}

func TestCoordinator_RejectedUpdateLeavesRecordUnchanged(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	created, err := e.coordinator.Handle(ctx, realtimeRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := e.tracker.ApplySignal(ctx, CompletionSignal{
		PipelineID: created.PipelineID,
		Status:     StatusSucceeded,
	}); err != nil {
		t.Fatalf("ApplySignal failed: %v", err)
	}
	before, _ := e.tracker.GetStatus(ctx, created.PipelineID)

	e.substrate.reject[UnitName(created.PipelineID)] = "stack is locked"
	req := realtimeRequest()
	req.IsUpdate = true
	if _, err := e.coordinator.Handle(ctx, req); !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("Expected ErrSubmissionRejected, got %v", err)
	}

	after, _ := e.tracker.GetStatus(ctx, created.PipelineID)
	if after.Version != before.Version || after.Status() != StatusSucceeded {
		t.Errorf("Expected record unchanged, got version %d status %s", after.Version, after.Status())
	}
}

func TestCoordinator_UnsupportedOption(t *testing.T) {
	e := newTestEngine(t)

	req := realtimeRequest()
	req.Option = "serverless"

	_, err := e.coordinator.Handle(context.Background(), req)
	if !errors.Is(err, ErrUnsupportedPipelineOption) {
		t.Fatalf("Expected ErrUnsupportedPipelineOption, got %v", err)
	}
	recs, _ := e.store.ListRecords(context.Background(), PipelineFilter{IncludeTerminated: true})
	if len(recs) != 0 {
		t.Errorf("Expected no records, got %d", len(recs))
	}
	if e.substrate.submitCount() != 0 {
		t.Error("Expected no substrate calls")
	}
}

func TestCoordinator_ConcurrentRequests(t *testing.T) {
	e := newTestEngine(t)
	e.substrate.delay = 50 * time.Millisecond

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := realtimeRequest()
			req.RequestID = fmt.Sprintf("req-%d", i)
			_, errs[i] = e.coordinator.Handle(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var succeeded, concurrent, exists int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConcurrentProvisioningInProgress):
			concurrent++
		case errors.Is(err, ErrPipelineAlreadyExists):
			exists++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly one request to proceed, got %d", succeeded)
	}
	if concurrent+exists != n-1 {
		t.Errorf("Expected %d rejected requests, got %d", n-1, concurrent+exists)
	}
	if e.substrate.submitCount() != 1 {
		t.Errorf("Expected exactly one substrate submission, got %d", e.substrate.submitCount())
	}
}

func TestCoordinator_FanoutPartialFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	env111 := EnvironmentRef{AccountID: "111", Region: "us-east-1"}
	env222 := EnvironmentRef{AccountID: "222", Region: "us-east-1"}

	out, err := e.coordinator.Handle(ctx, monitorRequest(env111, env222))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Fanout == nil || out.Fanout.Result != FanoutAllAccepted {
		t.Fatalf("Expected all targets accepted, got %+v", out.Fanout)
	}
	if out.Status != StatusInProgress {
		t.Errorf("Expected in_progress aggregate, got %s", out.Status)
	}

	ops := map[EnvironmentRef]string{}
	for _, u := range out.DeploymentUnits {
		ops[*u.Environment] = u.OperationID
	}

	if _, err := e.tracker.ApplySignal(ctx, CompletionSignal{
		PipelineID: out.PipelineID, Environment: &env111, OperationID: ops[env111], Status: StatusSucceeded,
	}); err != nil {
		t.Fatalf("ApplySignal 111: %v", err)
	}
	if _, err := e.tracker.ApplySignal(ctx, CompletionSignal{
		PipelineID: out.PipelineID, Environment: &env222, OperationID: ops[env222], Status: StatusFailed,
		Reason: "AccessDenied: role cannot assume execution role",
	}); err != nil {
		t.Fatalf("ApplySignal 222: %v", err)
	}

	rec, err := e.tracker.GetStatus(ctx, out.PipelineID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if rec.Status() != StatusFailed {
		t.Errorf("Expected aggregate failed, got %s", rec.Status())
	}
	if got := rec.DeploymentUnit.Instance(env111).Status; got != StatusSucceeded {
		t.Errorf("Expected 111 succeeded, got %s", got)
	}
	inst := rec.DeploymentUnit.Instance(env222)
	if inst.Status != StatusFailed || inst.LastError == "" {
		t.Errorf("Expected 222 failed with reason, got %s %q", inst.Status, inst.LastError)
	}
	if e.notifier.count(EventTypePipelineFailed) != 1 {
		t.Errorf("Expected one pipeline_failed notification, got %v", e.notifier.types())
	}
}

func TestCoordinator_FanoutPartiallyAccepted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	env1 := EnvironmentRef{AccountID: "111111111111", Region: "us-east-1"}
	env2 := EnvironmentRef{AccountID: "222222222222", Region: "eu-west-1"}

	req := monitorRequest(env1, env2)
	validated, _ := e.coordinator.validator.Validate(req)
	bp, _ := e.coordinator.registry.Resolve(validated.PipelineType, validated.Option)
	id := DerivePipelineID(validated, bp)
	e.substrate.reject[InstanceUnitName(id, env2)] = "account is not bootstrapped"

	out, err := e.coordinator.Handle(ctx, req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Fanout.Result != FanoutPartiallyAccepted {
		t.Fatalf("Expected partially_accepted, got %s", out.Fanout.Result)
	}
	if out.Fanout.Rejected[env2] != "account is not bootstrapped" {
		t.Errorf("Expected rejection reason, got %q", out.Fanout.Rejected[env2])
	}

	rec, _ := e.tracker.GetStatus(ctx, id)
	if rec.DeploymentUnit.Instance(env1).Status != StatusInProgress {
		t.Errorf("Expected accepted instance in_progress")
	}
	if rec.DeploymentUnit.Instance(env2).Status != StatusFailed {
		t.Errorf("Expected rejected instance failed")
	}
	if rec.Status() != StatusFailed {
		t.Errorf("Expected aggregate failed, got %s", rec.Status())
	}
}

func TestCoordinator_FanoutRejectedUpdateKeepsInstance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	env1 := EnvironmentRef{AccountID: "111111111111", Region: "us-east-1"}
	env2 := EnvironmentRef{AccountID: "222222222222", Region: "eu-west-1"}

	created, err := e.coordinator.Handle(ctx, monitorRequest(env1, env2))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for _, u := range created.DeploymentUnits {
		if _, err := e.tracker.ApplySignal(ctx, CompletionSignal{
			PipelineID: created.PipelineID, Environment: u.Environment, OperationID: u.OperationID, Status: StatusSucceeded,
		}); err != nil {
			t.Fatalf("ApplySignal %s: %v", u.Environment, err)
		}
	}
	before, _ := e.tracker.GetStatus(ctx, created.PipelineID)
	if before.Status() != StatusSucceeded {
		t.Fatalf("Expected aggregate succeeded before update, got %s", before.Status())
	}
	prevOp := before.DeploymentUnit.Instance(env2).LastOperationID

	e.substrate.reject[InstanceUnitName(created.PipelineID, env2)] = "throttled"
	req := monitorRequest(env1, env2)
	req.IsUpdate = true
	req.RequestID = "req-update"
	out, err := e.coordinator.Handle(ctx, req)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if out.Fanout.Result != FanoutPartiallyAccepted {
		t.Fatalf("Expected partially_accepted, got %s", out.Fanout.Result)
	}

	rec, _ := e.tracker.GetStatus(ctx, created.PipelineID)
	inst := rec.DeploymentUnit.Instance(env2)
	if inst.Status != StatusSucceeded {
		t.Errorf("Expected rejected instance to stay succeeded, got %s", inst.Status)
	}
	if inst.LastOperationID != prevOp {
		t.Errorf("Expected operation %s kept, got %s", prevOp, inst.LastOperationID)
	}
	if inst.LastError != "throttled" {
		t.Errorf("Expected rejection reason recorded, got %q", inst.LastError)
	}
	if rec.Status() != StatusInProgress {
		t.Errorf("Expected aggregate in_progress while env1 updates, got %s", rec.Status())
	}
	if e.notifier.count(EventTypePipelineFailed) != 0 {
		t.Errorf("Expected no pipeline_failed notification, got %v", e.notifier.types())
	}
	for _, ev := range rec.History {
		if ev.FromState == "" || ev.FromState == ev.ToState {
			continue
		}
		if !ev.FromState.CanTransition(ev.ToState) {
			t.Errorf("Illegal transition recorded: %s -> %s (%s)", ev.FromState, ev.ToState, ev.Detail)
		}
	}

	var op1 string
	for _, u := range out.DeploymentUnits {
		if *u.Environment == env1 {
			op1 = u.OperationID
		}
	}
	if _, err := e.tracker.ApplySignal(ctx, CompletionSignal{
		PipelineID: created.PipelineID, Environment: &env1, OperationID: op1, Status: StatusSucceeded,
	}); err != nil {
		t.Fatalf("ApplySignal env1: %v", err)
	}
	rec, _ = e.tracker.GetStatus(ctx, created.PipelineID)
	if rec.Status() != StatusSucceeded {
		t.Errorf("Expected aggregate succeeded after env1 completes, got %s", rec.Status())
	}
}

func TestCoordinator_GeneratesRequestID(t *testing.T) {
	e := newTestEngine(t)
	e.coordinator.newID = func() string { return "generated-id" }
	ctx := context.Background()

	req := realtimeRequest()
	req.RequestID = ""
	out, err := e.coordinator.Handle(ctx, req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.RequestID != "generated-id" {
		t.Errorf("Expected generated request ID, got %q", out.RequestID)
	}
	if got := e.substrate.submits[0].RequestID; got != "generated-id" {
		t.Errorf("Expected submission to carry the generated ID, got %q", got)
	}
	rec, _ := e.tracker.GetStatus(ctx, out.PipelineID)
	if rec.DeploymentUnit.LastRequestID != "generated-id" {
		t.Errorf("Expected record to carry the generated ID, got %q", rec.DeploymentUnit.LastRequestID)
	}
	if req.RequestID != "" {
		t.Errorf("Expected caller's request untouched, got %q", req.RequestID)
	}
}

func TestCoordinator_FanoutAllRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	env1 := EnvironmentRef{AccountID: "111", Region: "us-east-1"}
	env2 := EnvironmentRef{AccountID: "222", Region: "us-west-2"}
	req := monitorRequest(env1, env2)
	validated, _ := e.coordinator.validator.Validate(req)
	bp, _ := e.coordinator.registry.Resolve(validated.PipelineType, validated.Option)
	id := DerivePipelineID(validated, bp)
	e.substrate.reject[InstanceUnitName(id, env1)] = "denied"
	e.substrate.reject[InstanceUnitName(id, env2)] = "denied"

	_, err := e.coordinator.Handle(ctx, req)
	if !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("Expected ErrSubmissionRejected, got %v", err)
	}
	if _, err := e.tracker.GetStatus(ctx, id); !errors.Is(err, ErrPipelineNotFound) {
		t.Errorf("Expected no record, got %v", err)
	}
}

func TestCoordinator_TerminatedPipeline(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	out, err := e.coordinator.Handle(ctx, realtimeRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := e.tracker.Terminate(ctx, out.PipelineID, "decommissioned"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	req := realtimeRequest()
	req.IsUpdate = true
	if _, err := e.coordinator.Handle(ctx, req); !errors.Is(err, ErrPipelineTerminated) {
		t.Fatalf("Expected ErrPipelineTerminated, got %v", err)
	}
}

type denyAll struct{}

func (denyAll) EvaluateRequest(context.Context, *PipelineRequest, *Blueprint) (*PolicyDecision, error) {
	return &PolicyDecision{
		Allowed:    false,
		Violations: []PolicyViolation{{Policy: "no-gpu", Message: "GPU instances are not allowed", Severity: "high"}},
	}, nil
}

func TestCoordinator_PolicyDenied(t *testing.T) {
	e := newTestEngine(t)
	e.coordinator.policy = denyAll{}

	_, err := e.coordinator.Handle(context.Background(), realtimeRequest())
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("Expected ErrPolicyDenied, got %v", err)
	}
	if e.substrate.submitCount() != 0 {
		t.Error("Expected no submission after policy denial")
	}
}

func TestCoordinator_ValidationErrors(t *testing.T) {
	e := newTestEngine(t)

	req := realtimeRequest()
	delete(req.Parameters, "model_name")

	_, err := e.coordinator.Handle(context.Background(), req)
	if !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("Expected ErrMissingParameter, got %v", err)
	}
	if !IsValidationError(err) {
		t.Error("Expected IsValidationError to be true")
	}
}
