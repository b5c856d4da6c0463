package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// conflictStore fails the first n updates with a version conflict after
// bumping the stored version behind the caller's back.
type conflictStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictStore) UpdateRecord(ctx context.Context, rec *PipelineRecord, expectedVersion int64) error {
	s.mu.Lock()
	inject := s.conflicts > 0
	if inject {
		s.conflicts--
	}
	s.mu.Unlock()

	if inject {
		cur, err := s.MemoryStore.GetRecord(ctx, rec.PipelineID)
		if err != nil {
			return err
		}
		if err := s.MemoryStore.UpdateRecord(ctx, cur, cur.Version); err != nil {
			return err
		}
	}
	return s.MemoryStore.UpdateRecord(ctx, rec, expectedVersion)
}

func singleSubmission(t *testing.T, pipelineID, opID string) Submission {
	t.Helper()
	bp, err := DefaultRegistry().Resolve("realtime-inference", "builtin")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return Submission{
		PipelineID: pipelineID,
		Request: &PipelineRequest{
			RequestID:    "req-1",
			PipelineType: "realtime-inference",
			Option:       "builtin",
			Parameters:   map[string]string{"model_name": "churn-model"},
		},
		Blueprint: bp,
		Single:    &TargetOutcome{UnitName: UnitName(pipelineID), State: SubmissionAccepted, OperationID: opID},
	}
}

func fanoutSubmission(t *testing.T, pipelineID string, outcomes ...TargetOutcome) Submission {
	t.Helper()
	bp, err := DefaultRegistry().Resolve("data-quality-monitor", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	envs := make([]EnvironmentRef, len(outcomes))
	for i, o := range outcomes {
		envs[i] = *o.Environment
	}
	return Submission{
		PipelineID: pipelineID,
		Request: &PipelineRequest{
			RequestID:          "req-1",
			PipelineType:       "data-quality-monitor",
			Option:             "default",
			Parameters:         map[string]string{"endpoint_name": "churn"},
			TargetEnvironments: envs,
		},
		Blueprint: bp,
		Fanout:    AggregateFanout(outcomes),
	}
}

func TestTracker_RecordSubmissionCreates(t *testing.T) {
	notifier := &recordingNotifier{}
	tr := NewTracker(NewMemoryStore(), notifier, nil, zerolog.Nop())
	ctx := context.Background()

	rec, created, err := tr.RecordSubmission(ctx, singleSubmission(t, "pl-1", "op-1"))
	if err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}
	if !created {
		t.Error("Expected record to be created")
	}
	if rec.Status() != StatusInProgress {
		t.Errorf("Expected in_progress, got %s", rec.Status())
	}
	if rec.DeploymentUnit.LastOperationID != "op-1" {
		t.Errorf("Expected operation op-1, got %s", rec.DeploymentUnit.LastOperationID)
	}
	if rec.DeploymentUnit.TemplateID == "" {
		t.Error("Expected template ID to be recorded")
	}
	if len(rec.History) != 2 || rec.History[0].ToState != StatusRequested {
		t.Errorf("Expected requested then in_progress history, got %+v", rec.History)
	}
	for i, ev := range rec.History {
		if ev.Sequence != i+1 {
			t.Errorf("Event %d has sequence %d", i, ev.Sequence)
		}
	}
	if notifier.count(EventTypeSubmissionAccepted) != 1 {
		t.Errorf("Expected submission_accepted, got %v", notifier.types())
	}
}

func TestTracker_ApplySignalIdempotent(t *testing.T) {
	notifier := &recordingNotifier{}
	tr := NewTracker(NewMemoryStore(), notifier, nil, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := tr.RecordSubmission(ctx, singleSubmission(t, "pl-1", "op-1")); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	sig := CompletionSignal{PipelineID: "pl-1", OperationID: "op-1", Status: StatusSucceeded}
	changed, err := tr.ApplySignal(ctx, sig)
	if err != nil || !changed {
		t.Fatalf("Expected first signal to apply, got changed=%v err=%v", changed, err)
	}

	before, _ := tr.GetStatus(ctx, "pl-1")
	changed, err = tr.ApplySignal(ctx, sig)
	if err != nil {
		t.Fatalf("Duplicate signal failed: %v", err)
	}
	if changed {
		t.Error("Expected duplicate signal to change nothing")
	}
	after, _ := tr.GetStatus(ctx, "pl-1")
	if after.Version != before.Version || len(after.History) != len(before.History) {
		t.Error("Expected record unchanged by duplicate signal")
	}
	if notifier.count(EventTypePipelineSucceeded) != 1 {
		t.Errorf("Expected exactly one pipeline_succeeded, got %v", notifier.types())
	}
}

func TestTracker_ApplySignalStaleOperation(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil, nil, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := tr.RecordSubmission(ctx, singleSubmission(t, "pl-1", "op-2")); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	changed, err := tr.ApplySignal(ctx, CompletionSignal{PipelineID: "pl-1", OperationID: "op-1", Status: StatusFailed})
	if err != nil {
		t.Fatalf("ApplySignal failed: %v", err)
	}
	if changed {
		t.Error("Expected signal for a superseded operation to be ignored")
	}
	rec, _ := tr.GetStatus(ctx, "pl-1")
	if rec.Status() != StatusInProgress {
		t.Errorf("Expected in_progress, got %s", rec.Status())
	}
}

func TestTracker_ApplySignalRejectsNonTerminal(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil, nil, zerolog.Nop())

	_, err := tr.ApplySignal(context.Background(), CompletionSignal{PipelineID: "pl-1", Status: StatusInProgress})
	if !errors.Is(err, ErrInvalidParameterValue) {
		t.Fatalf("Expected ErrInvalidParameterValue, got %v", err)
	}
}

func TestTracker_ApplySignalUnknownPipeline(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil, nil, zerolog.Nop())

	_, err := tr.ApplySignal(context.Background(), CompletionSignal{PipelineID: "pl-missing", Status: StatusSucceeded})
	if !errors.Is(err, ErrPipelineNotFound) {
		t.Fatalf("Expected ErrPipelineNotFound, got %v", err)
	}
}

func TestTracker_FanoutAggregate(t *testing.T) {
	notifier := &recordingNotifier{}
	tr := NewTracker(NewMemoryStore(), notifier, nil, zerolog.Nop())
	ctx := context.Background()

	env1 := EnvironmentRef{AccountID: "111", Region: "us-east-1"}
	env2 := EnvironmentRef{AccountID: "222", Region: "us-east-1"}
	sub := fanoutSubmission(t, "pl-f",
		TargetOutcome{Environment: &env1, State: SubmissionAccepted, OperationID: "op-1"},
		TargetOutcome{Environment: &env2, State: SubmissionAccepted, OperationID: "op-2"},
	)
	if _, _, err := tr.RecordSubmission(ctx, sub); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	if _, err := tr.ApplySignal(ctx, CompletionSignal{PipelineID: "pl-f", Environment: &env1, OperationID: "op-1", Status: StatusSucceeded}); err != nil {
		t.Fatalf("ApplySignal failed: %v", err)
	}
	rec, _ := tr.GetStatus(ctx, "pl-f")
	if rec.Status() != StatusInProgress {
		t.Errorf("Expected in_progress while one instance is outstanding, got %s", rec.Status())
	}

	if _, err := tr.ApplySignal(ctx, CompletionSignal{PipelineID: "pl-f", Environment: &env2, OperationID: "op-2", Status: StatusSucceeded}); err != nil {
		t.Fatalf("ApplySignal failed: %v", err)
	}
	rec, _ = tr.GetStatus(ctx, "pl-f")
	if rec.Status() != StatusSucceeded {
		t.Errorf("Expected succeeded, got %s", rec.Status())
	}
	if notifier.count(EventTypeInstanceSucceeded) != 2 {
		t.Errorf("Expected two instance_succeeded, got %v", notifier.types())
	}
	if notifier.count(EventTypePipelineSucceeded) != 1 {
		t.Errorf("Expected one pipeline_succeeded, got %v", notifier.types())
	}
}

func TestTracker_FanoutSignalRequiresEnvironment(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil, nil, zerolog.Nop())
	ctx := context.Background()

	env := EnvironmentRef{AccountID: "111", Region: "us-east-1"}
	if _, _, err := tr.RecordSubmission(ctx, fanoutSubmission(t, "pl-f",
		TargetOutcome{Environment: &env, State: SubmissionAccepted, OperationID: "op-1"})); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	if _, err := tr.ApplySignal(ctx, CompletionSignal{PipelineID: "pl-f", Status: StatusSucceeded}); !errors.Is(err, ErrInvalidParameterValue) {
		t.Errorf("Expected ErrInvalidParameterValue, got %v", err)
	}

	other := EnvironmentRef{AccountID: "999", Region: "us-east-1"}
	if _, err := tr.ApplySignal(ctx, CompletionSignal{PipelineID: "pl-f", Environment: &other, Status: StatusSucceeded}); !errors.Is(err, ErrInvalidParameterValue) {
		t.Errorf("Expected ErrInvalidParameterValue for unknown environment, got %v", err)
	}
}

func TestTracker_RetriesVersionConflicts(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	tr := NewTracker(store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := tr.RecordSubmission(ctx, singleSubmission(t, "pl-1", "op-1")); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	store.conflicts = 2
	changed, err := tr.ApplySignal(ctx, CompletionSignal{PipelineID: "pl-1", Status: StatusSucceeded})
	if err != nil {
		t.Fatalf("ApplySignal failed: %v", err)
	}
	if !changed {
		t.Error("Expected signal to apply after retries")
	}

	rec, _ := tr.GetStatus(ctx, "pl-1")
	if rec.Status() != StatusSucceeded {
		t.Errorf("Expected succeeded, got %s", rec.Status())
	}
	// create (1) + two injected bumps + final write
	if rec.Version != 4 {
		t.Errorf("Expected version 4, got %d", rec.Version)
	}
}

func TestTracker_GivesUpAfterRepeatedConflicts(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	tr := NewTracker(store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := tr.RecordSubmission(ctx, singleSubmission(t, "pl-1", "op-1")); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	store.conflicts = 100
	_, err := tr.ApplySignal(ctx, CompletionSignal{PipelineID: "pl-1", Status: StatusSucceeded})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}
}

func TestTracker_ConcurrentSignals(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil, nil, zerolog.Nop())
	ctx := context.Background()

	envs := targets(8)
	outcomes := make([]TargetOutcome, len(envs))
	for i := range envs {
		outcomes[i] = TargetOutcome{Environment: &envs[i], State: SubmissionAccepted, OperationID: "op"}
	}
	if _, _, err := tr.RecordSubmission(ctx, fanoutSubmission(t, "pl-f", outcomes...)); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	tr.maxCASAttempts = 50
	var wg sync.WaitGroup
	for i := range envs {
		wg.Add(1)
		go func(env EnvironmentRef) {
			defer wg.Done()
			if _, err := tr.ApplySignal(ctx, CompletionSignal{PipelineID: "pl-f", Environment: &env, Status: StatusSucceeded}); err != nil {
				t.Errorf("ApplySignal failed: %v", err)
			}
		}(envs[i])
	}
	wg.Wait()

	rec, _ := tr.GetStatus(ctx, "pl-f")
	if rec.Status() != StatusSucceeded {
		t.Errorf("Expected succeeded after all signals, got %s", rec.Status())
	}
	for _, inst := range rec.DeploymentUnit.Instances {
		if inst.Status != StatusSucceeded {
			t.Errorf("Instance %s is %s, want succeeded", inst.Environment, inst.Status)
		}
	}
}

func TestTracker_MarkStale(t *testing.T) {
	notifier := &recordingNotifier{}
	tr := NewTracker(NewMemoryStore(), notifier, nil, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := tr.RecordSubmission(ctx, singleSubmission(t, "pl-1", "op-1")); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	changed, err := tr.MarkStale(ctx, "pl-1", nil, "no outcome")
	if err != nil || !changed {
		t.Fatalf("Expected MarkStale to apply, got changed=%v err=%v", changed, err)
	}
	changed, _ = tr.MarkStale(ctx, "pl-1", nil, "no outcome")
	if changed {
		t.Error("Expected second MarkStale to be a no-op")
	}

	rec, _ := tr.GetStatus(ctx, "pl-1")
	if rec.Status() != StatusUnknown {
		t.Errorf("Expected unknown, got %s", rec.Status())
	}
	if notifier.count(EventTypePipelineStale) != 1 {
		t.Errorf("Expected one pipeline_stale, got %v", notifier.types())
	}

	// A late completion still resolves an unknown target.
	if changed, _ := tr.ApplySignal(ctx, CompletionSignal{PipelineID: "pl-1", Status: StatusSucceeded}); !changed {
		t.Error("Expected late signal to resolve unknown status")
	}
}

func TestTracker_Terminate(t *testing.T) {
	notifier := &recordingNotifier{}
	tr := NewTracker(NewMemoryStore(), notifier, nil, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := tr.RecordSubmission(ctx, singleSubmission(t, "pl-1", "op-1")); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	rec, err := tr.Terminate(ctx, "pl-1", "decommissioned")
	if err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if !rec.Terminated {
		t.Error("Expected terminated record")
	}
	version := rec.Version

	rec, err = tr.Terminate(ctx, "pl-1", "again")
	if err != nil {
		t.Fatalf("Second Terminate failed: %v", err)
	}
	if rec.Version != version {
		t.Error("Expected second Terminate to be a no-op")
	}
	if notifier.count(EventTypePipelineTerminated) != 1 {
		t.Errorf("Expected one pipeline_terminated, got %v", notifier.types())
	}

	outstanding, _ := tr.Outstanding(ctx)
	if len(outstanding) != 0 {
		t.Errorf("Expected terminated records excluded from outstanding, got %d", len(outstanding))
	}
	list, _ := tr.ListPipelines(ctx, PipelineFilter{})
	if len(list) != 0 {
		t.Errorf("Expected terminated records hidden by default, got %d", len(list))
	}
	list, _ = tr.ListPipelines(ctx, PipelineFilter{IncludeTerminated: true})
	if len(list) != 1 {
		t.Errorf("Expected terminated record with IncludeTerminated, got %d", len(list))
	}
}

func TestAggregateStatus(t *testing.T) {
	inst := func(statuses ...DeploymentStatus) []StackSetInstance {
		out := make([]StackSetInstance, len(statuses))
		for i, s := range statuses {
			out[i] = StackSetInstance{Status: s}
		}
		return out
	}

	tests := []struct {
		name      string
		instances []StackSetInstance
		want      DeploymentStatus
	}{
		{"empty", nil, StatusRequested},
		{"all succeeded", inst(StatusSucceeded, StatusSucceeded), StatusSucceeded},
		{"one failed", inst(StatusSucceeded, StatusFailed), StatusFailed},
		{"failed beats in progress", inst(StatusInProgress, StatusFailed), StatusFailed},
		{"in progress", inst(StatusSucceeded, StatusInProgress), StatusInProgress},
		{"requested", inst(StatusRequested, StatusSucceeded), StatusInProgress},
		{"unknown", inst(StatusSucceeded, StatusUnknown), StatusUnknown},
		{"in progress beats unknown", inst(StatusUnknown, StatusInProgress), StatusInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateStatus(tt.instances); got != tt.want {
				t.Errorf("AggregateStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}
