package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeSubstrate records submissions and answers describes from a table.
type fakeSubstrate struct {
	mu sync.Mutex

	// reject maps unit names to rejection reasons
	reject map[string]string

	// hang makes submissions for these units block until cancelled
	hang map[string]bool

	delay        time.Duration
	statuses     map[string]*OperationStatus
	describeErrs int
	describes    int

	submits     []SubmitInput
	inFlight    int
	maxInFlight int
	seq         int
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{
		reject:   make(map[string]string),
		hang:     make(map[string]bool),
		statuses: make(map[string]*OperationStatus),
	}
}

func (f *fakeSubstrate) Submit(ctx context.Context, in SubmitInput) (string, error) {
	f.mu.Lock()
	f.submits = append(f.submits, in)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	hang := f.hang[in.UnitName]
	reason, rejected := f.reject[in.UnitName]
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if rejected {
		return "", NewSubmissionRejectedError(in.UnitName, reason, nil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("op-%d", f.seq), nil
}

func (f *fakeSubstrate) Describe(_ context.Context, in DescribeInput) (*OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.describes++
	if f.describeErrs > 0 {
		f.describeErrs--
		return nil, NewThrottledError("rate exceeded", nil)
	}
	if st, ok := f.statuses[in.OperationID]; ok {
		return st, nil
	}
	return &OperationStatus{OperationID: in.OperationID, Status: StatusInProgress}, nil
}

func (f *fakeSubstrate) complete(opID string, status DeploymentStatus, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[opID] = &OperationStatus{OperationID: opID, Status: status, Reason: reason}
}

func (f *fakeSubstrate) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

// recordingNotifier captures emitted notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Emit(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Type
	}
	return out
}

func (r *recordingNotifier) count(t EventType) int {
	n := 0
	for _, typ := range r.types() {
		if typ == t {
			n++
		}
	}
	return n
}

// testEngine wires a coordinator over in-memory collaborators.
type testEngine struct {
	substrate   *fakeSubstrate
	store       *MemoryStore
	locks       *MemoryLocks
	notifier    *recordingNotifier
	tracker     *Tracker
	coordinator *Coordinator
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	logger := zerolog.Nop()
	e := &testEngine{
		substrate: newFakeSubstrate(),
		store:     NewMemoryStore(),
		locks:     NewMemoryLocks(),
		notifier:  &recordingNotifier{},
	}
	e.tracker = NewTracker(e.store, e.notifier, nil, logger)

	registry := DefaultRegistry()
	c, err := NewCoordinator(CoordinatorConfig{SubmitTimeout: time.Second, Holder: "test"}, CoordinatorDeps{
		Registry:  registry,
		Validator: NewValidator(registry, nil),
		Tracker:   e.tracker,
		Fanout:    NewFanoutController(FanoutConfig{MaxParallel: 4, SubmitTimeout: 200 * time.Millisecond}, e.substrate, nil, logger),
		Substrate: e.substrate,
		Locks:     e.locks,
		Notifier:  e.notifier,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	e.coordinator = c
	return e
}

func realtimeRequest() *RawRequest {
	return &RawRequest{
		RequestID:    "req-1",
		PipelineType: "realtime-inference",
		Option:       "builtin",
		Parameters: map[string]string{
			"model_name":              "churn-model",
			"model_artifact_location": "models-bucket/churn/model.tar.gz",
			"inference_instance":      "ml.m5.large",
			"model_framework":         "xgboost",
			"model_framework_version": "1.0-1",
			"data_capture_location":   "capture-bucket/churn/",
		},
	}
}

func monitorRequest(envs ...EnvironmentRef) *RawRequest {
	return &RawRequest{
		RequestID:    "req-monitor",
		PipelineType: "data-quality-monitor",
		Parameters: map[string]string{
			"endpoint_name":                "churn-endpoint",
			"baseline_data":                "data-bucket/baseline.csv",
			"baseline_job_output_location": "data-bucket/baseline-output",
			"data_capture_location":        "capture-bucket/churn",
			"monitoring_output_location":   "data-bucket/monitoring",
			"schedule_expression":          "cron(0 * ? * * *)",
		},
		TargetEnvironments: envs,
	}
}
