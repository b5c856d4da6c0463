package substrate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

var euWest = engine.EnvironmentRef{AccountID: "111111111111", Region: "eu-west-1"}

func submitInput(unit string, env *engine.EnvironmentRef) engine.SubmitInput {
	return engine.SubmitInput{
		PipelineID:  "pl-test",
		UnitName:    unit,
		TemplateID:  "realtime-inference-v1",
		Environment: env,
		Parameters:  map[string]string{"MODELNAME": "churn"},
		RequestID:   "req-1",
	}
}

func receive(t *testing.T, ch <-chan engine.CompletionSignal) engine.CompletionSignal {
	t.Helper()
	select {
	case sig, ok := <-ch:
		if !ok {
			t.Fatal("signal channel closed")
		}
		return sig
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion signal")
	}
	return engine.CompletionSignal{}
}

func TestSimulator_SubmitAndDescribe(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Latency: time.Hour}, zerolog.Nop())
	defer sim.Stop()
	ctx := context.Background()

	opID, err := sim.Submit(ctx, submitInput("mlpipe-pl-test", nil))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	st, err := sim.Describe(ctx, engine.DescribeInput{UnitName: "mlpipe-pl-test", OperationID: opID})
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if st.Status != engine.StatusInProgress {
		t.Errorf("expected in_progress, got %s", st.Status)
	}

	if !sim.Complete(opID, engine.StatusFailed, "quota exceeded") {
		t.Fatal("Complete returned false")
	}
	if sim.Complete(opID, engine.StatusSucceeded, "") {
		t.Error("completing a finished operation should be refused")
	}

	st, _ = sim.Describe(ctx, engine.DescribeInput{OperationID: opID})
	if st.Status != engine.StatusFailed || st.Reason != "quota exceeded" {
		t.Errorf("unexpected status %+v", st)
	}

	_, err = sim.Describe(ctx, engine.DescribeInput{UnitName: "x", OperationID: "missing"})
	if !engine.IsPermanent(err) || engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("expected permanent not-found error, got %v", err)
	}
}

func TestSimulator_Rejections(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{
		Latency:       time.Hour,
		RejectUnits:   map[string]string{"mlpipe-bad": "template not found"},
		RejectRegions: []string{"eu-west-1"},
	}, zerolog.Nop())
	defer sim.Stop()

	tests := []struct {
		name   string
		input  engine.SubmitInput
		reason string
	}{
		{"unit", submitInput("mlpipe-bad", nil), "template not found"},
		{"region", submitInput("mlpipe-ok", &euWest), "substrate unavailable in region eu-west-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sim.Submit(context.Background(), tt.input)
			if engine.CodeOf(err) != engine.ErrCodeSubmissionRejected {
				t.Fatalf("expected rejection, got %v", err)
			}
			if got := engine.RejectionReason(err); got != tt.reason {
				t.Errorf("reason = %q, want %q", got, tt.reason)
			}
		})
	}
	if sim.Operations() != 0 {
		t.Errorf("rejected submissions must not create operations")
	}
}

func TestSimulator_Signals(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{
		Latency:   10 * time.Millisecond,
		FailUnits: map[string]string{"mlpipe-fail": "endpoint health check failed"},
	}, zerolog.Nop())
	defer sim.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	signals, err := sim.Signals(ctx)
	if err != nil {
		t.Fatal(err)
	}

	okOp, _ := sim.Submit(ctx, submitInput("mlpipe-ok", &euWest))
	failOp, _ := sim.Submit(ctx, submitInput("mlpipe-fail", nil))

	got := map[string]engine.CompletionSignal{}
	for i := 0; i < 2; i++ {
		sig := receive(t, signals)
		got[sig.OperationID] = sig
	}

	if sig := got[okOp]; sig.Status != engine.StatusSucceeded || sig.Environment == nil || *sig.Environment != euWest {
		t.Errorf("unexpected success signal %+v", sig)
	}
	if sig := got[failOp]; sig.Status != engine.StatusFailed || sig.Reason != "endpoint health check failed" {
		t.Errorf("unexpected failure signal %+v", sig)
	}
	if got[okOp].PipelineID != "pl-test" {
		t.Errorf("signal lost pipeline ID: %+v", got[okOp])
	}

	cancel()
	select {
	case _, ok := <-signals:
		if ok {
			t.Error("expected channel to be closed after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSimulator_DrivesEngineToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := NewSimulator(SimulatorConfig{Latency: 50 * time.Millisecond}, zerolog.Nop())
	defer sim.Stop()

	store := engine.NewMemoryStore()
	tracker := engine.NewTracker(store, nil, nil, zerolog.Nop())
	coord, err := engine.NewCoordinator(engine.CoordinatorConfig{}, engine.CoordinatorDeps{
		Registry:  engine.DefaultRegistry(),
		Tracker:   tracker,
		Substrate: sim,
		Locks:     engine.NewMemoryLocks(),
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	signals, err := sim.Signals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rec := engine.NewReconciler(engine.ReconcilerConfig{}, tracker, sim, nil, zerolog.Nop())
	go rec.Consume(ctx, signals)

	out, err := coord.Handle(ctx, &engine.RawRequest{
		RequestID:    "req-sim",
		PipelineType: "realtime-inference",
		Parameters: map[string]string{
			"model_name":              "churn-model",
			"model_artifact_location": "models-bucket/churn/model.tar.gz",
			"inference_instance":      "ml.m5.large",
			"model_framework":         "xgboost",
			"model_framework_version": "1.0-1",
			"data_capture_location":   "capture-bucket/churn/",
		},
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := tracker.GetStatus(ctx, out.PipelineID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status() == engine.StatusSucceeded {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline stuck in %s", got.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
