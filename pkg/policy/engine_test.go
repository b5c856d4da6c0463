package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

func testEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func realtimeBlueprint(t *testing.T) *engine.Blueprint {
	t.Helper()
	bp, err := engine.DefaultRegistry().Resolve("realtime-inference", "builtin")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return bp
}

func realtimeRequest(instance, kmsKey string, targets int) *engine.PipelineRequest {
	req := &engine.PipelineRequest{
		RequestID:    "req-1",
		PipelineType: "realtime-inference",
		Option:       "builtin",
		Parameters: map[string]string{
			"model_name":              "churn",
			"model_artifact_location": "s3://models/churn/model.tar.gz",
			"inference_instance":      instance,
			"model_framework":         "xgboost",
			"model_framework_version": "1.0-1",
			"data_capture_location":   "s3://capture/churn",
			"kms_key_arn":             kmsKey,
		},
	}
	for i := 0; i < targets; i++ {
		req.TargetEnvironments = append(req.TargetEnvironments, engine.EnvironmentRef{
			AccountID: fmt.Sprintf("1000000000%02d", i),
			Region:    "us-east-1",
		})
	}
	return req
}

const testKey = "arn:aws:kms:us-east-1:123456789012:key/abc"

func TestNewEngine(t *testing.T) {
	eng := testEngine(t)

	policies := eng.ListPolicies()
	want := []string{"encryption-at-rest", "fanout-limit", "restricted-instance-types"}
	if len(policies) != len(want) {
		t.Fatalf("ListPolicies() returned %d policies, want %d", len(policies), len(want))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("policies[%d] = %s, want %s", i, p.Name, want[i])
		}
		if !p.Enabled || p.Source != SourceBuiltin {
			t.Errorf("policy %s: enabled=%v source=%q", p.Name, p.Enabled, p.Source)
		}
	}

	if got := testEngine(t, WithoutBuiltins()).ListPolicies(); len(got) != 0 {
		t.Errorf("WithoutBuiltins() loaded %d policies", len(got))
	}
}

func TestEvaluateRequest_Builtins(t *testing.T) {
	eng := testEngine(t)
	bp := realtimeBlueprint(t)

	tests := []struct {
		name         string
		req          *engine.PipelineRequest
		wantAllowed  bool
		wantPolicies []string
	}{
		{
			name:        "compliant request",
			req:         realtimeRequest("ml.m5.xlarge", testKey, 0),
			wantAllowed: true,
		},
		{
			name:         "restricted instance family",
			req:          realtimeRequest("ml.p4d.24xlarge", testKey, 0),
			wantAllowed:  false,
			wantPolicies: []string{"restricted-instance-types"},
		},
		{
			name:         "missing kms key only warns",
			req:          realtimeRequest("ml.m5.xlarge", "", 0),
			wantAllowed:  true,
			wantPolicies: []string{"encryption-at-rest"},
		},
		{
			name:        "fan-out at the limit",
			req:         realtimeRequest("ml.m5.xlarge", testKey, 20),
			wantAllowed: true,
		},
		{
			name:         "fan-out over the limit",
			req:          realtimeRequest("ml.m5.xlarge", testKey, 21),
			wantAllowed:  false,
			wantPolicies: []string{"fanout-limit"},
		},
		{
			name:         "blocking violations come first",
			req:          realtimeRequest("ml.p5.48xlarge", "", 0),
			wantAllowed:  false,
			wantPolicies: []string{"restricted-instance-types", "encryption-at-rest"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluateRequest(context.Background(), tt.req, bp)
			if err != nil {
				t.Fatalf("EvaluateRequest() error = %v", err)
			}
			if decision.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (violations %+v)", decision.Allowed, tt.wantAllowed, decision.Violations)
			}
			if len(decision.Violations) != len(tt.wantPolicies) {
				t.Fatalf("got %d violations, want %d: %+v", len(decision.Violations), len(tt.wantPolicies), decision.Violations)
			}
			for i, v := range decision.Violations {
				if v.Policy != tt.wantPolicies[i] {
					t.Errorf("violations[%d].Policy = %s, want %s", i, v.Policy, tt.wantPolicies[i])
				}
				if v.Message == "" {
					t.Errorf("violations[%d] has no message", i)
				}
			}
		})
	}
}

func TestEvaluateRequest_DeniedError(t *testing.T) {
	eng := testEngine(t)

	decision, err := eng.EvaluateRequest(context.Background(), realtimeRequest("ml.p4d.24xlarge", testKey, 0), realtimeBlueprint(t))
	if err != nil {
		t.Fatalf("EvaluateRequest() error = %v", err)
	}

	denied := engine.NewPolicyDeniedError("pipe-1", decision)
	if engine.CodeOf(denied) != engine.ErrCodePolicyDenied {
		t.Errorf("code = %s, want %s", engine.CodeOf(denied), engine.ErrCodePolicyDenied)
	}
	if want := "request denied by policy restricted-instance-types: inference_instance ml.p4d.24xlarge requires a capacity reservation"; denied.Message != want {
		t.Errorf("message = %q, want %q", denied.Message, want)
	}
}

type countingRecorder struct {
	mu              sync.Mutex
	allowed, denied int
}

func (r *countingRecorder) RecordPolicyDecision(allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if allowed {
		r.allowed++
	} else {
		r.denied++
	}
}

func TestEvaluateRequest_RecordsDecisions(t *testing.T) {
	rec := &countingRecorder{}
	eng := testEngine(t, WithRecorder(rec))
	bp := realtimeBlueprint(t)
	ctx := context.Background()

	for _, instance := range []string{"ml.m5.large", "ml.p5.48xlarge", "ml.c5.xlarge"} {
		if _, err := eng.EvaluateRequest(ctx, realtimeRequest(instance, testKey, 0), bp); err != nil {
			t.Fatalf("EvaluateRequest(%s) error = %v", instance, err)
		}
	}
	if rec.allowed != 2 || rec.denied != 1 {
		t.Errorf("recorded allowed=%d denied=%d, want 2 and 1", rec.allowed, rec.denied)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := testEngine(t)
	bp := realtimeBlueprint(t)
	req := realtimeRequest("ml.p4d.24xlarge", testKey, 0)

	if err := eng.DisablePolicy("restricted-instance-types"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	decision, err := eng.EvaluateRequest(context.Background(), req, bp)
	if err != nil {
		t.Fatalf("EvaluateRequest() error = %v", err)
	}
	if !decision.Allowed {
		t.Errorf("request denied with the policy disabled: %+v", decision.Violations)
	}

	if err := eng.EnablePolicy("restricted-instance-types"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	decision, err = eng.EvaluateRequest(context.Background(), req, bp)
	if err != nil {
		t.Fatalf("EvaluateRequest() error = %v", err)
	}
	if decision.Allowed {
		t.Error("request allowed with the policy enabled")
	}

	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("DisablePolicy() on an unknown policy should fail")
	}
}

const sandboxPolicy = `# Only small training jobs for the sandbox option.
# severity: error
# tags: cost
package mlpipe.admission.sandbox

import rego.v1

deny contains msg if {
	input.request.pipeline_type == "model-training"
	input.request.parameters.instance_count != "1"
	msg := "sandbox training jobs use a single instance"
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "sandbox.rego", sandboxPolicy)

	eng := testEngine(t, WithoutBuiltins())
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	p, err := eng.GetPolicy("sandbox")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Severity != SeverityError || len(p.Tags) != 1 || p.Tags[0] != "cost" {
		t.Errorf("policy header not applied: %+v", p)
	}

	input := &Input{
		Request: &engine.PipelineRequest{
			PipelineType: "model-training",
			Parameters:   map[string]string{"instance_count": "4"},
		},
		Context: &Context{Operation: "create"},
	}
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("Evaluate() = %+v, want one blocking violation", result)
	}
	if got := result.Violations[0].Message; got != "sandbox training jobs use a single instance" {
		t.Errorf("message = %q", got)
	}
	if len(result.EvaluatedPolicies) != 1 || result.EvaluatedPolicies[0] != "sandbox" {
		t.Errorf("EvaluatedPolicies = %v", result.EvaluatedPolicies)
	}
}

func TestLoadPolicies_CompileError(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "broken.rego", "package broken\n\ndeny contains msg if {\n")

	eng := testEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Fatal("LoadPolicies() with an invalid module should fail")
	}
	if got := len(eng.ListPolicies()); got != 3 {
		t.Errorf("ListPolicies() returned %d policies after a failed load, want 3", got)
	}
}

func TestReplacePolicies_KeepsBuiltins(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "sandbox.rego", sandboxPolicy)

	eng := testEngine(t)
	ctx := context.Background()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if got := len(eng.ListPolicies()); got != 4 {
		t.Fatalf("ListPolicies() returned %d policies, want 4", got)
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("sandbox"); err == nil {
		t.Error("file policy survived ReplacePolicies")
	}
	if got := len(eng.ListPolicies()); got != 3 {
		t.Errorf("ListPolicies() returned %d policies, want the 3 built-ins", got)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	eng := testEngine(t, WithoutBuiltins())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writePolicy(t, dir, "sandbox.rego", sandboxPolicy)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := eng.GetPolicy("sandbox"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("policy was not loaded after the file was written")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
