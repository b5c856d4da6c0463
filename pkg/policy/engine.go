package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// DecisionRecorder receives one call per admission decision.
type DecisionRecorder interface {
	RecordPolicyDecision(allowed bool)
}

// Engine evaluates Rego admission policies. It implements
// engine.PolicyEvaluator.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	recorder DecisionRecorder
	builtins bool
}

var _ engine.PolicyEvaluator = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder reports every admission decision to r.
func WithRecorder(r DecisionRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithoutBuiltins starts the engine with no built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.builtins = false }
}

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtins: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.builtins {
		builtin := BuiltinPolicies()
		for i := range builtin {
			cp, err := compile(context.Background(), &builtin[i])
			if err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
			}
			e.policies[cp.policy.Name] = cp
		}
		e.logger.Debug().Int("count", len(builtin)).Msg("Built-in policies loaded")
	}

	return e, nil
}

// EvaluateRequest implements engine.PolicyEvaluator.
func (e *Engine) EvaluateRequest(ctx context.Context, req *engine.PipelineRequest, bp *engine.Blueprint) (*engine.PolicyDecision, error) {
	result, err := e.Evaluate(ctx, NewInput(req, bp))
	if err != nil {
		return nil, err
	}
	if e.recorder != nil {
		e.recorder.RecordPolicyDecision(result.Allowed)
	}

	e.logger.Debug().
		Str("pipeline_type", req.PipelineType).
		Str("request_id", req.RequestID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Admission policies evaluated")

	return result.Decision(), nil
}

// Evaluate runs every enabled policy against input in name order. A policy
// that fails to evaluate is logged, listed in Result.Errors and skipped.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now().UTC()
	result.Duration = time.Since(start)
	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	// Deny sets are unordered.
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from one deny element.
func createViolation(policy *Policy, d interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := d.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", d)
	}

	return violation
}

// compile parses a policy and prepares its data.<package>.deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// LoadPolicies compiles the policies found under paths and adds them,
// replacing policies of the same name. Nothing is added if any fails.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// ReplacePolicies swaps every file-sourced policy for the given set. The
// built-in policies are kept.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Source != SourceBuiltin {
			delete(e.policies, name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies replaced")
	return nil
}

// Watch reloads the policies under paths whenever their files change,
// until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

func compileAll(ctx context.Context, policies []Policy) ([]*compiledPolicy, error) {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}
	return compiled, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
