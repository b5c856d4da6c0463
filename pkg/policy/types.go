package policy

import (
	"time"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a request.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must
// define a deny set; each element is either a message string or an object
// with message and optional severity fields.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to deny elements that carry none.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was read from, or "builtin".
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single deny element produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one input.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations holds blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate. They are skipped.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Decision converts the result to the engine's admission decision, blocking
// violations first.
func (r *Result) Decision() *engine.PolicyDecision {
	d := &engine.PolicyDecision{Allowed: r.Allowed}
	for _, v := range r.Violations {
		d.Violations = append(d.Violations, engine.PolicyViolation{Policy: v.Policy, Message: v.Message, Severity: string(v.Severity)})
	}
	for _, v := range r.Warnings {
		d.Violations = append(d.Violations, engine.PolicyViolation{Policy: v.Policy, Message: v.Message, Severity: string(v.Severity)})
	}
	return d
}

// Input is the document policies see as input.
type Input struct {
	Request   *engine.PipelineRequest `json:"request"`
	Blueprint *BlueprintInput         `json:"blueprint,omitempty"`
	Context   *Context                `json:"context"`
}

// BlueprintInput is the blueprint as exposed to policies.
type BlueprintInput struct {
	PipelineType     string   `json:"pipeline_type"`
	Option           string   `json:"option"`
	TemplateID       string   `json:"template_id"`
	Parameters       []string `json:"parameters"`
	SupportedRegions []string `json:"supported_regions,omitempty"`
}

// Context provides evaluation context information.
type Context struct {
	// Operation is "create" or "update".
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input for a validated request.
func NewInput(req *engine.PipelineRequest, bp *engine.Blueprint) *Input {
	in := &Input{
		Request: req,
		Context: &Context{Operation: "create", Timestamp: time.Now().UTC()},
	}
	if req.IsUpdate {
		in.Context.Operation = "update"
	}
	if bp != nil {
		names := make([]string, 0, len(bp.ParameterSchema.Parameters))
		for _, p := range bp.ParameterSchema.Parameters {
			names = append(names, p.Name)
		}
		in.Blueprint = &BlueprintInput{
			PipelineType:     bp.PipelineType,
			Option:           bp.Option,
			TemplateID:       bp.TemplateID,
			Parameters:       names,
			SupportedRegions: bp.SupportedRegions,
		}
	}
	return in
}
