package engine

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	identifierPattern   = regexp.MustCompile(`^[a-zA-Z0-9](-*[a-zA-Z0-9])*$`)
	pipelineIDPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	s3URIPattern        = regexp.MustCompile(`^(s3://)?[a-z0-9][a-z0-9.-]{1,61}[a-z0-9](/.*)?$`)
	arnPattern          = regexp.MustCompile(`^arn:aws[a-z-]*:[a-z0-9-]+:[a-z0-9-]*:[0-9]{0,12}:.+$`)
	imageURIPattern     = regexp.MustCompile(`^[0-9]{12}\.dkr\.ecr\.[a-z0-9-]+\.amazonaws\.com(\.cn)?/[a-z0-9._/-]+(:[A-Za-z0-9._-]+|@sha256:[a-f0-9]{64})?$`)
	instanceTypePattern = regexp.MustCompile(`^ml\.[a-z0-9]+\.[a-z0-9]+$`)
	schedulePattern     = regexp.MustCompile(`^(cron|rate)\(.+\)$`)
	regionPattern       = regexp.MustCompile(`^[a-z]{2}(-gov|-iso[a-z]?)?-[a-z]+-[0-9]$`)
)

// kindTags maps parameter kinds to validator tags evaluated with Var.
var kindTags = map[ParameterKind]string{
	ParamKindText:         "required",
	ParamKindIdentifier:   "required,max=63,identifier",
	ParamKindS3URI:        "required,s3uri",
	ParamKindARN:          "required,arn",
	ParamKindImageURI:     "required,imageuri",
	ParamKindInstanceType: "required,instancetype",
	ParamKindInteger:      "required,number",
	ParamKindBoolean:      "required,boolean",
	ParamKindSchedule:     "required,schedule",
}

var tagReasons = map[string]string{
	"required":     "must not be empty",
	"max":          "is too long",
	"identifier":   "must contain only alphanumerics and hyphens, starting and ending with an alphanumeric",
	"s3uri":        "must be an S3 location (bucket[/prefix])",
	"arn":          "must be an ARN",
	"imageuri":     "must be an ECR image URI",
	"instancetype": "must be an ML instance type such as ml.m5.large",
	"number":       "must be a non-negative integer",
	"boolean":      "must be true or false",
	"schedule":     "must be a cron(...) or rate(...) expression",
	"oneof":        "is not one of the allowed values",
	"awsregion":    "is not a well-formed region",
	"pipelineid":   "must be lowercase alphanumerics and hyphens, at most 63 characters",
}

// Validator turns raw requests into normalized PipelineRequests.
// It is safe for concurrent use.
type Validator struct {
	registry *Registry
	schemas  ParameterValidator
	validate *validator.Validate
}

// NewValidator creates a validator for the registry. schemas may be nil.
func NewValidator(registry *Registry, schemas ParameterValidator) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	patterns := map[string]*regexp.Regexp{
		"identifier":   identifierPattern,
		"pipelineid":   pipelineIDPattern,
		"s3uri":        s3URIPattern,
		"arn":          arnPattern,
		"imageuri":     imageURIPattern,
		"instancetype": instanceTypePattern,
		"schedule":     schedulePattern,
		"awsregion":    regionPattern,
	}
	for tag, re := range patterns {
		// Registration only fails for empty tags or nil funcs.
		_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		})
	}

	return &Validator{
		registry: registry,
		schemas:  schemas,
		validate: v,
	}
}

// Validate checks a raw request and returns its normalized form. It has no
// side effects: the same raw request always yields the same result, and an
// empty request ID stays empty.
// Checks run in a fixed order: request shape, pipeline type, required parameters,
// per-field constraints, then target environments.
func (v *Validator) Validate(raw *RawRequest) (*PipelineRequest, error) {
	if raw == nil {
		return nil, NewInvalidParameterError("request", "request body is empty")
	}

	norm := normalizeRaw(raw)

	if err := v.validate.Struct(norm); err != nil {
		return nil, v.shapeError(err)
	}

	if !v.registry.HasType(norm.PipelineType) {
		return nil, NewUnknownPipelineTypeError(norm.PipelineType)
	}
	if norm.Option == "" {
		norm.Option = v.registry.DefaultOption(norm.PipelineType)
	}

	req := &PipelineRequest{
		RequestID:    norm.RequestID,
		PipelineID:   norm.PipelineID,
		PipelineType: norm.PipelineType,
		Option:       norm.Option,
		Parameters:   norm.Parameters,
		IsUpdate:     norm.IsUpdate,
	}
	// An unregistered option is reported by the resolver, so schema checks are
	// skipped and only the remaining structural checks run.
	bp, err := v.registry.lookup(norm.PipelineType, norm.Option)
	if err == nil {
		if err := v.validateParameters(bp, req.Parameters); err != nil {
			return nil, err
		}
	}

	targets, err := v.validateTargets(bp, norm.TargetEnvironments)
	if err != nil {
		return nil, err
	}
	req.TargetEnvironments = targets

	return req, nil
}

func normalizeRaw(raw *RawRequest) *RawRequest {
	norm := &RawRequest{
		RequestID:    strings.TrimSpace(raw.RequestID),
		PipelineID:   strings.ToLower(strings.TrimSpace(raw.PipelineID)),
		PipelineType: strings.ToLower(strings.TrimSpace(raw.PipelineType)),
		Option:       strings.ToLower(strings.TrimSpace(raw.Option)),
		Parameters:   make(map[string]string, len(raw.Parameters)),
		IsUpdate:     raw.IsUpdate,
	}
	for k, val := range raw.Parameters {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		norm.Parameters[k] = strings.TrimSpace(val)
	}
	for _, env := range raw.TargetEnvironments {
		norm.TargetEnvironments = append(norm.TargetEnvironments, EnvironmentRef{
			AccountID: strings.TrimSpace(env.AccountID),
			Region:    strings.ToLower(strings.TrimSpace(env.Region)),
		})
	}
	return norm
}

// shapeError converts a struct validation failure into the matching engine error.
func (v *Validator) shapeError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewInvalidParameterError("request", err.Error())
	}

	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch {
	case field == "pipeline_type":
		return NewUnknownPipelineTypeError("")
	case fe.Tag() == "required":
		return NewMissingParameterError(field)
	default:
		return NewInvalidParameterError(field, reasonFor(fe.Tag()))
	}
}

func (v *Validator) validateParameters(bp *Blueprint, params map[string]string) error {
	for _, spec := range bp.ParameterSchema.Parameters {
		if params[spec.Name] == "" {
			if spec.Default != "" {
				params[spec.Name] = spec.Default
			} else if spec.Required {
				return NewMissingParameterError(spec.Name)
			}
		}
	}

	for _, spec := range bp.ParameterSchema.Parameters {
		value, ok := params[spec.Name]
		if !ok || value == "" {
			continue
		}
		if spec.Kind == ParamKindS3URI {
			value = strings.TrimRight(value, "/")
			params[spec.Name] = value
		}
		if err := v.checkKind(spec, value); err != nil {
			return err
		}
	}

	if v.schemas != nil && bp.ParameterSchema.Definition != "" {
		if err := v.schemas.ValidateParameters(bp.ParameterSchema.Definition, params); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkKind(spec ParameterSpec, value string) error {
	tag, ok := kindTags[spec.Kind]
	if spec.Kind == ParamKindEnum {
		tag, ok = "oneof="+strings.Join(spec.Allowed, " "), true
	}
	if !ok {
		return fmt.Errorf("parameter %s has unsupported kind %q", spec.Name, spec.Kind)
	}

	err := v.validate.Var(value, tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		reason := reasonFor(verrs[0].Tag())
		if spec.Kind == ParamKindEnum {
			reason = "must be one of " + strings.Join(spec.Allowed, ", ")
		}
		return NewInvalidParameterError(spec.Name, reason)
	}
	return NewInvalidParameterError(spec.Name, err.Error())
}

func (v *Validator) validateTargets(bp *Blueprint, targets []EnvironmentRef) ([]EnvironmentRef, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	seen := make(map[EnvironmentRef]int, len(targets))
	out := make([]EnvironmentRef, 0, len(targets))
	for i, env := range targets {
		if _, dup := seen[env]; dup {
			return nil, NewDuplicateTargetError(env).WithDetail("index", i)
		}
		seen[env] = i

		if bp != nil && len(bp.SupportedRegions) > 0 && !contains(bp.SupportedRegions, env.Region) {
			return nil, NewInvalidParameterError(
				fmt.Sprintf("target_environments[%d].region", i),
				fmt.Sprintf("region %s is not supported by %s", env.Region, bp.Key()),
			)
		}
		out = append(out, env)
	}
	return out, nil
}

func reasonFor(tag string) string {
	if r, ok := tagReasons[tag]; ok {
		return r
	}
	return "failed " + tag + " constraint"
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
