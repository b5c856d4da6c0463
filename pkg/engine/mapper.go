package engine

import (
	"context"
	"strings"
)

// TemplateMapper derives template parameters with the built-in naming rules:
// keys are upper-cased with underscores removed and location values lose any
// trailing slash. Fan-out targets also get TARGETACCOUNT and TARGETREGION.
type TemplateMapper struct{}

// TemplateParameters implements ParameterMapper.
func (TemplateMapper) TemplateParameters(_ context.Context, bp *Blueprint, params map[string]string, env *EnvironmentRef) (map[string]string, error) {
	return DefaultTemplateParameters(bp, params, env), nil
}

// DefaultTemplateParameters applies the built-in mapping rules.
func DefaultTemplateParameters(bp *Blueprint, params map[string]string, env *EnvironmentRef) map[string]string {
	out := make(map[string]string, len(params)+4)
	for k, v := range params {
		if spec, ok := bp.ParameterSchema.Lookup(k); ok && spec.Kind == ParamKindS3URI {
			v = strings.TrimRight(v, "/")
		}
		out[TemplateKey(k)] = v
	}
	out["PIPELINETYPE"] = bp.PipelineType
	out["TEMPLATEID"] = bp.TemplateID
	if env != nil {
		out["TARGETACCOUNT"] = env.AccountID
		out["TARGETREGION"] = env.Region
	}
	return out
}

// TemplateKey converts a request parameter name to its template parameter name.
func TemplateKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "_", ""))
}
