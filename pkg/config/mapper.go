package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// ParameterMapper derives template parameters with the built-in naming rules
// and then lets an optional per-pipeline-type Starlark script rewrite them.
//
// A script sees these predeclared names:
//
//	derived       dict of template parameters from the built-in rules
//	request       dict of the validated request parameters
//	pipeline_type the blueprint's pipeline type
//	option        the blueprint's option
//	template_id   the blueprint's template
//	environment   dict with account_id and region, or None
//
// and must bind a global dict named parameters, for example
//
//	parameters = dict(derived, ENDPOINTNAME = request["model_name"] + "-ep")
//
// Values may be strings, ints or bools; None drops the key.
type ParameterMapper struct {
	timeout time.Duration

	mu      sync.RWMutex
	scripts map[string]*mappingScript
}

var _ engine.ParameterMapper = (*ParameterMapper)(nil)

// NewParameterMapper creates a mapper whose scripts are cancelled after
// timeout. A non-positive timeout means five seconds.
func NewParameterMapper(timeout time.Duration) *ParameterMapper {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ParameterMapper{
		timeout: timeout,
		scripts: make(map[string]*mappingScript),
	}
}

// RegisterScript compiles script and sets it as the mapping of a pipeline
// type. A script that does not compile is rejected and the previous one, if
// any, stays in place.
func (m *ParameterMapper) RegisterScript(pipelineType, script string) error {
	compiled, err := compileScript(pipelineType+".star", script)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[pipelineType] = compiled
	return nil
}

// LoadDir registers every <pipeline-type>.star file in dir.
func (m *ParameterMapper) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read mappings directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".star" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read mapping %s: %w", entry.Name(), err)
		}
		if err := m.RegisterScript(strings.TrimSuffix(entry.Name(), ".star"), string(content)); err != nil {
			return err
		}
	}
	return nil
}

// PipelineTypes returns the pipeline types that have a script.
func (m *ParameterMapper) PipelineTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make([]string, 0, len(m.scripts))
	for t := range m.scripts {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// TemplateParameters implements engine.ParameterMapper.
func (m *ParameterMapper) TemplateParameters(ctx context.Context, bp *engine.Blueprint, params map[string]string, env *engine.EnvironmentRef) (map[string]string, error) {
	derived := engine.DefaultTemplateParameters(bp, params, env)

	m.mu.RLock()
	script, ok := m.scripts[bp.PipelineType]
	m.mu.RUnlock()
	if !ok {
		return derived, nil
	}

	in := scriptInput{
		derived:      derived,
		request:      params,
		pipelineType: bp.PipelineType,
		option:       bp.Option,
		templateID:   bp.TemplateID,
	}
	if env != nil {
		in.environment = map[string]string{"account_id": env.AccountID, "region": env.Region}
	}

	out, err := script.run(ctx, m.timeout, in)
	if err != nil {
		return nil, engine.NewPermanentError("parameter mapping failed", err).
			WithCode(engine.ErrCodeInternal).
			WithResource(bp.Key()).
			WithOperation("map_parameters")
	}
	return out, nil
}
