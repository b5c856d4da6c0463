package config

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Names predeclared for every mapping script.
var scriptGlobals = map[string]bool{
	"derived":       true,
	"request":       true,
	"pipeline_type": true,
	"option":        true,
	"template_id":   true,
	"environment":   true,
	"struct":        true,
}

// mappingScript is a parameter mapping program compiled once at
// registration. Running it binds fresh globals, so one program serves
// concurrent fan-out targets.
type mappingScript struct {
	name string
	prog *starlark.Program
}

func compileScript(name, src string) (*mappingScript, error) {
	_, prog, err := starlark.SourceProgram(name, src, func(n string) bool { return scriptGlobals[n] })
	if err != nil {
		return nil, fmt.Errorf("failed to compile mapping %s: %w", name, err)
	}
	return &mappingScript{name: name, prog: prog}, nil
}

// scriptInput is what a script sees.
type scriptInput struct {
	derived      map[string]string
	request      map[string]string
	pipelineType string
	option       string
	templateID   string
	// environment is nil outside a fan-out.
	environment map[string]string
}

func (in scriptInput) globals() (starlark.StringDict, error) {
	derived, err := stringDict(in.derived)
	if err != nil {
		return nil, err
	}
	request, err := stringDict(in.request)
	if err != nil {
		return nil, err
	}

	var environment starlark.Value = starlark.None
	if in.environment != nil {
		environment, err = stringDict(in.environment)
		if err != nil {
			return nil, err
		}
	}

	return starlark.StringDict{
		"derived":       derived,
		"request":       request,
		"pipeline_type": starlark.String(in.pipelineType),
		"option":        starlark.String(in.option),
		"template_id":   starlark.String(in.templateID),
		"environment":   environment,
		"struct":        starlarkstruct.Default,
	}, nil
}

// run executes the script and returns the parameters global. The thread is
// cancelled when ctx is done or timeout passes. print output is discarded
// and load is not available.
func (s *mappingScript) run(ctx context.Context, timeout time.Duration, in scriptInput) (map[string]string, error) {
	predeclared, err := in.globals()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	thread := &starlark.Thread{Name: s.name, Print: func(*starlark.Thread, string) {}}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	globals, err := s.prog.Init(thread, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("mapping %s cancelled after %v: %w", s.name, timeout, ctx.Err())
		}
		return nil, fmt.Errorf("mapping %s failed: %w", s.name, err)
	}

	out, ok := globals["parameters"]
	if !ok {
		return nil, fmt.Errorf("mapping %s did not bind parameters", s.name)
	}
	return fromParameters(out)
}

func stringDict(m map[string]string) (*starlark.Dict, error) {
	dict := starlark.NewDict(len(m))
	for k, v := range m {
		if err := dict.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// fromParameters converts the parameters dict. Strings, ints and bools are
// kept as their text; None drops the key.
func fromParameters(v starlark.Value) (map[string]string, error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("parameters must be a dict, got %s", v.Type())
	}

	out := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("parameter keys must be strings, got %s", item[0].Type())
		}
		switch val := item[1].(type) {
		case starlark.NoneType:
		case starlark.String:
			out[key] = string(val)
		case starlark.Bool:
			out[key] = strconv.FormatBool(bool(val))
		case starlark.Int:
			out[key] = val.String()
		default:
			return nil, fmt.Errorf("parameter %s has unsupported type %s", key, val.Type())
		}
	}
	return out, nil
}
