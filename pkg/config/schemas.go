package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// SchemaRegistry holds CUE sources whose definitions constrain the full
// parameter map of a blueprint. Blueprints name a definition such as
// "#RealtimeInference"; the registry finds it in any registered source.
type SchemaRegistry struct {
	// cue.Context and the values built from it are not safe for concurrent use.
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

var _ engine.ParameterValidator = (*SchemaRegistry)(nil)

// NewSchemaRegistry creates a new schema registry with the built-in parameter schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("builtin", builtinParameterSchemas); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles a CUE source and registers it under name,
// replacing any source of the same name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	sr.schemas[name] = val
	return nil
}

// LoadDir registers every .cue file in dir under its base name.
func (sr *SchemaRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read schema directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".cue" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read schema %s: %w", entry.Name(), err)
		}
		if err := sr.RegisterSchema(strings.TrimSuffix(entry.Name(), ".cue"), string(content)); err != nil {
			return err
		}
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasDefinition reports whether any registered source declares definition.
func (sr *SchemaRegistry) HasDefinition(definition string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	_, ok := sr.lookup(definition)
	return ok
}

func (sr *SchemaRegistry) lookup(definition string) (cue.Value, bool) {
	path := cue.ParsePath(definition)
	if path.Err() != nil {
		return cue.Value{}, false
	}
	for _, name := range sortedKeys(sr.schemas) {
		def := sr.schemas[name].LookupPath(path)
		if def.Exists() {
			return def, true
		}
	}
	return cue.Value{}, false
}

// ValidateParameters unifies params with the named definition. The first
// violation is returned as a MissingParameter or InvalidParameterValue error.
func (sr *SchemaRegistry) ValidateParameters(definition string, params map[string]string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	def, ok := sr.lookup(definition)
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("parameter schema %s is not registered", definition), nil).
			WithCode(engine.ErrCodeInternal)
	}

	// Empty values count as absent.
	present := make(map[string]string, len(params))
	for k, v := range params {
		if v != "" {
			present[k] = v
		}
	}

	data := sr.ctx.Encode(present)
	if err := data.Err(); err != nil {
		return engine.NewInvalidParameterError("parameters", err.Error())
	}

	err := def.Unify(data).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	return parameterError(err, present)
}

// parameterError maps the first CUE error to the parameter it concerns.
func parameterError(err error, params map[string]string) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return engine.NewInvalidParameterError("parameters", err.Error())
	}

	first := errs[0]
	name := "parameters"
	if path := first.Path(); len(path) > 0 {
		name = path[len(path)-1]
	}
	if _, present := params[name]; !present && name != "parameters" {
		return engine.NewMissingParameterError(name)
	}

	format, args := first.Msg()
	return engine.NewInvalidParameterError(name, fmt.Sprintf(format, args...))
}

func sortedKeys(m map[string]cue.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Built-in schema definitions. Field constraints repeat the per-kind checks
// of the validator only where a definition tightens them.
const builtinParameterSchemas = `
import "strings"

#Name:         =~"^[a-zA-Z0-9](-*[a-zA-Z0-9])*$" & strings.MaxRunes(63)
#S3Location:   =~"^(s3://)?[a-z0-9][a-z0-9.-]{1,61}[a-z0-9](/.*)?$"
#InstanceType: =~"^ml\\.[a-z0-9]+\\.[a-z0-9]+$"
#KMSKey:       =~"^arn:aws[a-z-]*:kms:[a-z0-9-]+:[0-9]{12}:(key|alias)/.+$"
#Count:        =~"^[1-9][0-9]*$"

#RealtimeInference: {
	model_name:            #Name
	inference_instance:    #InstanceType
	data_capture_location: #S3Location
	endpoint_name?:        #Name
	kms_key_arn?:          #KMSKey
	...
}

#ModelMonitor: {
	endpoint_name:                #Name
	baseline_data:                #S3Location
	baseline_job_output_location: #S3Location
	data_capture_location:        #S3Location
	monitoring_output_location:   #S3Location
	schedule_expression:          =~"^cron\\(.+\\)$" | =~"^rate\\([0-9]+ (hour|hours|day|days)\\)$"
	instance_volume_size?:        #Count
	// one to 3600 seconds; a monitoring job must finish within its hourly slot
	max_runtime_seconds?: =~"^([1-9][0-9]{0,2}|[1-2][0-9]{3}|3[0-5][0-9]{2}|3600)$"
	kms_key_arn?:         #KMSKey
	...
}

#ModelTraining: {
	job_name:              #Name
	training_data:         #S3Location
	job_output_location:   #S3Location
	validation_data?:      #S3Location
	instance_type?:        #InstanceType
	instance_count?:       #Count
	instance_volume_size?: #Count
	// SageMaker caps training jobs at 28 days
	max_runtime_seconds?: #Count & strings.MaxRunes(7)
	max_parallel_jobs?:   #Count
	...
}
`
