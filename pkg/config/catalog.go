package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// Catalog is a blueprint catalog file. Entries are added to the built-in
// catalog; an entry with the type and option of a built-in replaces it.
type Catalog struct {
	Blueprints []CatalogEntry `json:"blueprints" yaml:"blueprints" validate:"dive"`

	// Mappings holds inline Starlark mapping scripts keyed by pipeline type.
	Mappings map[string]string `json:"mappings,omitempty" yaml:"mappings,omitempty"`

	// Source is the file the catalog was read from.
	Source string `json:"-" yaml:"-"`
}

// CatalogEntry is one blueprint of a catalog file.
type CatalogEntry struct {
	PipelineType     string                 `json:"pipeline_type" yaml:"pipeline_type" validate:"required,lowercase"`
	Option           string                 `json:"option" yaml:"option" validate:"required,lowercase"`
	Default          bool                   `json:"default,omitempty" yaml:"default,omitempty"`
	TemplateID       string                 `json:"template_id" yaml:"template_id" validate:"required"`
	Description      string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters       []engine.ParameterSpec `json:"parameters" yaml:"parameters" validate:"dive"`
	Definition       string                 `json:"definition,omitempty" yaml:"definition,omitempty" validate:"omitempty,startswith=#"`
	KeyParameters    []string               `json:"key_parameters,omitempty" yaml:"key_parameters,omitempty"`
	SupportedRegions []string               `json:"supported_regions,omitempty" yaml:"supported_regions,omitempty"`
}

// Blueprint converts the entry to an engine blueprint.
func (e CatalogEntry) Blueprint() engine.Blueprint {
	return engine.Blueprint{
		PipelineType: e.PipelineType,
		Option:       e.Option,
		Default:      e.Default,
		TemplateID:   e.TemplateID,
		Description:  e.Description,
		ParameterSchema: engine.ParameterSchema{
			Parameters: e.Parameters,
			Definition: e.Definition,
		},
		KeyParameters:    e.KeyParameters,
		SupportedRegions: e.SupportedRegions,
	}
}

// ValidationError represents a catalog error with location information.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var loc string
	switch {
	case e.File != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.File != "":
		loc = e.File + ": "
	}
	if e.Path != "" {
		return loc + e.Path + ": " + e.Message
	}
	return loc + e.Message
}

// CatalogError collects every problem found in a catalog file.
type CatalogError struct {
	Errors []ValidationError
}

func (e *CatalogError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return "invalid blueprint catalog: " + strings.Join(msgs, "; ")
}

// LoadCatalog reads a catalog from a .yaml, .yml or .cue file.
func LoadCatalog(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var catalog *Catalog
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		catalog, err = parseYAMLCatalog(path, content)
	case ".cue":
		catalog, err = parseCUECatalog(path, content)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}
	if err != nil {
		return nil, err
	}
	catalog.Source = path

	if err := catalog.validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

func parseYAMLCatalog(path string, content []byte) (*Catalog, error) {
	var catalog Catalog
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil {
		return nil, &CatalogError{Errors: []ValidationError{{File: path, Message: err.Error()}}}
	}
	return &catalog, nil
}

func parseCUECatalog(path string, content []byte) (*Catalog, error) {
	val := cuecontext.New().CompileBytes(content, cue.Filename(path))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, cueCatalogError(path, err)
	}

	var catalog Catalog
	if err := val.Decode(&catalog); err != nil {
		return nil, cueCatalogError(path, err)
	}
	return &catalog, nil
}

func cueCatalogError(path string, err error) *CatalogError {
	errs := convertCUEErrors(err)
	if len(errs) == 0 {
		errs = []ValidationError{{Message: err.Error()}}
	}
	for i := range errs {
		if errs[i].File == "" {
			errs[i].File = path
		}
	}
	return &CatalogError{Errors: errs}
}

func (c *Catalog) validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("failed to validate catalog: %w", err)
	}
	out := &CatalogError{}
	for _, fe := range verrs {
		out.Errors = append(out.Errors, ValidationError{
			File:    c.Source,
			Path:    strings.TrimPrefix(fe.Namespace(), "Catalog."),
			Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
		})
	}
	return out
}

// Registry builds a registry of the built-in blueprints extended by the catalog.
func (c *Catalog) Registry() (*engine.Registry, error) {
	blueprints := engine.BuiltinBlueprints()
	for _, entry := range c.Blueprints {
		blueprints = append(blueprints, entry.Blueprint())
	}
	return engine.NewRegistry(blueprints)
}

// CheckDefinitions reports catalog entries naming a CUE definition that no
// registered schema declares.
func (c *Catalog) CheckDefinitions(schemas *SchemaRegistry) error {
	out := &CatalogError{}
	for i, entry := range c.Blueprints {
		if entry.Definition != "" && !schemas.HasDefinition(entry.Definition) {
			out.Errors = append(out.Errors, ValidationError{
				File:    c.Source,
				Path:    fmt.Sprintf("blueprints[%d].definition", i),
				Message: fmt.Sprintf("definition %s is not declared by any schema", entry.Definition),
			})
		}
	}
	if len(out.Errors) > 0 {
		return out
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}

	return validationErrors
}
