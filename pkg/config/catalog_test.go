package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const yamlCatalog = `
blueprints:
  - pipeline_type: feature-store-ingest
    option: default
    default: true
    template_id: feature_store_ingest.yaml
    description: Ingests a dataset into a feature group
    key_parameters: [feature_group_name]
    definition: "#FeatureStore"
    parameters:
      - name: feature_group_name
        kind: identifier
        required: true
      - name: source_data
        kind: s3_uri
        required: true
  - pipeline_type: realtime-inference
    option: builtin
    default: true
    template_id: byom_realtime_inference_pipeline_v2.yaml
    parameters:
      - name: model_name
        kind: identifier
        required: true
mappings:
  feature-store-ingest: |
    parameters = dict(derived, OFFLINESTORE = "true")
`

const cueCatalog = `
blueprints: [{
	pipeline_type: "feature-store-ingest"
	option:        "default"
	template_id:   "feature_store_ingest.yaml"
	parameters: [{
		name:     "feature_group_name"
		kind:     "identifier"
		required: true
	}]
}]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCatalog_YAML(t *testing.T) {
	catalog, err := LoadCatalog(writeFile(t, "catalog.yaml", yamlCatalog))
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if len(catalog.Blueprints) != 2 {
		t.Fatalf("expected 2 blueprints, got %d", len(catalog.Blueprints))
	}
	if catalog.Mappings["feature-store-ingest"] == "" {
		t.Error("expected inline mapping script")
	}

	registry, err := catalog.Registry()
	if err != nil {
		t.Fatalf("Registry failed: %v", err)
	}

	bp, err := registry.Resolve("feature-store-ingest", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if bp.ParameterSchema.Definition != "#FeatureStore" || len(bp.ParameterSchema.Parameters) != 2 {
		t.Errorf("unexpected blueprint: %+v", bp)
	}

	// Catalog entries replace built-ins with the same type and option.
	rt, err := registry.Resolve("realtime-inference", "builtin")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rt.TemplateID != "byom_realtime_inference_pipeline_v2.yaml" {
		t.Errorf("expected override template, got %s", rt.TemplateID)
	}
	if _, err := registry.Resolve("realtime-inference", "custom"); err != nil {
		t.Errorf("expected other built-in options to survive: %v", err)
	}
}

func TestLoadCatalog_CUE(t *testing.T) {
	catalog, err := LoadCatalog(writeFile(t, "catalog.cue", cueCatalog))
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if len(catalog.Blueprints) != 1 || catalog.Blueprints[0].TemplateID != "feature_store_ingest.yaml" {
		t.Fatalf("unexpected catalog: %+v", catalog.Blueprints)
	}
	if !catalog.Blueprints[0].Parameters[0].Required {
		t.Error("expected required parameter")
	}
}

func TestLoadCatalog_Errors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		contains string
	}{
		{"unknown field", "c.yaml", "blueprints:\n  - pipeline_type: x\n    bogus: 1\n", "bogus"},
		{"missing template", "c.yaml", "blueprints:\n  - pipeline_type: x\n    option: default\n", "TemplateID"},
		{"upper-case type", "c.yaml", "blueprints:\n  - pipeline_type: Feature\n    option: default\n    template_id: t.yaml\n", "PipelineType"},
		{"bad definition name", "c.yaml", "blueprints:\n  - pipeline_type: x\n    option: default\n    template_id: t.yaml\n    definition: FeatureStore\n", "Definition"},
		{"cue syntax", "c.cue", "blueprints: [", "c.cue"},
		{"cue conflict", "c.cue", "blueprints: [{option: \"a\"}, {option: \"b\"}]\nblueprints: [{option: \"c\"}, {option: \"b\"}]\n", "option"},
		{"unsupported extension", "c.json", "{}", "unsupported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalog(writeFile(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("expected error to mention %q, got %v", tt.contains, err)
			}
		})
	}

	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCatalog_CheckDefinitions(t *testing.T) {
	catalog, err := LoadCatalog(writeFile(t, "catalog.yaml", yamlCatalog))
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	schemas := NewSchemaRegistry()
	err = catalog.CheckDefinitions(schemas)
	var catErr *CatalogError
	if !errors.As(err, &catErr) || len(catErr.Errors) != 1 {
		t.Fatalf("expected one catalog error, got %v", err)
	}
	if catErr.Errors[0].Path != "blueprints[0].definition" {
		t.Errorf("unexpected path: %s", catErr.Errors[0].Path)
	}

	if err := schemas.RegisterSchema("feature_store", `#FeatureStore: {...}`); err != nil {
		t.Fatal(err)
	}
	if err := catalog.CheckDefinitions(schemas); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
