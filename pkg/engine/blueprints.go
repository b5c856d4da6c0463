package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Registry is an immutable lookup of blueprints keyed by pipeline type and option.
// It is built once at startup; there is no runtime registration.
type Registry struct {
	blueprints map[string]*Blueprint
	defaults   map[string]string
	options    map[string][]string
	types      []string
}

// NewRegistry builds a registry from the given blueprints. Later entries with the
// same type and option replace earlier ones, so a catalog file can override the
// built-in definitions.
func NewRegistry(blueprints []Blueprint) (*Registry, error) {
	r := &Registry{
		blueprints: make(map[string]*Blueprint),
		defaults:   make(map[string]string),
		options:    make(map[string][]string),
	}

	for i := range blueprints {
		bp := blueprints[i].Clone()
		bp.PipelineType = strings.ToLower(strings.TrimSpace(bp.PipelineType))
		bp.Option = strings.ToLower(strings.TrimSpace(bp.Option))

		if bp.PipelineType == "" {
			return nil, fmt.Errorf("blueprint %d: pipeline type is required", i)
		}
		if bp.Option == "" {
			return nil, fmt.Errorf("blueprint %s: option is required", bp.PipelineType)
		}
		if bp.TemplateID == "" {
			return nil, fmt.Errorf("blueprint %s: template id is required", bp.Key())
		}
		for _, p := range bp.ParameterSchema.Parameters {
			if p.Name == "" {
				return nil, fmt.Errorf("blueprint %s: parameter with empty name", bp.Key())
			}
			if p.Kind == ParamKindEnum && len(p.Allowed) == 0 {
				return nil, fmt.Errorf("blueprint %s: enum parameter %s has no allowed values", bp.Key(), p.Name)
			}
		}

		if _, exists := r.blueprints[bp.Key()]; !exists {
			r.options[bp.PipelineType] = append(r.options[bp.PipelineType], bp.Option)
		}
		r.blueprints[bp.Key()] = bp

		if bp.Default {
			r.defaults[bp.PipelineType] = bp.Option
		}
	}

	for t, opts := range r.options {
		if _, ok := r.defaults[t]; !ok {
			r.defaults[t] = opts[0]
		}
		r.types = append(r.types, t)
	}
	sort.Strings(r.types)

	return r, nil
}

// DefaultRegistry returns a registry holding the built-in catalog.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(BuiltinBlueprints())
	if err != nil {
		panic(fmt.Sprintf("built-in blueprint catalog is invalid: %v", err))
	}
	return r
}

// Resolve returns a copy of the blueprint for the type and option.
// An empty option resolves to the type's default option.
func (r *Registry) Resolve(pipelineType, option string) (*Blueprint, error) {
	bp, err := r.lookup(pipelineType, option)
	if err != nil {
		return nil, err
	}
	return bp.Clone(), nil
}

func (r *Registry) lookup(pipelineType, option string) (*Blueprint, error) {
	pipelineType = strings.ToLower(strings.TrimSpace(pipelineType))
	option = strings.ToLower(strings.TrimSpace(option))

	if !r.HasType(pipelineType) {
		return nil, NewUnknownPipelineTypeError(pipelineType)
	}
	if option == "" {
		option = r.defaults[pipelineType]
	}
	bp, ok := r.blueprints[pipelineType+"/"+option]
	if !ok {
		return nil, NewUnsupportedOptionError(pipelineType, option)
	}
	return bp, nil
}

// HasType reports whether any blueprint is registered for the pipeline type.
func (r *Registry) HasType(pipelineType string) bool {
	_, ok := r.options[pipelineType]
	return ok
}

// DefaultOption returns the default option of a pipeline type.
func (r *Registry) DefaultOption(pipelineType string) string {
	return r.defaults[pipelineType]
}

// Options returns the registered options of a pipeline type in registration order.
func (r *Registry) Options(pipelineType string) []string {
	return append([]string(nil), r.options[pipelineType]...)
}

// Types returns the registered pipeline types, sorted.
func (r *Registry) Types() []string {
	return append([]string(nil), r.types...)
}

// List returns copies of all blueprints ordered by type, then option registration order.
func (r *Registry) List() []Blueprint {
	var out []Blueprint
	for _, t := range r.types {
		for _, o := range r.options[t] {
			out = append(out, *r.blueprints[t+"/"+o].Clone())
		}
	}
	return out
}

// Len returns the number of registered blueprints.
func (r *Registry) Len() int {
	return len(r.blueprints)
}

func required(name string, kind ParameterKind, description string) ParameterSpec {
	return ParameterSpec{Name: name, Kind: kind, Required: true, Description: description}
}

func optional(name string, kind ParameterKind, def, description string) ParameterSpec {
	return ParameterSpec{Name: name, Kind: kind, Default: def, Description: description}
}

func enum(name string, def string, allowed ...string) ParameterSpec {
	return ParameterSpec{Name: name, Kind: ParamKindEnum, Default: def, Required: def == "", Allowed: allowed}
}

const (
	templateRealtime   = "byom_realtime_inference_pipeline.yaml"
	templateBatch      = "byom_batch_pipeline.yaml"
	templateMonitor    = "byom_model_monitor.yaml"
	templateImage      = "byom_custom_algorithm_image_builder.yaml"
	templateTraining   = "model_training_pipeline.yaml"
	templateAutopilot  = "autopilot_training_pipeline.yaml"
	templateHyperparam = "model_hyperparameter_tuning_pipeline.yaml"
)

// BuiltinBlueprints returns the built-in blueprint catalog.
func BuiltinBlueprints() []Blueprint {
	modelCommon := []ParameterSpec{
		required("model_name", ParamKindIdentifier, "Name of the model; used for endpoint and job names"),
		required("model_artifact_location", ParamKindS3URI, "Location of the model.tar.gz artifact"),
		required("inference_instance", ParamKindInstanceType, "Instance type used for inference"),
	}
	builtinModel := []ParameterSpec{
		required("model_framework", ParamKindIdentifier, "Built-in framework, e.g. xgboost"),
		required("model_framework_version", ParamKindText, "Framework version, e.g. 1.0-1"),
	}
	customModel := []ParameterSpec{
		required("custom_image_uri", ParamKindImageURI, "ECR image of the custom algorithm"),
	}
	registryModel := []ParameterSpec{
		required("model_name", ParamKindIdentifier, "Name of the model; used for endpoint and job names"),
		required("model_package_name", ParamKindARN, "ARN of the approved model package version"),
		required("inference_instance", ParamKindInstanceType, "Instance type used for inference"),
	}
	realtime := []ParameterSpec{
		required("data_capture_location", ParamKindS3URI, "Where endpoint request/response data is captured"),
		optional("endpoint_name", ParamKindIdentifier, "", "Explicit endpoint name"),
		optional("kms_key_arn", ParamKindARN, "", "KMS key for encryption"),
	}
	batch := []ParameterSpec{
		required("batch_inference_data", ParamKindS3URI, "Input data for the batch transform job"),
		required("batch_job_output_location", ParamKindS3URI, "Output location of the batch transform job"),
		optional("kms_key_arn", ParamKindARN, "", "KMS key for encryption"),
	}
	monitorCommon := []ParameterSpec{
		required("endpoint_name", ParamKindIdentifier, "Endpoint being monitored"),
		required("baseline_data", ParamKindS3URI, "Dataset used to compute the baseline"),
		required("baseline_job_output_location", ParamKindS3URI, "Output location of the baseline job"),
		required("data_capture_location", ParamKindS3URI, "Data capture location of the endpoint"),
		required("monitoring_output_location", ParamKindS3URI, "Output location of the monitoring schedule"),
		required("schedule_expression", ParamKindSchedule, "cron(...) or rate(...) expression"),
		optional("instance_type", ParamKindInstanceType, "ml.m5.large", "Instance type of monitoring jobs"),
		optional("instance_volume_size", ParamKindInteger, "20", "EBS volume size in GB"),
		optional("max_runtime_seconds", ParamKindInteger, "3300", "Maximum runtime of a monitoring job"),
		optional("kms_key_arn", ParamKindARN, "", "KMS key for encryption"),
	}
	groundTruth := []ParameterSpec{
		required("monitor_ground_truth_input", ParamKindS3URI, "Ground truth labels location"),
		enum("problem_type", "", "Regression", "BinaryClassification", "MulticlassClassification"),
	}
	bias := []ParameterSpec{
		required("bias_config", ParamKindText, "JSON bias analysis configuration"),
		optional("features_attribute", ParamKindText, "", "Features attribute of the capture data"),
	}
	explainability := []ParameterSpec{
		required("shap_config", ParamKindText, "JSON SHAP baseline configuration"),
	}
	training := []ParameterSpec{
		required("job_name", ParamKindIdentifier, "Training job name"),
		required("training_data", ParamKindS3URI, "Training dataset location"),
		required("job_output_location", ParamKindS3URI, "Where model artifacts are written"),
		required("algorithm_image_uri", ParamKindImageURI, "Training image"),
		optional("validation_data", ParamKindS3URI, "", "Validation dataset location"),
		optional("instance_type", ParamKindInstanceType, "ml.m5.large", "Training instance type"),
		optional("instance_count", ParamKindInteger, "1", "Number of training instances"),
		optional("instance_volume_size", ParamKindInteger, "20", "EBS volume size in GB"),
		optional("max_runtime_seconds", ParamKindInteger, "86400", "Maximum training runtime"),
	}
	tuning := []ParameterSpec{
		required("tuner_config", ParamKindText, "JSON tuning strategy and objective"),
		required("hyperparameters_ranges", ParamKindText, "JSON hyperparameter ranges"),
		optional("max_parallel_jobs", ParamKindInteger, "2", "Concurrent tuning jobs"),
	}
	autopilot := []ParameterSpec{
		required("job_name", ParamKindIdentifier, "Autopilot job name"),
		required("training_data", ParamKindS3URI, "Training dataset location"),
		required("target_attribute", ParamKindText, "Column to predict"),
		required("job_output_location", ParamKindS3URI, "Where candidates are written"),
		enum("problem_type", "Auto", "Auto", "Regression", "BinaryClassification", "MulticlassClassification"),
		optional("job_objective", ParamKindText, "", "Objective metric, e.g. F1"),
		optional("max_candidates", ParamKindInteger, "10", "Maximum candidates to train"),
		enum("compression_type", "None", "None", "Gzip"),
	}

	concat := func(parts ...[]ParameterSpec) []ParameterSpec {
		var out []ParameterSpec
		for _, p := range parts {
			out = append(out, p...)
		}
		return out
	}
	monitor := func(pipelineType, definition string, extra ...ParameterSpec) Blueprint {
		return Blueprint{
			PipelineType:  pipelineType,
			Option:        "default",
			Default:       true,
			TemplateID:    templateMonitor,
			Description:   "Scheduled SageMaker model monitor",
			KeyParameters: []string{"endpoint_name"},
			ParameterSchema: ParameterSchema{
				Parameters: concat(monitorCommon, extra),
				Definition: definition,
			},
		}
	}

	return []Blueprint{
		{
			PipelineType:    "realtime-inference",
			Option:          "builtin",
			Default:         true,
			TemplateID:      templateRealtime,
			Description:     "Real-time endpoint for a built-in algorithm model",
			KeyParameters:   []string{"model_name"},
			ParameterSchema: ParameterSchema{Parameters: concat(modelCommon, builtinModel, realtime), Definition: "#RealtimeInference"},
		},
		{
			PipelineType:    "realtime-inference",
			Option:          "custom",
			TemplateID:      templateRealtime,
			Description:     "Real-time endpoint for a custom algorithm image",
			KeyParameters:   []string{"model_name"},
			ParameterSchema: ParameterSchema{Parameters: concat(modelCommon, customModel, realtime), Definition: "#RealtimeInference"},
		},
		{
			PipelineType:    "realtime-inference",
			Option:          "model-registry",
			TemplateID:      templateRealtime,
			Description:     "Real-time endpoint for a model registry package",
			KeyParameters:   []string{"model_name"},
			ParameterSchema: ParameterSchema{Parameters: concat(registryModel, realtime), Definition: "#RealtimeInference"},
		},
		{
			PipelineType:    "batch-inference",
			Option:          "builtin",
			Default:         true,
			TemplateID:      templateBatch,
			Description:     "Batch transform for a built-in algorithm model",
			KeyParameters:   []string{"model_name"},
			ParameterSchema: ParameterSchema{Parameters: concat(modelCommon, builtinModel, batch)},
		},
		{
			PipelineType:    "batch-inference",
			Option:          "custom",
			TemplateID:      templateBatch,
			Description:     "Batch transform for a custom algorithm image",
			KeyParameters:   []string{"model_name"},
			ParameterSchema: ParameterSchema{Parameters: concat(modelCommon, customModel, batch)},
		},
		{
			PipelineType:    "batch-inference",
			Option:          "model-registry",
			TemplateID:      templateBatch,
			Description:     "Batch transform for a model registry package",
			KeyParameters:   []string{"model_name"},
			ParameterSchema: ParameterSchema{Parameters: concat(registryModel, batch)},
		},
		monitor("data-quality-monitor", "#ModelMonitor"),
		monitor("model-quality-monitor", "#ModelMonitor", groundTruth...),
		monitor("model-bias-monitor", "#ModelMonitor", concat(groundTruth, bias)...),
		monitor("model-explainability-monitor", "#ModelMonitor", explainability...),
		{
			PipelineType:  "image-builder",
			Option:        "default",
			Default:       true,
			TemplateID:    templateImage,
			Description:   "Builds and pushes a custom algorithm image to ECR",
			KeyParameters: []string{"ecr_repo_name", "image_tag"},
			ParameterSchema: ParameterSchema{Parameters: []ParameterSpec{
				required("custom_algorithm_docker", ParamKindS3URI, "Zipped Dockerfile and sources"),
				required("ecr_repo_name", ParamKindIdentifier, "Target ECR repository"),
				required("image_tag", ParamKindText, "Tag of the built image"),
			}},
		},
		{
			PipelineType:    "model-training",
			Option:          "default",
			Default:         true,
			TemplateID:      templateTraining,
			Description:     "Single SageMaker training job",
			KeyParameters:   []string{"job_name"},
			ParameterSchema: ParameterSchema{Parameters: training, Definition: "#ModelTraining"},
		},
		{
			PipelineType:    "model-training",
			Option:          "hyperparameter-tuning",
			TemplateID:      templateHyperparam,
			Description:     "SageMaker hyperparameter tuning job",
			KeyParameters:   []string{"job_name"},
			ParameterSchema: ParameterSchema{Parameters: concat(training, tuning), Definition: "#ModelTraining"},
		},
		{
			PipelineType:    "model-training",
			Option:          "autopilot",
			TemplateID:      templateAutopilot,
			Description:     "SageMaker Autopilot job",
			KeyParameters:   []string{"job_name"},
			ParameterSchema: ParameterSchema{Parameters: autopilot},
		},
	}
}
