// Package config loads mlpipe configuration and the pluggable pieces of the
// blueprint catalog.
//
// # Overview
//
// Engine settings are read through viper from an optional mlpipe.yaml in the
// working directory or $XDG_CONFIG_HOME/mlpipe, with MLPIPE_ environment
// overrides:
//
//	MLPIPE_RECONCILE_STALE_AFTER=30m mlpipe reconcile
//
// Beyond settings, the package supplies three engine extension points:
//
// SchemaRegistry: CUE definitions that constrain the full parameter map of a
// blueprint. It implements engine.ParameterValidator and ships definitions for
// the built-in pipeline types (#RealtimeInference, #ModelMonitor,
// #ModelTraining). Operators can add .cue files through blueprints.schemas_dir.
//
// ParameterMapper: derives template parameters with the built-in naming rules
// and runs an optional Starlark script per pipeline type to rewrite them. It
// implements engine.ParameterMapper. Scripts run in a sandbox with no load(),
// a swallowed print() and a timeout.
//
// Catalog: a YAML or CUE file of additional blueprints. Entries with the same
// pipeline type and option as a built-in blueprint replace it.
//
// # Usage Example
//
//	cfg, err := config.Load(config.NewViper(configFile))
//	if err != nil {
//	    return err
//	}
//
//	schemas := config.NewSchemaRegistry()
//	if cfg.Blueprints.SchemasDir != "" {
//	    if err := schemas.LoadDir(cfg.Blueprints.SchemasDir); err != nil {
//	        return err
//	    }
//	}
//
//	registry := engine.DefaultRegistry()
//	if cfg.Blueprints.Catalog != "" {
//	    catalog, err := config.LoadCatalog(cfg.Blueprints.Catalog)
//	    if err != nil {
//	        return err
//	    }
//	    if err := catalog.CheckDefinitions(schemas); err != nil {
//	        return err
//	    }
//	    if registry, err = catalog.Registry(); err != nil {
//	        return err
//	    }
//	}
//
//	validator := engine.NewValidator(registry, schemas)
//
// # Error Reporting
//
// Catalog problems are reported as a CatalogError listing every
// ValidationError with file, line and field path where known. Parameter
// schema violations surface as engine MissingParameter or
// InvalidParameterValue errors naming the offending parameter.
package config
