package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/config"
	"github.com/openfroyo/mlpipe/pkg/engine"
	"github.com/openfroyo/mlpipe/pkg/notify"
	"github.com/openfroyo/mlpipe/pkg/policy"
	"github.com/openfroyo/mlpipe/pkg/stores"
	"github.com/openfroyo/mlpipe/pkg/substrate"
	"github.com/openfroyo/mlpipe/pkg/telemetry"
)

// app is one fully wired engine built from the configuration.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	registry    *engine.Registry
	validator   *engine.Validator
	tracker     *engine.Tracker
	coordinator *engine.Coordinator
	reconciler  *engine.Reconciler
	policy      *policy.Engine
	emitter     *notify.Emitter
	signals     engine.SignalSource
	health      func(ctx context.Context) error

	closers []func(ctx context.Context) error
}

// loadConfig reads the configuration. --verbose raises the configured log
// level to debug.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.NewViper(configPath))
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// newApp wires the engine described by cfg. The returned app must be closed.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		health: func(context.Context) error { return nil },
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	registry, mapper, validator, err := a.loadBlueprints()
	if err != nil {
		return nil, err
	}
	a.registry = registry
	a.validator = validator

	store, locks, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	var nc *nats.Conn
	if cfg.Substrate.Driver == "nats" || slices.Contains(cfg.Notify.Sinks, "nats") {
		nc, err = substrate.DialNATS(cfg.NATS.URL, cfg.NATS.Name, cfg.NATS.RequestTimeout, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error {
			nc.Close()
			return nil
		})
	}

	backend, err := a.openSubstrate(nc)
	if err != nil {
		return nil, err
	}
	sub := substrate.Instrument(backend, cfg.Substrate.Driver)

	a.emitter = notify.NewEmitter(notify.Config{
		BufferSize:     cfg.Notify.BufferSize,
		MaxAttempts:    cfg.Notify.MaxAttempts,
		InitialBackoff: cfg.Notify.InitialBackoff,
		MaxBackoff:     cfg.Notify.MaxBackoff,
		DeliverTimeout: cfg.Notify.DeliverTimeout,
	}, tel.Metrics, a.logger)
	a.onClose(a.emitter.Shutdown)
	for _, name := range cfg.Notify.Sinks {
		switch name {
		case "log":
			a.emitter.AddSink(notify.NewLogSink(a.logger), nil)
		case "nats":
			a.emitter.AddSink(notify.NewNATSSink(nc, cfg.NATS.NotifySubject), nil)
		}
	}

	var evaluator engine.PolicyEvaluator
	if cfg.Policy.Enabled {
		opts := []policy.Option{policy.WithRecorder(tel.Metrics)}
		if !cfg.Policy.Builtin {
			opts = append(opts, policy.WithoutBuiltins())
		}
		a.policy, err = policy.NewEngine(a.logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policy.Dirs) > 0 {
			if err := a.policy.LoadPolicies(ctx, cfg.Policy.Dirs); err != nil {
				return nil, err
			}
		}
		evaluator = a.policy
	}

	a.tracker = engine.NewTracker(store, a.emitter, tel.Metrics, a.logger)
	a.coordinator, err = engine.NewCoordinator(engine.CoordinatorConfig{
		LockTTL:       cfg.Locks.TTL,
		SubmitTimeout: cfg.Fanout.SubmitTimeout,
		Holder:        cfg.Locks.Holder,
	}, engine.CoordinatorDeps{
		Registry:  registry,
		Validator: validator,
		Tracker:   a.tracker,
		Fanout:    engine.NewFanoutController(cfg.FanoutOptions(), sub, tel.Metrics, a.logger),
		Substrate: sub,
		Locks:     locks,
		Policy:    evaluator,
		Mapper:    mapper,
		Notifier:  a.emitter,
		Metrics:   tel.Metrics,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	a.reconciler = engine.NewReconciler(cfg.ReconcilerOptions(), a.tracker, sub, tel.Metrics, a.logger)

	return a, nil
}

// loadBlueprints builds the registry, parameter mapper and validator from
// the built-in catalog and the configured extensions.
func (a *app) loadBlueprints() (*engine.Registry, *config.ParameterMapper, *engine.Validator, error) {
	bc := a.cfg.Blueprints

	schemas := config.NewSchemaRegistry()
	if bc.SchemasDir != "" {
		if err := schemas.LoadDir(bc.SchemasDir); err != nil {
			return nil, nil, nil, err
		}
	}

	mapper := config.NewParameterMapper(bc.MappingTimeout)
	if bc.MappingsDir != "" {
		if err := mapper.LoadDir(bc.MappingsDir); err != nil {
			return nil, nil, nil, err
		}
	}

	registry := engine.DefaultRegistry()
	if bc.Catalog != "" {
		catalog, err := config.LoadCatalog(bc.Catalog)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := catalog.CheckDefinitions(schemas); err != nil {
			return nil, nil, nil, err
		}
		registry, err = catalog.Registry()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid blueprint catalog %s: %w", bc.Catalog, err)
		}
		for pipelineType, script := range catalog.Mappings {
			if err := mapper.RegisterScript(pipelineType, script); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	a.logger.Debug().
		Int("blueprints", registry.Len()).
		Strs("schemas", schemas.ListSchemas()).
		Strs("mappings", mapper.PipelineTypes()).
		Msg("Blueprint catalog loaded")
	return registry, mapper, engine.NewValidator(registry, schemas), nil
}

func (a *app) openStore(ctx context.Context) (engine.RecordStore, engine.LockManager, error) {
	switch a.cfg.Store.Driver {
	case "memory":
		return engine.NewMemoryStore(), engine.NewMemoryLocks(), nil
	default:
		store, err := stores.Open(ctx, a.cfg.StoreOptions())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		a.health = store.HealthCheck

		if a.cfg.Locks.Backend == "memory" {
			return store, engine.NewMemoryLocks(), nil
		}
		return store, store, nil
	}
}

func (a *app) openSubstrate(nc *nats.Conn) (engine.Substrate, error) {
	switch a.cfg.Substrate.Driver {
	case "nats":
		client := substrate.NewNATSClient(substrate.NewNATSTransport(nc), a.cfg.NATS.SubstratePrefix, a.cfg.NATS.RequestTimeout, a.logger)
		a.signals = client
		return client, nil
	case "simulator":
		sim := substrate.NewSimulator(substrate.SimulatorConfig{Latency: a.cfg.Substrate.SimulatorLatency}, a.logger)
		a.onClose(func(context.Context) error {
			sim.Stop()
			return nil
		})
		a.signals = sim
		return sim, nil
	default:
		return nil, fmt.Errorf("unsupported substrate driver %q", a.cfg.Substrate.Driver)
	}
}

func (a *app) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := a.tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// withApp loads the configuration, builds the engine, runs fn and closes the
// engine afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()
	return fn(a.tel.WithContext(ctx), a)
}
