package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/mlpipe/pkg/engine"
	"github.com/openfroyo/mlpipe/pkg/stores"
	"github.com/openfroyo/mlpipe/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. MLPIPE_RECONCILE_STALE_AFTER.
const EnvPrefix = "MLPIPE"

// Config is the engine configuration loaded through viper.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Locks      LocksConfig      `mapstructure:"locks"`
	Substrate  SubstrateConfig  `mapstructure:"substrate"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Blueprints BlueprintsConfig `mapstructure:"blueprints"`
	API        APIConfig        `mapstructure:"api"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
}

// StoreConfig selects and tunes the record store.
type StoreConfig struct {
	// Driver is "sqlite" for durable state or "memory" for a throwaway engine.
	Driver          string        `mapstructure:"driver" validate:"oneof=sqlite memory"`
	Path            string        `mapstructure:"path" validate:"required_if=Driver sqlite"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
}

// FanoutConfig bounds multi-environment submissions.
type FanoutConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency" validate:"gte=1,lte=256"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout" validate:"gt=0"`
}

// ReconcileConfig tunes the reconciler.
type ReconcileConfig struct {
	Interval            time.Duration `mapstructure:"interval" validate:"gt=0"`
	StaleAfter          time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	MaxDescribeAttempts int           `mapstructure:"max_describe_attempts" validate:"gte=1"`
	DescribeTimeout     time.Duration `mapstructure:"describe_timeout" validate:"gt=0"`
	InitialBackoff      time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// LocksConfig configures provisioning locks.
type LocksConfig struct {
	// Backend is "store" to share locks through the record store, or "memory"
	// for a single engine process.
	Backend string        `mapstructure:"backend" validate:"oneof=store memory"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Holder  string        `mapstructure:"holder"`
}

// SubstrateConfig selects the provisioning substrate client.
type SubstrateConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=simulator nats"`

	// SimulatorLatency delays simulated completions.
	SimulatorLatency time.Duration `mapstructure:"simulator_latency" validate:"gte=0"`
}

// NotifyConfig configures the notification emitter.
type NotifyConfig struct {
	Sinks          []string      `mapstructure:"sinks" validate:"dive,oneof=log nats"`
	BufferSize     int           `mapstructure:"buffer_size" validate:"gte=1"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout" validate:"gt=0"`
}

// NATSConfig configures the NATS connection shared by the NATS substrate
// client and the NATS notification sink.
type NATSConfig struct {
	URL             string        `mapstructure:"url" validate:"required"`
	Name            string        `mapstructure:"name"`
	NotifySubject   string        `mapstructure:"notify_subject" validate:"required"`
	SubstratePrefix string        `mapstructure:"substrate_prefix" validate:"required"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Builtin loads the built-in admission policies.
	Builtin bool `mapstructure:"builtin"`

	// Dirs lists directories of additional .rego files.
	Dirs []string `mapstructure:"dirs"`

	// Watch reloads policies when files under Dirs change.
	Watch bool `mapstructure:"watch"`
}

// BlueprintsConfig points at optional catalog extensions.
type BlueprintsConfig struct {
	// Catalog is a YAML or CUE file of additional blueprints.
	Catalog string `mapstructure:"catalog"`

	// SchemasDir holds .cue files with additional parameter definitions.
	SchemasDir string `mapstructure:"schemas_dir"`

	// MappingsDir holds <pipeline-type>.star parameter mapping scripts.
	MappingsDir    string        `mapstructure:"mappings_dir"`
	MappingTimeout time.Duration `mapstructure:"mapping_timeout" validate:"gt=0"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Listen          string        `mapstructure:"listen" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// Default returns the default configuration.
func Default() *Config {
	rec := engine.DefaultReconcilerConfig()
	return &Config{
		Store: StoreConfig{
			Driver:          "sqlite",
			Path:            filepath.Join(DataDir(), "mlpipe.db"),
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Fanout: FanoutConfig{
			MaxConcurrency: 10,
			SubmitTimeout:  30 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:            rec.Interval,
			StaleAfter:          rec.StaleAfter,
			MaxDescribeAttempts: rec.MaxDescribeAttempts,
			DescribeTimeout:     rec.DescribeTimeout,
			InitialBackoff:      rec.InitialBackoff,
			MaxBackoff:          rec.MaxBackoff,
		},
		Locks: LocksConfig{
			Backend: "store",
			TTL:     5 * time.Minute,
		},
		Substrate: SubstrateConfig{
			Driver:           "simulator",
			SimulatorLatency: 2 * time.Second,
		},
		Notify: NotifyConfig{
			Sinks:          []string{"log"},
			BufferSize:     256,
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			DeliverTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			Name:            "mlpipe",
			NotifySubject:   "mlpipe.events",
			SubstratePrefix: "mlpipe.substrate",
			RequestTimeout:  10 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled: true,
			Builtin: true,
		},
		Blueprints: BlueprintsConfig{
			MappingTimeout: 5 * time.Second,
		},
		API: APIConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// SetDefaults registers every default on v so that environment variables can
// override keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)
	v.SetDefault("store.busy_timeout", d.Store.BusyTimeout)

	v.SetDefault("fanout.max_concurrency", d.Fanout.MaxConcurrency)
	v.SetDefault("fanout.submit_timeout", d.Fanout.SubmitTimeout)

	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.stale_after", d.Reconcile.StaleAfter)
	v.SetDefault("reconcile.max_describe_attempts", d.Reconcile.MaxDescribeAttempts)
	v.SetDefault("reconcile.describe_timeout", d.Reconcile.DescribeTimeout)
	v.SetDefault("reconcile.initial_backoff", d.Reconcile.InitialBackoff)
	v.SetDefault("reconcile.max_backoff", d.Reconcile.MaxBackoff)

	v.SetDefault("locks.backend", d.Locks.Backend)
	v.SetDefault("locks.ttl", d.Locks.TTL)
	v.SetDefault("locks.holder", d.Locks.Holder)

	v.SetDefault("substrate.driver", d.Substrate.Driver)
	v.SetDefault("substrate.simulator_latency", d.Substrate.SimulatorLatency)

	v.SetDefault("notify.sinks", d.Notify.Sinks)
	v.SetDefault("notify.buffer_size", d.Notify.BufferSize)
	v.SetDefault("notify.max_attempts", d.Notify.MaxAttempts)
	v.SetDefault("notify.initial_backoff", d.Notify.InitialBackoff)
	v.SetDefault("notify.max_backoff", d.Notify.MaxBackoff)
	v.SetDefault("notify.deliver_timeout", d.Notify.DeliverTimeout)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.name", d.NATS.Name)
	v.SetDefault("nats.notify_subject", d.NATS.NotifySubject)
	v.SetDefault("nats.substrate_prefix", d.NATS.SubstratePrefix)
	v.SetDefault("nats.request_timeout", d.NATS.RequestTimeout)

	v.SetDefault("policy.enabled", d.Policy.Enabled)
	v.SetDefault("policy.builtin", d.Policy.Builtin)
	v.SetDefault("policy.dirs", d.Policy.Dirs)
	v.SetDefault("policy.watch", d.Policy.Watch)

	v.SetDefault("blueprints.catalog", d.Blueprints.Catalog)
	v.SetDefault("blueprints.schemas_dir", d.Blueprints.SchemasDir)
	v.SetDefault("blueprints.mappings_dir", d.Blueprints.MappingsDir)
	v.SetDefault("blueprints.mapping_timeout", d.Blueprints.MappingTimeout)

	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.caller", t.Logging.Caller)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.logging.sample_burst", t.Logging.SampleBurst)
	v.SetDefault("telemetry.logging.sample_every", t.Logging.SampleEvery)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.tracing.sample_ratio", t.Tracing.SampleRatio)
	v.SetDefault("telemetry.tracing.batch_size", t.Tracing.BatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.latency_buckets", t.Metrics.LatencyBuckets)
}

// NewViper returns a viper instance with defaults, the MLPIPE_ environment
// prefix and the standard config search path. An explicit configFile takes
// precedence over the search path.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mlpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes and validates the result.
// A missing file on the search path is not an error; a missing explicit file is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct-tag constraints and the telemetry settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// StoreOptions converts the store section to SQLite store options.
func (c *Config) StoreOptions() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		BusyTimeout:     c.Store.BusyTimeout,
	}
}

// ReconcilerOptions converts the reconcile section to engine settings.
func (c *Config) ReconcilerOptions() engine.ReconcilerConfig {
	return engine.ReconcilerConfig{
		Interval:            c.Reconcile.Interval,
		StaleAfter:          c.Reconcile.StaleAfter,
		MaxDescribeAttempts: c.Reconcile.MaxDescribeAttempts,
		DescribeTimeout:     c.Reconcile.DescribeTimeout,
		InitialBackoff:      c.Reconcile.InitialBackoff,
		MaxBackoff:          c.Reconcile.MaxBackoff,
	}
}

// FanoutOptions converts the fanout section to engine settings.
func (c *Config) FanoutOptions() engine.FanoutConfig {
	return engine.FanoutConfig{
		MaxParallel:   c.Fanout.MaxConcurrency,
		SubmitTimeout: c.Fanout.SubmitTimeout,
	}
}

// ConfigDir returns the user config directory, honoring XDG_CONFIG_HOME.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mlpipe")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mlpipe")
	}
	return filepath.Join(home, ".config", "mlpipe")
}

// DataDir returns the directory holding the default SQLite database.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mlpipe")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mlpipe")
	}
	return filepath.Join(home, ".local", "share", "mlpipe")
}
