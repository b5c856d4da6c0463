package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the logging, tracing and metrics settings of one mlpipe
// process. It is embedded in the engine configuration under "telemetry".
type Config struct {
	ServiceName    string `mapstructure:"service_name" validate:"required"`
	ServiceVersion string `mapstructure:"service_version" validate:"required"`
	// Environment is attached to every span as a resource attribute.
	Environment string `mapstructure:"environment"`

	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
	// Output is stdout, stderr or a file path opened for append.
	Output     string `mapstructure:"output" validate:"required"`
	Caller     bool   `mapstructure:"caller"`
	TimeFormat string `mapstructure:"time_format" validate:"oneof=rfc3339 unix unixms"`

	// SampleBurst enables burst sampling when positive: that many messages
	// pass each second, then one in SampleEvery.
	SampleBurst int `mapstructure:"sample_burst" validate:"gte=0"`
	SampleEvery int `mapstructure:"sample_every" validate:"gte=0"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Exporter is otlp (gRPC), stdout or none.
	Exporter      string            `mapstructure:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint      string            `mapstructure:"endpoint"`
	Insecure      bool              `mapstructure:"insecure"`
	Headers       map[string]string `mapstructure:"headers"`
	SampleRatio   float64           `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
	BatchSize     int               `mapstructure:"batch_size" validate:"gt=0"`
	ExportTimeout time.Duration     `mapstructure:"export_timeout" validate:"gt=0"`
}

// MetricsConfig configures the Prometheus registry and its listener.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address" validate:"required_if=Enabled true"`
	Path          string `mapstructure:"path" validate:"startswith=/"`
	Namespace     string `mapstructure:"namespace" validate:"required"`
	// LatencyBuckets are the histogram buckets, in seconds, of the
	// provisioning, sweep and HTTP latency histograms.
	LatencyBuckets []float64 `mapstructure:"latency_buckets"`
}

// DefaultConfig returns console logging at info, tracing off and metrics on
// :9090.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mlpipe",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			Output:      "stderr",
			TimeFormat:  "rfc3339",
			SampleEvery: 100,
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			Insecure:      true,
			Headers:       map[string]string{},
			SampleRatio:   1.0,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			ListenAddress:  ":9090",
			Path:           "/metrics",
			Namespace:      "mlpipe",
			LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	}
}

// ProductionConfig logs JSON with sampling and exports a tenth of the traces
// to a local OTLP collector.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unixms"
	cfg.Logging.SampleBurst = 200
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.Insecure = false
	cfg.Tracing.SampleRatio = 0.1
	return cfg
}

// DevelopmentConfig logs everything at debug with callers and prints spans
// to stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Caller = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks the struct tags and the exporter endpoint.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required for the otlp exporter")
	}
	return nil
}
