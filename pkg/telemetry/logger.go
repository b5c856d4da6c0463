package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// Logger is a zerolog logger carrying pipeline fields.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds a logger from cfg. A file output is opened for append.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(w).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger().Level(ParseLevel(cfg.Level))

	if cfg.SampleBurst > 0 {
		every := cfg.SampleEvery
		if every <= 0 {
			every = 1
		}
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SampleBurst),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(every)},
		})
	}

	return &Logger{zlog: zlog}, nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
	}
	return f, nil
}

// ParseLevel maps a level name to zerolog. Unknown names are info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return l
}

// Zerolog returns the underlying logger for packages that take a
// zerolog.Logger directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or one wrapping the global
// zerolog logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: log.Logger}
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger tags every entry with the component name.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField adds one field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithPipelineID(pipelineID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("pipeline_id", pipelineID) })
}

func (l *Logger) WithPipelineType(pipelineType string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("pipeline_type", pipelineType) })
}

func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("request_id", requestID) })
}

// WithEnvironment adds the account and region of a fan-out target.
func (l *Logger) WithEnvironment(env engine.EnvironmentRef) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("account_id", env.AccountID).Str("region", env.Region)
	})
}

// WithStatus adds a deployment status.
func (l *Logger) WithStatus(status engine.DeploymentStatus) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("status", string(status)) })
}

// WithError adds err. Engine errors also carry their code and error type.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		c = c.Err(err)
		if code := engine.CodeOf(err); code != "" {
			c = c.Str("error_code", code).Str("error_type", engine.ErrorType(err))
		}
		return c
	})
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
