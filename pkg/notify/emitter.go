package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// Sink delivers notifications to one destination.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Deliver sends one notification. Errors are retried by the emitter
	// unless wrapped with backoff.Permanent.
	Deliver(ctx context.Context, n engine.Notification) error
}

// Filter determines if a notification should be delivered to a sink.
type Filter func(n engine.Notification) bool

// Recorder receives delivery measurements. *telemetry.Metrics implements it.
type Recorder interface {
	RecordNotification(sink string, delivered bool)
	RecordNotificationDropped()
}

// Config tunes the emitter.
type Config struct {
	// BufferSize bounds queued notifications; Emit drops when it is full.
	BufferSize int

	// MaxAttempts is the number of delivery attempts per sink.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// DeliverTimeout bounds one delivery attempt to one sink.
	DeliverTimeout time.Duration
}

// DefaultConfig returns the default emitter configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:     256,
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		DeliverTimeout: 10 * time.Second,
	}
}

type sinkEntry struct {
	sink   Sink
	filter Filter
}

// Emitter queues notifications and delivers them to its sinks from a single
// background goroutine, so Emit never blocks the engine. Delivery failures
// are retried with exponential backoff, logged and counted; they never reach
// the operation that produced the notification.
type Emitter struct {
	config  Config
	buffer  chan engine.Notification
	metrics Recorder
	logger  zerolog.Logger

	mu    sync.RWMutex
	sinks []sinkEntry

	closeOnce sync.Once
	stopped   chan struct{}
	done      chan struct{}
}

var _ engine.Notifier = (*Emitter)(nil)

// NewEmitter creates an emitter and starts its delivery goroutine.
// metrics may be nil.
func NewEmitter(cfg Config, metrics Recorder, logger zerolog.Logger) *Emitter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultConfig().DeliverTimeout
	}
	if metrics == nil {
		metrics = noopRecorder{}
	}

	e := &Emitter{
		config:  cfg,
		buffer:  make(chan engine.Notification, cfg.BufferSize),
		metrics: metrics,
		logger:  logger.With().Str("component", "notify").Logger(),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// AddSink registers a sink. A nil filter accepts every notification.
func (e *Emitter) AddSink(sink Sink, filter Filter) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sinks = append(e.sinks, sinkEntry{sink: sink, filter: filter})
}

// Sinks returns the names of the registered sinks.
func (e *Emitter) Sinks() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, len(e.sinks))
	for i, entry := range e.sinks {
		names[i] = entry.sink.Name()
	}
	return names
}

// Emit implements engine.Notifier. It fills in the ID and timestamp when
// absent and enqueues the notification without blocking.
func (e *Emitter) Emit(_ context.Context, n engine.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if n.Severity == "" {
		n.Severity = n.Type.Severity()
	}

	select {
	case <-e.stopped:
		e.drop(n, "emitter stopped")
		return
	default:
	}

	select {
	case e.buffer <- n:
	default:
		e.drop(n, "buffer full")
	}
}

func (e *Emitter) drop(n engine.Notification, reason string) {
	e.metrics.RecordNotificationDropped()
	e.logger.Warn().
		Str("pipeline_id", n.PipelineID).
		Str("type", string(n.Type)).
		Str("reason", reason).
		Msg("Notification dropped")
}

func (e *Emitter) run() {
	defer close(e.done)

	for {
		select {
		case n := <-e.buffer:
			e.deliver(n)
		case <-e.stopped:
			// Drain what was queued before shutdown.
			for {
				select {
				case n := <-e.buffer:
					e.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) deliver(n engine.Notification) {
	e.mu.RLock()
	sinks := make([]sinkEntry, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.RUnlock()

	for _, entry := range sinks {
		if entry.filter != nil && !entry.filter(n) {
			continue
		}
		err := e.deliverTo(entry.sink, n)
		e.metrics.RecordNotification(entry.sink.Name(), err == nil)
		if err != nil {
			e.logger.Error().
				Err(err).
				Str("sink", entry.sink.Name()).
				Str("pipeline_id", n.PipelineID).
				Str("type", string(n.Type)).
				Msg("Notification delivery failed")
		}
	}
}

func (e *Emitter) deliverTo(sink Sink, n engine.Notification) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.config.InitialBackoff
	expo.MaxInterval = e.config.MaxBackoff

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.DeliverTimeout)
		defer cancel()
		return struct{}{}, sink.Deliver(ctx, n)
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(e.config.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug().
				Err(err).
				Str("sink", sink.Name()).
				Dur("retry_in", next).
				Msg("Retrying notification delivery")
		}),
	)
	return err
}

// Shutdown stops accepting notifications and waits until queued ones are
// delivered or ctx is done.
func (e *Emitter) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() { close(e.stopped) })

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification emitter shutdown: %w", ctx.Err())
	}
}

type noopRecorder struct{}

func (noopRecorder) RecordNotification(string, bool) {}
func (noopRecorder) RecordNotificationDropped()       {}

// Common filters.

var severityRank = map[string]int{
	"info":    0,
	"warning": 1,
	"error":   2,
}

// FilterBySeverity accepts notifications at or above minSeverity.
func FilterBySeverity(minSeverity string) Filter {
	threshold := severityRank[minSeverity]
	return func(n engine.Notification) bool {
		return severityRank[n.Severity] >= threshold
	}
}

// FilterByType accepts notifications of the given types.
func FilterByType(types ...engine.EventType) Filter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(n engine.Notification) bool {
		return set[n.Type]
	}
}

// FilterByPipelineType accepts notifications for the given pipeline types.
func FilterByPipelineType(pipelineTypes ...string) Filter {
	set := make(map[string]bool, len(pipelineTypes))
	for _, t := range pipelineTypes {
		set[t] = true
	}
	return func(n engine.Notification) bool {
		return set[n.PipelineType]
	}
}
