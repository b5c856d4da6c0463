package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// LogSink writes notifications to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs every notification.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notifications").Logger()}
}

func (s *LogSink) Name() string { return "log" }

// Deliver logs the notification at a level matching its severity.
func (s *LogSink) Deliver(_ context.Context, n engine.Notification) error {
	var ev *zerolog.Event
	switch n.Severity {
	case "error":
		ev = s.logger.Error()
	case "warning":
		ev = s.logger.Warn()
	default:
		ev = s.logger.Info()
	}

	ev = ev.
		Str("notification_id", n.ID).
		Str("type", string(n.Type)).
		Str("pipeline_id", n.PipelineID)
	if n.PipelineType != "" {
		ev = ev.Str("pipeline_type", n.PipelineType)
	}
	if n.Environment != nil {
		ev = ev.Str("environment", n.Environment.String())
	}
	if n.Status != "" {
		ev = ev.Str("status", string(n.Status))
	}
	if len(n.Metadata) > 0 {
		ev = ev.Interface("metadata", n.Metadata)
	}
	ev.Time("occurred_at", n.Timestamp).Msg(n.Message)
	return nil
}

// Publisher is the subset of *nats.Conn the NATS sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSSink publishes notifications as JSON to <subject>.<event type>, e.g.
// mlpipe.events.pipeline_failed.
type NATSSink struct {
	conn    Publisher
	subject string
}

// NewNATSSink creates a sink publishing under the subject prefix.
func NewNATSSink(conn Publisher, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject a notification is published on.
func (s *NATSSink) Subject(n engine.Notification) string {
	return s.subject + "." + string(n.Type)
}

// Deliver publishes the notification.
func (s *NATSSink) Deliver(_ context.Context, n engine.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to encode notification: %w", err))
	}
	if err := s.conn.Publish(s.Subject(n), data); err != nil {
		if err == nats.ErrConnectionClosed || err == nats.ErrBadSubject {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// FuncSink adapts a function to a Sink.
type FuncSink struct {
	name string
	fn   func(ctx context.Context, n engine.Notification) error
}

// NewFuncSink creates a sink that calls fn.
func NewFuncSink(name string, fn func(ctx context.Context, n engine.Notification) error) *FuncSink {
	return &FuncSink{name: name, fn: fn}
}

func (s *FuncSink) Name() string { return s.name }

func (s *FuncSink) Deliver(ctx context.Context, n engine.Notification) error {
	return s.fn(ctx, n)
}
