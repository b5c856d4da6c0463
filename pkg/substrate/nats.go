package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// Subject suffixes under the configured prefix.
const (
	SubjectSubmit    = "submit"
	SubjectDescribe  = "describe"
	SubjectCompleted = "completed"
)

// Transport is the messaging surface the NATS client needs. NewNATSTransport
// adapts a *nats.Conn.
type Transport interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte, reply func([]byte) error)) (unsubscribe func() error, err error)
}

// DialNATS connects to a NATS server with reconnect handling logged through logger.
func DialNATS(url, name string, timeout time.Duration, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS async error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

type natsTransport struct {
	conn *nats.Conn
}

// NewNATSTransport adapts a NATS connection to Transport.
func NewNATSTransport(conn *nats.Conn) Transport {
	return &natsTransport{conn: conn}
}

func (t *natsTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	return t.conn.Publish(subject, data)
}

func (t *natsTransport) Subscribe(subject string, handler func(string, []byte, func([]byte) error)) (func() error, error) {
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data, msg.Respond)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// replyError is the wire form of a substrate-side error.
type replyError struct {
	Class   engine.ErrorClass `json:"class"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
}

type submitReply struct {
	OperationID string      `json:"operation_id,omitempty"`
	Error       *replyError `json:"error,omitempty"`
}

type describeReply struct {
	Status *engine.OperationStatus `json:"status,omitempty"`
	Error  *replyError             `json:"error,omitempty"`
}

func toReplyError(err error) *replyError {
	var e *engine.EngineError
	if errors.As(err, &e) {
		msg := e.Message
		if e.Code == engine.ErrCodeSubmissionRejected {
			msg = engine.RejectionReason(err)
		}
		return &replyError{Class: e.Class, Code: e.Code, Message: msg}
	}
	return &replyError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeInternal, Message: err.Error()}
}

func (r *replyError) engineError(resource, operation string) *engine.EngineError {
	var e *engine.EngineError
	switch r.Class {
	case engine.ErrorClassTransient:
		e = engine.NewTransientError(r.Message, nil)
	case engine.ErrorClassThrottled:
		e = engine.NewThrottledError(r.Message, nil)
	case engine.ErrorClassConflict:
		e = engine.NewConflictError(r.Message, nil)
	default:
		e = engine.NewPermanentError(r.Message, nil)
	}
	if r.Code != "" {
		e = e.WithCode(r.Code)
	}
	return e.WithResource(resource).WithOperation(operation)
}

// NATSClient talks to a remote substrate over NATS request/reply:
//
//	<prefix>.submit     SubmitInput    -> {operation_id | error}
//	<prefix>.describe   DescribeInput  -> {status | error}
//	<prefix>.completed  CompletionSignal, published by the substrate
type NATSClient struct {
	transport Transport
	prefix    string
	timeout   time.Duration
	logger    zerolog.Logger
}

var (
	_ engine.Substrate    = (*NATSClient)(nil)
	_ engine.SignalSource = (*NATSClient)(nil)
)

// NewNATSClient creates a substrate client. timeout bounds each request when
// the caller's context has no earlier deadline.
func NewNATSClient(transport Transport, prefix string, timeout time.Duration, logger zerolog.Logger) *NATSClient {
	return &NATSClient{
		transport: transport,
		prefix:    prefix,
		timeout:   timeout,
		logger:    logger.With().Str("component", "substrate").Str("driver", "nats").Logger(),
	}
}

func (c *NATSClient) subject(suffix string) string {
	return c.prefix + "." + suffix
}

func (c *NATSClient) request(ctx context.Context, suffix, resource string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return engine.NewPermanentError("failed to encode substrate request", err).
			WithCode(engine.ErrCodeInternal).
			WithOperation(suffix)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.transport.Request(ctx, c.subject(suffix), data)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return engine.NewTransientError("substrate unreachable", err).
			WithCode(engine.ErrCodeSubstrateUnavailable).
			WithResource(resource).
			WithOperation(suffix)
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return engine.NewPermanentError("malformed substrate reply", err).
			WithCode(engine.ErrCodeInternal).
			WithResource(resource).
			WithOperation(suffix)
	}
	return nil
}

// Submit implements engine.Substrate. Any error in the reply is a rejection.
func (c *NATSClient) Submit(ctx context.Context, in engine.SubmitInput) (string, error) {
	var reply submitReply
	if err := c.request(ctx, SubjectSubmit, in.UnitName, in, &reply); err != nil {
		return "", err
	}
	if reply.Error != nil {
		return "", engine.NewSubmissionRejectedError(in.UnitName, reply.Error.Message, nil)
	}
	if reply.OperationID == "" {
		return "", engine.NewSubmissionRejectedError(in.UnitName, "substrate returned no operation ID", nil)
	}
	return reply.OperationID, nil
}

// Describe implements engine.Substrate.
func (c *NATSClient) Describe(ctx context.Context, in engine.DescribeInput) (*engine.OperationStatus, error) {
	var reply describeReply
	if err := c.request(ctx, SubjectDescribe, in.UnitName, in, &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error.engineError(in.UnitName, SubjectDescribe)
	}
	if reply.Status == nil {
		return nil, engine.NewPermanentError("substrate returned no status", nil).
			WithCode(engine.ErrCodeInternal).
			WithResource(in.UnitName).
			WithOperation(SubjectDescribe)
	}
	if err := reply.Status.Status.Validate(); err != nil {
		return nil, engine.NewPermanentError("substrate returned an invalid status", err).
			WithCode(engine.ErrCodeInternal).
			WithResource(in.UnitName).
			WithOperation(SubjectDescribe)
	}
	return reply.Status, nil
}

// Signals implements engine.SignalSource by subscribing to <prefix>.completed.
// Malformed messages are logged and skipped.
func (c *NATSClient) Signals(ctx context.Context) (<-chan engine.CompletionSignal, error) {
	out := make(chan engine.CompletionSignal, 64)

	var mu sync.RWMutex
	closed := false

	unsubscribe, err := c.transport.Subscribe(c.subject(SubjectCompleted), func(_ string, data []byte, _ func([]byte) error) {
		var sig engine.CompletionSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			c.logger.Warn().Err(err).Msg("Discarding malformed completion signal")
			return
		}
		if sig.PipelineID == "" {
			c.logger.Warn().Msg("Discarding completion signal without pipeline ID")
			return
		}

		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		select {
		case out <- sig:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to completion signals: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := unsubscribe(); err != nil {
			c.logger.Debug().Err(err).Msg("Unsubscribe from completion signals failed")
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}
