package substrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// Responder exposes a substrate over NATS with the subjects NATSClient
// uses. Pointing it at a Simulator gives a stand-in provisioning service for
// development and integration tests.
type Responder struct {
	transport Transport
	prefix    string
	backend   engine.Substrate
	signals   engine.SignalSource
	logger    zerolog.Logger
}

// NewResponder creates a responder. signals may be nil when the backend
// reports completions only through Describe.
func NewResponder(transport Transport, prefix string, backend engine.Substrate, signals engine.SignalSource, logger zerolog.Logger) *Responder {
	return &Responder{
		transport: transport,
		prefix:    prefix,
		backend:   backend,
		signals:   signals,
		logger:    logger.With().Str("component", "substrate-responder").Logger(),
	}
}

// Serve answers requests and forwards completion signals until ctx is done.
func (r *Responder) Serve(ctx context.Context) error {
	unsubSubmit, err := r.transport.Subscribe(r.prefix+"."+SubjectSubmit, func(_ string, data []byte, reply func([]byte) error) {
		r.respond(reply, r.handleSubmit(ctx, data))
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to submissions: %w", err)
	}
	defer unsubSubmit()

	unsubDescribe, err := r.transport.Subscribe(r.prefix+"."+SubjectDescribe, func(_ string, data []byte, reply func([]byte) error) {
		r.respond(reply, r.handleDescribe(ctx, data))
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to describes: %w", err)
	}
	defer unsubDescribe()

	r.logger.Info().Str("prefix", r.prefix).Msg("Substrate responder started")

	if r.signals == nil {
		<-ctx.Done()
		return nil
	}

	signals, err := r.signals.Signals(ctx)
	if err != nil {
		return fmt.Errorf("failed to open completion signals: %w", err)
	}
	for sig := range signals {
		data, err := json.Marshal(sig)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to encode completion signal")
			continue
		}
		if err := r.transport.Publish(r.prefix+"."+SubjectCompleted, data); err != nil {
			r.logger.Warn().Err(err).Str("pipeline_id", sig.PipelineID).Msg("Failed to publish completion signal")
		}
	}
	return nil
}

func (r *Responder) handleSubmit(ctx context.Context, data []byte) interface{} {
	var in engine.SubmitInput
	if err := json.Unmarshal(data, &in); err != nil {
		return submitReply{Error: &replyError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeInternal, Message: "malformed submit request"}}
	}
	opID, err := r.backend.Submit(ctx, in)
	if err != nil {
		return submitReply{Error: toReplyError(err)}
	}
	return submitReply{OperationID: opID}
}

func (r *Responder) handleDescribe(ctx context.Context, data []byte) interface{} {
	var in engine.DescribeInput
	if err := json.Unmarshal(data, &in); err != nil {
		return describeReply{Error: &replyError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeInternal, Message: "malformed describe request"}}
	}
	st, err := r.backend.Describe(ctx, in)
	if err != nil {
		return describeReply{Error: toReplyError(err)}
	}
	return describeReply{Status: st}
}

func (r *Responder) respond(reply func([]byte) error, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode reply")
		return
	}
	if err := reply(data); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to send reply")
	}
}
