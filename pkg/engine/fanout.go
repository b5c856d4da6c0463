package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultMaxParallel   = 10
	defaultSubmitTimeout = 30 * time.Second
)

// FanoutRequest describes one multi-environment submission.
type FanoutRequest struct {
	PipelineID string
	RequestID  string
	Blueprint  *Blueprint
	Targets    []EnvironmentRef
	IsUpdate   bool

	// Parameters are the template parameters shared by every target.
	Parameters map[string]string

	// TargetParameters optionally overlays per-target template parameters.
	TargetParameters map[EnvironmentRef]map[string]string
}

// FanoutController submits one deployment per target environment through a
// bounded worker pool and aggregates the synchronous results.
type FanoutController struct {
	// maxParallel is the maximum number of concurrent submissions
	maxParallel int

	// submitTimeout bounds each individual submission
	submitTimeout time.Duration

	substrate Substrate
	metrics   MetricsRecorder
	logger    zerolog.Logger
}

// FanoutConfig configures a FanoutController.
type FanoutConfig struct {
	MaxParallel   int
	SubmitTimeout time.Duration
}

// NewFanoutController creates a fan-out controller.
func NewFanoutController(cfg FanoutConfig, substrate Substrate, metrics MetricsRecorder, logger zerolog.Logger) *FanoutController {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &FanoutController{
		maxParallel:   cfg.MaxParallel,
		submitTimeout: cfg.SubmitTimeout,
		substrate:     substrate,
		metrics:       metrics,
		logger:        logger.With().Str("component", "fanout").Logger(),
	}
}

// fanoutTask is one unit of work; result is buffered so workers never block.
type fanoutTask struct {
	input  SubmitInput
	result chan TargetOutcome
}

// Fanout submits to every target and returns the aggregated outcome.
// Accepted targets are never rolled back when others are rejected.
func (f *FanoutController) Fanout(ctx context.Context, req FanoutRequest) (*FanoutOutcome, error) {
	if req.Blueprint == nil {
		return nil, NewPermanentError("fanout requires a blueprint", nil).WithCode(ErrCodeInternal)
	}
	if len(req.Targets) == 0 {
		return nil, NewPermanentError("fanout requires at least one target environment", nil).
			WithCode(ErrCodeInternal).
			WithResource(req.PipelineID)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "fanout")
	span.SetAttributes(
		attribute.String("pipeline.id", req.PipelineID),
		attribute.Int("fanout.targets", len(req.Targets)),
	)
	defer span.End()

	tasks := make([]*fanoutTask, len(req.Targets))
	for i, env := range req.Targets {
		params := maps.Clone(req.Parameters)
		if params == nil {
			params = make(map[string]string)
		}
		maps.Copy(params, req.TargetParameters[env])
		tasks[i] = &fanoutTask{
			input: SubmitInput{
				PipelineID:  req.PipelineID,
				UnitName:    InstanceUnitName(req.PipelineID, env),
				TemplateID:  req.Blueprint.TemplateID,
				Environment: &env,
				Parameters:  params,
				RequestID:   req.RequestID,
				IsUpdate:    req.IsUpdate,
			},
			result: make(chan TargetOutcome, 1),
		}
	}

	workerCount := f.maxParallel
	if len(tasks) < workerCount {
		workerCount = len(tasks)
	}

	workQueue := make(chan *fanoutTask, len(tasks))
	for _, t := range tasks {
		workQueue <- t
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range workQueue {
				task.result <- f.submitOne(ctx, task.input)
			}
		}()
	}
	wg.Wait()

	outcomes := make([]TargetOutcome, len(tasks))
	for i, t := range tasks {
		outcomes[i] = <-t.result
	}

	out := AggregateFanout(outcomes)
	f.metrics.RecordFanout(out.Result, len(outcomes))
	span.SetAttributes(attribute.String("fanout.result", string(out.Result)))
	if out.Result == FanoutAllRejected {
		span.SetStatus(codes.Error, "all targets rejected")
	}

	f.logger.Info().
		Str("pipeline_id", req.PipelineID).
		Str("result", string(out.Result)).
		Int("accepted", len(out.Accepted)).
		Int("rejected", len(out.Rejected)).
		Msg("Fan-out submitted")

	return out, nil
}

// submitOne performs a single submission bounded by the per-target timeout.
func (f *FanoutController) submitOne(ctx context.Context, in SubmitInput) TargetOutcome {
	outcome := TargetOutcome{
		Environment: in.Environment,
		UnitName:    in.UnitName,
	}

	start := time.Now()
	opID, err := submitWithTimeout(ctx, f.substrate, in, f.submitTimeout)
	switch {
	case err == nil:
		outcome.State = SubmissionAccepted
		outcome.OperationID = opID
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		outcome.State = SubmissionRejected
		outcome.TimedOut = true
		outcome.Reason = fmt.Sprintf("submission timed out after %s", f.submitTimeout)
	default:
		outcome.State = SubmissionRejected
		outcome.Reason = RejectionReason(err)
	}
	f.metrics.RecordSubmission(UnitKindFanout, outcome.State, time.Since(start))

	if !outcome.Accepted() {
		f.logger.Warn().
			Str("unit", in.UnitName).
			Str("environment", in.Environment.String()).
			Bool("timed_out", outcome.TimedOut).
			Str("reason", outcome.Reason).
			Msg("Target submission rejected")
	}
	return outcome
}

// submitWithTimeout calls Submit and gives up when the timeout elapses even if
// the substrate ignores context cancellation.
func submitWithTimeout(ctx context.Context, s Substrate, in SubmitInput, timeout time.Duration) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type submitResult struct {
		operationID string
		err         error
	}
	done := make(chan submitResult, 1)
	go func() {
		id, err := s.Submit(sctx, in)
		done <- submitResult{operationID: id, err: err}
	}()

	select {
	case r := <-done:
		return r.operationID, r.err
	case <-sctx.Done():
		return "", sctx.Err()
	}
}

// AggregateFanout folds per-target outcomes, in request order, into a FanoutOutcome.
func AggregateFanout(outcomes []TargetOutcome) *FanoutOutcome {
	out := &FanoutOutcome{
		Targets:  outcomes,
		Rejected: make(map[EnvironmentRef]string),
	}
	for _, o := range outcomes {
		var env EnvironmentRef
		if o.Environment != nil {
			env = *o.Environment
		}
		if o.Accepted() {
			out.Accepted = append(out.Accepted, env)
		} else {
			out.Rejected[env] = o.Reason
		}
	}

	switch {
	case len(out.Rejected) == 0:
		out.Result = FanoutAllAccepted
	case len(out.Accepted) == 0:
		out.Result = FanoutAllRejected
	default:
		out.Result = FanoutPartiallyAccepted
	}
	return out
}

// RejectionReason extracts an operator-facing reason from a substrate error.
func RejectionReason(err error) string {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		if e.Code == ErrCodeSubmissionRejected {
			if r, ok := e.Details["reason"].(string); ok && r != "" {
				return r
			}
		}
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
