package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName     = "github.com/openfroyo/mlpipe/pkg/engine"
	defaultLockTTL = 5 * time.Minute
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// LockTTL bounds how long a crashed holder can block a pipeline.
	LockTTL time.Duration

	// SubmitTimeout bounds a single-environment submission.
	SubmitTimeout time.Duration

	// Holder identifies this engine process in lock rows. Generated when empty.
	Holder string
}

// CoordinatorDeps are the collaborators of a Coordinator. Policy, Mapper,
// Notifier and Metrics are optional.
type CoordinatorDeps struct {
	Registry  *Registry
	Validator *Validator
	Tracker   *Tracker
	Fanout    *FanoutController
	Substrate Substrate
	Locks     LockManager
	Policy    PolicyEvaluator
	Mapper    ParameterMapper
	Notifier  Notifier
	Metrics   MetricsRecorder
	Logger    zerolog.Logger
}

// Coordinator turns validated requests into substrate submissions.
type Coordinator struct {
	registry  *Registry
	validator *Validator
	tracker   *Tracker
	fanout    *FanoutController
	substrate Substrate
	locks     LockManager
	policy    PolicyEvaluator
	mapper    ParameterMapper
	notifier  Notifier
	metrics   MetricsRecorder
	logger    zerolog.Logger

	lockTTL       time.Duration
	submitTimeout time.Duration
	holder        string
	newID         func() string
}

// NewCoordinator creates a deployment coordinator.
func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) (*Coordinator, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("coordinator requires a blueprint registry")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("coordinator requires a status tracker")
	case deps.Substrate == nil:
		return nil, fmt.Errorf("coordinator requires a substrate")
	case deps.Locks == nil:
		return nil, fmt.Errorf("coordinator requires a lock manager")
	}

	if deps.Validator == nil {
		deps.Validator = NewValidator(deps.Registry, nil)
	}
	if deps.Mapper == nil {
		deps.Mapper = TemplateMapper{}
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.Holder == "" {
		cfg.Holder = "mlpipe-" + uuid.NewString()[:8]
	}
	if deps.Fanout == nil {
		deps.Fanout = NewFanoutController(FanoutConfig{SubmitTimeout: cfg.SubmitTimeout}, deps.Substrate, deps.Metrics, deps.Logger)
	}

	return &Coordinator{
		registry:      deps.Registry,
		validator:     deps.Validator,
		tracker:       deps.Tracker,
		fanout:        deps.Fanout,
		substrate:     deps.Substrate,
		locks:         deps.Locks,
		policy:        deps.Policy,
		mapper:        deps.Mapper,
		notifier:      deps.Notifier,
		metrics:       deps.Metrics,
		logger:        deps.Logger.With().Str("component", "coordinator").Logger(),
		lockTTL:       cfg.LockTTL,
		submitTimeout: cfg.SubmitTimeout,
		holder:        cfg.Holder,
		newID:         uuid.NewString,
	}, nil
}

// Handle validates and resolves a raw request, then provisions it.
func (c *Coordinator) Handle(ctx context.Context, raw *RawRequest) (*ProvisioningOutcome, error) {
	req, err := c.validator.Validate(raw)
	if err != nil {
		c.metrics.RecordProvisioning(c.typeLabel(raw), resultLabel(err), 0)
		return nil, err
	}
	bp, err := c.registry.Resolve(req.PipelineType, req.Option)
	if err != nil {
		c.metrics.RecordProvisioning(req.PipelineType, resultLabel(err), 0)
		return nil, err
	}
	return c.Provision(ctx, req, bp)
}

// Provision runs the create-or-update flow for a validated request: identity,
// existence checks, admission policy, the per-pipeline lock, then the single
// or fan-out submission path. The lock is released once the substrate has
// accepted and the record is written; completion is tracked asynchronously.
func (c *Coordinator) Provision(ctx context.Context, req *PipelineRequest, bp *Blueprint) (out *ProvisioningOutcome, err error) {
	start := time.Now()
	pipelineID := DerivePipelineID(req, bp)
	if req.RequestID == "" {
		withID := *req
		withID.RequestID = c.newID()
		req = &withID
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "provision", trace.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("pipeline.type", req.PipelineType),
		attribute.String("pipeline.option", req.Option),
		attribute.Bool("pipeline.update", req.IsUpdate),
		attribute.Int("pipeline.targets", len(req.TargetEnvironments)),
	))
	defer func() {
		label := "accepted"
		if err != nil {
			label = resultLabel(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if out.Fanout != nil && out.Fanout.Result == FanoutPartiallyAccepted {
			label = "partially_accepted"
		}
		c.metrics.RecordProvisioning(req.PipelineType, label, time.Since(start))
		span.End()
	}()

	logger := c.logger.With().
		Str("pipeline_id", pipelineID).
		Str("request_id", req.RequestID).
		Str("pipeline_type", req.PipelineType).
		Logger()

	if _, err := c.checkExisting(ctx, pipelineID, req); err != nil {
		return nil, err
	}

	if c.policy != nil {
		decision, err := c.policy.EvaluateRequest(ctx, req, bp)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate admission policies: %w", err)
		}
		if !decision.Allowed {
			logger.Warn().Int("violations", len(decision.Violations)).Msg("Request denied by policy")
			return nil, NewPolicyDeniedError(pipelineID, decision)
		}
	}

	holder := c.holder + ":" + req.RequestID
	locked, err := c.locks.TryLock(ctx, pipelineID, holder, c.lockTTL)
	if err != nil {
		return nil, NewTransientError("failed to acquire provisioning lock", err).WithResource(pipelineID)
	}
	if !locked {
		c.metrics.RecordLockContention()
		logger.Info().Msg("Provisioning lock held by another request")
		return nil, NewConcurrentProvisioningError(pipelineID)
	}
	defer func() {
		if uerr := c.locks.Unlock(context.WithoutCancel(ctx), pipelineID, holder); uerr != nil {
			logger.Warn().Err(uerr).Msg("Failed to release provisioning lock")
		}
	}()

	// Re-read under the lock; another process may have written since the first check.
	existing, err := c.checkExisting(ctx, pipelineID, req)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.DeploymentUnit.HasActive() {
			return nil, NewConcurrentProvisioningError(pipelineID).
				WithDetail("status", string(existing.Status()))
		}
		if existing.DeploymentUnit.Kind != req.Kind() {
			return nil, NewInvalidParameterError("target_environments",
				fmt.Sprintf("pipeline is deployed as a %s unit and cannot change to %s", existing.DeploymentUnit.Kind, req.Kind()))
		}
	}

	if req.IsFanout() {
		return c.provisionFanout(ctx, logger, pipelineID, req, bp)
	}
	return c.provisionSingle(ctx, logger, pipelineID, req, bp)
}

// checkExisting applies the create/update existence rules and returns the
// current record, or nil for a first-time create.
func (c *Coordinator) checkExisting(ctx context.Context, pipelineID string, req *PipelineRequest) (*PipelineRecord, error) {
	rec, err := c.tracker.GetStatus(ctx, pipelineID)
	switch {
	case errors.Is(err, ErrPipelineNotFound):
		if req.IsUpdate {
			return nil, NewPipelineNotFoundError(pipelineID)
		}
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load pipeline %s: %w", pipelineID, err)
	}

	if !req.IsUpdate {
		return nil, NewAlreadyExistsError(pipelineID)
	}
	if rec.Terminated {
		return nil, NewTerminatedError(pipelineID)
	}
	if rec.PipelineType != req.PipelineType {
		return nil, NewInvalidParameterError("pipeline_type",
			fmt.Sprintf("pipeline was provisioned as %s", rec.PipelineType))
	}
	return rec, nil
}

func (c *Coordinator) provisionSingle(ctx context.Context, logger zerolog.Logger, pipelineID string, req *PipelineRequest, bp *Blueprint) (*ProvisioningOutcome, error) {
	unitName := UnitName(pipelineID)
	params, err := c.mapper.TemplateParameters(ctx, bp, req.Parameters, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	opID, err := submitWithTimeout(ctx, c.substrate, SubmitInput{
		PipelineID: pipelineID,
		UnitName:   unitName,
		TemplateID: bp.TemplateID,
		Parameters: params,
		RequestID:  req.RequestID,
		IsUpdate:   req.IsUpdate,
	}, c.submitTimeout)
	if err != nil {
		c.metrics.RecordSubmission(UnitKindSingle, SubmissionRejected, time.Since(start))
		reason := RejectionReason(err)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			reason = fmt.Sprintf("submission timed out after %s", c.submitTimeout)
		}
		logger.Warn().Str("unit", unitName).Str("reason", reason).Msg("Submission rejected")
		c.emitRejection(ctx, pipelineID, req.PipelineType, nil, reason)
		return nil, NewSubmissionRejectedError(unitName, reason, err)
	}
	c.metrics.RecordSubmission(UnitKindSingle, SubmissionAccepted, time.Since(start))

	rec, created, err := c.tracker.RecordSubmission(ctx, Submission{
		PipelineID: pipelineID,
		Request:    req,
		Blueprint:  bp,
		Single: &TargetOutcome{
			UnitName:    unitName,
			State:       SubmissionAccepted,
			OperationID: opID,
		},
	})
	if err != nil {
		logger.Error().Err(err).Str("operation_id", opID).Msg("Submission accepted but record write failed")
		return nil, fmt.Errorf("failed to record accepted submission %s: %w", opID, err)
	}

	logger.Info().
		Str("unit", unitName).
		Str("operation_id", opID).
		Bool("created", created).
		Msg("Provisioning submitted")

	return outcomeFromRecord(rec, created, req.RequestID, nil), nil
}

func (c *Coordinator) provisionFanout(ctx context.Context, logger zerolog.Logger, pipelineID string, req *PipelineRequest, bp *Blueprint) (*ProvisioningOutcome, error) {
	perTarget := make(map[EnvironmentRef]map[string]string, len(req.TargetEnvironments))
	for _, env := range req.TargetEnvironments {
		params, err := c.mapper.TemplateParameters(ctx, bp, req.Parameters, &env)
		if err != nil {
			return nil, err
		}
		perTarget[env] = params
	}

	fo, err := c.fanout.Fanout(ctx, FanoutRequest{
		PipelineID:       pipelineID,
		RequestID:        req.RequestID,
		Blueprint:        bp,
		Targets:          req.TargetEnvironments,
		IsUpdate:         req.IsUpdate,
		TargetParameters: perTarget,
	})
	if err != nil {
		return nil, err
	}

	if fo.Result == FanoutAllRejected {
		reasons := make(map[string]string, len(fo.Rejected))
		for _, o := range fo.Targets {
			reasons[o.Environment.String()] = o.Reason
			c.emitRejection(ctx, pipelineID, req.PipelineType, o.Environment, o.Reason)
		}
		return nil, NewSubmissionRejectedError(UnitName(pipelineID),
			fmt.Sprintf("all %d target environments rejected the submission", len(fo.Targets)), nil).
			WithDetail("targets", reasons)
	}

	rec, created, err := c.tracker.RecordSubmission(ctx, Submission{
		PipelineID: pipelineID,
		Request:    req,
		Blueprint:  bp,
		Fanout:     fo,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Fan-out accepted but record write failed")
		return nil, fmt.Errorf("failed to record fan-out submission: %w", err)
	}

	logger.Info().
		Str("result", string(fo.Result)).
		Int("targets", len(fo.Targets)).
		Bool("created", created).
		Msg("Provisioning submitted")

	return outcomeFromRecord(rec, created, req.RequestID, fo), nil
}

// emitRejection notifies about a rejection that left no record behind.
func (c *Coordinator) emitRejection(ctx context.Context, pipelineID, pipelineType string, env *EnvironmentRef, reason string) {
	c.notifier.Emit(ctx, Notification{
		ID:           uuid.NewString(),
		Type:         EventTypeSubmissionRejected,
		Severity:     EventTypeSubmissionRejected.Severity(),
		PipelineID:   pipelineID,
		PipelineType: pipelineType,
		Environment:  env,
		Status:       StatusFailed,
		Message:      reason,
		Timestamp:    time.Now().UTC(),
	})
}

func outcomeFromRecord(rec *PipelineRecord, created bool, requestID string, fo *FanoutOutcome) *ProvisioningOutcome {
	out := &ProvisioningOutcome{
		PipelineID: rec.PipelineID,
		RequestID:  requestID,
		Status:     rec.Status(),
		Created:    created,
		Fanout:     fo,
	}
	u := rec.DeploymentUnit
	if u.Kind == UnitKindSingle {
		out.DeploymentUnits = []UnitOutcome{{
			UnitName:    u.UnitName,
			Status:      u.Status,
			OperationID: u.LastOperationID,
			Error:       u.LastError,
		}}
		return out
	}
	for _, inst := range u.Instances {
		env := inst.Environment
		out.DeploymentUnits = append(out.DeploymentUnits, UnitOutcome{
			UnitName:    inst.UnitName,
			Environment: &env,
			Status:      inst.Status,
			OperationID: inst.LastOperationID,
			Error:       inst.LastError,
		})
	}
	return out
}

func resultLabel(err error) string {
	if code := CodeOf(err); code != "" {
		return strings.ToLower(code)
	}
	return "error"
}

// typeLabel bounds metric label values to registered pipeline types.
func (c *Coordinator) typeLabel(raw *RawRequest) string {
	if raw == nil {
		return "unknown"
	}
	t := strings.ToLower(strings.TrimSpace(raw.PipelineType))
	if !c.registry.HasType(t) {
		return "unknown"
	}
	return t
}
