package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Interval between sweeps in Run.
	Interval time.Duration

	// StaleAfter is how long a submission may stay outstanding before it is
	// flagged unknown.
	StaleAfter time.Duration

	// MaxDescribeAttempts bounds retries of a transient describe failure.
	MaxDescribeAttempts int

	// DescribeTimeout bounds one describe call.
	DescribeTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the exponential retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultReconcilerConfig returns the default reconciliation settings.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:            time.Minute,
		StaleAfter:          2 * time.Hour,
		MaxDescribeAttempts: 4,
		DescribeTimeout:     15 * time.Second,
		InitialBackoff:      time.Second,
		MaxBackoff:          time.Minute,
	}
}

// SweepReport summarizes one reconciliation sweep.
type SweepReport struct {
	Pipelines      int `json:"pipelines"`
	Targets        int `json:"targets"`
	Resolved       int `json:"resolved"`
	MarkedStale    int `json:"marked_stale"`
	DescribeErrors int `json:"describe_errors"`
}

// Reconciler drives outstanding deployments to a definitive state by polling
// the substrate and by consuming pushed completion signals. Both paths apply
// results through the tracker.
type Reconciler struct {
	tracker   *Tracker
	substrate Substrate
	cfg       ReconcilerConfig
	metrics   MetricsRecorder
	logger    zerolog.Logger
	now       func() time.Time
}

// NewReconciler creates a reconciler. Zero config fields take their defaults.
func NewReconciler(cfg ReconcilerConfig, tracker *Tracker, substrate Substrate, metrics MetricsRecorder, logger zerolog.Logger) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MaxDescribeAttempts <= 0 {
		cfg.MaxDescribeAttempts = def.MaxDescribeAttempts
	}
	if cfg.DescribeTimeout <= 0 {
		cfg.DescribeTimeout = def.DescribeTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Reconciler{
		tracker:   tracker,
		substrate: substrate,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// outstandingTarget is one unit or instance awaiting an outcome.
type outstandingTarget struct {
	pipelineID  string
	unitName    string
	env         *EnvironmentRef
	operationID string
	status      DeploymentStatus
	submittedAt time.Time
}

func outstandingTargets(rec *PipelineRecord) []outstandingTarget {
	u := rec.DeploymentUnit
	if u.Kind == UnitKindSingle {
		if !u.Status.IsOutstanding() {
			return nil
		}
		return []outstandingTarget{{
			pipelineID:  rec.PipelineID,
			unitName:    u.UnitName,
			operationID: u.LastOperationID,
			status:      u.Status,
			submittedAt: u.SubmittedAt,
		}}
	}

	var out []outstandingTarget
	for _, inst := range u.Instances {
		if !inst.Status.IsOutstanding() {
			continue
		}
		env := inst.Environment
		out = append(out, outstandingTarget{
			pipelineID:  rec.PipelineID,
			unitName:    inst.UnitName,
			env:         &env,
			operationID: inst.LastOperationID,
			status:      inst.Status,
			submittedAt: inst.SubmittedAt,
		})
	}
	return out
}

// Sweep describes every outstanding target once and applies definitive
// results. Targets outstanding longer than StaleAfter are flagged unknown.
// Per-target failures are counted, not returned.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.sweep")
	defer span.End()

	recs, err := r.tracker.Outstanding(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding pipelines: %w", err)
	}

	report := &SweepReport{Pipelines: len(recs)}
	for _, rec := range recs {
		for _, target := range outstandingTargets(rec) {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Targets++
			r.reconcileTarget(ctx, target, report)
		}
	}

	span.SetAttributes(
		attribute.Int("reconcile.targets", report.Targets),
		attribute.Int("reconcile.resolved", report.Resolved),
	)
	r.metrics.RecordReconcileSweep(report.Targets, time.Since(start))
	r.logger.Debug().
		Int("pipelines", report.Pipelines).
		Int("targets", report.Targets).
		Int("resolved", report.Resolved).
		Int("stale", report.MarkedStale).
		Int("describe_errors", report.DescribeErrors).
		Dur("duration", time.Since(start)).
		Msg("Reconcile sweep complete")

	return report, nil
}

func (r *Reconciler) reconcileTarget(ctx context.Context, t outstandingTarget, report *SweepReport) {
	logger := r.logger.With().Str("pipeline_id", t.pipelineID).Str("unit", t.unitName).Logger()

	status, err := r.describe(ctx, t)
	if err != nil {
		report.DescribeErrors++
		r.metrics.RecordDescribeError()
		logger.Warn().Err(err).Msg("Describe failed")
	} else if status.Status.IsTerminal() {
		applied, err := r.tracker.ApplySignal(ctx, CompletionSignal{
			PipelineID:  t.pipelineID,
			Environment: t.env,
			OperationID: t.operationID,
			Status:      status.Status,
			Reason:      status.Reason,
			ObservedAt:  r.now(),
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to apply describe result")
			return
		}
		if applied {
			report.Resolved++
		}
		return
	}

	if t.status == StatusUnknown || r.now().Sub(t.submittedAt) < r.cfg.StaleAfter {
		return
	}
	detail := fmt.Sprintf("no outcome for operation %s after %s", t.operationID, r.cfg.StaleAfter)
	marked, err := r.tracker.MarkStale(ctx, t.pipelineID, t.env, detail)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark target stale")
		return
	}
	if marked {
		report.MarkedStale++
		logger.Warn().Str("operation_id", t.operationID).Msg("Target marked unknown")
	}
}

// describe queries the substrate, retrying transient failures with exponential backoff.
func (r *Reconciler) describe(ctx context.Context, t outstandingTarget) (*OperationStatus, error) {
	in := DescribeInput{UnitName: t.unitName, Environment: t.env, OperationID: t.operationID}

	op := func() (*OperationStatus, error) {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.DescribeTimeout)
		defer cancel()

		st, err := r.substrate.Describe(dctx, in)
		if err != nil {
			if IsPermanent(err) || IsConflict(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return st, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff

	st, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxDescribeAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Debug().Err(err).Str("unit", t.unitName).Dur("retry_in", d).Msg("Describe failed, retrying")
		}),
	)
	if err != nil {
		return nil, NewTransientError("substrate describe failed", err).
			WithCode(ErrCodeSubstrateUnavailable).
			WithResource(t.unitName).
			WithOperation("describe")
	}
	return st, nil
}

// Consume applies pushed completion signals until the channel closes or ctx ends.
func (r *Reconciler) Consume(ctx context.Context, signals <-chan CompletionSignal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			applied, err := r.tracker.ApplySignal(ctx, sig)
			switch {
			case errors.Is(err, ErrPipelineNotFound):
				r.logger.Warn().Str("pipeline_id", sig.PipelineID).Msg("Signal for unknown pipeline")
			case err != nil:
				r.logger.Error().Err(err).Str("pipeline_id", sig.PipelineID).Msg("Failed to apply signal")
			case !applied:
				r.logger.Debug().Str("pipeline_id", sig.PipelineID).Str("operation_id", sig.OperationID).Msg("Signal ignored")
			}
		}
	}
}

// Run sweeps immediately and then on every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.cfg.Interval).
		Dur("stale_after", r.cfg.StaleAfter).
		Msg("Reconciler started")

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Reconcile sweep failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
