package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultMaxCASAttempts = 5

// Tracker owns every pipeline record write. All mutations go through one
// load, mutate, compare-and-set loop on the record version.
type Tracker struct {
	store          RecordStore
	notifier       Notifier
	metrics        MetricsRecorder
	logger         zerolog.Logger
	now            func() time.Time
	maxCASAttempts int
}

// NewTracker creates a status tracker. notifier and metrics may be nil.
func NewTracker(store RecordStore, notifier Notifier, metrics MetricsRecorder, logger zerolog.Logger) *Tracker {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Tracker{
		store:          store,
		notifier:       notifier,
		metrics:        metrics,
		logger:         logger.With().Str("component", "tracker").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
		maxCASAttempts: defaultMaxCASAttempts,
	}
}

// recordChange accumulates the side effects of one mutation attempt.
type recordChange struct {
	rec   *PipelineRecord
	now   time.Time
	dirty bool
	notes []Notification
	moves [][2]DeploymentStatus
}

func (c *recordChange) event(from, to DeploymentStatus, env *EnvironmentRef, detail string) {
	var envCopy *EnvironmentRef
	if env != nil {
		e := *env
		envCopy = &e
	}
	c.rec.History = append(c.rec.History, LifecycleEvent{
		Sequence:    len(c.rec.History) + 1,
		Timestamp:   c.now,
		FromState:   from,
		ToState:     to,
		Detail:      detail,
		Environment: envCopy,
	})
	if from != to {
		c.moves = append(c.moves, [2]DeploymentStatus{from, to})
	}
	c.dirty = true
}

func (c *recordChange) notify(typ EventType, env *EnvironmentRef, status DeploymentStatus, msg string) {
	c.notes = append(c.notes, Notification{
		ID:           uuid.NewString(),
		Type:         typ,
		Severity:     typ.Severity(),
		PipelineID:   c.rec.PipelineID,
		PipelineType: c.rec.PipelineType,
		Environment:  env,
		Status:       status,
		Message:      msg,
		Timestamp:    c.now,
	})
}

// update runs mutate against the latest record and writes it with optimistic
// concurrency, retrying on version conflicts. Notifications collected by the
// mutation are emitted only after a successful write.
func (t *Tracker) update(ctx context.Context, pipelineID string, mutate func(c *recordChange) error) (*PipelineRecord, bool, error) {
	for attempt := 0; attempt < t.maxCASAttempts; attempt++ {
		rec, err := t.store.GetRecord(ctx, pipelineID)
		if err != nil {
			return nil, false, err
		}

		c := &recordChange{rec: rec, now: t.now()}
		expected := rec.Version
		if err := mutate(c); err != nil {
			return nil, false, err
		}
		if !c.dirty {
			return rec, false, nil
		}
		rec.UpdatedAt = c.now

		err = t.store.UpdateRecord(ctx, rec, expected)
		if errors.Is(err, ErrVersionConflict) {
			t.metrics.RecordVersionConflict()
			t.logger.Debug().
				Str("pipeline_id", pipelineID).
				Int("attempt", attempt+1).
				Msg("Version conflict, retrying update")
			continue
		}
		if err != nil {
			return nil, false, err
		}

		t.commit(ctx, c)
		return rec, true, nil
	}

	return nil, false, NewConflictError("pipeline record kept changing during update", nil).
		WithCode(ErrCodeVersionConflict).
		WithResource(pipelineID).
		WithOperation("update")
}

func (t *Tracker) commit(ctx context.Context, c *recordChange) {
	for _, m := range c.moves {
		t.metrics.RecordTransition(m[0], m[1])
	}
	for _, n := range c.notes {
		t.notifier.Emit(ctx, n)
	}
}

// Submission is an accepted provisioning attempt to be recorded.
type Submission struct {
	PipelineID string
	Request    *PipelineRequest
	Blueprint  *Blueprint

	// Single is set for single-environment units and must be accepted.
	Single *TargetOutcome

	// Fanout is set for fan-out units and must contain at least one acceptance.
	Fanout *FanoutOutcome
}

// RecordSubmission creates or updates the pipeline record for an accepted
// submission. It reports whether a new record was created.
func (t *Tracker) RecordSubmission(ctx context.Context, sub Submission) (*PipelineRecord, bool, error) {
	if sub.Single == nil && sub.Fanout == nil {
		return nil, false, NewPermanentError("submission has no outcome", nil).WithCode(ErrCodeInternal)
	}

	_, err := t.store.GetRecord(ctx, sub.PipelineID)
	if errors.Is(err, ErrPipelineNotFound) {
		rec, createErr := t.createRecord(ctx, sub)
		if createErr == nil {
			return rec, true, nil
		}
		if !errors.Is(createErr, ErrPipelineAlreadyExists) {
			return nil, false, createErr
		}
		// Lost a create race; fall through to the update path.
	} else if err != nil {
		return nil, false, err
	}

	rec, _, err := t.update(ctx, sub.PipelineID, func(c *recordChange) error {
		applySubmission(c, sub)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (t *Tracker) createRecord(ctx context.Context, sub Submission) (*PipelineRecord, error) {
	now := t.now()
	rec := &PipelineRecord{
		PipelineID:   sub.PipelineID,
		PipelineType: sub.Request.PipelineType,
		Option:       sub.Request.Option,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	c := &recordChange{rec: rec, now: now}
	applySubmission(c, sub)

	if err := t.store.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	t.commit(ctx, c)
	return rec, nil
}

// applySubmission folds an accepted submission into the record.
func applySubmission(c *recordChange, sub Submission) {
	rec := c.rec
	req := sub.Request
	u := &rec.DeploymentUnit
	isNew := u.Status == ""

	rec.PipelineType = req.PipelineType
	rec.Option = req.Option
	rec.CurrentParameters = maps.Clone(req.Parameters)

	u.Kind = req.Kind()
	u.UnitName = UnitName(sub.PipelineID)
	u.TemplateID = sub.Blueprint.TemplateID
	u.LastRequestID = req.RequestID
	u.SubmittedAt = c.now
	u.UpdatedAt = c.now

	if isNew {
		c.event("", StatusRequested, nil, "provisioning requested by "+req.RequestID)
		u.Status = StatusRequested
	}

	if sub.Single != nil {
		from := u.Status
		u.Status = StatusInProgress
		u.LastOperationID = sub.Single.OperationID
		u.LastError = ""
		c.event(from, StatusInProgress, nil, "submission accepted, operation "+sub.Single.OperationID)
		c.notify(EventTypeSubmissionAccepted, nil, StatusInProgress, "submission accepted for "+u.UnitName)
		return
	}

	for _, o := range sub.Fanout.Targets {
		env := *o.Environment
		inst := u.Instance(env)
		if inst == nil {
			u.Instances = append(u.Instances, StackSetInstance{
				Environment: env,
				UnitName:    InstanceUnitName(sub.PipelineID, env),
				Status:      StatusRequested,
			})
			inst = &u.Instances[len(u.Instances)-1]
		}
		from := inst.Status
		inst.UpdatedAt = c.now

		if o.Accepted() {
			inst.Status = StatusInProgress
			inst.SubmittedAt = c.now
			inst.LastOperationID = o.OperationID
			inst.LastError = ""
			c.event(from, StatusInProgress, &env, "submission accepted, operation "+o.OperationID)
			c.notify(EventTypeSubmissionAccepted, &env, StatusInProgress, "submission accepted for "+inst.UnitName)
			continue
		}

		// A refused update leaves the deployed instance as it was.
		inst.LastError = o.Reason
		if from == StatusRequested {
			inst.Status = StatusFailed
			inst.SubmittedAt = c.now
			inst.LastOperationID = ""
		}
		c.event(from, inst.Status, &env, "submission rejected: "+o.Reason)
		c.notify(EventTypeSubmissionRejected, &env, inst.Status, o.Reason)
	}

	recomputeAggregate(c, "")
}

// recomputeAggregate updates a fan-out unit's status from its instances and
// records the unit-level transition, if any.
func recomputeAggregate(c *recordChange, detail string) {
	u := &c.rec.DeploymentUnit
	if u.Kind != UnitKindFanout {
		return
	}
	agg := AggregateStatus(u.Instances)
	if agg == u.Status {
		return
	}
	from := u.Status
	u.Status = agg
	u.UpdatedAt = c.now
	if detail == "" {
		detail = fmt.Sprintf("aggregate status %s across %d targets", agg, len(u.Instances))
	}
	c.event(from, agg, nil, detail)

	switch agg {
	case StatusSucceeded, StatusFailed:
		c.notify(eventForStatus(agg, false), nil, agg, detail)
	case StatusUnknown:
		c.notify(EventTypePipelineStale, nil, agg, detail)
	}
}

// AggregateStatus derives a fan-out unit's status from its instances:
// failed if any failed, else in progress if any is requested or in progress,
// else unknown if any is unknown, else succeeded.
func AggregateStatus(instances []StackSetInstance) DeploymentStatus {
	if len(instances) == 0 {
		return StatusRequested
	}
	var active, unknown bool
	for _, inst := range instances {
		switch inst.Status {
		case StatusFailed:
			return StatusFailed
		case StatusRequested, StatusInProgress:
			active = true
		case StatusUnknown:
			unknown = true
		}
	}
	switch {
	case active:
		return StatusInProgress
	case unknown:
		return StatusUnknown
	default:
		return StatusSucceeded
	}
}

// ApplySignal applies a completion signal. Duplicate signals, signals for a
// terminal target, and signals for an operation other than the target's last
// one change nothing. It reports whether the record changed.
func (t *Tracker) ApplySignal(ctx context.Context, sig CompletionSignal) (bool, error) {
	if !sig.Status.IsTerminal() {
		return false, NewInvalidParameterError("status", "completion signals must be succeeded or failed")
	}

	_, changed, err := t.update(ctx, sig.PipelineID, func(c *recordChange) error {
		u := &c.rec.DeploymentUnit

		if sig.Environment == nil {
			if u.Kind != UnitKindSingle {
				return NewInvalidParameterError("environment", "signal for a fan-out unit must name an environment")
			}
			if !signalApplies(sig, u.Status, u.LastOperationID) {
				return nil
			}
			from := u.Status
			u.Status = sig.Status
			u.LastError = ""
			if sig.Status == StatusFailed {
				u.LastError = sig.Reason
			}
			u.UpdatedAt = c.now
			c.event(from, sig.Status, nil, signalDetail(sig))
			c.notify(eventForStatus(sig.Status, false), nil, sig.Status, signalDetail(sig))
			return nil
		}

		inst := u.Instance(*sig.Environment)
		if inst == nil {
			return NewInvalidParameterError("environment",
				fmt.Sprintf("pipeline %s has no instance in %s", sig.PipelineID, sig.Environment))
		}
		if !signalApplies(sig, inst.Status, inst.LastOperationID) {
			return nil
		}
		from := inst.Status
		inst.Status = sig.Status
		inst.LastError = ""
		if sig.Status == StatusFailed {
			inst.LastError = sig.Reason
		}
		inst.UpdatedAt = c.now
		env := inst.Environment
		c.event(from, sig.Status, &env, signalDetail(sig))
		c.notify(eventForStatus(sig.Status, true), &env, sig.Status, signalDetail(sig))
		recomputeAggregate(c, "")
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		t.logger.Info().
			Str("pipeline_id", sig.PipelineID).
			Str("status", string(sig.Status)).
			Str("operation_id", sig.OperationID).
			Msg("Applied completion signal")
	}
	return changed, nil
}

func signalApplies(sig CompletionSignal, current DeploymentStatus, lastOperationID string) bool {
	if sig.OperationID != "" && sig.OperationID != lastOperationID {
		return false
	}
	return current.CanTransition(sig.Status)
}

func signalDetail(sig CompletionSignal) string {
	detail := "operation " + sig.OperationID + " " + string(sig.Status)
	if sig.OperationID == "" {
		detail = "operation " + string(sig.Status)
	}
	if sig.Reason != "" {
		detail += ": " + sig.Reason
	}
	return detail
}

// MarkStale moves an in-progress target to unknown. env is nil for
// single-environment units. It reports whether the record changed.
func (t *Tracker) MarkStale(ctx context.Context, pipelineID string, env *EnvironmentRef, detail string) (bool, error) {
	_, changed, err := t.update(ctx, pipelineID, func(c *recordChange) error {
		u := &c.rec.DeploymentUnit
		if env == nil {
			if u.Kind != UnitKindSingle || !u.Status.CanTransition(StatusUnknown) {
				return nil
			}
			from := u.Status
			u.Status = StatusUnknown
			u.UpdatedAt = c.now
			c.event(from, StatusUnknown, nil, detail)
			c.notify(EventTypePipelineStale, nil, StatusUnknown, detail)
			return nil
		}

		inst := u.Instance(*env)
		if inst == nil || !inst.Status.CanTransition(StatusUnknown) {
			return nil
		}
		from := inst.Status
		inst.Status = StatusUnknown
		inst.UpdatedAt = c.now
		e := inst.Environment
		c.event(from, StatusUnknown, &e, detail)
		recomputeAggregate(c, "")
		return nil
	})
	return changed, err
}

// Terminate marks the record terminated. Terminated records are kept with
// their history but can no longer be updated.
func (t *Tracker) Terminate(ctx context.Context, pipelineID, reason string) (*PipelineRecord, error) {
	rec, _, err := t.update(ctx, pipelineID, func(c *recordChange) error {
		if c.rec.Terminated {
			return nil
		}
		c.rec.Terminated = true
		status := c.rec.DeploymentUnit.Status
		detail := "terminated"
		if reason != "" {
			detail += ": " + reason
		}
		c.event(status, status, nil, detail)
		c.notify(EventTypePipelineTerminated, nil, status, detail)
		return nil
	})
	return rec, err
}

// GetStatus returns the pipeline record. Returns ErrPipelineNotFound if absent.
func (t *Tracker) GetStatus(ctx context.Context, pipelineID string) (*PipelineRecord, error) {
	return t.store.GetRecord(ctx, pipelineID)
}

// ListPipelines returns summaries of the records matching filter.
func (t *Tracker) ListPipelines(ctx context.Context, filter PipelineFilter) ([]PipelineSummary, error) {
	recs, err := t.store.ListRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]PipelineSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Summary())
	}
	return out, nil
}

// Outstanding returns every non-terminated record with a unit or instance
// awaiting an outcome.
func (t *Tracker) Outstanding(ctx context.Context) ([]*PipelineRecord, error) {
	return t.store.ListRecords(ctx, PipelineFilter{OutstandingOnly: true})
}
