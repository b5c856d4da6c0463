package substrate

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// SimulatorConfig shapes simulated substrate behaviour.
type SimulatorConfig struct {
	// Latency is the time between an accepted submission and its completion.
	Latency time.Duration

	// RejectUnits rejects submissions for these unit names with the given reason.
	RejectUnits map[string]string

	// RejectRegions rejects submissions targeting these regions, as if the
	// substrate were unavailable there.
	RejectRegions []string

	// FailUnits completes submissions for these unit names as failed with the
	// given reason.
	FailUnits map[string]string
}

type simOperation struct {
	input       engine.SubmitInput
	submittedAt time.Time
	status      engine.DeploymentStatus
	reason      string
}

// Simulator is an in-process substrate. Submissions are accepted at once and
// complete after the configured latency; completions are observable through
// both Describe and Signals.
type Simulator struct {
	cfg    SimulatorConfig
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	ops         map[string]*simOperation
	subscribers map[int]chan engine.CompletionSignal
	nextSub     int
	timers      []*time.Timer
}

var (
	_ engine.Substrate    = (*Simulator)(nil)
	_ engine.SignalSource = (*Simulator)(nil)
)

// NewSimulator creates a simulated substrate.
func NewSimulator(cfg SimulatorConfig, logger zerolog.Logger) *Simulator {
	return &Simulator{
		cfg:         cfg,
		logger:      logger.With().Str("component", "substrate").Str("driver", "simulator").Logger(),
		now:         time.Now,
		ops:         make(map[string]*simOperation),
		subscribers: make(map[int]chan engine.CompletionSignal),
	}
}

// Submit implements engine.Substrate.
func (s *Simulator) Submit(ctx context.Context, in engine.SubmitInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if reason, ok := s.cfg.RejectUnits[in.UnitName]; ok {
		return "", engine.NewSubmissionRejectedError(in.UnitName, reason, nil)
	}
	if in.Environment != nil && slices.Contains(s.cfg.RejectRegions, in.Environment.Region) {
		return "", engine.NewSubmissionRejectedError(in.UnitName, "substrate unavailable in region "+in.Environment.Region, nil)
	}

	opID := "sim-" + uuid.NewString()
	op := &simOperation{
		input:       in,
		submittedAt: s.now(),
		status:      engine.StatusInProgress,
	}

	s.mu.Lock()
	s.ops[opID] = op
	s.timers = append(s.timers, time.AfterFunc(s.cfg.Latency, func() { s.complete(opID) }))
	s.mu.Unlock()

	s.logger.Debug().
		Str("pipeline_id", in.PipelineID).
		Str("unit", in.UnitName).
		Str("operation_id", opID).
		Msg("Submission accepted")
	return opID, nil
}

// Describe implements engine.Substrate.
func (s *Simulator) Describe(_ context.Context, in engine.DescribeInput) (*engine.OperationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[in.OperationID]
	if !ok {
		return nil, engine.NewPermanentError("operation not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(in.UnitName).
			WithOperation("describe")
	}
	return &engine.OperationStatus{
		OperationID: in.OperationID,
		Status:      op.status,
		Reason:      op.reason,
	}, nil
}

// Signals implements engine.SignalSource. Each call gets its own channel,
// closed when ctx is done.
func (s *Simulator) Signals(ctx context.Context) (<-chan engine.CompletionSignal, error) {
	ch := make(chan engine.CompletionSignal, 64)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// Complete finishes an in-progress operation immediately.
func (s *Simulator) Complete(operationID string, status engine.DeploymentStatus, reason string) bool {
	s.mu.Lock()
	op, ok := s.ops[operationID]
	if !ok || op.status.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	op.status = status
	op.reason = reason
	sig := signalFor(operationID, op, s.now())
	s.broadcastLocked(sig)
	s.mu.Unlock()
	return true
}

// Operations returns the number of accepted submissions.
func (s *Simulator) Operations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// Stop cancels pending completions.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *Simulator) complete(operationID string) {
	s.mu.Lock()
	op, ok := s.ops[operationID]
	if !ok || op.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	status, reason := engine.StatusSucceeded, ""
	if r, fail := s.cfg.FailUnits[op.input.UnitName]; fail {
		status, reason = engine.StatusFailed, r
	}
	s.mu.Unlock()

	s.Complete(operationID, status, reason)
	s.logger.Debug().
		Str("pipeline_id", op.input.PipelineID).
		Str("operation_id", operationID).
		Str("status", string(status)).
		Msg("Operation completed")
}

// broadcastLocked delivers sig to every subscriber without blocking; a
// subscriber whose buffer is full misses the signal and relies on Describe.
func (s *Simulator) broadcastLocked(sig engine.CompletionSignal) {
	for _, ch := range s.subscribers {
		select {
		case ch <- sig:
		default:
			s.logger.Warn().Str("pipeline_id", sig.PipelineID).Msg("Signal subscriber full, dropping signal")
		}
	}
}

func signalFor(operationID string, op *simOperation, at time.Time) engine.CompletionSignal {
	return engine.CompletionSignal{
		PipelineID:  op.input.PipelineID,
		Environment: op.input.Environment,
		OperationID: operationID,
		Status:      op.status,
		Reason:      op.reason,
		ObservedAt:  at,
	}
}
