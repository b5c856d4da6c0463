package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

type countingRecorder struct {
	mu        sync.Mutex
	delivered map[string]int
	failed    map[string]int
	dropped   int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{delivered: map[string]int{}, failed: map[string]int{}}
}

func (r *countingRecorder) RecordNotification(sink string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.delivered[sink]++
	} else {
		r.failed[sink]++
	}
}

func (r *countingRecorder) RecordNotificationDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func testConfig() Config {
	return Config{
		BufferSize:     16,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func shutdown(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func notification(pipelineID string, typ engine.EventType) engine.Notification {
	return engine.Notification{
		Type:         typ,
		PipelineID:   pipelineID,
		PipelineType: "realtime-inference",
		Message:      "test",
	}
}

func TestEmitter_DeliversToSinks(t *testing.T) {
	var mu sync.Mutex
	var got []engine.Notification
	sink := NewFuncSink("capture", func(_ context.Context, n engine.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
		return nil
	})

	rec := newCountingRecorder()
	e := NewEmitter(testConfig(), rec, zerolog.Nop())
	e.AddSink(sink, nil)

	e.Emit(context.Background(), notification("pl-1", engine.EventTypeSubmissionAccepted))
	e.Emit(context.Background(), notification("pl-2", engine.EventTypePipelineFailed))
	shutdown(t, e)

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].PipelineID != "pl-1" || got[1].PipelineID != "pl-2" {
		t.Errorf("deliveries out of order: %s, %s", got[0].PipelineID, got[1].PipelineID)
	}
	for _, n := range got {
		if n.ID == "" || n.Timestamp.IsZero() {
			t.Errorf("expected ID and timestamp to be filled, got %+v", n)
		}
	}
	if got[1].Severity != "error" {
		t.Errorf("expected severity derived from type, got %q", got[1].Severity)
	}
	if rec.delivered["capture"] != 2 {
		t.Errorf("expected 2 recorded deliveries, got %d", rec.delivered["capture"])
	}
}

func TestEmitter_Filters(t *testing.T) {
	var errorsSeen, infraSeen atomic.Int32
	e := NewEmitter(testConfig(), nil, zerolog.Nop())
	e.AddSink(NewFuncSink("errors", func(context.Context, engine.Notification) error {
		errorsSeen.Add(1)
		return nil
	}), FilterBySeverity("error"))
	e.AddSink(NewFuncSink("stale", func(context.Context, engine.Notification) error {
		infraSeen.Add(1)
		return nil
	}), FilterByType(engine.EventTypePipelineStale))

	if got := e.Sinks(); len(got) != 2 || got[0] != "errors" {
		t.Errorf("Sinks() = %v", got)
	}

	e.Emit(context.Background(), notification("pl-1", engine.EventTypeSubmissionAccepted))
	e.Emit(context.Background(), notification("pl-1", engine.EventTypeSubmissionRejected))
	e.Emit(context.Background(), notification("pl-1", engine.EventTypePipelineStale))
	shutdown(t, e)

	if errorsSeen.Load() != 1 {
		t.Errorf("severity filter delivered %d, want 1", errorsSeen.Load())
	}
	if infraSeen.Load() != 1 {
		t.Errorf("type filter delivered %d, want 1", infraSeen.Load())
	}
}

func TestEmitter_TimesOutHungSink(t *testing.T) {
	var delivered atomic.Int32
	cfg := testConfig()
	cfg.MaxAttempts = 2
	cfg.DeliverTimeout = 20 * time.Millisecond

	rec := newCountingRecorder()
	e := NewEmitter(cfg, rec, zerolog.Nop())
	e.AddSink(NewFuncSink("hung", func(ctx context.Context, _ engine.Notification) error {
		<-ctx.Done()
		return ctx.Err()
	}), nil)
	e.AddSink(NewFuncSink("capture", func(context.Context, engine.Notification) error {
		delivered.Add(1)
		return nil
	}), nil)

	e.Emit(context.Background(), notification("pl-1", engine.EventTypeSubmissionAccepted))
	e.Emit(context.Background(), notification("pl-2", engine.EventTypeSubmissionAccepted))
	shutdown(t, e)

	if delivered.Load() != 2 {
		t.Errorf("expected both notifications past the hung sink, got %d", delivered.Load())
	}
	if rec.failed["hung"] != 2 {
		t.Errorf("expected 2 failed deliveries to the hung sink, got %d", rec.failed["hung"])
	}
}

func TestEmitter_RetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	sink := NewFuncSink("flaky", func(context.Context, engine.Notification) error {
		if attempts.Add(1) < 3 {
			return errors.New("temporarily unavailable")
		}
		return nil
	})

	rec := newCountingRecorder()
	e := NewEmitter(testConfig(), rec, zerolog.Nop())
	e.AddSink(sink, nil)
	e.Emit(context.Background(), notification("pl-1", engine.EventTypePipelineSucceeded))
	shutdown(t, e)

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if rec.delivered["flaky"] != 1 || rec.failed["flaky"] != 0 {
		t.Errorf("expected one delivery, got delivered=%d failed=%d", rec.delivered["flaky"], rec.failed["flaky"])
	}
}

func TestEmitter_GivesUp(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int32
	}{
		{"transient exhausts attempts", errors.New("down"), 3},
		{"permanent stops at once", backoff.Permanent(errors.New("bad payload")), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			rec := newCountingRecorder()
			e := NewEmitter(testConfig(), rec, zerolog.Nop())
			e.AddSink(NewFuncSink("broken", func(context.Context, engine.Notification) error {
				attempts.Add(1)
				return tt.err
			}), nil)

			e.Emit(context.Background(), notification("pl-1", engine.EventTypePipelineFailed))
			shutdown(t, e)

			if attempts.Load() != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts.Load(), tt.wantAttempts)
			}
			if rec.failed["broken"] != 1 {
				t.Errorf("expected one failed delivery, got %d", rec.failed["broken"])
			}
		})
	}
}

func TestEmitter_DropsWhenBufferFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	cfg := testConfig()
	cfg.BufferSize = 1
	rec := newCountingRecorder()
	e := NewEmitter(cfg, rec, zerolog.Nop())
	e.AddSink(NewFuncSink("slow", func(context.Context, engine.Notification) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}), nil)

	e.Emit(context.Background(), notification("pl-1", engine.EventTypeSubmissionAccepted))
	<-started

	// One slot in the buffer; the third notification has nowhere to go.
	e.Emit(context.Background(), notification("pl-2", engine.EventTypeSubmissionAccepted))
	e.Emit(context.Background(), notification("pl-3", engine.EventTypeSubmissionAccepted))

	close(release)
	shutdown(t, e)

	if rec.dropped != 1 {
		t.Errorf("expected 1 dropped notification, got %d", rec.dropped)
	}
	if rec.delivered["slow"] != 2 {
		t.Errorf("expected 2 deliveries, got %d", rec.delivered["slow"])
	}
}

func TestEmitter_EmitAfterShutdown(t *testing.T) {
	rec := newCountingRecorder()
	e := NewEmitter(testConfig(), rec, zerolog.Nop())
	shutdown(t, e)
	shutdown(t, e)

	e.Emit(context.Background(), notification("pl-1", engine.EventTypePipelineTerminated))
	if rec.dropped != 1 {
		t.Errorf("expected emit after shutdown to be dropped, got %d", rec.dropped)
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "mlpipe.events")

	n := notification("pl-1", engine.EventTypeInstanceFailed)
	n.Environment = &engine.EnvironmentRef{AccountID: "111111111111", Region: "eu-west-1"}
	n.Status = engine.StatusFailed

	if err := sink.Deliver(context.Background(), n); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "mlpipe.events.instance_failed" {
		t.Fatalf("unexpected subjects %v", pub.subjects)
	}

	var decoded engine.Notification
	if err := json.Unmarshal(pub.payloads[0], &decoded); err != nil {
		t.Fatalf("payload is not a notification: %v", err)
	}
	if decoded.PipelineID != "pl-1" || decoded.Environment == nil || decoded.Environment.Region != "eu-west-1" {
		t.Errorf("decoded payload = %+v", decoded)
	}

	pub.err = errors.New("nats: timeout")
	if err := sink.Deliver(context.Background(), n); err == nil {
		t.Error("expected publish error")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	n := notification("pl-9", engine.EventTypePipelineStale)
	n.Severity = "warning"
	n.Message = "no outcome observed"
	if err := sink.Deliver(context.Background(), n); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"pipeline_id":"pl-9"`, `"type":"pipeline_stale"`, `"message":"no outcome observed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}
}
