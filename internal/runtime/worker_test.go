package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/metrics"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

const testVisibility = 5 * time.Second

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// fakeBehavior counts invocations and delegates to fn.
type fakeBehavior struct {
	name string
	fn   func(ctx context.Context, req *v1.Request, em Emitter) error

	mu    sync.Mutex
	calls int
}

func (f *fakeBehavior) Name() string { return f.name }

func (f *fakeBehavior) Handle(ctx context.Context, req *v1.Request, em Emitter) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, req, em)
}

func (f *fakeBehavior) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type workerHarness struct {
	bus    *bus.MemoryBus
	worker *Worker
	cancel context.CancelFunc
}

func startWorker(t *testing.T, behavior *fakeBehavior) *workerHarness {
	t.Helper()
	log := newTestLogger(t)
	b := bus.NewMemoryBus(bus.Options{
		VisibilityTimeout: testVisibility,
		MaxDeliveries:     5,
		DeadLetterChannel: events.DeadLetterFor,
	}, log)
	sc := metrics.NewSidecar(behavior.name, b, log)
	w := NewWorker(behavior, b, sc, config.AgentConfig{MaxAttempts: 3, DrainTimeoutSec: 30}, log)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Failed to start worker: %v", err)
	}
	return &workerHarness{bus: b, worker: w, cancel: cancel}
}

func (h *workerHarness) shutdown() {
	h.worker.Stop(context.Background())
	h.cancel()
}

func publishRequest(t *testing.T, b bus.Bus, agent string, req *v1.Request) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	if _, err := b.Publish(context.Background(), events.RequestStream(agent), data); err != nil {
		t.Fatalf("Failed to publish request: %v", err)
	}
}

// drainChannel collects whatever is currently on a stream channel.
func drainChannel(t *testing.T, b bus.Bus, channel string) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c, err := b.Subscribe(ctx, channel, "collector", "c1")
	if err != nil {
		t.Fatalf("Failed to subscribe to %s: %v", channel, err)
	}
	defer c.Close()

	var out [][]byte
	for {
		d, err := c.Next(ctx)
		if err != nil {
			return out
		}
		out = append(out, d.Payload)
		if err := b.Ack(ctx, channel, "collector", d.MessageID); err != nil {
			t.Fatalf("Failed to ack: %v", err)
		}
	}
}

func drainEvents(t *testing.T, b bus.Bus, sessionID int64) []*v1.ResponseEvent {
	t.Helper()
	var out []*v1.ResponseEvent
	for _, payload := range drainChannel(t, b, events.ResponseStream(sessionID)) {
		var ev v1.ResponseEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("Failed to unmarshal event: %v", err)
		}
		out = append(out, &ev)
	}
	return out
}

func eventTypes(evs []*v1.ResponseEvent) []v1.EventType {
	types := make([]v1.EventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func TestWorker_ProcessesAndAcks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		behavior := &fakeBehavior{
			name: v1.AgentAnswerer,
			fn: func(ctx context.Context, req *v1.Request, em Emitter) error {
				if err := em.Emit(ctx, v1.NewEvent(v1.EventAnswerComplete, "", 0)); err != nil {
					return err
				}
				return em.Emit(ctx, v1.NewEvent(v1.EventComplete, "", 0))
			},
		}
		h := startWorker(t, behavior)
		defer h.shutdown()

		req := v1.NewRequest(7, "user-1", v1.KindQuestion, "what is a derivative", time.Minute)
		publishRequest(t, h.bus, behavior.name, req)
		synctest.Wait()

		evs := drainEvents(t, h.bus, 7)
		if len(evs) != 2 || evs[0].Type != v1.EventAnswerComplete || evs[1].Type != v1.EventComplete {
			t.Fatalf("Unexpected events: %v", eventTypes(evs))
		}
		if evs[0].RequestID != req.RequestID || evs[0].SessionID != 7 {
			t.Errorf("Emitter did not bind request identity: %+v", evs[0])
		}

		// Acked work must not reappear after the visibility timeout.
		time.Sleep(2 * testVisibility)
		synctest.Wait()
		if behavior.Calls() != 1 {
			t.Errorf("Expected exactly 1 invocation, got %d", behavior.Calls())
		}
	})
}

func TestWorker_RetriesTransientThenSucceeds(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var mu sync.Mutex
		failures := 2
		behavior := &fakeBehavior{
			name: v1.AgentAnswerer,
			fn: func(ctx context.Context, req *v1.Request, em Emitter) error {
				mu.Lock()
				defer mu.Unlock()
				if failures > 0 {
					failures--
					return fault.Transient(errors.New("llm connection reset"))
				}
				return em.Emit(ctx, v1.NewEvent(v1.EventComplete, "", 0))
			},
		}
		h := startWorker(t, behavior)
		defer h.shutdown()

		publishRequest(t, h.bus, behavior.name,
			v1.NewRequest(3, "user-1", v1.KindQuestion, "integrate x^2", time.Minute))

		// Backoffs for attempts 1 and 2 total at most 6.25s.
		time.Sleep(10 * time.Second)
		synctest.Wait()

		if behavior.Calls() != 3 {
			t.Errorf("Expected 3 attempts, got %d", behavior.Calls())
		}
		evs := drainEvents(t, h.bus, 3)
		if len(evs) != 1 || evs[0].Type != v1.EventComplete {
			t.Fatalf("Expected a single complete event, got %v", eventTypes(evs))
		}
	})
}

func TestWorker_ExhaustedRetriesDeadLetter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		behavior := &fakeBehavior{
			name: v1.AgentClassifier,
			fn: func(ctx context.Context, req *v1.Request, em Emitter) error {
				return fault.Transient(errors.New("bus flapping"))
			},
		}
		h := startWorker(t, behavior)
		defer h.shutdown()

		req := v1.NewRequest(5, "user-1", v1.KindQuestion, "prove it", time.Minute)
		publishRequest(t, h.bus, behavior.name, req)
		time.Sleep(10 * time.Second)
		synctest.Wait()

		if behavior.Calls() != 3 {
			t.Errorf("Expected 3 attempts, got %d", behavior.Calls())
		}

		letters := drainChannel(t, h.bus, events.DeadLetter(behavior.name))
		if len(letters) != 1 {
			t.Fatalf("Expected 1 dead letter, got %d", len(letters))
		}
		var env bus.DeadLetterEnvelope
		if err := json.Unmarshal(letters[0], &env); err != nil {
			t.Fatalf("Failed to unmarshal envelope: %v", err)
		}
		if env.Channel != events.RequestStream(behavior.name) {
			t.Errorf("Unexpected origin channel %q", env.Channel)
		}
		var original v1.Request
		if err := json.Unmarshal(env.Payload, &original); err != nil || original.RequestID != req.RequestID {
			t.Errorf("Envelope does not carry the original request: %v %v", err, original.RequestID)
		}

		evs := drainEvents(t, h.bus, 5)
		if len(evs) != 2 || evs[0].Type != v1.EventError || evs[1].Type != v1.EventComplete {
			t.Fatalf("Expected error then complete, got %v", eventTypes(evs))
		}
		if evs[0].Code != v1.ErrCodeInternal {
			t.Errorf("Expected internal error code, got %q", evs[0].Code)
		}
	})
}

func TestWorker_PermanentFailureNotRetried(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		behavior := &fakeBehavior{
			name: v1.AgentAnswerer,
			fn: func(ctx context.Context, req *v1.Request, em Emitter) error {
				return fault.Newf(fault.KindValidation, "question is empty")
			},
		}
		h := startWorker(t, behavior)
		defer h.shutdown()

		publishRequest(t, h.bus, behavior.name,
			v1.NewRequest(9, "user-1", v1.KindQuestion, "", time.Minute))
		synctest.Wait()

		if behavior.Calls() != 1 {
			t.Errorf("Expected 1 attempt, got %d", behavior.Calls())
		}
		evs := drainEvents(t, h.bus, 9)
		if len(evs) != 2 || evs[0].Type != v1.EventError || evs[0].Code != v1.ErrCodeValidation {
			t.Fatalf("Expected validation error, got %v", evs)
		}
		if letters := drainChannel(t, h.bus, events.DeadLetter(behavior.name)); len(letters) != 1 {
			t.Errorf("Expected permanent failure to dead-letter, got %d entries", len(letters))
		}
	})
}

func TestWorker_ExpiredRequestRejected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		behavior := &fakeBehavior{name: v1.AgentAnswerer}
		h := startWorker(t, behavior)
		defer h.shutdown()

		req := v1.NewRequest(11, "user-1", v1.KindQuestion, "late", time.Minute)
		req.DeadlineAt = time.Now().Add(-time.Second)
		publishRequest(t, h.bus, behavior.name, req)
		synctest.Wait()

		if behavior.Calls() != 0 {
			t.Errorf("Expected expired request to skip the behavior, got %d calls", behavior.Calls())
		}
		evs := drainEvents(t, h.bus, 11)
		if len(evs) != 2 || evs[0].Type != v1.EventError || evs[0].Code != v1.ErrCodeTimeout {
			t.Fatalf("Expected timeout error then complete, got %v", eventTypes(evs))
		}
	})
}

func TestWorker_PanicLeavesMessageForRedelivery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var mu sync.Mutex
		panicked := false
		behavior := &fakeBehavior{
			name: v1.AgentObserver,
			fn: func(ctx context.Context, req *v1.Request, em Emitter) error {
				mu.Lock()
				first := !panicked
				panicked = true
				mu.Unlock()
				if first {
					panic("nil map write in summary builder")
				}
				return em.Emit(ctx, v1.NewEvent(v1.EventComplete, "", 0))
			},
		}
		h := startWorker(t, behavior)
		defer h.shutdown()

		publishRequest(t, h.bus, behavior.name,
			v1.NewRequest(13, "user-1", v1.KindQuestion, "summarize", time.Minute))

		// Unacked after the panic; redelivered once visibility expires.
		time.Sleep(testVisibility + time.Second)
		synctest.Wait()

		if behavior.Calls() != 2 {
			t.Errorf("Expected redelivery after panic, got %d calls", behavior.Calls())
		}
		evs := drainEvents(t, h.bus, 13)
		if len(evs) != 1 || evs[0].Type != v1.EventComplete {
			t.Fatalf("Expected the second attempt to complete, got %v", eventTypes(evs))
		}
	})
}

func TestWorker_CancelBroadcastAbortsInflight(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		behavior := &fakeBehavior{
			name: v1.AgentAnswerer,
			fn: func(ctx context.Context, req *v1.Request, em Emitter) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}
		h := startWorker(t, behavior)
		defer h.shutdown()

		req := v1.NewRequest(17, "user-1", v1.KindQuestion, "long derivation", time.Minute)
		publishRequest(t, h.bus, behavior.name, req)
		synctest.Wait()

		sig, _ := json.Marshal(v1.CancelSignal{SessionID: 17, RequestID: req.RequestID, Reason: "client disconnected"})
		if err := h.bus.Broadcast(context.Background(), events.CoordTopic(events.TopicCancel), sig); err != nil {
			t.Fatalf("Failed to broadcast cancel: %v", err)
		}
		synctest.Wait()

		if behavior.Calls() != 1 {
			t.Errorf("Expected 1 call, got %d", behavior.Calls())
		}
		// Cancelled work is acked silently: no events, no redelivery.
		if evs := drainEvents(t, h.bus, 17); len(evs) != 0 {
			t.Errorf("Expected no events after cancellation, got %v", eventTypes(evs))
		}
		time.Sleep(2 * testVisibility)
		synctest.Wait()
		if behavior.Calls() != 1 {
			t.Errorf("Expected no redelivery after cancellation, got %d calls", behavior.Calls())
		}
	})
}

func TestWorker_StopDrainsInflightWork(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		behavior := &fakeBehavior{
			name: v1.AgentAnswerer,
			fn: func(ctx context.Context, req *v1.Request, em Emitter) error {
				time.Sleep(2 * time.Second)
				return em.Emit(ctx, v1.NewEvent(v1.EventComplete, "", 0))
			},
		}
		h := startWorker(t, behavior)

		publishRequest(t, h.bus, behavior.name,
			v1.NewRequest(19, "user-1", v1.KindQuestion, "slow one", time.Minute))
		synctest.Wait()

		h.worker.Stop(context.Background())
		h.cancel()

		if behavior.Calls() != 1 {
			t.Errorf("Expected in-flight work to finish during drain, got %d calls", behavior.Calls())
		}
		evs := drainEvents(t, h.bus, 19)
		if len(evs) != 1 || evs[0].Type != v1.EventComplete {
			t.Fatalf("Expected drained work to emit complete, got %v", eventTypes(evs))
		}
	})
}
