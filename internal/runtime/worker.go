package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/metrics"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

const (
	// panicCooldownThreshold is how many consecutive panics trip the
	// cooldown before the worker claims again.
	panicCooldownThreshold = 3
	panicCooldown          = 60 * time.Second

	retryBaseBackoff = time.Second
)

// Worker binds one Behavior to its agent request stream. It claims requests
// through a consumer group, enforces deadlines, retries transient failures
// with backoff, isolates panics, honors cancel broadcasts, and drains
// in-flight work on shutdown.
type Worker struct {
	agent    string
	behavior Behavior
	b        bus.Bus
	sidecar  *metrics.Sidecar
	cfg      config.AgentConfig
	logger   *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // request id -> in-flight cancel

	consecutivePanics int

	stop       chan struct{}
	stopOnce   sync.Once
	stopClaims context.CancelFunc
	done       chan struct{}
	cancelSub  bus.Subscription
}

// NewWorker creates a worker for one agent.
func NewWorker(behavior Behavior, b bus.Bus, sidecar *metrics.Sidecar, cfg config.AgentConfig, log *logger.Logger) *Worker {
	return &Worker{
		agent:    behavior.Name(),
		behavior: behavior,
		b:        b,
		sidecar:  sidecar,
		cfg:      cfg,
		logger:   log.WithAgent(behavior.Name()),
		cancels:  make(map[string]context.CancelFunc),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// consumerName identifies this process within the agent's consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "maice"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Start subscribes to the agent's request stream and begins claiming.
func (w *Worker) Start(ctx context.Context) error {
	consumer, err := w.b.Subscribe(ctx, events.RequestStream(w.agent), w.agent, consumerName())
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", events.RequestStream(w.agent), err)
	}

	sub, err := w.b.SubscribeBroadcast(events.CoordTopic(events.TopicCancel), w.onCancel)
	if err != nil {
		consumer.Close()
		return fmt.Errorf("subscribing to cancel topic: %w", err)
	}
	w.cancelSub = sub

	// Claiming gets its own context so Stop can halt claims without
	// cancelling work already in flight.
	claimCtx, stopClaims := context.WithCancel(ctx)
	w.stopClaims = stopClaims
	go w.claimLoop(ctx, claimCtx, consumer)
	w.logger.Info("agent worker started", zap.String("channel", events.RequestStream(w.agent)))
	return nil
}

// Stop halts claiming and waits for in-flight work up to the drain timeout.
// Work still running after the grace period is abandoned; its message stays
// unacked and another consumer picks it up after the visibility timeout.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.stopClaims != nil {
		w.stopClaims()
	}
	if w.cancelSub != nil {
		w.cancelSub.Unsubscribe()
	}

	drain := w.cfg.DrainTimeout()
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-w.done:
		w.logger.Info("agent worker drained")
	case <-time.After(drain):
		w.logger.Warn("drain timeout exceeded, abandoning in-flight work",
			zap.Duration("timeout", drain))
	case <-ctx.Done():
	}
}

// onCancel aborts the in-flight request named by a cancel broadcast.
func (w *Worker) onCancel(ctx context.Context, payload []byte) {
	var sig v1.CancelSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		w.logger.Warn("ignoring malformed cancel signal", zap.Error(err))
		return
	}
	w.mu.Lock()
	cancel, ok := w.cancels[sig.RequestID]
	w.mu.Unlock()
	if ok {
		w.logger.Info("cancelling in-flight request",
			zap.String("request_id", sig.RequestID),
			zap.Int64("session_id", sig.SessionID),
			zap.String("reason", sig.Reason))
		cancel()
	}
}

func (w *Worker) claimLoop(ctx, claimCtx context.Context, consumer bus.Consumer) {
	defer close(w.done)
	defer consumer.Close()

	channel := events.RequestStream(w.agent)
	for {
		d, err := consumer.Next(claimCtx)
		if err != nil {
			if claimCtx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				return
			}
			w.logger.Warn("claim failed", zap.Error(err))
			continue
		}
		w.handle(ctx, channel, d)
	}
}

// handle runs one delivery end to end. Acking is the last step on every path
// that consumed the message; panics leave it unacked so the bus redelivers.
func (w *Worker) handle(ctx context.Context, channel string, d *bus.Delivery) {
	var req v1.Request
	if err := json.Unmarshal(d.Payload, &req); err != nil {
		// Malformed payloads never succeed on redelivery.
		w.logger.Error("dropping malformed request payload",
			zap.String("message_id", d.MessageID), zap.Error(err))
		w.sidecar.Inc("requests_malformed_total", 1, nil)
		w.deadLetter(ctx, channel, d, fmt.Sprintf("malformed payload: %v", err))
		w.ack(ctx, channel, d)
		return
	}

	log := w.logger.WithFields(
		zap.String("request_id", req.RequestID),
		zap.Int64("session_id", req.SessionID))
	em := NewEmitter(w.b, &req)

	if req.Expired() {
		log.Warn("request deadline already passed, rejecting",
			zap.Time("deadline", req.DeadlineAt))
		w.sidecar.Inc("requests_expired_total", 1, nil)
		w.terminate(ctx, em, v1.ErrCodeTimeout, "request timed out before processing")
		w.ack(ctx, channel, d)
		return
	}

	reqCtx, cancel := context.WithDeadline(ctx, req.DeadlineAt)
	w.track(req.RequestID, cancel)
	defer w.untrack(req.RequestID)
	defer cancel()

	start := time.Now()
	err := w.handleWithRetry(reqCtx, &req, em, log)
	w.sidecar.Observe("request_duration_seconds", time.Since(start).Seconds(),
		map[string]string{"kind": string(req.Kind)})

	if w.panicked(err) {
		w.mu.Lock()
		w.consecutivePanics++
		count := w.consecutivePanics
		w.mu.Unlock()
		log.Error("behavior panicked, leaving message unacked",
			zap.Int("consecutive", count), zap.Error(err))
		w.sidecar.Inc("panics_total", 1, nil)
		if count >= panicCooldownThreshold {
			log.Error("consecutive panic threshold reached, cooling down",
				zap.Duration("cooldown", panicCooldown))
			select {
			case <-time.After(panicCooldown):
			case <-w.stop:
			case <-ctx.Done():
			}
			w.mu.Lock()
			w.consecutivePanics = 0
			w.mu.Unlock()
		}
		return
	}

	w.mu.Lock()
	w.consecutivePanics = 0
	w.mu.Unlock()

	switch kind := fault.KindOf(err); {
	case err == nil:
		w.sidecar.Inc("requests_total", 1, map[string]string{"outcome": "success"})
	case kind == fault.KindCancelled:
		log.Info("request cancelled mid-flight")
		w.sidecar.Inc("requests_total", 1, map[string]string{"outcome": "cancelled"})
	case kind == fault.KindTimeout:
		log.Warn("request deadline exceeded during processing", zap.Error(err))
		w.sidecar.Inc("requests_total", 1, map[string]string{"outcome": "timeout"})
		w.terminate(ctx, em, v1.ErrCodeTimeout, "request timed out")
	default:
		log.Error("request failed permanently", zap.String("fault", string(kind)), zap.Error(err))
		w.sidecar.Inc("requests_total", 1, map[string]string{"outcome": "error"})
		w.deadLetter(ctx, channel, d, err.Error())
		w.terminate(ctx, em, errCodeFor(kind), err.Error())
	}
	w.ack(ctx, channel, d)
}

// handleWithRetry dispatches to the behavior, retrying transient faults with
// exponential backoff and jitter. The request deadline bounds all attempts.
func (w *Worker) handleWithRetry(ctx context.Context, req *v1.Request, em Emitter, log *logger.Logger) error {
	maxAttempts := w.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = w.dispatch(ctx, req, em)
		if err == nil || !fault.Retryable(err) || w.panicked(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		delay := retryBackoff(attempt)
		log.Warn("transient failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		w.sidecar.Inc("retries_total", 1, nil)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fault.New(fault.KindOf(ctx.Err()), ctx.Err())
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", maxAttempts, err)
}

// panicError marks an error recovered from a behavior panic so the retry and
// ack machinery can treat it specially.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("behavior panic: %v", p.value)
}

func (w *Worker) panicked(err error) bool {
	_, ok := err.(*panicError)
	return ok
}

// dispatch invokes the behavior, converting panics into errors.
func (w *Worker) dispatch(ctx context.Context, req *v1.Request, em Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
			w.logger.Error("recovered behavior panic",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	return w.behavior.Handle(ctx, req, em)
}

// terminate emits an error event followed by the terminal complete event.
func (w *Worker) terminate(ctx context.Context, em Emitter, code, message string) {
	if err := em.Emit(ctx, &v1.ResponseEvent{Type: v1.EventError, Code: code, Message: message}); err != nil {
		w.logger.Warn("failed to emit error event", zap.Error(err))
	}
	if err := em.Emit(ctx, &v1.ResponseEvent{Type: v1.EventComplete}); err != nil {
		w.logger.Warn("failed to emit complete event", zap.Error(err))
	}
}

func (w *Worker) deadLetter(ctx context.Context, channel string, d *bus.Delivery, cause string) {
	env := bus.DeadLetterEnvelope{
		Channel:   channel,
		MessageID: d.MessageID,
		Attempts:  d.Attempt,
		Cause:     cause,
		Payload:   json.RawMessage(d.Payload),
		FailedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		w.logger.Error("failed to marshal dead-letter envelope", zap.Error(err))
		return
	}
	if _, err := w.b.Publish(ctx, events.DeadLetter(w.agent), data); err != nil {
		w.logger.Error("failed to publish dead letter",
			zap.String("message_id", d.MessageID), zap.Error(err))
		return
	}
	w.sidecar.Inc("dead_letters_total", 1, nil)
}

func (w *Worker) ack(ctx context.Context, channel string, d *bus.Delivery) {
	if err := w.b.Ack(ctx, channel, w.agent, d.MessageID); err != nil {
		w.logger.Warn("ack failed", zap.String("message_id", d.MessageID), zap.Error(err))
	}
}

func (w *Worker) track(requestID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.cancels[requestID] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack(requestID string) {
	w.mu.Lock()
	delete(w.cancels, requestID)
	w.mu.Unlock()
}

func errCodeFor(kind fault.Kind) string {
	switch kind {
	case fault.KindValidation:
		return v1.ErrCodeValidation
	case fault.KindAuth:
		return v1.ErrCodeAuth
	case fault.KindBusy:
		return v1.ErrCodeBusy
	case fault.KindTimeout:
		return v1.ErrCodeTimeout
	default:
		return v1.ErrCodeInternal
	}
}

// retryBackoff returns 1s, 4s, 16s for attempts 1..3 with ±25% jitter.
func retryBackoff(attempt int) time.Duration {
	base := retryBaseBackoff
	for i := 1; i < attempt; i++ {
		base *= 4
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(base) * jitter)
}
