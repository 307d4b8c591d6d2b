package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/appctx"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/session/models"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// appctxDetached is a seam for tests; production uses appctx.Detached.
var appctxDetached = appctx.Detached

// awaitVerdict registers a waiter for one request's classifier verdict.
func (o *Orchestrator) awaitVerdict(requestID string) <-chan *v1.Verdict {
	ch := make(chan *v1.Verdict, 1)
	o.mu.Lock()
	o.verdicts[requestID] = ch
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) forgetVerdict(requestID string) {
	o.mu.Lock()
	delete(o.verdicts, requestID)
	o.mu.Unlock()
}

// onVerdict delivers a classifier verdict broadcast to its waiter. Verdicts
// for unknown requests (late arrivals after the fallback fired) are dropped.
func (o *Orchestrator) onVerdict(ctx context.Context, payload []byte) {
	var verdict v1.Verdict
	if err := json.Unmarshal(payload, &verdict); err != nil {
		o.logger.Warn("ignoring malformed verdict", zap.Error(err))
		return
	}
	o.mu.Lock()
	ch, ok := o.verdicts[verdict.RequestID]
	o.mu.Unlock()
	if !ok {
		o.logger.Debug("dropping verdict with no waiter",
			zap.String("request_id", verdict.RequestID))
		return
	}
	select {
	case ch <- &verdict:
	default:
	}
}

// onPromotion routes a clarifier promotion: the folded question moves to the
// answerer under the same request id, so the client's open stream continues
// seamlessly.
func (o *Orchestrator) onPromotion(ctx context.Context, payload []byte) {
	var promo v1.Promotion
	if err := json.Unmarshal(payload, &promo); err != nil {
		o.logger.Warn("ignoring malformed promotion", zap.Error(err))
		return
	}

	dctx, cancel := appctxDetached(o.stop, o.cfg.Orchestrator.RequestTimeout())
	defer cancel()

	if err := o.transition(dctx, promo.SessionID, models.StageClarifying, models.StageAnswering); err != nil {
		o.logger.Warn("failed to advance promoted session",
			zap.Int64("session_id", promo.SessionID), zap.Error(err))
		return
	}

	req := &v1.Request{
		RequestID:  promo.RequestID,
		SessionID:  promo.SessionID,
		UserID:     promo.UserID,
		Kind:       v1.KindQuestion,
		Text:       promo.Text,
		EnqueuedAt: time.Now().UTC(),
		DeadlineAt: time.Now().UTC().Add(o.cfg.Orchestrator.RequestTimeout()),
	}
	if err := o.publishRequest(dctx, v1.AgentAnswerer, req); err != nil {
		o.logger.Error("failed to route promoted request",
			zap.String("request_id", promo.RequestID), zap.Error(err))
		return
	}
	o.sidecar.Inc("promotions_routed_total", 1, nil)
}

// watchClarifier guards against a silent clarifier: if no clarifier activity
// appears on the session's log topic within the clarify timeout, the request
// is either promoted to the answerer or surfaced as a timeout error,
// depending on configuration.
func (o *Orchestrator) watchClarifier(req *v1.Request) {
	progress := make(chan struct{}, 1)
	sub, err := o.bus.SubscribeBroadcast(events.SessionLogTopic(req.SessionID), func(ctx context.Context, payload []byte) {
		var entry v1.ProcessingLogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return
		}
		if entry.Agent == v1.AgentClarifier {
			select {
			case progress <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		o.logger.Warn("failed to watch clarifier progress", zap.Error(err))
		return
	}

	go func() {
		defer sub.Unsubscribe()
		select {
		case <-progress:
			return
		case <-o.stop:
			return
		case <-time.After(o.cfg.Orchestrator.ClarifyTimeout()):
		}

		dctx, cancel := appctxDetached(o.stop, o.cfg.Orchestrator.RequestTimeout())
		defer cancel()

		if o.cfg.Orchestrator.AutoPromoteAfterClarification {
			o.logger.Warn("clarifier silent, auto-promoting to answerer",
				zap.String("request_id", req.RequestID),
				zap.Int64("session_id", req.SessionID))
			o.sidecar.Inc("clarifier_autopromotions_total", 1, nil)
			if err := o.transition(dctx, req.SessionID, models.StageClarifying, models.StageAnswering); err != nil {
				o.logger.Warn("failed to advance silent clarification", zap.Error(err))
				return
			}
			if err := o.publishRequest(dctx, v1.AgentAnswerer, req); err != nil {
				o.logger.Error("failed to auto-promote request", zap.Error(err))
			}
			return
		}

		o.logger.Error("clarifier silent, surfacing timeout",
			zap.String("request_id", req.RequestID),
			zap.Int64("session_id", req.SessionID))
		o.emitTerminalError(dctx, req, v1.ErrCodeTimeout, "clarifier produced no question in time")
	}()
}

// emitTerminalError publishes error+complete onto the session response
// stream on behalf of an agent that went silent.
func (o *Orchestrator) emitTerminalError(ctx context.Context, req *v1.Request, code, message string) {
	for _, ev := range []*v1.ResponseEvent{
		v1.NewError(req.RequestID, req.SessionID, code, message),
		v1.NewEvent(v1.EventComplete, req.RequestID, req.SessionID),
	} {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := o.bus.Publish(ctx, events.ResponseStream(req.SessionID), data); err != nil {
			o.logger.Warn("failed to publish terminal error", zap.Error(err))
		}
	}
}
