// Package orchestrator routes user input through the agent fleet by session
// stage, enforces the at-most-one in-flight request per session invariant via
// a bus-backed lease, and reacts to classifier verdicts and clarifier
// promotions broadcast on the coordination channels.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/pipeline"
	"github.com/maice-ai/maice/internal/session"
	"github.com/maice-ai/maice/internal/session/models"
	"github.com/maice-ai/maice/internal/session/repository"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// lease is the per-session in-flight record stored in the lease bucket.
type lease struct {
	RequestID string    `json:"request_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Orchestrator sits between the HTTP ingress and the bus.
type Orchestrator struct {
	bus     bus.Bus
	store   *session.Store
	sidecar *metrics.Sidecar
	cfg     *config.Config
	logger  *logger.Logger

	leases bus.KV

	mu       sync.Mutex
	verdicts map[string]chan *v1.Verdict

	subs []bus.Subscription
	stop chan struct{}
	once sync.Once
}

// New creates an orchestrator. Start must be called before Dispatch.
func New(b bus.Bus, store *session.Store, sc *metrics.Sidecar, cfg *config.Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		bus:      b,
		store:    store,
		sidecar:  sc,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		verdicts: make(map[string]chan *v1.Verdict),
		stop:     make(chan struct{}),
	}
}

// Start opens the lease bucket and subscribes to the coordination topics.
func (o *Orchestrator) Start(ctx context.Context) error {
	leases, err := o.bus.KV(events.BucketLeases, o.cfg.Orchestrator.RequestTimeout())
	if err != nil {
		return fmt.Errorf("opening lease bucket: %w", err)
	}
	o.leases = leases

	verdictSub, err := o.bus.SubscribeBroadcast(events.CoordTopic(events.TopicVerdicts), o.onVerdict)
	if err != nil {
		return fmt.Errorf("subscribing to verdicts: %w", err)
	}
	promoSub, err := o.bus.SubscribeBroadcast(events.CoordTopic(events.TopicPromotions), o.onPromotion)
	if err != nil {
		verdictSub.Unsubscribe()
		return fmt.Errorf("subscribing to promotions: %w", err)
	}
	o.subs = []bus.Subscription{verdictSub, promoSub}
	o.logger.Info("orchestrator started", zap.String("mode", o.cfg.Orchestrator.Mode))
	return nil
}

// Stop unsubscribes from the coordination topics.
func (o *Orchestrator) Stop() {
	o.once.Do(func() { close(o.stop) })
	for _, sub := range o.subs {
		sub.Unsubscribe()
	}
}

// Dispatch admits one user turn and routes it through the fleet, returning
// the agent that received it. The caller streams the response with
// pipeline.Stream and then calls Finish.
func (o *Orchestrator) Dispatch(ctx context.Context, req *v1.Request) (string, error) {
	if err := o.acquireLease(ctx, req); err != nil {
		return "", err
	}
	agent, err := o.route(ctx, req)
	if err != nil {
		o.releaseLease(ctx, req.SessionID)
		return "", err
	}
	return agent, nil
}

func (o *Orchestrator) route(ctx context.Context, req *v1.Request) (string, error) {
	sess, err := o.store.Get(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fault.Newf(fault.KindValidation, "unknown session %d", req.SessionID)
		}
		return "", fault.Transient(fmt.Errorf("loading session: %w", err))
	}
	if !sess.IsActive {
		return "", fault.Newf(fault.KindValidation, "session %d is closed", req.SessionID)
	}

	messageType := models.MessageUserQuestion
	if req.Kind == v1.KindClarificationResponse {
		messageType = models.MessageUserClarificationAnswer
	}
	if _, err := o.store.Append(ctx, req.SessionID, models.SenderUser, req.Text, messageType); err != nil {
		return "", fault.Transient(fmt.Errorf("appending user message: %w", err))
	}

	freeTalk, err := o.store.IsFreeTalk(ctx, req.UserID)
	if err != nil {
		return "", fault.Transient(fmt.Errorf("loading user mode: %w", err))
	}

	stage := sess.CurrentStage
	switch {
	case freeTalk:
		return o.routeFreeTalk(ctx, req, stage)
	case req.Kind == v1.KindClarificationResponse:
		if stage != models.StageClarifying {
			return "", fault.Newf(fault.KindValidation,
				"session %d is not awaiting clarification (stage %s)", req.SessionID, stage)
		}
		return v1.AgentClarifier, o.publishRequest(ctx, v1.AgentClarifier, req)
	default:
		return o.routeQuestion(ctx, req, stage)
	}
}

func (o *Orchestrator) routeFreeTalk(ctx context.Context, req *v1.Request, stage models.Stage) (string, error) {
	if stage != models.StageFreepass {
		if err := o.transition(ctx, req.SessionID, stage, models.StageFreepass); err != nil {
			return "", err
		}
	}
	return v1.AgentFreeTalker, o.publishRequest(ctx, v1.AgentFreeTalker, req)
}

// routeQuestion runs the classify-then-route path: publish to the
// classifier, wait for its verdict broadcast, and hand the request to the
// clarifier or answerer. A silent classifier falls back to the answerer.
func (o *Orchestrator) routeQuestion(ctx context.Context, req *v1.Request, stage models.Stage) (string, error) {
	// A completed session accepts a follow-up question as a fresh turn.
	if stage == models.StageCompleted {
		if err := o.transition(ctx, req.SessionID, stage, models.StageInitial); err != nil {
			return "", err
		}
		stage = models.StageInitial
	}
	if stage != models.StageInitial {
		return "", fault.Newf(fault.KindValidation,
			"session %d cannot accept a question at stage %s", req.SessionID, stage)
	}

	verdictCh := o.awaitVerdict(req.RequestID)
	defer o.forgetVerdict(req.RequestID)

	if err := o.publishRequest(ctx, v1.AgentClassifier, req); err != nil {
		return "", err
	}

	select {
	case verdict := <-verdictCh:
		if verdict.Decision == v1.DecisionNeedsClarify {
			if err := o.transition(ctx, req.SessionID, models.StageInitial, models.StageClarifying); err != nil {
				return "", err
			}
			o.watchClarifier(req)
			return v1.AgentClarifier, o.publishRequest(ctx, v1.AgentClarifier, req)
		}
		if err := o.transition(ctx, req.SessionID, models.StageInitial, models.StageAnswering); err != nil {
			return "", err
		}
		return v1.AgentAnswerer, o.publishRequest(ctx, v1.AgentAnswerer, req)

	case <-time.After(o.cfg.Orchestrator.ClassifierTimeout()):
		o.logger.Warn("classifier verdict timed out, degraded fallback to answerer",
			zap.String("request_id", req.RequestID),
			zap.Int64("session_id", req.SessionID))
		o.sidecar.Inc("classifier_fallbacks_total", 1, nil)
		o.sidecar.AppendLog(ctx, req.SessionID, "degraded", "no classifier verdict, routing to answerer", nil)
		if err := o.transition(ctx, req.SessionID, models.StageInitial, models.StageAnswering); err != nil {
			return "", err
		}
		return v1.AgentAnswerer, o.publishRequest(ctx, v1.AgentAnswerer, req)

	case <-ctx.Done():
		return "", fault.New(fault.KindOf(ctx.Err()), ctx.Err())
	}
}

// Finish settles a request after its response stream ended: releases the
// session lease, persists the assembled answer when the stream saw a final
// chunk, advances the stage machine, records the outcome, and kicks off the
// fire-and-forget observer and curriculum checks.
func (o *Orchestrator) Finish(ctx context.Context, req *v1.Request, res *pipeline.Result, agent string) {
	o.releaseLease(ctx, req.SessionID)

	outcome := models.OutcomeSuccess
	switch {
	case res == nil:
		outcome = models.OutcomeError
	case res.ErrorCode == v1.ErrCodeTimeout:
		outcome = models.OutcomeTimeout
	case res.ErrorCode != "":
		outcome = models.OutcomeError
	case !res.Completed:
		outcome = models.OutcomeTimeout
	}

	latency := time.Since(req.EnqueuedAt).Seconds() * 1000
	if err := o.store.Repository().RecordOutcome(ctx, &models.RequestOutcome{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Agent:     agent,
		Outcome:   outcome,
		LatencyMs: latency,
	}); err != nil {
		o.logger.Warn("failed to record request outcome", zap.Error(err))
	}
	o.sidecar.Inc("requests_settled_total", 1, map[string]string{"outcome": outcome})

	if res == nil || !res.FinalSeen {
		// Partial streams persist nothing; gap-flushed content is only
		// kept when the producer reached its final chunk.
		return
	}

	if res.Answer != "" {
		if _, err := o.store.Append(ctx, req.SessionID, models.SenderMaice, res.Answer, models.MessageMaiceAnswer); err != nil {
			o.logger.Error("failed to persist answer", zap.Int64("session_id", req.SessionID), zap.Error(err))
		}
	}
	o.completeTurn(ctx, req)
}

// completeTurn walks the post-answer stages and schedules observation.
func (o *Orchestrator) completeTurn(ctx context.Context, req *v1.Request) {
	sess, err := o.store.Get(ctx, req.SessionID)
	if err != nil {
		o.logger.Warn("failed to load session after answer", zap.Error(err))
		return
	}

	switch sess.CurrentStage {
	case models.StageFreepass:
		if err := o.transition(ctx, req.SessionID, models.StageFreepass, models.StageCompleted); err != nil {
			o.logger.Warn("failed to complete free-talk turn", zap.Error(err))
		}
		return
	case models.StageAnswering, models.StageClarifying:
		from := sess.CurrentStage
		if from == models.StageClarifying {
			// Promotion answered straight out of clarifying.
			if err := o.transition(ctx, req.SessionID, from, models.StageAnswering); err != nil {
				o.logger.Warn("failed to advance promoted session", zap.Error(err))
				return
			}
		}
		if err := o.transition(ctx, req.SessionID, models.StageAnswering, models.StageObserving); err != nil {
			o.logger.Warn("failed to enter observing stage", zap.Error(err))
			return
		}
	default:
		return
	}

	o.scheduleObservation(req)

	if err := o.transition(ctx, req.SessionID, models.StageObserving, models.StageCompleted); err != nil {
		o.logger.Warn("failed to complete session turn", zap.Error(err))
	}
}

// scheduleObservation publishes fire-and-forget requests for the observer
// and the curriculum checker, with fresh request ids so their events never
// leak into the client stream.
func (o *Orchestrator) scheduleObservation(req *v1.Request) {
	ctx, cancel := appctxDetached(o.stop, o.cfg.Orchestrator.RequestTimeout())
	defer cancel()
	for _, agent := range []string{v1.AgentObserver, v1.AgentCurriculum} {
		side := v1.NewRequest(req.SessionID, req.UserID, v1.KindQuestion, req.Text, o.cfg.Orchestrator.RequestTimeout())
		if err := o.publishRequest(ctx, agent, side); err != nil {
			o.logger.Warn("failed to schedule observation",
				zap.String("agent", agent), zap.Error(err))
		}
	}
}

// publishRequest appends a request to an agent's input stream.
func (o *Orchestrator) publishRequest(ctx context.Context, agent string, req *v1.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	if _, err := o.bus.Publish(ctx, events.RequestStream(agent), data); err != nil {
		return fault.Transient(fmt.Errorf("publishing to %s: %w", agent, err))
	}
	o.sidecar.Inc("requests_routed_total", 1, map[string]string{"agent": agent})
	o.logger.Debug("request routed",
		zap.String("agent", agent),
		zap.String("request_id", req.RequestID),
		zap.Int64("session_id", req.SessionID))
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, sessionID int64, from, to models.Stage) error {
	if err := o.store.Transition(ctx, sessionID, from, to); err != nil {
		if errors.Is(err, repository.ErrStageConflict) {
			return fault.Newf(fault.KindBusy, "session %d stage moved concurrently", sessionID)
		}
		return fault.Transient(fmt.Errorf("stage transition %s->%s: %w", from, to, err))
	}
	return nil
}
