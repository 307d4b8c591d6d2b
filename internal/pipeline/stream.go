package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	"github.com/maice-ai/maice/internal/metrics"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// responseGroup is the consumer group the backend uses on session response
// streams. The group cursor persists across requests, so each request picks
// up where the previous one stopped.
const responseGroup = "backend"

// Stream consumes one request's events off the session response stream,
// reassembles them, and forwards them to sink until the terminal event. On
// ctx cancellation (client disconnect or watchdog) it broadcasts a cancel
// signal so the producing agent stops emitting within its check interval.
func Stream(ctx context.Context, b bus.Bus, cfg Config, sessionID int64, requestID string, sc *metrics.Sidecar, log *logger.Logger, sink Sink) (*Result, error) {
	cfg = cfg.withDefaults()
	channel := events.ResponseStream(sessionID)
	consumer, err := b.Subscribe(ctx, channel, responseGroup, "gateway")
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	defer consumer.Close()

	a := NewAssembler(cfg, sc, log, sink)
	defer a.Close()

	for !a.Done() {
		d, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				broadcastCancel(b, sessionID, requestID, log)
				return a.Result(), ctx.Err()
			}
			if errors.Is(err, bus.ErrClosed) {
				return a.Result(), err
			}
			log.Warn("response stream read failed", zap.Error(err))
			continue
		}

		var ev v1.ResponseEvent
		if err := json.Unmarshal(d.Payload, &ev); err != nil {
			log.Warn("skipping malformed response event", zap.Error(err))
			ackDelivery(ctx, b, channel, d, log)
			continue
		}
		// Events from other requests (fire-and-forget observers, earlier
		// turns) are consumed but not forwarded.
		if ev.RequestID == requestID {
			a.Push(&ev)
		}
		ackDelivery(ctx, b, channel, d, log)
	}

	if err := b.Trim(context.WithoutCancel(ctx), channel, cfg.TrimMaxEntries); err != nil {
		log.Debug("failed to trim response stream", zap.Error(err))
	}
	return a.Result(), nil
}

func ackDelivery(ctx context.Context, b bus.Bus, channel string, d *bus.Delivery, log *logger.Logger) {
	if err := b.Ack(ctx, channel, responseGroup, d.MessageID); err != nil {
		log.Warn("ack failed", zap.String("message_id", d.MessageID), zap.Error(err))
	}
}

// broadcastCancel tells the producing agent to stop. Sent on a detached
// context: the client is already gone.
func broadcastCancel(b bus.Bus, sessionID int64, requestID string, log *logger.Logger) {
	sig, err := json.Marshal(v1.CancelSignal{
		SessionID: sessionID,
		RequestID: requestID,
		Reason:    "client disconnected",
	})
	if err != nil {
		return
	}
	if err := b.Broadcast(context.Background(), events.CoordTopic(events.TopicCancel), sig); err != nil {
		log.Warn("failed to broadcast cancel", zap.Error(err))
	}
}
