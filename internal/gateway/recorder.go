package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	ws "github.com/maice-ai/maice/internal/gateway/websocket"
	"github.com/maice-ai/maice/internal/session"
	"github.com/maice-ai/maice/internal/session/models"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

const recorderGroup = "backend"

// Recorder consumes the durable processing-log stream, persists every entry,
// and feeds the live websocket tail. It is the only writer of the
// processing-log table.
type Recorder struct {
	b      bus.Bus
	store  *session.Store
	hub    *ws.Hub
	logger *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder creates a processing-log recorder.
func NewRecorder(b bus.Bus, store *session.Store, hub *ws.Hub, log *logger.Logger) *Recorder {
	return &Recorder{
		b:      b,
		store:  store,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "log_recorder")),
		done:   make(chan struct{}),
	}
}

// Start subscribes to the log stream and launches the consume loop.
func (r *Recorder) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	host, _ := os.Hostname()
	consumer, err := r.b.Subscribe(ctx, events.StreamProcessingLogs, recorderGroup,
		fmt.Sprintf("%s-%d", host, os.Getpid()))
	if err != nil {
		return fmt.Errorf("subscribing to log stream: %w", err)
	}

	go r.consume(ctx, consumer)
	return nil
}

// Stop halts the consume loop and waits for it to finish.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Recorder) consume(ctx context.Context, consumer bus.Consumer) {
	defer close(r.done)
	defer consumer.Close()

	for {
		d, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				return
			}
			r.logger.Warn("log stream read failed", zap.Error(err))
			continue
		}

		r.record(ctx, d.Payload)
		if err := r.b.Ack(ctx, events.StreamProcessingLogs, recorderGroup, d.MessageID); err != nil {
			r.logger.Warn("failed to ack log entry", zap.Error(err))
		}
	}
}

func (r *Recorder) record(ctx context.Context, payload []byte) {
	var entry v1.ProcessingLogEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		r.logger.Warn("dropping malformed log entry", zap.Error(err))
		return
	}

	row := &models.ProcessingLog{
		SessionID: entry.SessionID,
		Agent:     entry.Agent,
		Stage:     entry.Stage,
		Message:   entry.Message,
		Fields:    entry.Fields,
		CreatedAt: entry.CreatedAt,
	}
	id, err := r.store.Repository().AppendProcessingLog(ctx, row)
	if err != nil {
		r.logger.Warn("failed to persist log entry",
			zap.Int64("session_id", entry.SessionID), zap.Error(err))
		return
	}
	row.ID = id

	if data, err := marshalLogEntry(row); err == nil {
		r.hub.BroadcastToSession(entry.SessionID, data)
	}
}

// marshalLogEntry renders a persisted row in the wire shape used by both the
// REST listing and the live tail.
func marshalLogEntry(row *models.ProcessingLog) ([]byte, error) {
	return json.Marshal(v1.ProcessingLogEntry{
		ID:        row.ID,
		SessionID: row.SessionID,
		Agent:     row.Agent,
		Stage:     row.Stage,
		Message:   row.Message,
		Fields:    row.Fields,
		CreatedAt: row.CreatedAt,
	})
}
