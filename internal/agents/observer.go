package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/runtime"
	"github.com/maice-ai/maice/internal/session"
	"github.com/maice-ai/maice/internal/session/models"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// Observer summarizes a finished turn for the teacher's records. It runs
// fire-and-forget after the answer completes; the idempotent append means a
// redelivered request persists the summary once.
type Observer struct {
	llm     llm.Client
	store   *session.Store
	sidecar *metrics.Sidecar
	logger  *logger.Logger
}

func NewObserver(client llm.Client, store *session.Store, sc *metrics.Sidecar, log *logger.Logger) *Observer {
	return &Observer{llm: client, store: store, sidecar: sc, logger: log.WithAgent(v1.AgentObserver)}
}

func (o *Observer) Name() string { return v1.AgentObserver }

func (o *Observer) Handle(ctx context.Context, req *v1.Request, em runtime.Emitter) error {
	snap, err := o.store.Snapshot(ctx, req.SessionID)
	if err != nil {
		return fault.Transient(fmt.Errorf("loading session %d: %w", req.SessionID, err))
	}
	if len(snap.Messages) == 0 {
		return fault.Newf(fault.KindValidation, "session %d has no transcript to summarize", req.SessionID)
	}

	summary, err := llm.Generate(ctx, o.llm, llm.Request{
		System:    observerSystem,
		Prompt:    transcriptPrompt(snap.Messages),
		MaxTokens: 400,
	})
	if err != nil {
		return fmt.Errorf("summary generation: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fault.Newf(fault.KindPermanent, "model produced an empty summary")
	}

	if _, err := o.store.Append(ctx, req.SessionID, models.SenderMaice, summary, models.MessageMaiceSummary); err != nil {
		return fault.Transient(fmt.Errorf("persisting summary: %w", err))
	}

	ev := v1.NewEvent(v1.EventSummaryComplete, "", 0)
	ev.Content = summary
	if err := em.Emit(ctx, ev); err != nil {
		return err
	}
	o.sidecar.Inc("summaries_total", 1, nil)
	o.sidecar.AppendLog(ctx, req.SessionID, "observing", "session summary persisted", nil)
	return nil
}
