package agents

import (
	"context"
	"fmt"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/runtime"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// FreeTalker is the simple pipeline for free-talk users: message in, streamed
// reply out. No classification, no observation.
type FreeTalker struct {
	llm     llm.Client
	sidecar *metrics.Sidecar
	logger  *logger.Logger
}

func NewFreeTalker(client llm.Client, sc *metrics.Sidecar, log *logger.Logger) *FreeTalker {
	return &FreeTalker{llm: client, sidecar: sc, logger: log.WithAgent(v1.AgentFreeTalker)}
}

func (f *FreeTalker) Name() string { return v1.AgentFreeTalker }

func (f *FreeTalker) Handle(ctx context.Context, req *v1.Request, em runtime.Emitter) error {
	streamer := runtime.NewStreamer(em)
	err := f.llm.GenerateStream(ctx, llm.Request{
		System: freeTalkerSystem,
		Prompt: req.Text,
	}, func(chunk string) error {
		return streamer.Write(ctx, chunk)
	})
	if err != nil {
		if streamer.Count() > 0 && fault.Retryable(err) {
			return fault.Permanent(fmt.Errorf("stream failed after %d chunks: %w", streamer.Count(), err))
		}
		return err
	}
	if err := streamer.Finish(ctx, ""); err != nil {
		return err
	}

	f.sidecar.Inc("free_talk_replies_total", 1, nil)
	if err := em.Emit(ctx, v1.NewEvent(v1.EventAnswerComplete, "", 0)); err != nil {
		return err
	}
	return em.Emit(ctx, v1.NewEvent(v1.EventComplete, "", 0))
}
