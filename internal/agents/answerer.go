package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/runtime"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// Answerer streams the final answer as ordered chunks, then emits
// answer_complete and the terminal complete. With forceNonStreaming set it
// emits exactly one chunk with is_final=true instead.
type Answerer struct {
	llm               llm.Client
	sidecar           *metrics.Sidecar
	forceNonStreaming bool
	logger            *logger.Logger
}

func NewAnswerer(client llm.Client, sc *metrics.Sidecar, forceNonStreaming bool, log *logger.Logger) *Answerer {
	return &Answerer{
		llm:               client,
		sidecar:           sc,
		forceNonStreaming: forceNonStreaming,
		logger:            log.WithAgent(v1.AgentAnswerer),
	}
}

func (a *Answerer) Name() string { return v1.AgentAnswerer }

func (a *Answerer) Handle(ctx context.Context, req *v1.Request, em runtime.Emitter) error {
	ev := v1.NewEvent(v1.EventProcessing, "", 0)
	ev.Stage = "answering"
	if err := em.Emit(ctx, ev); err != nil {
		return err
	}
	a.sidecar.AppendLog(ctx, req.SessionID, "answering", "generating answer", nil)

	genReq := llm.Request{System: answererSystem, Prompt: answererPrompt(req.Text)}
	if req.Kind == v1.KindImageToLatex {
		genReq = llm.Request{System: latexSystem, Prompt: "Transcribe this image.", ImageURLs: []string{req.ImageRef}}
	}

	start := time.Now()
	streamer := runtime.NewStreamer(em)
	if err := a.generate(ctx, genReq, streamer); err != nil {
		// Replaying a partially-emitted stream would re-use chunk
		// indices, so retries are only safe before the first chunk.
		if streamer.Count() > 0 && fault.Retryable(err) {
			return fault.Permanent(fmt.Errorf("stream failed after %d chunks: %w", streamer.Count(), err))
		}
		return err
	}

	a.sidecar.Observe("answer_duration_seconds", time.Since(start).Seconds(), nil)
	a.sidecar.Inc("answers_total", 1, nil)
	a.sidecar.AppendLog(ctx, req.SessionID, "answering", "answer complete", map[string]string{
		"chunks": fmt.Sprintf("%d", streamer.Count()),
	})

	if err := em.Emit(ctx, v1.NewEvent(v1.EventAnswerComplete, "", 0)); err != nil {
		return err
	}
	return em.Emit(ctx, v1.NewEvent(v1.EventComplete, "", 0))
}

func (a *Answerer) generate(ctx context.Context, genReq llm.Request, streamer *runtime.Streamer) error {
	if a.forceNonStreaming {
		out, err := llm.Generate(ctx, a.llm, genReq)
		if err != nil {
			return err
		}
		return streamer.Finish(ctx, out)
	}
	err := a.llm.GenerateStream(ctx, genReq, func(chunk string) error {
		return streamer.Write(ctx, chunk)
	})
	if err != nil {
		return err
	}
	return streamer.Finish(ctx, "")
}
