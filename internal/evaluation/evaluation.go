// Package evaluation scores finished tutoring sessions against a fixed
// rubric. The LLM grader only marks checklist elements; every number in the
// stored record is computed deterministically from those marks.
package evaluation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/session"
	"github.com/maice-ai/maice/internal/session/models"
)

const defaultParallelism = 4

// BatchError records one failed session inside a batch.
type BatchError struct {
	SessionID int64  `json:"session_id"`
	Error     string `json:"error"`
}

// Report summarizes a batch run. Per-session failures never abort the batch.
type Report struct {
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Errors     []BatchError `json:"errors,omitempty"`
}

// Workflow evaluates sessions one at a time or in bounded batches.
type Workflow struct {
	store   *session.Store
	client  llm.Client
	sidecar *metrics.Sidecar
	cfg     config.EvaluationConfig
	logger  *logger.Logger
}

// New creates an evaluation workflow.
func New(store *session.Store, client llm.Client, sc *metrics.Sidecar, cfg config.EvaluationConfig, log *logger.Logger) *Workflow {
	return &Workflow{
		store:   store,
		client:  client,
		sidecar: sc,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "evaluation")),
	}
}

// EvaluateSession grades one session and upserts its record.
func (w *Workflow) EvaluateSession(ctx context.Context, sessionID int64) (*models.EvaluationRecord, error) {
	snap, err := w.store.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %d: %w", sessionID, err)
	}
	transcript := buildTranscript(snap.Messages)
	if transcript == "" {
		return nil, fmt.Errorf("session %d has no gradable messages", sessionID)
	}

	out, err := llm.Generate(ctx, w.client, llm.Request{
		System:    rubricSystem,
		Prompt:    rubricPrompt(transcript),
		MaxTokens: 800,
	})
	if err != nil {
		return nil, fmt.Errorf("grading session %d: %w", sessionID, err)
	}
	checklist, err := parseChecklist(out)
	if err != nil {
		return nil, fmt.Errorf("grading session %d: %w", sessionID, err)
	}

	items, a, b, c, overall := scoreChecklist(checklist)
	record := &models.EvaluationRecord{
		SessionID:  sessionID,
		ItemScores: items,
		SectionA:   a,
		SectionB:   b,
		SectionC:   c,
		Overall:    overall,
		Feedback:   checklist.Feedback,
	}
	if err := w.store.Repository().SaveEvaluation(ctx, record); err != nil {
		return nil, fmt.Errorf("saving evaluation for session %d: %w", sessionID, err)
	}

	w.sidecar.Inc("evaluations_total", 1, map[string]string{"status": "success"})
	w.sidecar.Observe("evaluation_overall_score", float64(overall), nil)
	w.logger.Info("session evaluated",
		zap.Int64("session_id", sessionID),
		zap.Int("overall", overall))
	return record, nil
}

// EvaluateBatch grades the listed sessions in a bounded pool.
func (w *Workflow) EvaluateBatch(ctx context.Context, sessionIDs []int64) *Report {
	parallelism := w.cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	report := &Report{Total: len(sessionIDs)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, id := range sessionIDs {
		g.Go(func() error {
			_, err := w.EvaluateSession(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, BatchError{SessionID: id, Error: err.Error()})
				w.sidecar.Inc("evaluations_total", 1, map[string]string{"status": "failed"})
				w.logger.Warn("session evaluation failed",
					zap.Int64("session_id", id), zap.Error(err))
				return nil
			}
			report.Successful++
			return nil
		})
	}
	g.Wait()
	return report
}

// EvaluateAll grades every session, or only the completed-but-unevaluated
// ones.
func (w *Workflow) EvaluateAll(ctx context.Context, onlyUnevaluated bool) (*Report, error) {
	var (
		sessions []*models.Session
		err      error
	)
	if onlyUnevaluated {
		sessions, err = w.store.Repository().ListUnevaluatedSessions(ctx, 0)
	} else {
		sessions, err = w.store.List(ctx, "", false)
	}
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	ids := make([]int64, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return w.EvaluateBatch(ctx, ids), nil
}

// buildTranscript renders the conversation for the grader, newest last.
// Internal processing messages are not graded.
func buildTranscript(messages []*models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg.MessageType == models.MessageMaiceProcessing {
			continue
		}
		role := "Student"
		if msg.Sender == models.SenderMaice {
			role = "Tutor"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, msg.Content)
	}
	return strings.TrimSpace(sb.String())
}
