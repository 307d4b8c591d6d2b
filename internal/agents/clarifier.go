package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/runtime"
	"github.com/maice-ai/maice/internal/session"
	"github.com/maice-ai/maice/internal/session/models"
	"github.com/maice-ai/maice/internal/session/repository"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// maxClarifications bounds the question sequence per request.
const maxClarifications = 3

// defaultQuestions are asked when the model produces nothing usable.
var defaultQuestions = []string{
	"What math topic is your question about?",
	"What grade or level are you studying at?",
}

// Clarifier asks a bounded sequence of clarification questions, one per
// turn. Which questions have been asked lives in the session store, so a
// restarted worker resumes mid-sequence. When the sequence is exhausted the
// clarifier broadcasts a promotion and the orchestrator hands the folded
// question to the answerer.
type Clarifier struct {
	bus     bus.Bus
	llm     llm.Client
	store   *session.Store
	sidecar *metrics.Sidecar
	logger  *logger.Logger
}

func NewClarifier(b bus.Bus, client llm.Client, store *session.Store, sc *metrics.Sidecar, log *logger.Logger) *Clarifier {
	return &Clarifier{bus: b, llm: client, store: store, sidecar: sc, logger: log.WithAgent(v1.AgentClarifier)}
}

func (c *Clarifier) Name() string { return v1.AgentClarifier }

func (c *Clarifier) Handle(ctx context.Context, req *v1.Request, em runtime.Emitter) error {
	switch req.Kind {
	case v1.KindQuestion:
		return c.begin(ctx, req, em)
	case v1.KindClarificationResponse:
		return c.advance(ctx, req, em)
	default:
		return fault.Newf(fault.KindValidation, "clarifier cannot handle kind %q", req.Kind)
	}
}

// begin generates the question sequence for a fresh vague question and asks
// the first one.
func (c *Clarifier) begin(ctx context.Context, req *v1.Request, em runtime.Emitter) error {
	questions, err := c.generateQuestions(ctx, req.Text)
	if err != nil {
		return err
	}
	state := &models.ClarificationState{
		SessionID:        req.SessionID,
		OriginalQuestion: req.Text,
		Questions:        questions,
		Total:            len(questions),
	}
	return c.ask(ctx, req, em, state)
}

// advance records the user's answer and asks the next question, or promotes
// the request to the answerer when the sequence is exhausted.
func (c *Clarifier) advance(ctx context.Context, req *v1.Request, em runtime.Emitter) error {
	state, err := c.store.GetClarification(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fault.Newf(fault.KindValidation, "no pending clarification for session %d", req.SessionID)
		}
		return fault.Transient(fmt.Errorf("loading clarification state: %w", err))
	}
	state.Answers = append(state.Answers, req.Text)

	if !state.Exhausted() {
		return c.ask(ctx, req, em, state)
	}
	return c.promote(ctx, req, state)
}

// ask persists the asked-question bookkeeping before emitting, so a crash
// between the two never asks the same question twice.
func (c *Clarifier) ask(ctx context.Context, req *v1.Request, em runtime.Emitter, state *models.ClarificationState) error {
	index := state.NextIndex
	question := state.Questions[index]
	state.NextIndex++
	if err := c.store.SaveClarification(ctx, state); err != nil {
		return fault.Transient(fmt.Errorf("saving clarification state: %w", err))
	}
	if _, err := c.store.Append(ctx, req.SessionID, models.SenderMaice, question, models.MessageMaiceClarification); err != nil {
		return fault.Transient(fmt.Errorf("persisting clarification question: %w", err))
	}

	ev := v1.NewEvent(v1.EventClarificationQuestion, "", 0)
	ev.Question = question
	ev.Index = index
	ev.Total = state.Total
	if err := em.Emit(ctx, ev); err != nil {
		return err
	}
	c.sidecar.Inc("clarification_questions_total", 1, nil)
	c.sidecar.AppendLog(ctx, req.SessionID, "clarifying", "clarification question asked", map[string]string{
		"index": fmt.Sprintf("%d", index),
		"total": fmt.Sprintf("%d", state.Total),
	})
	return em.Emit(ctx, v1.NewEvent(v1.EventComplete, "", 0))
}

// promote folds the clarification exchange into one question and hands it
// off. The answerer terminates the request, so no complete is emitted here.
func (c *Clarifier) promote(ctx context.Context, req *v1.Request, state *models.ClarificationState) error {
	promotion := v1.Promotion{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Text:      promotedPrompt(state),
	}
	data, err := json.Marshal(promotion)
	if err != nil {
		return fmt.Errorf("marshaling promotion: %w", err)
	}
	if err := c.bus.Broadcast(ctx, events.CoordTopic(events.TopicPromotions), data); err != nil {
		return fault.Transient(fmt.Errorf("broadcasting promotion: %w", err))
	}
	if err := c.store.ClearClarification(ctx, req.SessionID); err != nil {
		c.logger.Warn("failed to clear clarification state",
			zap.Int64("session_id", req.SessionID), zap.Error(err))
	}
	c.sidecar.Inc("promotions_total", 1, nil)
	c.sidecar.AppendLog(ctx, req.SessionID, "clarifying", "clarification exhausted, promoting to answerer", nil)
	return nil
}

func (c *Clarifier) generateQuestions(ctx context.Context, question string) ([]string, error) {
	out, err := llm.Generate(ctx, c.llm, llm.Request{
		System:    clarifierSystem,
		Prompt:    clarifierPrompt(question),
		MaxTokens: 300,
	})
	if err != nil {
		return nil, fmt.Errorf("clarifier generation: %w", err)
	}
	questions := parseQuestions(out)
	if len(questions) == 0 {
		c.logger.Warn("unparseable clarification questions, using defaults", zap.String("raw", out))
		questions = defaultQuestions
	}
	if len(questions) > maxClarifications {
		questions = questions[:maxClarifications]
	}
	return questions, nil
}

// parseQuestions extracts a JSON string array, tolerating surrounding prose.
func parseQuestions(out string) []string {
	start := strings.Index(out, "[")
	end := strings.LastIndex(out, "]")
	if start < 0 || end <= start {
		return nil
	}
	var questions []string
	if err := json.Unmarshal([]byte(out[start:end+1]), &questions); err != nil {
		return nil
	}
	cleaned := questions[:0]
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	return cleaned
}
