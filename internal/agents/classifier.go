package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/runtime"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// Classifier produces a short, non-streamed verdict for each question:
// knowledge area, answerable vs needs_clarify, and a math-relatedness score.
// The verdict is broadcast on the coordination channel; the orchestrator
// routes on it, so the classifier never emits a terminal event itself.
type Classifier struct {
	bus     bus.Bus
	llm     llm.Client
	sidecar *metrics.Sidecar
	logger  *logger.Logger
}

func NewClassifier(b bus.Bus, client llm.Client, sc *metrics.Sidecar, log *logger.Logger) *Classifier {
	return &Classifier{bus: b, llm: client, sidecar: sc, logger: log.WithAgent(v1.AgentClassifier)}
}

func (c *Classifier) Name() string { return v1.AgentClassifier }

func (c *Classifier) Handle(ctx context.Context, req *v1.Request, em runtime.Emitter) error {
	ev := v1.NewEvent(v1.EventProcessing, "", 0)
	ev.Stage = "classifying"
	if err := em.Emit(ctx, ev); err != nil {
		return err
	}
	c.sidecar.AppendLog(ctx, req.SessionID, "classifying", "classifying question", nil)

	out, err := llm.Generate(ctx, c.llm, llm.Request{
		System:    classifierSystem,
		Prompt:    classifierPrompt(req.Text),
		MaxTokens: 200,
	})
	if err != nil {
		return fmt.Errorf("classifier generation: %w", err)
	}

	verdict := parseVerdict(out)
	if verdict == nil {
		c.logger.Warn("unparseable verdict, using heuristic",
			zap.Int64("session_id", req.SessionID),
			zap.String("raw", out))
		verdict = heuristicVerdict(req.Text)
	}
	verdict.RequestID = req.RequestID
	verdict.SessionID = req.SessionID

	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("marshaling verdict: %w", err)
	}
	if err := c.bus.Broadcast(ctx, events.CoordTopic(events.TopicVerdicts), data); err != nil {
		return fmt.Errorf("broadcasting verdict: %w", err)
	}

	c.sidecar.Inc("verdicts_total", 1, map[string]string{"decision": verdict.Decision})
	c.sidecar.AppendLog(ctx, req.SessionID, "classifying", "verdict published", map[string]string{
		"decision":       verdict.Decision,
		"knowledge_code": string(verdict.KnowledgeCode),
	})
	return nil
}

// parseVerdict extracts the JSON object from a model response, tolerating
// leading prose and code fences. Returns nil when nothing usable is found.
func parseVerdict(out string) *v1.Verdict {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return nil
	}
	var v v1.Verdict
	if err := json.Unmarshal([]byte(out[start:end+1]), &v); err != nil {
		return nil
	}
	switch v.KnowledgeCode {
	case v1.KnowledgeK1, v1.KnowledgeK2, v1.KnowledgeK3, v1.KnowledgeK4:
	default:
		return nil
	}
	if v.Decision != v1.DecisionAnswerable && v.Decision != v1.DecisionNeedsClarify {
		return nil
	}
	if v.MathScore < 0 || v.MathScore > 1 {
		return nil
	}
	return &v
}

var mathTerms = []string{
	"derivative", "integral", "equation", "solve", "fraction", "geometry",
	"triangle", "algebra", "function", "limit", "matrix", "probability",
	"prove", "theorem", "graph", "calculate", "+", "-", "=", "x^",
}

// heuristicVerdict is the fallback when the model output cannot be parsed:
// short, math-free messages need clarification, everything else goes to the
// answerer.
func heuristicVerdict(text string) *v1.Verdict {
	lower := strings.ToLower(text)
	hits := 0
	for _, term := range mathTerms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	score := float64(hits) / 4
	if score > 1 {
		score = 1
	}
	decision := v1.DecisionAnswerable
	if hits == 0 && utf8.RuneCountInString(strings.TrimSpace(text)) < 20 {
		decision = v1.DecisionNeedsClarify
	}
	return &v1.Verdict{KnowledgeCode: v1.KnowledgeK1, Decision: decision, MathScore: score}
}
