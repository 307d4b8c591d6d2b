package agents

import (
	"fmt"
	"strings"

	"github.com/maice-ai/maice/internal/session/models"
)

const classifierSystem = `You are a triage assistant for a math tutoring service.
Classify the student's message and answer with a single JSON object, nothing else:
{"knowledge_code": "K1|K2|K3|K4", "decision": "answerable|needs_clarify", "math_score": 0.0-1.0}

knowledge_code: K1 arithmetic and number sense, K2 algebra and functions,
K3 geometry and measurement, K4 calculus and analysis.
decision: "needs_clarify" only when the message is too vague to answer.
math_score: how math-related the message is.`

const clarifierSystem = `You are a tutoring assistant. The student's question is too
vague to answer. Write at most three short clarifying questions that would let a
tutor answer well. Respond with a JSON array of strings, nothing else.`

const answererSystem = `You are Maice, a patient math tutor. Explain step by step,
use LaTeX for formulas, and keep the language appropriate for a school student.
Answer the question directly; do not ask follow-up questions.`

const freeTalkerSystem = `You are Maice, a friendly study companion. Chat naturally,
keep answers short, and gently steer the conversation toward learning when it fits.`

const observerSystem = `You summarize a tutoring session for the teacher's records.
Write a short paragraph: what the student asked, what was explained, and anything
the student seemed to struggle with.`

const latexSystem = `Transcribe the mathematical content of the image into LaTeX.
Respond with the LaTeX source only, no commentary and no code fences.`

func classifierPrompt(question string) string {
	return "Student message:\n" + question
}

func clarifierPrompt(question string) string {
	return "Student message:\n" + question
}

func answererPrompt(question string) string {
	return question
}

// promotedPrompt folds the clarification exchange back into one question for
// the answerer.
func promotedPrompt(state *models.ClarificationState) string {
	var sb strings.Builder
	sb.WriteString(state.OriginalQuestion)
	for i, q := range state.Questions {
		if i >= len(state.Answers) {
			break
		}
		fmt.Fprintf(&sb, "\n%s %s", q, state.Answers[i])
	}
	return sb.String()
}

// transcriptPrompt renders a conversation log for the observer.
func transcriptPrompt(messages []*models.Message) string {
	var sb strings.Builder
	sb.WriteString("Session transcript:\n")
	for _, m := range messages {
		switch m.MessageType {
		case models.MessageMaiceProcessing, models.MessageInternal, models.MessageSystem:
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n", m.Sender, m.Content)
	}
	return sb.String()
}
