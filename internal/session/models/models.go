// Package models defines the persistent entities owned by the session store:
// sessions, their conversation log, users, clarification state, evaluation
// records, processing logs and request outcomes.
package models

import (
	"time"
)

// Stage is a session's position in the tutoring flow.
type Stage string

const (
	StageInitial    Stage = "initial"
	StageClarifying Stage = "clarifying"
	StageAnswering  Stage = "answering"
	StageObserving  Stage = "observing"
	StageCompleted  Stage = "completed"
	// StageFreepass marks free-talk sessions that bypass classification.
	StageFreepass Stage = "freepass"
)

// stageTransitions enumerates the legal stage moves. A completed session may
// re-enter initial or freepass when the user asks a follow-up question.
var stageTransitions = map[Stage][]Stage{
	StageInitial:    {StageClarifying, StageAnswering, StageFreepass, StageCompleted},
	StageClarifying: {StageAnswering, StageCompleted},
	StageAnswering:  {StageObserving, StageCompleted},
	StageObserving:  {StageCompleted},
	StageCompleted:  {StageInitial, StageFreepass},
	StageFreepass:   {StageCompleted},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Stage) CanTransitionTo(next Stage) bool {
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageInitial, StageClarifying, StageAnswering, StageObserving, StageCompleted, StageFreepass:
		return true
	}
	return false
}

// Message senders.
const (
	SenderUser  = "user"
	SenderMaice = "maice"
)

// Message types.
const (
	MessageUserQuestion            = "user_question"
	MessageUserClarificationAnswer = "user_clarification_answer"
	MessageMaiceProcessing         = "maice_processing"
	MessageMaiceClarification      = "maice_clarification_question"
	MessageMaiceAnswer             = "maice_answer"
	MessageMaiceSummary            = "maice_summary"
	MessageSystem                  = "system"
	MessageInternal                = "internal"
)

// Session is one long-lived conversation between a user and the agent fleet.
type Session struct {
	ID              int64     `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	Title           string    `db:"title" json:"title"`
	CurrentStage    Stage     `db:"current_stage" json:"current_stage"`
	LastMessageType string    `db:"last_message_type" json:"last_message_type"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Message is one entry of a session's ordered conversation log.
type Message struct {
	ID          int64     `db:"id" json:"id"`
	SessionID   int64     `db:"session_id" json:"session_id"`
	Sender      string    `db:"sender" json:"sender"`
	Content     string    `db:"content" json:"content"`
	MessageType string    `db:"message_type" json:"message_type"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// User carries per-user settings. FreeTalk routes every message straight to
// the free-talker agent.
type User struct {
	ID        string    `db:"id" json:"id"`
	FreeTalk  bool      `db:"free_talk" json:"free_talk"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ClarificationState tracks which clarification questions have been asked for
// a session's current request.
type ClarificationState struct {
	SessionID        int64     `db:"session_id" json:"session_id"`
	OriginalQuestion string    `db:"original_question" json:"original_question"`
	Questions        []string  `db:"-" json:"questions"`
	Answers          []string  `db:"-" json:"answers"`
	NextIndex        int       `db:"next_index" json:"next_index"`
	Total            int       `db:"total" json:"total"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Exhausted reports whether every question has been asked and answered.
func (c *ClarificationState) Exhausted() bool {
	return c.NextIndex >= c.Total
}

// EvaluationRecord is a rubric scoring of one completed session.
type EvaluationRecord struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  int64     `db:"session_id" json:"session_id"`
	ItemScores []int     `db:"-" json:"item_scores"` // 8 items, each 1..5
	SectionA   int       `db:"section_a" json:"section_a"` // max 15
	SectionB   int       `db:"section_b" json:"section_b"` // max 15
	SectionC   int       `db:"section_c" json:"section_c"` // max 10
	Overall    int       `db:"overall" json:"overall"`     // max 40
	Feedback   string    `db:"feedback" json:"feedback"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ProcessingLog is one persisted processing-log entry.
type ProcessingLog struct {
	ID        int64             `db:"id" json:"id"`
	SessionID int64             `db:"session_id" json:"session_id"`
	Agent     string            `db:"agent" json:"agent"`
	Stage     string            `db:"stage" json:"stage"`
	Message   string            `db:"message" json:"message"`
	Fields    map[string]string `db:"-" json:"fields,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}

// Request outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// RequestOutcome records how one request ended, for the processing summary.
type RequestOutcome struct {
	ID        int64     `db:"id" json:"id"`
	SessionID int64     `db:"session_id" json:"session_id"`
	RequestID string    `db:"request_id" json:"request_id"`
	Agent     string    `db:"agent" json:"agent"`
	Outcome   string    `db:"outcome" json:"outcome"`
	LatencyMs float64   `db:"latency_ms" json:"latency_ms"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
