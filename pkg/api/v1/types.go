// Package v1 defines the wire-level types shared between the backend, the
// agent worker processes, and API clients.
package v1

import (
	"time"

	"github.com/google/uuid"
)

// RequestKind identifies the flavor of a unit of work on the bus.
type RequestKind string

const (
	KindQuestion              RequestKind = "question"
	KindClarificationResponse RequestKind = "clarification_response"
	KindImageToLatex          RequestKind = "image_to_latex"
)

// Agent names. Each agent owns the request stream maice:requests:<name>.
const (
	AgentClassifier = "classifier"
	AgentClarifier  = "clarifier"
	AgentAnswerer   = "answerer"
	AgentObserver   = "observer"
	AgentCurriculum = "curriculum"
	AgentFreeTalker = "freetalker"
)

// AgentNames lists every agent in the fleet.
var AgentNames = []string{
	AgentClassifier,
	AgentClarifier,
	AgentAnswerer,
	AgentObserver,
	AgentCurriculum,
	AgentFreeTalker,
}

// Request is one user-initiated turn carried on the bus.
// It is created at ingress, claimed by an agent runtime consumer, produces
// zero or more response events, and is terminated by a complete or error
// event on the session's response stream.
type Request struct {
	RequestID  string      `json:"request_id"`
	SessionID  int64       `json:"session_id"`
	UserID     string      `json:"user_id"`
	Kind       RequestKind `json:"kind"`
	Text       string      `json:"text"`
	ImageRef   string      `json:"image_ref,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	DeadlineAt time.Time   `json:"deadline_at"`

	// Clarification bookkeeping, set for kind=clarification_response.
	QuestionIndex  int `json:"question_index,omitempty"`
	TotalQuestions int `json:"total_questions,omitempty"`
}

// NewRequest creates a request with a fresh UUID and enqueue timestamp.
func NewRequest(sessionID int64, userID string, kind RequestKind, text string, timeout time.Duration) *Request {
	now := time.Now().UTC()
	return &Request{
		RequestID:  uuid.New().String(),
		SessionID:  sessionID,
		UserID:     userID,
		Kind:       kind,
		Text:       text,
		EnqueuedAt: now,
		DeadlineAt: now.Add(timeout),
	}
}

// Expired reports whether the request deadline has passed.
func (r *Request) Expired() bool {
	return !r.DeadlineAt.IsZero() && time.Now().After(r.DeadlineAt)
}

// EventType tags a response-stream event.
type EventType string

const (
	EventConnected             EventType = "connected"
	EventProcessing            EventType = "processing"
	EventClarification         EventType = "clarification"
	EventClarificationQuestion EventType = "clarification_question"
	EventAnswer                EventType = "answer"
	EventStreamingChunk        EventType = "streaming_chunk"
	EventStreamingComplete     EventType = "streaming_complete"
	EventAnswerComplete        EventType = "answer_complete"
	EventComplete              EventType = "complete"
	EventError                 EventType = "error"
	EventSessionStatus         EventType = "session_status"
	EventSessionCreated        EventType = "session_created"
	EventSessionInfo           EventType = "session_info"
	EventQuestionStatus        EventType = "question_status"
	EventSummaryComplete       EventType = "summary_complete"
	EventObservation           EventType = "observation"
)

// Error codes carried by EventError.
const (
	ErrCodeBusy       = "busy"
	ErrCodeTimeout    = "timeout"
	ErrCodeInternal   = "internal"
	ErrCodeValidation = "validation"
	ErrCodeAuth       = "auth"
)

// ResponseEvent is the tagged variant streamed over a session's response
// channel. Exactly which fields are set depends on Type; unknown variants are
// logged and passed through when safe.
type ResponseEvent struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	SessionID int64     `json:"session_id,omitempty"`

	// processing
	Stage string `json:"stage,omitempty"`

	// clarification_question
	Question string `json:"question,omitempty"`
	Index    int    `json:"index,omitempty"`
	Total    int    `json:"total,omitempty"`

	// streaming_chunk; ChunkIndex is a pointer so index 0 survives
	// serialization while non-chunk events omit the field entirely.
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	Content    string `json:"content,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// session_status / session_created / session_info
	Status string `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewEvent creates a response event of the given type bound to a request.
func NewEvent(t EventType, requestID string, sessionID int64) *ResponseEvent {
	return &ResponseEvent{
		Type:      t,
		RequestID: requestID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

// NewChunk creates a streaming_chunk event.
func NewChunk(requestID string, sessionID int64, index int, content string, isFinal bool) *ResponseEvent {
	ev := NewEvent(EventStreamingChunk, requestID, sessionID)
	ev.ChunkIndex = &index
	ev.Content = content
	ev.IsFinal = isFinal
	return ev
}

// NewError creates an error event with a taxonomy code.
func NewError(requestID string, sessionID int64, code, message string) *ResponseEvent {
	ev := NewEvent(EventError, requestID, sessionID)
	ev.Code = code
	ev.Message = message
	return ev
}

// IsChunk reports whether the event is a streaming chunk.
func (e *ResponseEvent) IsChunk() bool {
	return e.Type == EventStreamingChunk && e.ChunkIndex != nil
}

// IsControl reports whether the event must never be dropped under
// backpressure.
func (e *ResponseEvent) IsControl() bool {
	switch e.Type {
	case EventError, EventComplete, EventClarificationQuestion, EventAnswerComplete:
		return true
	}
	return false
}

// Terminal reports whether the event ends the request lifecycle.
func (e *ResponseEvent) Terminal() bool {
	return e.Type == EventComplete
}

// KnowledgeCode classifies the mathematical knowledge area of a question.
type KnowledgeCode string

const (
	KnowledgeK1 KnowledgeCode = "K1"
	KnowledgeK2 KnowledgeCode = "K2"
	KnowledgeK3 KnowledgeCode = "K3"
	KnowledgeK4 KnowledgeCode = "K4"
)

// Verdict decisions.
const (
	DecisionAnswerable   = "answerable"
	DecisionNeedsClarify = "needs_clarify"
)

// Verdict is the classifier's structured output, broadcast on the
// coordination channel for the orchestrator to route on.
type Verdict struct {
	RequestID     string        `json:"request_id"`
	SessionID     int64         `json:"session_id"`
	KnowledgeCode KnowledgeCode `json:"knowledge_code"`
	Decision      string        `json:"decision"` // answerable | needs_clarify
	MathScore     float64       `json:"math_score"`
}

// Promotion is broadcast by the clarifier when its question budget is
// exhausted and the request should move to the answerer.
type Promotion struct {
	RequestID string `json:"request_id"`
	SessionID int64  `json:"session_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

// CancelSignal is broadcast when a client disconnects mid-stream. Agents
// must cease token emission within two seconds of receiving it.
type CancelSignal struct {
	SessionID int64  `json:"session_id"`
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}
