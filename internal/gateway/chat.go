package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/pipeline"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// ChatRequest is the body of POST /chat. A null session_id opens a new
// session seeded with the message.
type ChatRequest struct {
	SessionID *int64 `json:"session_id"`
	Message   string `json:"message"`
	Image     string `json:"image,omitempty"`
}

// ClarificationRequest is the body of POST /clarification.
type ClarificationRequest struct {
	SessionID           int64  `json:"session_id"`
	ClarificationAnswer string `json:"clarification_answer"`
	QuestionIndex       int    `json:"question_index"`
	TotalQuestions      int    `json:"total_questions"`
}

// Chat opens an SSE stream for one question turn.
// POST /chat
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	sse, err := newSSEWriter(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.requestDeadline(c.Request.Context())
	defer cancel()
	uid := userID(c)

	var sessionID int64
	created := false
	if req.SessionID != nil {
		sessionID = *req.SessionID
	} else {
		sess, err := h.store.Create(ctx, uid, "")
		if err != nil {
			h.logger.Error("failed to create session", zap.Error(err))
			h.terminate(sse, "", 0, v1.ErrCodeInternal, "failed to create session")
			return
		}
		if err := h.store.SetTitle(ctx, sess.ID, req.Message); err != nil {
			h.logger.Warn("failed to set session title", zap.Error(err))
		}
		sessionID = sess.ID
		created = true
	}

	sse.Send(v1.NewEvent(v1.EventConnected, "", sessionID))
	if created {
		sse.Send(v1.NewEvent(v1.EventSessionCreated, "", sessionID))
	}

	turn := v1.NewRequest(sessionID, uid, v1.KindQuestion, req.Message, h.cfg.Orchestrator.RequestTimeout())
	turn.ImageRef = req.Image
	h.streamTurn(ctx, sse, turn)
}

// Clarification feeds one clarification answer back and streams the
// continuation.
// POST /clarification
func (h *Handler) Clarification(c *gin.Context) {
	var req ClarificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == 0 || req.ClarificationAnswer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and clarification_answer are required"})
		return
	}

	sse, err := newSSEWriter(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.requestDeadline(c.Request.Context())
	defer cancel()

	sse.Send(v1.NewEvent(v1.EventConnected, "", req.SessionID))

	turn := v1.NewRequest(req.SessionID, userID(c), v1.KindClarificationResponse,
		req.ClarificationAnswer, h.cfg.Orchestrator.RequestTimeout())
	turn.QuestionIndex = req.QuestionIndex
	turn.TotalQuestions = req.TotalQuestions
	h.streamTurn(ctx, sse, turn)
}

// streamTurn dispatches one turn and forwards its response stream to the
// client, then settles the request.
func (h *Handler) streamTurn(ctx context.Context, sse *sseWriter, turn *v1.Request) {
	agent, err := h.orch.Dispatch(ctx, turn)
	if err != nil {
		h.terminate(sse, turn.RequestID, turn.SessionID, errCode(err), err.Error())
		return
	}

	res, streamErr := pipeline.Stream(ctx, h.bus, h.pipelineConfig(),
		turn.SessionID, turn.RequestID, h.sidecar, h.logger, sse.Send)
	if streamErr != nil && errors.Is(streamErr, context.DeadlineExceeded) {
		// The turn outlived its budget; the client still gets a clean
		// terminal pair.
		h.terminate(sse, turn.RequestID, turn.SessionID, v1.ErrCodeTimeout, "request timed out")
	}

	h.orch.Finish(context.WithoutCancel(ctx), turn, res, agent)
}

// terminate sends the error/complete pair directly, for failures that happen
// before or outside the response stream.
func (h *Handler) terminate(sse *sseWriter, requestID string, sessionID int64, code, message string) {
	sse.Send(v1.NewError(requestID, sessionID, code, message))
	sse.Send(v1.NewEvent(v1.EventComplete, requestID, sessionID))
}

// errCode maps an error kind onto the stream error code.
func errCode(err error) string {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return v1.ErrCodeValidation
	case fault.KindAuth:
		return v1.ErrCodeAuth
	case fault.KindBusy:
		return v1.ErrCodeBusy
	case fault.KindTimeout:
		return v1.ErrCodeTimeout
	default:
		return v1.ErrCodeInternal
	}
}
