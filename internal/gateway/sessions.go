package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/session/repository"
)

// CreateSessionRequest is the body of POST /session.
type CreateSessionRequest struct {
	InitialQuestion string `json:"initial_question,omitempty"`
}

// CreateSession opens a session without streaming a turn.
// POST /session
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.store.Create(c.Request.Context(), userID(c), req.InitialQuestion)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sess.ID})
}

// DeleteSession closes a session; further requests for it are rejected.
// DELETE /session/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	if err := h.store.Close(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("failed to close session",
			zap.Int64("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to close session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "closed": true})
}
