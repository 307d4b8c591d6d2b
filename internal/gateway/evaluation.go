package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// EvaluateSession grades one session synchronously.
// POST /evaluation/session/:id
func (h *Handler) EvaluateSession(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	record, err := h.workflow.EvaluateSession(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

// EvaluateBatchRequest is the body of POST /evaluation/batch.
type EvaluateBatchRequest struct {
	SessionIDs []int64 `json:"session_ids"`
}

// EvaluateBatch grades a list of sessions in the bounded pool.
// POST /evaluation/batch
func (h *Handler) EvaluateBatch(c *gin.Context) {
	var req EvaluateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.SessionIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_ids is required"})
		return
	}
	c.JSON(http.StatusOK, h.workflow.EvaluateBatch(c.Request.Context(), req.SessionIDs))
}

// EvaluateAll grades every session, or only the pending ones.
// POST /evaluation/all?only_unevaluated=true
func (h *Handler) EvaluateAll(c *gin.Context) {
	onlyUnevaluated := c.Query("only_unevaluated") == "true" || c.Query("only_unevaluated") == "1"
	report, err := h.workflow.EvaluateAll(c.Request.Context(), onlyUnevaluated)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
