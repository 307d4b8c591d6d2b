package gateway

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	ws "github.com/maice-ai/maice/internal/gateway/websocket"
	"github.com/maice-ai/maice/internal/session/models"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

const defaultLogLimit = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The monitoring surface is internal; origin policy is left to the
	// fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AgentStatuses reports fleet liveness.
// GET /monitoring/agents/status
func (h *Handler) AgentStatuses(c *gin.Context) {
	statuses, err := h.monitor.AgentStatuses(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read agent statuses", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read agent statuses"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": statuses})
}

// AgentMetrics returns one agent's flushed metric series.
// GET /monitoring/agents/:agent/metrics
func (h *Handler) AgentMetrics(c *gin.Context) {
	agent := c.Param("agent")
	if !knownAgent(agent) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return
	}
	snapshots, err := h.monitor.AgentMetrics(c.Request.Context(), agent)
	if err != nil {
		h.logger.Error("failed to read agent metrics",
			zap.String("agent", agent), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read agent metrics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "metrics": snapshots})
}

// ProcessingLogs returns the ordered log events for one session.
// GET /monitoring/processing-logs/:id
func (h *Handler) ProcessingLogs(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	logs, err := h.store.Repository().ListProcessingLogs(c.Request.Context(), sessionID, defaultLogLimit)
	if err != nil {
		h.logger.Error("failed to list processing logs",
			zap.Int64("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list processing logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "logs": logs})
}

// ProcessingLogStream upgrades to a websocket live tail of one session's
// processing logs. The current backlog is replayed first.
// GET /monitoring/processing-logs/:id/stream
func (h *Handler) ProcessingLogStream(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewClient(uuid.New().String(), sessionID, conn, h.hub, h.logger)
	h.hub.Register(client)

	backlog, err := h.store.Repository().ListProcessingLogs(c.Request.Context(), sessionID, defaultLogLimit)
	if err != nil {
		h.logger.Warn("failed to load log backlog",
			zap.Int64("session_id", sessionID), zap.Error(err))
	}
	for _, entry := range backlog {
		if data, err := marshalLogEntry(entry); err == nil {
			client.Send(data)
		}
	}

	go client.WritePump()
	go client.ReadPump()
}

// ProcessingSummary aggregates request outcomes per agent over a window.
// GET /monitoring/processing-summary?hours=H
func (h *Handler) ProcessingSummary(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours"})
			return
		}
		hours = parsed
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	outcomes, err := h.store.Repository().ListOutcomes(c.Request.Context(), since, 0)
	if err != nil {
		h.logger.Error("failed to list outcomes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list outcomes"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"hours":    hours,
		"agents":   summarizeOutcomes(outcomes),
		"requests": len(outcomes),
	})
}

// DetailedHealth reports per-component health.
// GET /monitoring/health/detailed
func (h *Handler) DetailedHealth(c *gin.Context) {
	ctx := c.Request.Context()
	report := v1.HealthReport{Status: "ok", CheckedAt: time.Now().UTC()}

	report.Components = append(report.Components, v1.ComponentHealth{Name: "api", Healthy: true})

	db := v1.ComponentHealth{Name: "database", Healthy: true}
	if err := h.store.Repository().Ping(ctx); err != nil {
		db.Healthy = false
		db.Detail = err.Error()
	}
	report.Components = append(report.Components, db)

	busHealth := v1.ComponentHealth{Name: "bus", Healthy: h.bus.IsConnected()}
	if !busHealth.Healthy {
		busHealth.Detail = "bus disconnected"
	}
	report.Components = append(report.Components, busHealth)

	status := http.StatusOK
	for _, comp := range report.Components {
		if !comp.Healthy {
			report.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, report)
}

// summarizeOutcomes folds raw outcomes into per-agent success/failure and
// latency statistics. Percentiles are exact over the window.
func summarizeOutcomes(outcomes []*models.RequestOutcome) []v1.AgentSummary {
	byAgent := make(map[string][]*models.RequestOutcome)
	for _, o := range outcomes {
		byAgent[o.Agent] = append(byAgent[o.Agent], o)
	}

	agents := make([]string, 0, len(byAgent))
	for agent := range byAgent {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	out := make([]v1.AgentSummary, 0, len(agents))
	for _, agent := range agents {
		summary := v1.AgentSummary{Agent: agent}
		latencies := make([]float64, 0, len(byAgent[agent]))
		var total float64
		for _, o := range byAgent[agent] {
			if o.Outcome == models.OutcomeSuccess {
				summary.Succeeded++
			} else {
				summary.Failed++
			}
			latencies = append(latencies, o.LatencyMs)
			total += o.LatencyMs
		}
		sort.Float64s(latencies)
		summary.AvgLatencyMs = total / float64(len(latencies))
		summary.P95LatencyMs = latencies[int(float64(len(latencies)-1)*0.95)]
		out = append(out, summary)
	}
	return out
}

func knownAgent(agent string) bool {
	if agent == "backend" {
		return true
	}
	for _, name := range v1.AgentNames {
		if name == agent {
			return true
		}
	}
	return false
}
