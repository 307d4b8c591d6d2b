// Package gateway is the HTTP ingress: chat and clarification streams over
// SSE, session management, image transcription, the monitoring API, and the
// websocket log tail. It owns no routing decisions — every turn goes through
// the orchestrator and comes back over the session's response stream.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/httpmw"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events/bus"
	"github.com/maice-ai/maice/internal/evaluation"
	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/gateway/websocket"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/orchestrator"
	"github.com/maice-ai/maice/internal/pipeline"
	"github.com/maice-ai/maice/internal/session"
)

// Server is the HTTP ingress process.
type Server struct {
	cfg      *config.Config
	http     *http.Server
	hub      *websocket.Hub
	recorder *Recorder
	logger   *logger.Logger

	cancel context.CancelFunc
}

// Handler holds the ingress dependencies shared by all routes.
type Handler struct {
	cfg      *config.Config
	bus      bus.Bus
	store    *session.Store
	orch     *orchestrator.Orchestrator
	monitor  *metrics.Monitor
	sidecar  *metrics.Sidecar
	llm      llm.Client
	workflow *evaluation.Workflow
	hub      *websocket.Hub
	logger   *logger.Logger
}

// New assembles the ingress server.
func New(cfg *config.Config, b bus.Bus, store *session.Store, orch *orchestrator.Orchestrator,
	sc *metrics.Sidecar, client llm.Client, workflow *evaluation.Workflow, log *logger.Logger) *Server {

	hub := websocket.NewHub(log)
	h := &Handler{
		cfg:      cfg,
		bus:      b,
		store:    store,
		orch:     orch,
		monitor:  metrics.NewMonitor(b, log),
		sidecar:  sc,
		llm:      client,
		workflow: workflow,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "gateway")),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "gateway"))
	engine.Use(httpmw.OtelTracing("gateway"))
	SetupRoutes(engine, h)

	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
		hub:      hub,
		recorder: NewRecorder(b, store, hub, log),
		logger:   h.logger,
	}
}

// Start launches the hub, the log recorder, and the HTTP listener.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run(ctx)
	if err := s.recorder.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("starting log recorder: %w", err)
	}

	go func() {
		s.logger.Info("gateway listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts the listeners down.
func (s *Server) Stop(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.recorder.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// SetupRoutes configures every ingress route on the engine.
func SetupRoutes(engine *gin.Engine, h *Handler) {
	engine.POST("/chat", h.Chat)
	engine.POST("/clarification", h.Clarification)
	engine.POST("/session", h.CreateSession)
	engine.DELETE("/session/:id", h.DeleteSession)
	engine.POST("/image_to_latex", h.ImageToLatex)

	monitoring := engine.Group("/monitoring")
	{
		monitoring.GET("/agents/status", h.AgentStatuses)
		monitoring.GET("/agents/:agent/metrics", h.AgentMetrics)
		monitoring.GET("/processing-logs/:id", h.ProcessingLogs)
		monitoring.GET("/processing-logs/:id/stream", h.ProcessingLogStream)
		monitoring.GET("/processing-summary", h.ProcessingSummary)
		monitoring.GET("/health/detailed", h.DetailedHealth)
	}

	eval := engine.Group("/evaluation")
	{
		eval.POST("/session/:id", h.EvaluateSession)
		eval.POST("/batch", h.EvaluateBatch)
		eval.POST("/all", h.EvaluateAll)
	}
}

// pipelineConfig maps the configured pipeline options onto the assembler.
func (h *Handler) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		GapTimeout:     h.cfg.Pipeline.ChunkGapTimeout(),
		MaxGap:         h.cfg.Pipeline.MaxGapIndices,
		MaxBufferBytes: h.cfg.Pipeline.MaxBufferBytes,
		TrimMaxEntries: int64(h.cfg.Bus.TrimMaxEntries),
	}
}

// httpStatus maps an error kind onto its transport status.
func httpStatus(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindAuth:
		return http.StatusUnauthorized
	case fault.KindBusy:
		return http.StatusTooManyRequests
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// userID resolves the caller identity. Auth internals are out of scope; the
// identity header is trusted as-is.
func userID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// requestDeadline bounds one chat turn end to end.
func (h *Handler) requestDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.cfg.Orchestrator.RequestTimeout()+5*time.Second)
}
