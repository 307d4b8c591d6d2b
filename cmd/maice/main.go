// Package main is the unified entry point for maice. One process runs the
// gateway, the orchestrator, the whole agent fleet, and the evaluation
// scheduler over a shared bus: in-memory by default, NATS when configured.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/agents"
	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/common/tracing"
	"github.com/maice-ai/maice/internal/evaluation"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/gateway"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/orchestrator"
	"github.com/maice-ai/maice/internal/runtime"
	"github.com/maice-ai/maice/internal/session"
	"github.com/maice-ai/maice/internal/session/repository"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting maice (unified mode)...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize message bus", zap.Error(err))
	}
	defer busCleanup()
	b := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory bus")
	}

	repo, cleanup, err := repository.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer cleanup()

	store := session.NewStore(repo, log)
	client := llm.NewOpenAIClient(cfg.LLM, log)

	backendSidecar := metrics.NewSidecar("backend", b, log)
	backendSidecar.Start(ctx)

	orch := orchestrator.New(b, store, backendSidecar, cfg, log)
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	// The whole fleet runs in-process. With NATS configured, external
	// maice-agent processes share the consumer groups and the load.
	var workers []*runtime.Worker
	var sidecars []*metrics.Sidecar
	for _, name := range v1.AgentNames {
		sc := metrics.NewSidecar(name, b, log)
		behavior, err := agents.New(name, agents.Deps{
			Bus:     b,
			LLM:     client,
			Store:   store,
			Sidecar: sc,
			Config:  cfg,
			Logger:  log,
		})
		if err != nil {
			log.Fatal("Failed to build agent", zap.String("agent", name), zap.Error(err))
		}
		w := runtime.NewWorker(behavior, b, sc, cfg.Agent, log)
		if err := w.Start(ctx); err != nil {
			log.Fatal("Failed to start agent", zap.String("agent", name), zap.Error(err))
		}
		sc.Start(ctx)
		workers = append(workers, w)
		sidecars = append(sidecars, sc)
	}
	log.Info("Agent fleet started", zap.Int("agents", len(workers)))

	workflow := evaluation.New(store, client, backendSidecar, cfg.Evaluation, log)
	scheduler := evaluation.NewScheduler(workflow)
	if err := scheduler.Start(); err != nil {
		log.Fatal("Failed to start evaluation scheduler", zap.Error(err))
	}

	server := gateway.New(cfg, b, store, orch, backendSidecar, client, workflow, log)
	if err := server.Start(); err != nil {
		log.Fatal("Failed to start gateway", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Agent.DrainTimeout())
	defer drainCancel()

	if err := server.Stop(drainCtx); err != nil {
		log.Warn("Gateway shutdown failed", zap.Error(err))
	}
	scheduler.Stop()
	for _, w := range workers {
		w.Stop(drainCtx)
	}
	orch.Stop()
	for _, sc := range sidecars {
		sc.Stop(drainCtx)
	}
	backendSidecar.Stop(drainCtx)

	if err := tracing.Shutdown(drainCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
