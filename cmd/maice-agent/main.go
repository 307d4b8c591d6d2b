// Package main runs a single maice agent worker against NATS. Each process
// joins its agent's consumer group, so replicas of the same agent load-balance
// and a crashed claim is redelivered to a peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/agents"
	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/common/tracing"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/runtime"
	"github.com/maice-ai/maice/internal/session"
	"github.com/maice-ai/maice/internal/session/repository"
)

func main() {
	agentName := flag.String("agent", "", "agent to run (classifier, clarifier, answerer, observer, curriculum, freetalker)")
	flag.Parse()
	if *agentName == "" {
		fmt.Fprintln(os.Stderr, "usage: maice-agent -agent NAME")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.NATS.URL == "" {
		fmt.Fprintln(os.Stderr, "maice-agent requires MAICE_NATS_URL; the in-memory bus only works in unified mode")
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
	log = log.WithAgent(*agentName)

	log.Info("Starting maice agent...", zap.String("nats_url", cfg.NATS.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer busCleanup()
	b := provided.Bus

	repo, cleanup, err := repository.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer cleanup()

	sc := metrics.NewSidecar(*agentName, b, log)
	behavior, err := agents.New(*agentName, agents.Deps{
		Bus:     b,
		LLM:     llm.NewOpenAIClient(cfg.LLM, log),
		Store:   session.NewStore(repo, log),
		Sidecar: sc,
		Config:  cfg,
		Logger:  log,
	})
	if err != nil {
		log.Fatal("Unknown agent", zap.Error(err))
	}

	w := runtime.NewWorker(behavior, b, sc, cfg.Agent, log)
	if err := w.Start(ctx); err != nil {
		log.Fatal("Failed to start worker", zap.Error(err))
	}
	sc.Start(ctx)
	log.Info("Agent worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Draining...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Agent.DrainTimeout())
	defer drainCancel()
	w.Stop(drainCtx)
	sc.Stop(drainCtx)

	if err := tracing.Shutdown(drainCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
