package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events/bus"
)

// ProvidedBus wraps the active message bus implementation.
type ProvidedBus struct {
	Bus    bus.Bus
	Memory *bus.MemoryBus
	NATS   *bus.NATSBus
}

// Provide builds the configured message bus implementation. An empty NATS URL
// selects the in-memory bus (unified mode).
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	opts := bus.Options{
		VisibilityTimeout: time.Duration(cfg.Bus.VisibilityTimeoutSec) * time.Second,
		MaxDeliveries:     cfg.Bus.MaxDeliveries,
		DeadLetterChannel: DeadLetterFor,
	}

	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, opts, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryBus(opts, log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
