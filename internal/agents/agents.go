// Package agents implements the domain logic of the six Maice agents. Each
// behavior plugs into the shared runtime worker; no agent imports another,
// and cross-agent coordination flows through bus broadcasts.
package agents

import (
	"fmt"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events/bus"
	"github.com/maice-ai/maice/internal/llm"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/runtime"
	"github.com/maice-ai/maice/internal/session"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// Deps carries everything a behavior may need. Behaviors take only the
// subset they use.
type Deps struct {
	Bus     bus.Bus
	LLM     llm.Client
	Store   *session.Store
	Sidecar *metrics.Sidecar
	Config  *config.Config
	Logger  *logger.Logger
}

// New constructs the behavior for one agent name.
func New(name string, d Deps) (runtime.Behavior, error) {
	switch name {
	case v1.AgentClassifier:
		return NewClassifier(d.Bus, d.LLM, d.Sidecar, d.Logger), nil
	case v1.AgentClarifier:
		return NewClarifier(d.Bus, d.LLM, d.Store, d.Sidecar, d.Logger), nil
	case v1.AgentAnswerer:
		return NewAnswerer(d.LLM, d.Sidecar, d.Config.Agent.ForceNonStreaming, d.Logger), nil
	case v1.AgentObserver:
		return NewObserver(d.LLM, d.Store, d.Sidecar, d.Logger), nil
	case v1.AgentCurriculum:
		return NewCurriculum(d.Store, d.Sidecar, d.Logger), nil
	case v1.AgentFreeTalker:
		return NewFreeTalker(d.LLM, d.Sidecar, d.Logger), nil
	default:
		return nil, fmt.Errorf("unknown agent %q", name)
	}
}
