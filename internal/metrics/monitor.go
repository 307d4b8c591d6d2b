package metrics

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// Monitor reads the bus-shared metrics and agent-status buckets for the
// monitoring API.
type Monitor struct {
	b      bus.Bus
	logger *logger.Logger
}

// NewMonitor creates a monitor over the shared store.
func NewMonitor(b bus.Bus, log *logger.Logger) *Monitor {
	return &Monitor{b: b, logger: log}
}

// AgentStatuses reports liveness for every agent in the fleet. Agents whose
// heartbeat is missing or older than the TTL are reported down.
func (m *Monitor) AgentStatuses(ctx context.Context) ([]v1.AgentStatusInfo, error) {
	kv, err := m.b.KV(events.BucketAgentStatus, HeartbeatTTL)
	if err != nil {
		return nil, err
	}
	out := make([]v1.AgentStatusInfo, 0, len(v1.AgentNames))
	for _, agent := range v1.AgentNames {
		info := v1.AgentStatusInfo{AgentName: agent}
		data, err := kv.Get(ctx, events.AgentStatusKey(agent))
		if err == nil {
			var hb heartbeat
			if err := json.Unmarshal(data, &hb); err != nil {
				m.logger.Warn("malformed heartbeat record",
					zap.String("agent", agent), zap.Error(err))
			} else {
				info.LastUpdate = hb.UpdatedAt
				info.MetricsCount = hb.MetricsCount
				info.IsAlive = time.Since(hb.UpdatedAt) <= HeartbeatTTL
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// AgentMetrics returns every flushed metric series for one agent.
func (m *Monitor) AgentMetrics(ctx context.Context, agent string) ([]v1.MetricSnapshot, error) {
	kv, err := m.b.KV(events.BucketMetrics, 0)
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	prefix := events.MetricsKey(agent, "", "")
	prefix = strings.TrimSuffix(prefix, "::") + ":"
	var out []v1.MetricSnapshot
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var snap v1.MetricSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			m.logger.Warn("malformed metric record", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Degraded reports the agents currently missing a live heartbeat.
func (m *Monitor) Degraded(ctx context.Context) ([]string, error) {
	statuses, err := m.AgentStatuses(ctx)
	if err != nil {
		return nil, err
	}
	var down []string
	for _, st := range statuses {
		if !st.IsAlive {
			down = append(down, st.AgentName)
		}
	}
	return down, nil
}
