// Package metrics implements the per-agent metrics sidecar: process-local
// counters, gauges and streaming histograms flushed to the bus-shared metrics
// store, a liveness heartbeat, and low-latency processing-log fan-out.
package metrics

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

const (
	flushInterval     = 5 * time.Second
	heartbeatInterval = 15 * time.Second
	// HeartbeatTTL bounds how stale a liveness record may be before the
	// agent is reported degraded.
	HeartbeatTTL = 60 * time.Second
)

// heartbeat is the liveness record written to the agent-status bucket.
type heartbeat struct {
	Agent        string    `json:"agent"`
	UpdatedAt    time.Time `json:"updated_at"`
	MetricsCount int       `json:"metrics_count"`
}

// Sidecar is embedded in every worker process. All mutating operations are
// cheap and lock-local; the bus is only touched by the flush and heartbeat
// loops and by AppendLog.
type Sidecar struct {
	agent  string
	b      bus.Bus
	logger *logger.Logger

	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*Histogram
	labels     map[string]map[string]string

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSidecar creates a sidecar for one agent process.
func NewSidecar(agent string, b bus.Bus, log *logger.Logger) *Sidecar {
	return &Sidecar{
		agent:      agent,
		b:          b,
		logger:     log.WithAgent(agent),
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*Histogram),
		labels:     make(map[string]map[string]string),
		stop:       make(chan struct{}),
	}
}

// metricKey folds labels into the metric name so series with different label
// sets aggregate separately.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Inc adds delta to a counter.
func (s *Sidecar) Inc(name string, delta float64, labels map[string]string) {
	key := metricKey(name, labels)
	s.mu.Lock()
	s.counters[key] += delta
	s.labels[key] = labels
	s.mu.Unlock()
}

// Set updates a gauge.
func (s *Sidecar) Set(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	s.mu.Lock()
	s.gauges[key] = value
	s.labels[key] = labels
	s.mu.Unlock()
}

// Observe records a histogram sample.
func (s *Sidecar) Observe(name string, value float64, labels map[string]string) {
	key := metricKey(name, labels)
	s.mu.Lock()
	h, ok := s.histograms[key]
	if !ok {
		h = NewHistogram()
		s.histograms[key] = h
		s.labels[key] = labels
	}
	s.mu.Unlock()
	h.Observe(value)
}

// AppendLog publishes one processing-log entry: durably to the shared log
// stream for the backend recorder, and on the per-session broadcast topic so
// live viewers see it without polling.
func (s *Sidecar) AppendLog(ctx context.Context, sessionID int64, stage, message string, fields map[string]string) {
	entry := v1.ProcessingLogEntry{
		SessionID: sessionID,
		Agent:     s.agent,
		Stage:     stage,
		Message:   message,
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("failed to marshal processing log entry", zap.Error(err))
		return
	}
	if _, err := s.b.Publish(ctx, events.StreamProcessingLogs, data); err != nil {
		s.logger.Warn("failed to publish processing log entry", zap.Error(err))
	}
	if err := s.b.Broadcast(ctx, events.SessionLogTopic(sessionID), data); err != nil {
		s.logger.Debug("failed to broadcast processing log entry", zap.Error(err))
	}
}

// Start launches the flush and heartbeat loops.
func (s *Sidecar) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.flushLoop(ctx)
	go s.heartbeatLoop(ctx)
	s.logger.Info("metrics sidecar started")
}

// Stop performs a final flush and stops the loops.
func (s *Sidecar) Stop(ctx context.Context) {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.flush(ctx)
}

func (s *Sidecar) flushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *Sidecar) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	s.beat(ctx)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

// snapshot collects the current state of every series.
func (s *Sidecar) snapshot() []v1.MetricSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.MetricSnapshot, 0, len(s.counters)+len(s.gauges)+len(s.histograms))
	for key, v := range s.counters {
		out = append(out, v1.MetricSnapshot{Kind: "counter", Name: key, Labels: s.labels[key], Value: v})
	}
	for key, v := range s.gauges {
		out = append(out, v1.MetricSnapshot{Kind: "gauge", Name: key, Labels: s.labels[key], Value: v})
	}
	for key, h := range s.histograms {
		st := h.Stats()
		out = append(out, v1.MetricSnapshot{
			Kind: "histogram", Name: key, Labels: s.labels[key],
			Count: st.Count, Min: st.Min, Max: st.Max, Avg: st.Avg,
			P50: st.P50, P95: st.P95, P99: st.P99,
		})
	}
	return out
}

func (s *Sidecar) flush(ctx context.Context) {
	snaps := s.snapshot()
	if len(snaps) == 0 {
		return
	}
	kv, err := s.b.KV(events.BucketMetrics, 0)
	if err != nil {
		s.logger.Warn("failed to open metrics bucket", zap.Error(err))
		return
	}
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			s.logger.Error("failed to marshal metric", zap.String("name", snap.Name), zap.Error(err))
			continue
		}
		key := events.MetricsKey(s.agent, snap.Kind, snap.Name)
		if err := kv.Put(ctx, key, data); err != nil {
			s.logger.Warn("failed to flush metric", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *Sidecar) beat(ctx context.Context) {
	s.mu.Lock()
	count := len(s.counters) + len(s.gauges) + len(s.histograms)
	s.mu.Unlock()

	hb := heartbeat{Agent: s.agent, UpdatedAt: time.Now().UTC(), MetricsCount: count}
	data, err := json.Marshal(hb)
	if err != nil {
		s.logger.Error("failed to marshal heartbeat", zap.Error(err))
		return
	}
	kv, err := s.b.KV(events.BucketAgentStatus, HeartbeatTTL)
	if err != nil {
		s.logger.Warn("failed to open agent-status bucket", zap.Error(err))
		return
	}
	if err := kv.Put(ctx, events.AgentStatusKey(s.agent), data); err != nil {
		s.logger.Warn("failed to write heartbeat", zap.Error(err))
	}
}
