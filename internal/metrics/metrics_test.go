package metrics

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestHistogram_SmallSample(t *testing.T) {
	h := NewHistogram()
	for _, v := range []float64{30, 10, 20} {
		h.Observe(v)
	}
	s := h.Stats()
	if s.Count != 3 {
		t.Errorf("Expected count 3, got %d", s.Count)
	}
	if s.Min != 10 || s.Max != 30 {
		t.Errorf("Expected min 10 max 30, got %v/%v", s.Min, s.Max)
	}
	if s.Avg != 20 {
		t.Errorf("Expected avg 20, got %v", s.Avg)
	}
	if s.P50 != 20 {
		t.Errorf("Expected p50 20 on small sample, got %v", s.P50)
	}
}

func TestHistogram_StreamingQuantiles(t *testing.T) {
	h := NewHistogram()
	// Uniform 0..999; the P-square estimates should land close to the
	// true quantiles without retaining samples.
	for i := 0; i < 1000; i++ {
		h.Observe(float64(i))
	}
	s := h.Stats()
	if s.Count != 1000 {
		t.Fatalf("Expected count 1000, got %d", s.Count)
	}
	if s.Min != 0 || s.Max != 999 {
		t.Errorf("Expected min 0 max 999, got %v/%v", s.Min, s.Max)
	}
	if math.Abs(s.Avg-499.5) > 0.001 {
		t.Errorf("Expected avg 499.5, got %v", s.Avg)
	}
	if math.Abs(s.P50-500) > 50 {
		t.Errorf("p50 estimate too far off: %v", s.P50)
	}
	if math.Abs(s.P95-950) > 50 {
		t.Errorf("p95 estimate too far off: %v", s.P95)
	}
	if math.Abs(s.P99-990) > 50 {
		t.Errorf("p99 estimate too far off: %v", s.P99)
	}
}

func TestMetricKey_LabelFolding(t *testing.T) {
	key := metricKey("requests_total", map[string]string{"kind": "question", "agent": "answerer"})
	if key != "requests_total{agent=answerer,kind=question}" {
		t.Errorf("Unexpected key: %s", key)
	}
	if metricKey("plain", nil) != "plain" {
		t.Errorf("Expected bare name for nil labels")
	}
}

func TestSidecar_FlushAndHeartbeat(t *testing.T) {
	log := newTestLogger(t)
	b := bus.NewMemoryBus(bus.Options{}, log)
	defer b.Close()
	ctx := context.Background()

	s := NewSidecar(v1.AgentAnswerer, b, log)
	s.Inc("requests_total", 1, nil)
	s.Inc("requests_total", 2, nil)
	s.Set("inflight", 4, nil)
	s.Observe("latency_ms", 120, nil)
	s.Observe("latency_ms", 80, nil)

	s.flush(ctx)
	s.beat(ctx)

	m := NewMonitor(b, log)
	snaps, err := m.AgentMetrics(ctx, v1.AgentAnswerer)
	if err != nil {
		t.Fatalf("AgentMetrics failed: %v", err)
	}
	byName := make(map[string]v1.MetricSnapshot)
	for _, snap := range snaps {
		byName[snap.Kind+":"+snap.Name] = snap
	}
	if c, ok := byName["counter:requests_total"]; !ok || c.Value != 3 {
		t.Errorf("Expected counter requests_total=3, got %+v", c)
	}
	if g, ok := byName["gauge:inflight"]; !ok || g.Value != 4 {
		t.Errorf("Expected gauge inflight=4, got %+v", g)
	}
	if h, ok := byName["histogram:latency_ms"]; !ok || h.Count != 2 || h.Avg != 100 {
		t.Errorf("Expected histogram latency_ms count=2 avg=100, got %+v", h)
	}

	statuses, err := m.AgentStatuses(ctx)
	if err != nil {
		t.Fatalf("AgentStatuses failed: %v", err)
	}
	found := false
	for _, st := range statuses {
		if st.AgentName == v1.AgentAnswerer {
			found = true
			if !st.IsAlive {
				t.Error("Expected answerer to be alive after heartbeat")
			}
			if st.MetricsCount != 3 {
				t.Errorf("Expected 3 metric series, got %d", st.MetricsCount)
			}
		} else if st.IsAlive {
			t.Errorf("Expected %s to be down without heartbeat", st.AgentName)
		}
	}
	if !found {
		t.Fatal("Expected answerer in status list")
	}

	down, err := m.Degraded(ctx)
	if err != nil {
		t.Fatalf("Degraded failed: %v", err)
	}
	if len(down) != len(v1.AgentNames)-1 {
		t.Errorf("Expected %d degraded agents, got %v", len(v1.AgentNames)-1, down)
	}
}

func TestSidecar_AppendLog(t *testing.T) {
	log := newTestLogger(t)
	b := bus.NewMemoryBus(bus.Options{}, log)
	defer b.Close()
	ctx := context.Background()

	live := make(chan []byte, 1)
	sub, err := b.SubscribeBroadcast(events.SessionLogTopic(7), func(ctx context.Context, payload []byte) {
		live <- payload
	})
	if err != nil {
		t.Fatalf("SubscribeBroadcast failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	s := NewSidecar(v1.AgentClassifier, b, log)
	s.AppendLog(ctx, 7, "classifying", "verdict computed", map[string]string{"knowledge_code": "K2"})

	// Live viewers get the entry over broadcast.
	select {
	case payload := <-live:
		var entry v1.ProcessingLogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			t.Fatalf("Failed to decode entry: %v", err)
		}
		if entry.SessionID != 7 || entry.Agent != v1.AgentClassifier || entry.Stage != "classifying" {
			t.Errorf("Unexpected entry: %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast log entry")
	}

	// The backend recorder gets it durably.
	c, err := b.Subscribe(ctx, events.StreamProcessingLogs, "backend", "recorder")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer c.Close()
	d, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	var entry v1.ProcessingLogEntry
	if err := json.Unmarshal(d.Payload, &entry); err != nil {
		t.Fatalf("Failed to decode durable entry: %v", err)
	}
	if entry.Message != "verdict computed" {
		t.Errorf("Unexpected durable entry: %+v", entry)
	}
}
