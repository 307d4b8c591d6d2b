package v1

import "time"

// AgentStatusInfo is one row of GET /monitoring/agents/status.
type AgentStatusInfo struct {
	AgentName    string    `json:"agent_name"`
	IsAlive      bool      `json:"is_alive"`
	LastUpdate   time.Time `json:"last_update"`
	MetricsCount int       `json:"metrics_count"`
}

// MetricSnapshot is the per-metric view returned by
// GET /monitoring/agents/{agent}/metrics.
type MetricSnapshot struct {
	Kind   string            `json:"kind"` // counter, gauge, histogram
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value,omitempty"`

	// Histogram statistics, present for kind=histogram only.
	Count int64   `json:"count,omitempty"`
	Min   float64 `json:"min,omitempty"`
	Max   float64 `json:"max,omitempty"`
	Avg   float64 `json:"avg,omitempty"`
	P50   float64 `json:"p50,omitempty"`
	P95   float64 `json:"p95,omitempty"`
	P99   float64 `json:"p99,omitempty"`
}

// ProcessingLogEntry is one ordered log event for a session.
type ProcessingLogEntry struct {
	ID        int64             `json:"id"`
	SessionID int64             `json:"session_id"`
	Agent     string            `json:"agent"`
	Stage     string            `json:"stage"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// AgentSummary aggregates success/failure/latency for one agent over a
// time window (GET /monitoring/processing-summary).
type AgentSummary struct {
	Agent        string  `json:"agent"`
	Succeeded    int64   `json:"succeeded"`
	Failed       int64   `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// ComponentHealth is one component's status in
// GET /monitoring/health/detailed.
type ComponentHealth struct {
	Name    string `json:"name"` // api, database, bus
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthReport is the full detailed health response.
type HealthReport struct {
	Status     string            `json:"status"` // ok | degraded
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}
