// Package events defines the wire-level channel names used across the Maice
// fleet. No agent imports another agent; every cross-process reference is a
// channel name built here.
package events

import "fmt"

// Channel name prefixes. Stream channels are durable with consumer-group
// semantics; coord topics are lossy broadcast.
const (
	requestStreamPrefix  = "maice:requests:"
	responseStreamPrefix = "maice:agent_to_backend_stream_session_"
	coordPrefix          = "maice:coord:"
	metricsPrefix        = "maice:metrics:"
	agentStatusPrefix    = "maice:agent_status:"
	deadLetterPrefix     = "maice:dlq:"
)

// Coordination topics.
const (
	TopicVerdicts   = "verdicts"
	TopicPromotions = "promotions"
	TopicCancel     = "cancel"
)

// KV bucket names.
const (
	BucketAgentStatus = "maice_agent_status"
	BucketMetrics     = "maice_metrics"
	BucketLeases      = "maice_session_leases"
)

// StreamProcessingLogs is the durable stream carrying processing-log entries
// from every agent to the backend recorder.
const StreamProcessingLogs = "maice:logs"

// RequestStream returns the durable request stream for an agent.
func RequestStream(agent string) string {
	return requestStreamPrefix + agent
}

// ResponseStream returns the per-session durable response stream.
func ResponseStream(sessionID int64) string {
	return fmt.Sprintf("%s%d", responseStreamPrefix, sessionID)
}

// CoordTopic returns a broadcast topic name.
func CoordTopic(topic string) string {
	return coordPrefix + topic
}

// SessionLogTopic returns the per-session broadcast topic carrying
// processing-log events for live viewers.
func SessionLogTopic(sessionID int64) string {
	return fmt.Sprintf("%slogs_session_%d", coordPrefix, sessionID)
}

// MetricsKey returns the shared-store key for one metric.
func MetricsKey(agent, kind, name string) string {
	return fmt.Sprintf("%s%s:%s:%s", metricsPrefix, agent, kind, name)
}

// AgentStatusKey returns the shared-store key for an agent's liveness record.
func AgentStatusKey(agent string) string {
	return agentStatusPrefix + agent
}

// DeadLetter returns an agent's dead-letter channel.
func DeadLetter(agent string) string {
	return deadLetterPrefix + agent
}

// DeadLetterFor maps a stream channel to its dead-letter channel. Request
// streams dead-letter per agent; everything else shares the backend queue.
func DeadLetterFor(channel string) string {
	if len(channel) > len(requestStreamPrefix) && channel[:len(requestStreamPrefix)] == requestStreamPrefix {
		return deadLetterPrefix + channel[len(requestStreamPrefix):]
	}
	return deadLetterPrefix + "backend"
}
