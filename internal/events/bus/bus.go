// Package bus provides the Maice message bus abstraction: durable stream
// channels with consumer groups, explicit acknowledgment, visibility-timeout
// redelivery and dead-lettering, plus lossy broadcast channels and a
// TTL-capable key/value facility for leases and shared metrics.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors.
var (
	ErrClosed      = errors.New("bus is closed")
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExists   = errors.New("key already exists")
	ErrUnknownAck  = errors.New("no pending delivery for message id")
)

// Delivery is one claimed message from a stream channel. It must be
// acknowledged within the visibility timeout or it reappears.
type Delivery struct {
	MessageID string
	Payload   []byte
	Attempt   int // 1-based delivery count
}

// DeadLetterEnvelope wraps a message routed to a dead-letter channel after
// exceeding the delivery budget.
type DeadLetterEnvelope struct {
	Channel   string          `json:"channel"`
	MessageID string          `json:"message_id"`
	Attempts  int             `json:"attempts"`
	Cause     string          `json:"cause"`
	Payload   json.RawMessage `json:"payload"`
	FailedAt  time.Time       `json:"failed_at"`
}

// BroadcastHandler handles a lossy fan-out message.
type BroadcastHandler func(ctx context.Context, payload []byte)

// Subscription represents an active broadcast subscription.
type Subscription interface {
	Unsubscribe() error
}

// Consumer iterates deliveries for one (channel, group, consumer) binding.
type Consumer interface {
	// Next blocks until a delivery is available or ctx is done.
	Next(ctx context.Context) (*Delivery, error)
	Close() error
}

// Options tunes stream delivery semantics.
type Options struct {
	// VisibilityTimeout is how long a claimed message stays invisible
	// before it is redelivered to the group.
	VisibilityTimeout time.Duration
	// MaxDeliveries is the delivery budget before dead-lettering.
	MaxDeliveries int
	// DeadLetterChannel maps a channel to its dead-letter channel.
	DeadLetterChannel func(channel string) string
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.DeadLetterChannel == nil {
		o.DeadLetterChannel = func(channel string) string { return channel + ":dlq" }
	}
	return o
}

// Bus is the message bus contract shared by the NATS and in-memory
// implementations.
type Bus interface {
	// Publish appends a message to a durable stream channel.
	Publish(ctx context.Context, channel string, payload []byte) (string, error)

	// Broadcast sends a lossy fan-out message to all topic subscribers.
	Broadcast(ctx context.Context, topic string, payload []byte) error

	// SubscribeBroadcast registers a handler for a broadcast topic.
	SubscribeBroadcast(topic string, handler BroadcastHandler) (Subscription, error)

	// Subscribe joins a consumer group on a stream channel.
	Subscribe(ctx context.Context, channel, group, consumer string) (Consumer, error)

	// Ack acknowledges a delivery; unacked messages reappear after the
	// visibility timeout.
	Ack(ctx context.Context, channel, group, messageID string) error

	// Trim bounds a stream channel to at most maxEntries messages.
	Trim(ctx context.Context, channel string, maxEntries int64) error

	// KV opens (creating if needed) a key/value bucket. A non-zero TTL
	// expires entries bucket-wide.
	KV(bucket string, ttl time.Duration) (KV, error)

	Close()
	IsConnected() bool
}

// KV is a small key/value surface used for leases, agent status, and the
// shared metrics store.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	// Create stores the key only if it does not exist (lease acquisition).
	Create(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}
