package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
)

// NATSBus implements Bus over NATS. Stream channels map to JetStream streams
// (one stream per channel, subject == channel) with durable pull consumers per
// group; broadcast topics use core NATS pub/sub; KV buckets use JetStream KV.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logger.Logger
	config config.NATSConfig
	opts   Options

	mu      sync.Mutex
	pending map[pendingKey]*nats.Msg
	streams map[string]bool
}

type pendingKey struct {
	channel   string
	group     string
	messageID string
}

// NewNATSBus connects to NATS with reconnection handlers and opens a
// JetStream context.
func NewNATSBus(cfg config.NATSConfig, opts Options, log *logger.Logger) (*NATSBus, error) {
	connOpts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", cfg.URL))

	return &NATSBus{
		conn:    conn,
		js:      js,
		logger:  log,
		config:  cfg,
		opts:    opts.withDefaults(),
		pending: make(map[pendingKey]*nats.Msg),
		streams: make(map[string]bool),
	}, nil
}

// streamName derives a JetStream-legal stream name from a channel name.
// Channel names carry colons, which JetStream forbids in stream names.
func streamName(channel string) string {
	r := strings.NewReplacer(":", "_", ".", "_", " ", "_", "*", "_", ">", "_")
	return "MAICE_" + strings.ToUpper(r.Replace(strings.TrimPrefix(channel, "maice:")))
}

// subjectName maps a channel to its JetStream subject.
func subjectName(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

func (b *NATSBus) ensureStream(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := streamName(channel)
	if b.streams[name] {
		return nil
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subjectName(channel)},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	b.streams[name] = true
	return nil
}

// Publish appends a message to a durable stream channel and returns the
// stream sequence as the message id.
func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) (string, error) {
	if err := b.ensureStream(channel); err != nil {
		return "", err
	}
	ack, err := b.js.Publish(subjectName(channel), payload, nats.Context(ctx))
	if err != nil {
		b.logger.Error("Failed to publish message",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	id := strconv.FormatUint(ack.Sequence, 10)
	b.logger.Debug("Published message",
		zap.String("channel", channel),
		zap.String("message_id", id),
	)
	return id, nil
}

// Broadcast sends a lossy fan-out message over core NATS.
func (b *NATSBus) Broadcast(ctx context.Context, topic string, payload []byte) error {
	if err := b.conn.Publish(subjectName(topic), payload); err != nil {
		b.logger.Error("Failed to broadcast",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to broadcast to %s: %w", topic, err)
	}
	return nil
}

// SubscribeBroadcast registers a handler for a broadcast topic.
func (b *NATSBus) SubscribeBroadcast(topic string, handler BroadcastHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subjectName(topic), func(msg *nats.Msg) {
		handler(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	b.logger.Debug("Subscribed to broadcast topic", zap.String("topic", topic))
	return &natsSubscription{sub: sub}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// natsConsumer wraps a durable pull subscription.
type natsConsumer struct {
	bus     *NATSBus
	channel string
	group   string
	sub     *nats.Subscription
}

// Subscribe joins a durable pull consumer group on a stream channel. AckWait
// carries the visibility timeout; MaxDeliver is one past the delivery budget
// so the final redelivery can be routed to the dead-letter channel.
func (b *NATSBus) Subscribe(ctx context.Context, channel, group, consumer string) (Consumer, error) {
	if err := b.ensureStream(channel); err != nil {
		return nil, err
	}
	sub, err := b.js.PullSubscribe(subjectName(channel), group,
		nats.BindStream(streamName(channel)),
		nats.AckWait(b.opts.VisibilityTimeout),
		nats.MaxDeliver(b.opts.MaxDeliveries+1),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s as %s: %w", channel, group, err)
	}
	b.logger.Debug("Joined consumer group",
		zap.String("channel", channel),
		zap.String("group", group),
		zap.String("consumer", consumer),
	)
	return &natsConsumer{bus: b, channel: channel, group: group, sub: sub}, nil
}

// Next fetches the next delivery, dead-lettering messages that exhausted
// their delivery budget.
func (c *natsConsumer) Next(ctx context.Context) (*Delivery, error) {
	for {
		msgs, err := c.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, ctx.Err()
			}
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("fetch from %s failed: %w", c.channel, err)
		}
		if len(msgs) == 0 {
			continue
		}
		msg := msgs[0]
		meta, err := msg.Metadata()
		if err != nil {
			c.bus.logger.Error("Failed to read message metadata", zap.Error(err))
			_ = msg.Term()
			continue
		}

		id := strconv.FormatUint(meta.Sequence.Stream, 10)
		attempt := int(meta.NumDelivered)

		if attempt > c.bus.opts.MaxDeliveries {
			c.bus.deadLetter(ctx, c.channel, id, attempt, msg.Data)
			_ = msg.Term()
			continue
		}

		c.bus.mu.Lock()
		c.bus.pending[pendingKey{c.channel, c.group, id}] = msg
		c.bus.mu.Unlock()

		return &Delivery{MessageID: id, Payload: msg.Data, Attempt: attempt}, nil
	}
}

func (c *natsConsumer) Close() error {
	return c.sub.Unsubscribe()
}

func (b *NATSBus) deadLetter(ctx context.Context, channel, messageID string, attempts int, payload []byte) {
	env := DeadLetterEnvelope{
		Channel:   channel,
		MessageID: messageID,
		Attempts:  attempts,
		Cause:     "max deliveries exceeded",
		Payload:   json.RawMessage(payload),
		FailedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to marshal dead-letter envelope", zap.Error(err))
		return
	}
	dlq := b.opts.DeadLetterChannel(channel)
	if _, err := b.Publish(ctx, dlq, data); err != nil {
		b.logger.Error("Failed to publish to dead-letter channel",
			zap.String("dlq", dlq),
			zap.Error(err),
		)
		return
	}
	b.logger.Warn("Message dead-lettered",
		zap.String("channel", channel),
		zap.String("dlq", dlq),
		zap.String("message_id", messageID),
		zap.Int("attempts", attempts),
	)
}

// Ack acknowledges a delivery previously handed out by Next.
func (b *NATSBus) Ack(ctx context.Context, channel, group, messageID string) error {
	key := pendingKey{channel, group, messageID}
	b.mu.Lock()
	msg, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownAck
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("ack of %s on %s failed: %w", messageID, channel, err)
	}
	return nil
}

// Trim bounds a stream to its newest maxEntries messages.
func (b *NATSBus) Trim(ctx context.Context, channel string, maxEntries int64) error {
	if err := b.ensureStream(channel); err != nil {
		return err
	}
	name := streamName(channel)
	info, err := b.js.StreamInfo(name)
	if err != nil {
		return fmt.Errorf("failed to read stream info for %s: %w", name, err)
	}
	cfg := info.Config
	cfg.MaxMsgs = maxEntries
	if _, err := b.js.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("failed to trim stream %s: %w", name, err)
	}
	return nil
}

// natsKV wraps a JetStream KV bucket. Bus-level keys carry colons, which
// JetStream KV forbids, so keys are transposed to dots on the wire.
type natsKV struct {
	kv nats.KeyValue
}

func kvEncode(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func kvDecode(key string) string {
	return strings.ReplaceAll(key, ".", ":")
}

// KV opens (creating if needed) a JetStream key/value bucket.
func (b *NATSBus) KV(bucket string, ttl time.Duration) (KV, error) {
	kv, err := b.js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = b.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open KV bucket %s: %w", bucket, err)
	}
	return &natsKV{kv: kv}, nil
}

func (k *natsKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := k.kv.Put(kvEncode(key), value)
	return err
}

func (k *natsKV) Create(ctx context.Context, key string, value []byte) error {
	_, err := k.kv.Create(kvEncode(key), value)
	if err != nil {
		// The key may exist; report it with our sentinel so callers can
		// treat lease contention uniformly across implementations.
		if _, getErr := k.kv.Get(kvEncode(key)); getErr == nil {
			return ErrKeyExists
		}
		return err
	}
	return nil
}

func (k *natsKV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := k.kv.Get(kvEncode(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return entry.Value(), nil
}

func (k *natsKV) Delete(ctx context.Context, key string) error {
	return k.kv.Delete(kvEncode(key))
}

func (k *natsKV) Keys(ctx context.Context) ([]string, error) {
	keys, err := k.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = kvDecode(key)
	}
	return out, nil
}

// Close drains the NATS connection gracefully.
func (b *NATSBus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("Error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
