package bus

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
)

// MemoryBus implements Bus in memory. It is used for unified mode (no NATS
// configured) and for tests. Stream semantics match the NATS implementation:
// per-group cursors, visibility-timeout redelivery, and dead-lettering after
// the delivery budget is exhausted.
type MemoryBus struct {
	mu       sync.Mutex
	channels map[string]*memChannel
	topics   map[string][]*memBroadcastSub
	buckets  map[string]*memBucket
	opts     Options
	logger   *logger.Logger
	closed   bool
}

type memChannel struct {
	entries []*memEntry
	nextSeq int64
	groups  map[string]*memGroup
	notify  chan struct{}
}

type memEntry struct {
	id      string
	seq     int64
	payload []byte
}

type memGroup struct {
	cursor  int64 // seq of the next fresh entry
	pending map[string]*memPending
}

type memPending struct {
	entry       *memEntry
	deliveries  int
	redeliverAt time.Time
}

type memBroadcastSub struct {
	bus     *MemoryBus
	topic   string
	handler BroadcastHandler
	active  bool
	mu      sync.Mutex
}

type memBucket struct {
	ttl   time.Duration
	items map[string]memKVItem
}

type memKVItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(opts Options, log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		channels: make(map[string]*memChannel),
		topics:   make(map[string][]*memBroadcastSub),
		buckets:  make(map[string]*memBucket),
		opts:     opts.withDefaults(),
		logger:   log.WithFields(zap.String("component", "memory-bus")),
	}
}

func (b *MemoryBus) channelLocked(name string) *memChannel {
	ch, ok := b.channels[name]
	if !ok {
		ch = &memChannel{
			nextSeq: 1,
			groups:  make(map[string]*memGroup),
			notify:  make(chan struct{}),
		}
		b.channels[name] = ch
	}
	return ch
}

func (b *MemoryBus) groupLocked(ch *memChannel, group string) *memGroup {
	g, ok := ch.groups[group]
	if !ok {
		g = &memGroup{cursor: 1, pending: make(map[string]*memPending)}
		ch.groups[group] = g
	}
	return g
}

// publishLocked appends an entry and wakes blocked consumers.
// Caller must hold b.mu.
func (b *MemoryBus) publishLocked(channel string, payload []byte) string {
	ch := b.channelLocked(channel)
	e := &memEntry{
		id:      strconv.FormatInt(ch.nextSeq, 10),
		seq:     ch.nextSeq,
		payload: payload,
	}
	ch.nextSeq++
	ch.entries = append(ch.entries, e)
	close(ch.notify)
	ch.notify = make(chan struct{})
	return e.id
}

// Publish appends a message to a durable stream channel.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	id := b.publishLocked(channel, payload)
	b.logger.Debug("published", zap.String("channel", channel), zap.String("message_id", id))
	return id, nil
}

// Broadcast sends a lossy fan-out message to all topic subscribers.
func (b *MemoryBus) Broadcast(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*memBroadcastSub, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		go sub.handler(ctx, payload)
	}
	return nil
}

// SubscribeBroadcast registers a handler for a broadcast topic.
func (b *MemoryBus) SubscribeBroadcast(topic string, handler BroadcastHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memBroadcastSub{bus: b, topic: topic, handler: handler, active: true}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub, nil
}

func (s *memBroadcastSub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.topics[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// memConsumer iterates one (channel, group) binding.
type memConsumer struct {
	bus     *MemoryBus
	channel string
	group   string
	closed  bool
	mu      sync.Mutex
}

// Subscribe joins a consumer group on a stream channel.
func (b *MemoryBus) Subscribe(ctx context.Context, channel, group, consumer string) (Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := b.channelLocked(channel)
	b.groupLocked(ch, group)
	return &memConsumer{bus: b, channel: channel, group: group}, nil
}

// Next blocks until a delivery is available or ctx is done. Messages whose
// visibility timeout expired are redelivered first, in stream order; messages
// past the delivery budget are moved to the dead-letter channel.
func (c *memConsumer) Next(ctx context.Context) (*Delivery, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		c.mu.Unlock()

		b := c.bus
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		ch := b.channelLocked(c.channel)
		g := b.groupLocked(ch, c.group)
		now := time.Now()

		// Expired pending entries first, lowest sequence wins.
		if p := expiredPendingLocked(g, now); p != nil {
			if p.deliveries >= b.opts.MaxDeliveries {
				b.deadLetterLocked(c.channel, p)
				delete(g.pending, p.entry.id)
				b.mu.Unlock()
				continue
			}
			p.deliveries++
			p.redeliverAt = now.Add(b.opts.VisibilityTimeout)
			d := &Delivery{MessageID: p.entry.id, Payload: p.entry.payload, Attempt: p.deliveries}
			b.mu.Unlock()
			return d, nil
		}

		// Fresh entries next.
		if e := firstAtOrAfterLocked(ch, g.cursor); e != nil {
			g.cursor = e.seq + 1
			g.pending[e.id] = &memPending{
				entry:       e,
				deliveries:  1,
				redeliverAt: now.Add(b.opts.VisibilityTimeout),
			}
			d := &Delivery{MessageID: e.id, Payload: e.payload, Attempt: 1}
			b.mu.Unlock()
			return d, nil
		}

		// Nothing available: wait for a publish or the earliest redelivery.
		notify := ch.notify
		wait := b.opts.VisibilityTimeout
		if next, ok := nextRedeliveryLocked(g); ok {
			if d := time.Until(next); d < wait {
				wait = d
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-time.After(wait):
		}
	}
}

func (c *memConsumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func expiredPendingLocked(g *memGroup, now time.Time) *memPending {
	var best *memPending
	for _, p := range g.pending {
		if p.redeliverAt.After(now) {
			continue
		}
		if best == nil || p.entry.seq < best.entry.seq {
			best = p
		}
	}
	return best
}

func firstAtOrAfterLocked(ch *memChannel, seq int64) *memEntry {
	i := sort.Search(len(ch.entries), func(i int) bool {
		return ch.entries[i].seq >= seq
	})
	if i < len(ch.entries) {
		return ch.entries[i]
	}
	return nil
}

func nextRedeliveryLocked(g *memGroup) (time.Time, bool) {
	var next time.Time
	found := false
	for _, p := range g.pending {
		if !found || p.redeliverAt.Before(next) {
			next = p.redeliverAt
			found = true
		}
	}
	return next, found
}

// deadLetterLocked publishes the envelope onto the dead-letter channel.
// Caller must hold b.mu.
func (b *MemoryBus) deadLetterLocked(channel string, p *memPending) {
	env := DeadLetterEnvelope{
		Channel:   channel,
		MessageID: p.entry.id,
		Attempts:  p.deliveries,
		Cause:     "max deliveries exceeded",
		Payload:   json.RawMessage(p.entry.payload),
		FailedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("failed to marshal dead-letter envelope", zap.Error(err))
		return
	}
	dlq := b.opts.DeadLetterChannel(channel)
	b.publishLocked(dlq, data)
	b.logger.Warn("message dead-lettered",
		zap.String("channel", channel),
		zap.String("dlq", dlq),
		zap.String("message_id", p.entry.id),
		zap.Int("attempts", p.deliveries))
}

// Ack acknowledges a delivery, removing it from the group's pending set.
func (b *MemoryBus) Ack(ctx context.Context, channel, group, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	ch := b.channelLocked(channel)
	g := b.groupLocked(ch, group)
	if _, ok := g.pending[messageID]; !ok {
		return ErrUnknownAck
	}
	delete(g.pending, messageID)
	return nil
}

// Trim bounds a stream channel to its newest maxEntries messages.
func (b *MemoryBus) Trim(ctx context.Context, channel string, maxEntries int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	ch := b.channelLocked(channel)
	if int64(len(ch.entries)) <= maxEntries {
		return nil
	}
	ch.entries = ch.entries[int64(len(ch.entries))-maxEntries:]
	return nil
}

// memKV implements KV over a bucket map with lazy TTL expiry.
type memKV struct {
	bus    *MemoryBus
	bucket *memBucket
}

// KV opens (creating if needed) a key/value bucket.
func (b *MemoryBus) KV(bucket string, ttl time.Duration) (KV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	bk, ok := b.buckets[bucket]
	if !ok {
		bk = &memBucket{ttl: ttl, items: make(map[string]memKVItem)}
		b.buckets[bucket] = bk
	}
	return &memKV{bus: b, bucket: bk}, nil
}

func (k *memKV) expiry() time.Time {
	if k.bucket.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(k.bucket.ttl)
}

func (k *memKV) liveLocked(key string) ([]byte, bool) {
	item, ok := k.bucket.items[key]
	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(k.bucket.items, key)
		return nil, false
	}
	return item.value, true
}

func (k *memKV) Put(ctx context.Context, key string, value []byte) error {
	k.bus.mu.Lock()
	defer k.bus.mu.Unlock()
	k.bucket.items[key] = memKVItem{value: value, expiresAt: k.expiry()}
	return nil
}

func (k *memKV) Create(ctx context.Context, key string, value []byte) error {
	k.bus.mu.Lock()
	defer k.bus.mu.Unlock()
	if _, ok := k.liveLocked(key); ok {
		return ErrKeyExists
	}
	k.bucket.items[key] = memKVItem{value: value, expiresAt: k.expiry()}
	return nil
}

func (k *memKV) Get(ctx context.Context, key string) ([]byte, error) {
	k.bus.mu.Lock()
	defer k.bus.mu.Unlock()
	value, ok := k.liveLocked(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

func (k *memKV) Delete(ctx context.Context, key string) error {
	k.bus.mu.Lock()
	defer k.bus.mu.Unlock()
	delete(k.bucket.items, key)
	return nil
}

func (k *memKV) Keys(ctx context.Context) ([]string, error) {
	k.bus.mu.Lock()
	defer k.bus.mu.Unlock()
	keys := make([]string, 0, len(k.bucket.items))
	for key := range k.bucket.items {
		if _, ok := k.liveLocked(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the bus. Blocked consumers return ErrClosed.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.channels {
		close(ch.notify)
		ch.notify = make(chan struct{})
	}
	b.topics = make(map[string][]*memBroadcastSub)
	b.logger.Info("memory bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}
