package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/maice-ai/maice/internal/common/logger"
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

func newTestBus(t *testing.T, opts Options) *MemoryBus {
	return NewMemoryBus(opts, newTestLogger(t))
}

func TestMemoryBus_PublishAndConsume(t *testing.T) {
	b := newTestBus(t, Options{})
	defer b.Close()
	ctx := context.Background()

	id, err := b.Publish(ctx, "maice:requests:answerer", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected non-empty message id")
	}

	c, err := b.Subscribe(ctx, "maice:requests:answerer", "answerer", "worker-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer c.Close()

	d, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(d.Payload) != "hello" {
		t.Errorf("Expected payload 'hello', got %q", d.Payload)
	}
	if d.Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", d.Attempt)
	}
	if err := b.Ack(ctx, "maice:requests:answerer", "answerer", d.MessageID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestMemoryBus_ConsumerGroupLoadBalancing(t *testing.T) {
	b := newTestBus(t, Options{})
	defer b.Close()
	ctx := context.Background()

	const numMessages = 10
	for i := 0; i < numMessages; i++ {
		if _, err := b.Publish(ctx, "maice:requests:classifier", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	c1, _ := b.Subscribe(ctx, "maice:requests:classifier", "classifier", "w1")
	c2, _ := b.Subscribe(ctx, "maice:requests:classifier", "classifier", "w2")
	defer c1.Close()
	defer c2.Close()

	seen := make(map[string]bool)
	for i := 0; i < numMessages; i++ {
		c := c1
		if i%2 == 1 {
			c = c2
		}
		d, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if seen[d.MessageID] {
			t.Errorf("Message %s delivered to both group members", d.MessageID)
		}
		seen[d.MessageID] = true
	}
	if len(seen) != numMessages {
		t.Errorf("Expected %d distinct deliveries, got %d", numMessages, len(seen))
	}
}

func TestMemoryBus_IndependentGroups(t *testing.T) {
	b := newTestBus(t, Options{})
	defer b.Close()
	ctx := context.Background()

	if _, err := b.Publish(ctx, "maice:requests:observer", []byte("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	cA, _ := b.Subscribe(ctx, "maice:requests:observer", "group-a", "w")
	cB, _ := b.Subscribe(ctx, "maice:requests:observer", "group-b", "w")
	defer cA.Close()
	defer cB.Close()

	dA, err := cA.Next(ctx)
	if err != nil {
		t.Fatalf("Next on group-a failed: %v", err)
	}
	dB, err := cB.Next(ctx)
	if err != nil {
		t.Fatalf("Next on group-b failed: %v", err)
	}
	if dA.MessageID != dB.MessageID {
		t.Errorf("Expected both groups to receive the same message, got %s and %s", dA.MessageID, dB.MessageID)
	}
}

func TestMemoryBus_VisibilityTimeoutRedelivery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus(t, Options{VisibilityTimeout: 5 * time.Second, MaxDeliveries: 5})
		defer b.Close()
		ctx := context.Background()

		if _, err := b.Publish(ctx, "maice:requests:answerer", []byte("work")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		c, _ := b.Subscribe(ctx, "maice:requests:answerer", "answerer", "w1")
		defer c.Close()

		d1, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("First Next failed: %v", err)
		}
		if d1.Attempt != 1 {
			t.Fatalf("Expected attempt 1, got %d", d1.Attempt)
		}

		// Not acked: after the visibility timeout the same message comes back.
		time.Sleep(6 * time.Second)

		d2, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Redelivery Next failed: %v", err)
		}
		if d2.MessageID != d1.MessageID {
			t.Errorf("Expected redelivery of %s, got %s", d1.MessageID, d2.MessageID)
		}
		if d2.Attempt != 2 {
			t.Errorf("Expected attempt 2 on redelivery, got %d", d2.Attempt)
		}

		if err := b.Ack(ctx, "maice:requests:answerer", "answerer", d2.MessageID); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}

		// Acked: no further redelivery.
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if d, err := c.Next(waitCtx); err == nil {
			t.Errorf("Expected no more deliveries, got message %s", d.MessageID)
		}
	})
}

func TestMemoryBus_AckStopsRedelivery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus(t, Options{VisibilityTimeout: 2 * time.Second})
		defer b.Close()
		ctx := context.Background()

		if _, err := b.Publish(ctx, "ch", []byte("a")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		c, _ := b.Subscribe(ctx, "ch", "g", "w")
		defer c.Close()

		d, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if err := b.Ack(ctx, "ch", "g", d.MessageID); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}

		// Acking again is an error: the delivery is gone.
		if err := b.Ack(ctx, "ch", "g", d.MessageID); !errors.Is(err, ErrUnknownAck) {
			t.Errorf("Expected ErrUnknownAck on double ack, got %v", err)
		}
	})
}

func TestMemoryBus_DeadLetterAfterMaxDeliveries(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		opts := Options{
			VisibilityTimeout: time.Second,
			MaxDeliveries:     3,
			DeadLetterChannel: func(string) string { return "maice:dlq:answerer" },
		}
		b := newTestBus(t, opts)
		defer b.Close()
		ctx := context.Background()

		if _, err := b.Publish(ctx, "maice:requests:answerer", []byte(`{"request_id":"r1"}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		c, _ := b.Subscribe(ctx, "maice:requests:answerer", "answerer", "w")
		defer c.Close()

		// Claim without acking until the budget is spent.
		for i := 1; i <= opts.MaxDeliveries; i++ {
			d, err := c.Next(ctx)
			if err != nil {
				t.Fatalf("Next %d failed: %v", i, err)
			}
			if d.Attempt != i {
				t.Fatalf("Expected attempt %d, got %d", i, d.Attempt)
			}
			time.Sleep(2 * time.Second)
		}

		// Next claim finds the budget exhausted and dead-letters instead.
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if d, err := c.Next(waitCtx); err == nil {
			t.Fatalf("Expected no delivery past the budget, got attempt %d", d.Attempt)
		}

		dlc, _ := b.Subscribe(ctx, "maice:dlq:answerer", "backend", "w")
		defer dlc.Close()
		d, err := dlc.Next(ctx)
		if err != nil {
			t.Fatalf("DLQ Next failed: %v", err)
		}

		var env DeadLetterEnvelope
		if err := json.Unmarshal(d.Payload, &env); err != nil {
			t.Fatalf("Failed to decode envelope: %v", err)
		}
		if env.Channel != "maice:requests:answerer" {
			t.Errorf("Expected origin channel in envelope, got %s", env.Channel)
		}
		if env.Attempts != opts.MaxDeliveries {
			t.Errorf("Expected %d attempts, got %d", opts.MaxDeliveries, env.Attempts)
		}
		if string(env.Payload) != `{"request_id":"r1"}` {
			t.Errorf("Expected original payload in envelope, got %s", env.Payload)
		}
	})
}

func TestMemoryBus_NextBlocksUntilPublish(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus(t, Options{})
		defer b.Close()
		ctx := context.Background()

		c, _ := b.Subscribe(ctx, "ch", "g", "w")
		defer c.Close()

		got := make(chan *Delivery, 1)
		go func() {
			d, err := c.Next(ctx)
			if err != nil {
				return
			}
			got <- d
		}()

		synctest.Wait()
		if _, err := b.Publish(ctx, "ch", []byte("late")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case d := <-got:
			if string(d.Payload) != "late" {
				t.Errorf("Expected payload 'late', got %q", d.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for blocked consumer to wake")
		}
	})
}

func TestMemoryBus_Trim(t *testing.T) {
	b := newTestBus(t, Options{})
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := b.Publish(ctx, "ch", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	if err := b.Trim(ctx, "ch", 3); err != nil {
		t.Fatalf("Trim failed: %v", err)
	}

	// A fresh group only sees the surviving tail.
	c, _ := b.Subscribe(ctx, "ch", "late-group", "w")
	defer c.Close()
	var payloads []byte
	for i := 0; i < 3; i++ {
		d, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		payloads = append(payloads, d.Payload[0])
	}
	if payloads[0] != 7 || payloads[1] != 8 || payloads[2] != 9 {
		t.Errorf("Expected newest 3 entries after trim, got %v", payloads)
	}
}

func TestMemoryBus_Broadcast(t *testing.T) {
	b := newTestBus(t, Options{})
	defer b.Close()
	ctx := context.Background()

	var count int32
	received := make(chan []byte, 2)
	for i := 0; i < 2; i++ {
		sub, err := b.SubscribeBroadcast("maice:coord:verdicts", func(ctx context.Context, payload []byte) {
			atomic.AddInt32(&count, 1)
			received <- payload
		})
		if err != nil {
			t.Fatalf("SubscribeBroadcast %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	if err := b.Broadcast(ctx, "maice:coord:verdicts", []byte("v")); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case p := <-received:
			if string(p) != "v" {
				t.Errorf("Expected payload 'v', got %q", p)
			}
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for broadcast")
		}
	}
}

func TestMemoryBus_BroadcastUnsubscribe(t *testing.T) {
	b := newTestBus(t, Options{})
	defer b.Close()
	ctx := context.Background()

	var count int32
	sub, err := b.SubscribeBroadcast("topic", func(ctx context.Context, payload []byte) {
		atomic.AddInt32(&count, 1)
	})
	if err != nil {
		t.Fatalf("SubscribeBroadcast failed: %v", err)
	}

	_ = b.Broadcast(ctx, "topic", []byte("1"))
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	_ = b.Broadcast(ctx, "topic", []byte("2"))
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 broadcast received, got %d", count)
	}
}

func TestMemoryBus_KVLease(t *testing.T) {
	b := newTestBus(t, Options{})
	defer b.Close()
	ctx := context.Background()

	kv, err := b.KV("maice_session_leases", 0)
	if err != nil {
		t.Fatalf("KV failed: %v", err)
	}

	if err := kv.Create(ctx, "session:1", []byte("req-a")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := kv.Create(ctx, "session:1", []byte("req-b")); !errors.Is(err, ErrKeyExists) {
		t.Errorf("Expected ErrKeyExists on second Create, got %v", err)
	}

	v, err := kv.Get(ctx, "session:1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(v) != "req-a" {
		t.Errorf("Expected lease holder req-a, got %q", v)
	}

	if err := kv.Delete(ctx, "session:1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := kv.Create(ctx, "session:1", []byte("req-b")); err != nil {
		t.Errorf("Expected Create to succeed after Delete, got %v", err)
	}
}

func TestMemoryBus_KVTTLExpiry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := newTestBus(t, Options{})
		defer b.Close()
		ctx := context.Background()

		kv, err := b.KV("maice_agent_status", 30*time.Second)
		if err != nil {
			t.Fatalf("KV failed: %v", err)
		}
		if err := kv.Put(ctx, "answerer", []byte("alive")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		if _, err := kv.Get(ctx, "answerer"); err != nil {
			t.Fatalf("Get before expiry failed: %v", err)
		}

		time.Sleep(31 * time.Second)

		if _, err := kv.Get(ctx, "answerer"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound after TTL, got %v", err)
		}
		keys, err := kv.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("Expected no live keys after TTL, got %v", keys)
		}
	})
}

func TestMemoryBus_Close(t *testing.T) {
	b := newTestBus(t, Options{})

	if !b.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}
	b.Close()
	if b.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	ctx := context.Background()
	if _, err := b.Publish(ctx, "ch", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed on publish after close, got %v", err)
	}
	if _, err := b.Subscribe(ctx, "ch", "g", "w"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed on subscribe after close, got %v", err)
	}
}
