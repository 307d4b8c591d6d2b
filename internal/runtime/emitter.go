package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maice-ai/maice/internal/events"
	"github.com/maice-ai/maice/internal/events/bus"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// streamEmitter publishes events onto the session response stream, stamping
// the request and session ids so behaviors cannot misroute.
type streamEmitter struct {
	b   bus.Bus
	req *v1.Request
}

// NewEmitter binds an emitter to one request. Exposed for behavior tests.
func NewEmitter(b bus.Bus, req *v1.Request) Emitter {
	return &streamEmitter{b: b, req: req}
}

func (e *streamEmitter) Emit(ctx context.Context, ev *v1.ResponseEvent) error {
	ev.RequestID = e.req.RequestID
	ev.SessionID = e.req.SessionID
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling response event: %w", err)
	}
	if _, err := e.b.Publish(ctx, events.ResponseStream(e.req.SessionID), data); err != nil {
		return fmt.Errorf("publishing %s event: %w", ev.Type, err)
	}
	return nil
}

// Streamer emits an ordered sequence of streaming chunks for one request,
// tracking the zero-based chunk index.
type Streamer struct {
	em    Emitter
	index int
}

// NewStreamer wraps an emitter with chunk-index bookkeeping.
func NewStreamer(em Emitter) *Streamer {
	return &Streamer{em: em}
}

// Write emits one non-final chunk.
func (s *Streamer) Write(ctx context.Context, content string) error {
	return s.chunk(ctx, content, false)
}

// Finish emits the final chunk. Content may be empty when all text already
// went out through Write.
func (s *Streamer) Finish(ctx context.Context, content string) error {
	return s.chunk(ctx, content, true)
}

// Count reports how many chunks have been emitted.
func (s *Streamer) Count() int {
	return s.index
}

func (s *Streamer) chunk(ctx context.Context, content string, isFinal bool) error {
	idx := s.index
	s.index++
	ev := &v1.ResponseEvent{Type: v1.EventStreamingChunk, ChunkIndex: &idx, Content: content, IsFinal: isFinal}
	ev.Timestamp = time.Now().UTC()
	return s.em.Emit(ctx, ev)
}
