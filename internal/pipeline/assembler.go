// Package pipeline reassembles per-request response streams: out-of-order
// streaming chunks are buffered and released as contiguous prefixes, gaps are
// flushed on a timeout or a maximum index spread, and client backpressure is
// bounded by a per-session byte budget that never drops control events.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/metrics"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// Config tunes reassembly. Zero values take the production defaults.
type Config struct {
	GapTimeout     time.Duration
	MaxGap         int
	MaxBufferBytes int
	TrimMaxEntries int64
}

func (c Config) withDefaults() Config {
	if c.GapTimeout <= 0 {
		c.GapTimeout = 2 * time.Second
	}
	if c.MaxGap <= 0 {
		c.MaxGap = 20
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = 1 << 20
	}
	if c.TrimMaxEntries <= 0 {
		c.TrimMaxEntries = 1000
	}
	return c
}

// Sink receives released events in delivery order. A sink error marks the
// assembler done; remaining events are discarded.
type Sink func(ev *v1.ResponseEvent) error

// Result is the summary of one assembled request stream.
type Result struct {
	Completed bool   // terminal complete delivered
	FinalSeen bool   // an is_final chunk was released
	Answer    string // released chunk contents, concatenated in order
	ErrorCode string // last error event code, if any
	Skipped   []int  // chunk indices lost to gap flushes
	Dropped   int    // chunks dropped under backpressure
}

// Assembler reorders one request's streaming chunks. Push may be called from
// the consumer goroutine while the gap timer fires concurrently; all state is
// mutex-guarded and the sink is invoked under the lock, so sinks must not
// call back into the assembler.
type Assembler struct {
	cfg     Config
	sidecar *metrics.Sidecar
	logger  *logger.Logger
	sink    Sink

	mu           sync.Mutex
	next         int
	pending      map[int]*v1.ResponseEvent
	pendingBytes int
	finalSeen    bool
	done         bool
	skipped      []int
	dropped      int
	errorCode    string
	answer       strings.Builder
	held         []*v1.ResponseEvent
	gapTimer     *time.Timer
}

// NewAssembler creates an assembler for one request.
func NewAssembler(cfg Config, sc *metrics.Sidecar, log *logger.Logger, sink Sink) *Assembler {
	return &Assembler{
		cfg:     cfg.withDefaults(),
		sidecar: sc,
		logger:  log.WithFields(zap.String("component", "pipeline")),
		sink:    sink,
		pending: make(map[int]*v1.ResponseEvent),
	}
}

// Push feeds one event from the response stream.
func (a *Assembler) Push(ev *v1.ResponseEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}

	switch {
	case ev.IsChunk():
		a.pushChunkLocked(ev)
	case ev.Type == v1.EventComplete:
		// A terminal while chunks are still buffered means the producer
		// stopped early; flush what we have first.
		if len(a.pending) > 0 {
			a.flushGapLocked("terminal event with buffered chunks")
		}
		a.releaseHeldLocked()
		a.stopTimerLocked()
		a.releaseLocked(ev)
		a.done = true
	case ev.Type == v1.EventError:
		a.errorCode = ev.Code
		a.holdOrReleaseLocked(ev)
	default:
		a.holdOrReleaseLocked(ev)
	}
}

// Done reports whether the terminal event has been delivered.
func (a *Assembler) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Close stops the gap timer and discards buffered state.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimerLocked()
	a.done = true
}

// Result snapshots the stream summary.
func (a *Assembler) Result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Result{
		Completed: a.done,
		FinalSeen: a.finalSeen,
		Answer:    a.answer.String(),
		ErrorCode: a.errorCode,
		Skipped:   append([]int(nil), a.skipped...),
		Dropped:   a.dropped,
	}
}

func (a *Assembler) pushChunkLocked(ev *v1.ResponseEvent) {
	idx := *ev.ChunkIndex
	if idx < a.next {
		a.logger.Debug("dropping stale chunk", zap.Int("chunk_index", idx))
		return
	}
	if _, dup := a.pending[idx]; dup {
		return
	}
	if ev.IsFinal {
		if a.finalSeen {
			// At most one is_final per request; duplicates are a
			// producer bug.
			a.logger.Warn("dropping duplicate is_final chunk", zap.Int("chunk_index", idx))
			return
		}
		a.finalSeen = true
	}

	// Backpressure: the reorder buffer is byte-bounded. Contiguous chunks
	// pass straight through; the is_final chunk gates persistence and is
	// never dropped.
	if !ev.IsFinal && idx > a.next && a.pendingBytes+len(ev.Content) > a.cfg.MaxBufferBytes {
		a.dropped++
		a.sidecar.Inc("dropped_chunks_total", 1, nil)
		a.logger.Warn("dropping chunk under backpressure",
			zap.Int("chunk_index", idx),
			zap.Int("buffered_bytes", a.pendingBytes))
		return
	}

	a.pending[idx] = ev
	a.pendingBytes += len(ev.Content)
	a.drainLocked()

	if len(a.pending) == 0 {
		a.releaseHeldLocked()
		a.stopTimerLocked()
		return
	}
	if a.maxPendingLocked()-a.next >= a.cfg.MaxGap {
		a.flushGapLocked("max gap exceeded")
		return
	}
	a.resetTimerLocked()
}

// drainLocked releases the contiguous prefix starting at next.
func (a *Assembler) drainLocked() {
	for {
		ev, ok := a.pending[a.next]
		if !ok {
			return
		}
		delete(a.pending, a.next)
		a.pendingBytes -= len(ev.Content)
		a.next++
		a.releaseChunkLocked(ev)
	}
}

// flushGapLocked releases everything buffered in index order, recording the
// skipped indices and emitting a warning event.
func (a *Assembler) flushGapLocked(reason string) {
	indices := make([]int, 0, len(a.pending))
	for idx := range a.pending {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var skipped []int
	cursor := a.next
	for _, idx := range indices {
		for ; cursor < idx; cursor++ {
			skipped = append(skipped, cursor)
		}
		cursor = idx + 1
	}
	a.skipped = append(a.skipped, skipped...)
	a.sidecar.Inc("chunk_gaps_total", float64(len(skipped)), nil)
	a.logger.Warn("flushing chunk gap",
		zap.String("reason", reason),
		zap.Ints("skipped", skipped))

	warning := v1.NewEvent(v1.EventQuestionStatus, "", 0)
	warning.Status = "gap_warning"
	warning.Message = fmt.Sprintf("skipped chunk indices %v: %s", skipped, reason)
	a.releaseLocked(warning)

	for _, idx := range indices {
		ev := a.pending[idx]
		delete(a.pending, idx)
		a.pendingBytes -= len(ev.Content)
		a.releaseChunkLocked(ev)
	}
	a.next = cursor
	a.releaseHeldLocked()
	a.stopTimerLocked()
}

// holdOrReleaseLocked keeps a control event behind buffered chunks so it
// cannot overtake chunk content within the same request.
func (a *Assembler) holdOrReleaseLocked(ev *v1.ResponseEvent) {
	if len(a.pending) > 0 {
		a.held = append(a.held, ev)
		return
	}
	a.releaseLocked(ev)
}

// releaseHeldLocked releases held control events in arrival order once the
// reorder buffer is empty.
func (a *Assembler) releaseHeldLocked() {
	for _, ev := range a.held {
		a.releaseLocked(ev)
	}
	a.held = nil
}

func (a *Assembler) releaseChunkLocked(ev *v1.ResponseEvent) {
	a.answer.WriteString(ev.Content)
	a.releaseLocked(ev)
}

func (a *Assembler) releaseLocked(ev *v1.ResponseEvent) {
	if a.sink == nil {
		return
	}
	if err := a.sink(ev); err != nil {
		a.logger.Warn("sink rejected event, abandoning stream", zap.Error(err))
		a.stopTimerLocked()
		a.done = true
		a.sink = nil
	}
}

func (a *Assembler) maxPendingLocked() int {
	max := a.next
	for idx := range a.pending {
		if idx > max {
			max = idx
		}
	}
	return max
}

func (a *Assembler) resetTimerLocked() {
	if a.gapTimer == nil {
		a.gapTimer = time.AfterFunc(a.cfg.GapTimeout, a.onGapTimeout)
		return
	}
	a.gapTimer.Reset(a.cfg.GapTimeout)
}

func (a *Assembler) stopTimerLocked() {
	if a.gapTimer != nil {
		a.gapTimer.Stop()
	}
}

func (a *Assembler) onGapTimeout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done || len(a.pending) == 0 {
		return
	}
	a.flushGapLocked("gap timeout")
}
