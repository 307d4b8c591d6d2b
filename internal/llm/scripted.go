package llm

import (
	"context"
	"sync"
	"time"
)

// ScriptedClient replays canned chunks for tests. FailFirst makes the first
// N calls fail with Err before succeeding, which exercises the runtime's
// retry path.
type ScriptedClient struct {
	Chunks     []string
	Err        error
	FailFirst  int
	ChunkDelay time.Duration

	mu    sync.Mutex
	calls int
}

var _ Client = (*ScriptedClient)(nil)

// Calls reports how many times GenerateStream was invoked.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *ScriptedClient) GenerateStream(ctx context.Context, req Request, fn ChunkFunc) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.Err != nil && (s.FailFirst == 0 || call <= s.FailFirst) {
		return s.Err
	}
	for _, chunk := range s.Chunks {
		if s.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.ChunkDelay):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}
