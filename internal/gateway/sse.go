package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

// sseWriter pushes response events to the client as server-sent events.
// Send may be called from the pipeline goroutine and the handler
// concurrently.
type sseWriter struct {
	mu      sync.Mutex
	w       gin.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(c *gin.Context) (*sseWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // disable nginx buffering
	return &sseWriter{w: c.Writer, flusher: flusher}, nil
}

// Send writes one event frame and flushes it.
func (s *sseWriter) Send(ev *v1.ResponseEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
