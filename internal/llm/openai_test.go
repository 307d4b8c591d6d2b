package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/fault"
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

func sseServer(t *testing.T, chunks []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func TestOpenAIClient_Stream(t *testing.T) {
	srv := sseServer(t, []string{"A derivative", " is the limit", " of a ratio."})
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL, Model: "test"}, newTestLogger(t))
	got, err := Generate(context.Background(), c, Request{Prompt: "define a derivative"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "A derivative is the limit of a ratio." {
		t.Errorf("Unexpected completion: %q", got)
	}
}

func TestOpenAIClient_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL, Model: "test"}, newTestLogger(t))
	err := c.GenerateStream(context.Background(), Request{Prompt: "x"}, func(string) error { return nil })
	if fault.KindOf(err) != fault.KindTransient {
		t.Errorf("Expected transient for 503, got %v (%s)", err, fault.KindOf(err))
	}
}

func TestOpenAIClient_UnauthorizedIsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL, Model: "test"}, newTestLogger(t))
	err := c.GenerateStream(context.Background(), Request{Prompt: "x"}, func(string) error { return nil })
	if fault.KindOf(err) != fault.KindAuth {
		t.Errorf("Expected auth kind for 401, got %v (%s)", err, fault.KindOf(err))
	}
}

func TestOpenAIClient_Cancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL, Model: "test"}, newTestLogger(t))

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.GenerateStream(ctx, Request{Prompt: "x"}, func(chunk string) error {
			cancel()
			return nil
		})
	}()

	select {
	case err := <-errCh:
		if fault.KindOf(err) != fault.KindCancelled {
			t.Errorf("Expected cancelled, got %v (%s)", err, fault.KindOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not stop after cancellation")
	}
}

func TestScriptedClient_FailFirst(t *testing.T) {
	s := &ScriptedClient{
		Chunks:    []string{"ok"},
		Err:       fault.Transient(errors.New("ECONNRESET")),
		FailFirst: 1,
	}
	ctx := context.Background()

	if _, err := Generate(ctx, s, Request{}); !fault.Retryable(err) {
		t.Fatalf("Expected first call to fail transiently, got %v", err)
	}
	got, err := Generate(ctx, s, Request{})
	if err != nil {
		t.Fatalf("Second call failed: %v", err)
	}
	if got != "ok" || s.Calls() != 2 {
		t.Errorf("Unexpected result %q after %d calls", got, s.Calls())
	}
}
