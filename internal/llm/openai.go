package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/fault"
)

// OpenAIClient streams completions from an OpenAI-compatible
// /chat/completions endpoint (OpenAI, Ollama, vLLM).
type OpenAIClient struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
	logger    *logger.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client from the LLM configuration.
func NewOpenAIClient(cfg config.LLMConfig, log *logger.Logger) *OpenAIClient {
	return &OpenAIClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		// No overall timeout: streams are long-lived and bounded by ctx.
		client: &http.Client{Timeout: 0},
		logger: log.WithFields(zap.String("component", "llm")),
	}
}

// chatMessage content is either a plain string or, for multimodal requests,
// a list of content parts.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *contentImage `json:"image_url,omitempty"`
}

type contentImage struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stop      []string      `json:"stop,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateStream issues a streaming completion and forwards text deltas to
// fn. Network failures and 5xx responses are transient; 4xx responses are
// permanent (401/403 auth).
func (c *OpenAIClient) GenerateStream(ctx context.Context, req Request, fn ChunkFunc) error {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	if len(req.ImageURLs) > 0 {
		parts := []contentPart{{Type: "text", Text: req.Prompt}}
		for _, url := range req.ImageURLs {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &contentImage{URL: url}})
		}
		messages = append(messages, chatMessage{Role: "user", Content: parts})
	} else {
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	}

	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  messages,
		Stream:    true,
		MaxTokens: maxTokens,
		Stop:      req.Stop,
	})
	if err != nil {
		return fault.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fault.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fault.New(fault.KindCancelled, ctx.Err())
		}
		return fault.Transient(fmt.Errorf("llm request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("llm returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fault.New(fault.KindAuth, err)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fault.Transient(err)
		default:
			return fault.Permanent(err)
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return fault.New(fault.KindCancelled, ctx.Err())
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream chunk", zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if err := fn(content); err != nil {
				return err
			}
		}
		if chunk.Choices[0].FinishReason != nil && *chunk.Choices[0].FinishReason != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fault.New(fault.KindCancelled, ctx.Err())
		}
		return fault.Transient(fmt.Errorf("llm stream read failed: %w", err))
	}

	c.logger.Debug("completion stream finished",
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
