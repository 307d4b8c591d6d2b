// Package llm is the text-generation collaborator: a streaming client for
// OpenAI-compatible chat-completion endpoints, plus a scripted client for
// tests.
package llm

import (
	"context"
	"strings"
)

// Request is one generation call. ImageURLs carry data: or https: URLs for
// multimodal endpoints.
type Request struct {
	System    string
	Prompt    string
	ImageURLs []string
	Stop      []string
	MaxTokens int
}

// ChunkFunc receives one streamed text chunk. Returning an error stops the
// stream and is propagated out of GenerateStream.
type ChunkFunc func(chunk string) error

// Client is the generation contract. GenerateStream must honor ctx
// cancellation between chunks.
type Client interface {
	GenerateStream(ctx context.Context, req Request, fn ChunkFunc) error
}

// Generate collects a full completion through the streaming path.
func Generate(ctx context.Context, c Client, req Request) (string, error) {
	var sb strings.Builder
	err := c.GenerateStream(ctx, req, func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
