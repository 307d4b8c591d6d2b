package agents

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/llm"
)

// maxLatexImageBytes bounds uploads converted in-line.
const maxLatexImageBytes = 8 << 20

// ImageToLatex transcribes an uploaded image's mathematical content into
// LaTeX via the multimodal generation endpoint.
func ImageToLatex(ctx context.Context, client llm.Client, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fault.Newf(fault.KindValidation, "empty image upload")
	}
	if len(data) > maxLatexImageBytes {
		return "", fault.Newf(fault.KindValidation, "image exceeds %d bytes", maxLatexImageBytes)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", fault.Newf(fault.KindValidation, "unsupported content type %q", contentType)
	}

	url := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
	out, err := llm.Generate(ctx, client, llm.Request{
		System:    latexSystem,
		Prompt:    "Transcribe this image.",
		ImageURLs: []string{url},
	})
	if err != nil {
		return "", fmt.Errorf("latex transcription: %w", err)
	}
	return stripFences(out), nil
}

// stripFences removes markdown code fences models often wrap LaTeX in.
func stripFences(out string) string {
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "```") {
		out = strings.TrimPrefix(out, "```latex")
		out = strings.TrimPrefix(out, "```tex")
		out = strings.TrimPrefix(out, "```")
		out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	}
	return strings.TrimSpace(out)
}
