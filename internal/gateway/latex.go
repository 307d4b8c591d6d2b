package gateway

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/agents"
)

// latexResponse is the body of POST /image_to_latex.
type latexResponse struct {
	Latex       string `json:"latex"`
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// ImageToLatex transcribes an uploaded image of a math expression.
// POST /image_to_latex (multipart, field "file")
func (h *Handler) ImageToLatex(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open upload"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	contentType := header.Header.Get("Content-Type")

	resp := latexResponse{
		Filename:    header.Filename,
		FileSize:    header.Size,
		ContentType: contentType,
	}

	latex, err := agents.ImageToLatex(c.Request.Context(), h.llm, contentType, data)
	if err != nil {
		h.logger.Warn("image transcription failed",
			zap.String("filename", header.Filename), zap.Error(err))
		resp.Error = err.Error()
		c.JSON(httpStatus(err), resp)
		return
	}

	resp.Latex = latex
	resp.Success = true
	c.JSON(http.StatusOK, resp)
}
