package enrich

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const geminiExtractInstruction = "Transcribe all text visible in this image, one line of text per output line. Output nothing but the transcribed text. If the image contains no text, output nothing."

// GeminiExtractor extracts image text through the Gemini API instead of a
// dedicated OCR service.
type GeminiExtractor struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGeminiExtractor creates a Gemini-backed extractor.
func NewGeminiExtractor(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiExtractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	log := logger.With("component", "gemini_extractor")
	log.Info("Gemini extractor initialized", "model", model)
	return &GeminiExtractor{
		client: client,
		model:  model,
		logger: log,
	}, nil
}

// Extract sends the image to Gemini and returns the transcribed lines.
func (e *GeminiExtractor) Extract(ctx context.Context, data []byte, mimeType string) ([]string, error) {
	contents := []*genai.Content{
		{
			Role: genai.RoleUser,
			Parts: []*genai.Part{
				{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
				{Text: geminiExtractInstruction},
			},
		},
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini extraction failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return []string{}, nil
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			lines = append(lines, s)
		}
	}
	return lines, nil
}
