package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// OCRExtractor calls an external OCR HTTP service. The service accepts a
// multipart upload with a "file" part and a "lang" hint and responds with
// {"result": [{"text": ...}, ...]}.
type OCRExtractor struct {
	url    string
	lang   string
	client *http.Client
	logger *slog.Logger
}

// NewOCRExtractor creates an extractor for the OCR service at url.
func NewOCRExtractor(url, lang string, logger *slog.Logger) *OCRExtractor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OCRExtractor{
		url:    url,
		lang:   lang,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger.With("component", "ocr_extractor"),
	}
}

type ocrResponse struct {
	Result []struct {
		Text string `json:"text"`
	} `json:"result"`
}

// Extract uploads the image to the OCR service and returns the recognized
// text lines.
func (e *OCRExtractor) Extract(ctx context.Context, data []byte, mimeType string) ([]string, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	header.Set("Content-Type", mimeType)
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if e.lang != "" {
		if err := form.WriteField("lang", e.lang); err != nil {
			return nil, fmt.Errorf("failed to write lang field: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OCR request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("OCR service returned status %d", resp.StatusCode)
	}

	var parsed ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("malformed OCR response: %w", err)
	}

	lines := make([]string, 0, len(parsed.Result))
	for _, r := range parsed.Result {
		if s := strings.TrimSpace(r.Text); s != "" {
			lines = append(lines, s)
		}
	}

	e.logger.DebugContext(ctx, "OCR request done",
		"lines", len(lines), "duration", time.Since(start))
	return lines, nil
}
