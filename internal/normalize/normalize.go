// Package normalize converts raw feed messages into a single indexable
// string, and search terms into a store-native full-text expression that
// matches across simplified and traditional script variants.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/arisawa/tgsearch/internal/enrich"
	"github.com/arisawa/tgsearch/internal/feed"
)

// ErrNoContent marks a message that produces no indexable content at all,
// such as a pin notification. Such messages are skipped entirely: not
// inserted, not updated.
var ErrNoContent = errors.New("no message")

// Normalizer builds indexable text from messages. The enrichment cache and
// feed client are optional; without them image sections are skipped.
type Normalizer struct {
	cache   *enrich.Cache
	client  feed.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Normalizer. cache may be nil to disable image enrichment.
func New(cache *enrich.Cache, client feed.Client, timeout time.Duration, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Normalizer{
		cache:   cache,
		client:  client,
		timeout: timeout,
		logger:  logger.With("component", "normalizer"),
	}
}

// Format concatenates the indexable parts of a message: body, poll,
// link preview, file name, audio metadata, and (when ocr is enabled for the
// group) the text extracted from an attached image. The whole pass runs
// under a bounded timeout; on timeout the caller drops the message for this
// ingestion attempt.
func (n *Normalizer) Format(ctx context.Context, msg *feed.Message, origin feed.Origin, ocr bool) (string, error) {
	if msg.Service {
		return "", ErrNoContent
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}

	if p := msg.Poll; p != nil {
		parts = append(parts, fmt.Sprintf("[poll] %s\n%s", p.Question, strings.Join(p.Answers, "\n")))
	}

	if w := msg.Webpage; w != nil {
		section := []string{"[webpage]", w.URL, w.SiteName, w.Title, w.Description}
		parts = append(parts, joinNonEmpty(section))
	}

	if f := msg.File; f != nil && f.Name != "" {
		parts = append(parts, "[file] "+f.Name)
	}

	if a := msg.Audio; a != nil && (a.Performer != "" || a.Title != "") {
		parts = append(parts, strings.TrimRight("[audio] "+a.Title+" - "+a.Performer, " -"))
	}

	if ocr && n.cache != nil && n.client != nil && msg.Media.IsImage() {
		media := msg.Media
		lines := n.cache.Extract(ctx, media.UniqueID, func(ctx context.Context) ([]byte, error) {
			return n.client.DownloadMedia(ctx, media)
		}, mediaMIME(media))
		if err := ctx.Err(); err != nil {
			n.logger.WarnContext(ctx, "Normalization timed out during enrichment",
				"group_id", msg.GroupID, "msgid", msg.ID, "origin", origin)
			return "", err
		}
		if len(lines) > 0 {
			parts = append(parts, joinNonEmpty(append([]string{"[image]"}, lines...)))
		}
	}

	text := strings.Join(parts, "\n")
	n.logger.DebugContext(ctx, "Message normalized",
		"group_id", msg.GroupID, "msgid", msg.ID, "origin", origin, "length", len(text))
	return text, nil
}

func mediaMIME(m *feed.Media) string {
	if m.MIME != "" {
		return m.MIME
	}
	return "image/jpeg"
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
