// Package telegram adapts the Telegram Bot API to the feed.Client contract
// using the go-telegram/bot library. The Bot API delivers live updates but
// exposes no history iteration, so FetchMessages always reports the history
// boundary; the crawlers then hand off to live ingestion immediately and
// the index grows from the live stream.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/arisawa/tgsearch/internal/feed"
)

const eventBuffer = 256

// Client implements feed.Client over the Telegram Bot API.
type Client struct {
	bot    *tgbot.Bot
	httpc  *http.Client
	logger *slog.Logger
	events chan feed.Event
}

// New creates the Telegram feed client.
func New(token string, logger *slog.Logger) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		httpc:  &http.Client{Timeout: 60 * time.Second},
		logger: logger.With("component", "telegram_feed"),
		events: make(chan feed.Event, eventBuffer),
	}

	b, err := tgbot.New(token, tgbot.WithDefaultHandler(c.onUpdate))
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	c.bot = b

	c.logger.Info("Telegram feed client created", "token_prefix", maskToken(token))
	return c, nil
}

// maskToken keeps just enough of the token to tell bots apart in logs.
func maskToken(token string) string {
	if len(token) > 8 {
		token = token[:8]
	}
	return token + "..."
}

// Run starts the long-polling update loop and blocks until ctx is
// cancelled. The event channel closes when the loop stops.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	c.bot.Start(ctx)
	return ctx.Err()
}

// FetchMessages reports the history boundary: the Bot API has no history
// endpoint, so every page is empty in both directions.
func (c *Client) FetchMessages(ctx context.Context, chat feed.Chat, anchorID int64, dir feed.Direction, limit int) ([]*feed.Message, error) {
	c.logger.Debug("History fetch unavailable over Bot API, reporting boundary",
		"group_id", chat.ID, "anchor", anchorID, "direction", dir)
	return nil, nil
}

// Subscribe returns the live event stream.
func (c *Client) Subscribe(ctx context.Context) (<-chan feed.Event, error) {
	return c.events, nil
}

// MarkRead is unsupported by the Bot API; acknowledged messages are a
// user-account feature. Logged and skipped.
func (c *Client) MarkRead(ctx context.Context, msg *feed.Message) error {
	c.logger.Debug("MarkRead unsupported over Bot API, skipping",
		"group_id", msg.GroupID, "msgid", msg.ID)
	return nil
}

// DownloadMedia fetches an attachment's bytes through the file API.
func (c *Client) DownloadMedia(ctx context.Context, media *feed.Media) ([]byte, error) {
	f, err := c.bot.GetFile(ctx, &tgbot.GetFileParams{FileID: media.FileID})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file %s: %w", media.FileID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bot.FileDownloadLink(f), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", media.FileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ResolveEntity resolves a numeric id or @username reference to a chat.
func (c *Client) ResolveEntity(ctx context.Context, ref string) (feed.Chat, error) {
	var chatID any
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		chatID = id
	} else {
		if !strings.HasPrefix(ref, "@") {
			ref = "@" + ref
		}
		chatID = ref
	}

	info, err := c.bot.GetChat(ctx, &tgbot.GetChatParams{ChatID: chatID})
	if err != nil {
		return feed.Chat{}, fmt.Errorf("failed to resolve entity %q: %w", ref, err)
	}

	return feed.Chat{
		ID:       info.ID,
		Title:    info.Title,
		Username: info.Username,
	}, nil
}

// onUpdate converts incoming updates into feed events.
func (c *Client) onUpdate(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	var ev feed.Event
	switch {
	case update.Message != nil:
		ev = feed.Event{Type: feed.EventNewMessage, Message: convertMessage(update.Message, nil)}
	case update.EditedMessage != nil:
		edited := time.Unix(int64(update.EditedMessage.EditDate), 0).UTC()
		ev = feed.Event{Type: feed.EventEditedMessage, Message: convertMessage(update.EditedMessage, &edited)}
	default:
		return
	}

	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func convertMessage(m *models.Message, editedAt *time.Time) *feed.Message {
	msg := &feed.Message{
		ID:       int64(m.ID),
		GroupID:  m.Chat.ID,
		Text:     m.Text,
		Service:  isService(m),
		SentAt:   time.Unix(int64(m.Date), 0).UTC(),
		EditedAt: editedAt,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}

	if m.From != nil {
		msg.Sender = &feed.User{
			ID:        m.From.ID,
			FirstName: m.From.FirstName,
			LastName:  m.From.LastName,
		}
	} else if m.SenderChat != nil {
		msg.Sender = &feed.User{
			ID:    m.SenderChat.ID,
			Title: m.SenderChat.Title,
		}
	}

	if p := m.Poll; p != nil {
		answers := make([]string, 0, len(p.Options))
		for _, o := range p.Options {
			answers = append(answers, o.Text)
		}
		msg.Poll = &feed.Poll{Question: p.Question, Answers: answers}
	}

	if lp := m.LinkPreviewOptions; lp != nil && lp.URL != nil && *lp.URL != "" {
		msg.Webpage = &feed.Webpage{URL: *lp.URL}
	}

	if d := m.Document; d != nil {
		if d.FileName != "" {
			msg.File = &feed.File{Name: d.FileName}
		}
		msg.Media = &feed.Media{
			FileID:   d.FileID,
			UniqueID: d.FileUniqueID,
			MIME:     d.MimeType,
		}
	}

	if a := m.Audio; a != nil {
		msg.Audio = &feed.Audio{Performer: a.Performer, Title: a.Title}
	}

	if len(m.Photo) > 0 {
		// Largest size last.
		p := m.Photo[len(m.Photo)-1]
		msg.Media = &feed.Media{
			FileID:   p.FileID,
			UniqueID: p.FileUniqueID,
			MIME:     "image/jpeg",
			Photo:    true,
		}
	}

	return msg
}

func isService(m *models.Message) bool {
	return m.PinnedMessage != nil ||
		len(m.NewChatMembers) > 0 ||
		m.LeftChatMember != nil ||
		m.NewChatTitle != "" ||
		m.GroupChatCreated ||
		m.SupergroupChatCreated ||
		m.ChannelChatCreated
}
