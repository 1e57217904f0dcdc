// Package crawler implements the per-group history backfill state machine:
// bootstrap, forward pass to the live boundary, hand-off to live ingestion,
// then backward pass to the start of history. Cursors persist with each page
// so the crawl resumes across restarts instead of restarting.
package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/arisawa/tgsearch/internal/feed"
	"github.com/arisawa/tgsearch/internal/normalize"
	"github.com/arisawa/tgsearch/internal/storage"
)

// Config bounds one crawler's fetch behavior.
type Config struct {
	PageSize     int
	FetchTimeout time.Duration
	RetryDelay   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// Crawler backfills one group's message history.
type Crawler struct {
	client        feed.Client
	store         storage.Store
	norm          *normalize.Normalizer
	chat          feed.Chat
	ocr           bool
	ocrIgnore     bool
	cfg           Config
	onForwardDone func(groupID int64)
	logger        *slog.Logger

	forwardDone bool
}

// New creates a crawler for the given chat. ocr enables image enrichment
// during normalization; ocrIgnore is recorded on the group row.
// onForwardDone is invoked once, when the forward pass reaches the live
// boundary and cedes the forward cursor to live ingestion.
func New(
	client feed.Client,
	store storage.Store,
	norm *normalize.Normalizer,
	chat feed.Chat,
	ocr bool,
	ocrIgnore bool,
	cfg Config,
	onForwardDone func(groupID int64),
	logger *slog.Logger,
) *Crawler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.applyDefaults()
	return &Crawler{
		client:        client,
		store:         store,
		norm:          norm,
		chat:          chat,
		ocr:           ocr,
		ocrIgnore:     ocrIgnore,
		cfg:           cfg,
		onForwardDone: onForwardDone,
		logger:        logger.With("component", "crawler", "group_id", chat.ID),
	}
}

// Run executes the crawl to completion. It returns nil when the group's
// entire history is confirmed persisted (or its start is unknowable), and
// the context error when cancelled; cursors persist either way, so a
// re-entered crawl resumes from where it stopped.
func (c *Crawler) Run(ctx context.Context) error {
	first, last, err := c.bootstrap(ctx)
	if err != nil {
		return err
	}

	if last == 0 {
		// No cursor yet: seed last_id from the single most recent message.
		seeded, ok, err := c.seed(ctx)
		if err != nil {
			return err
		}
		if !ok {
			c.logger.Info("Group has no history, treating as caught up")
			c.signalForwardDone()
			return nil
		}
		last = seeded
	}

	first, err = c.forward(ctx, first, last)
	if err != nil {
		return err
	}
	c.signalForwardDone()

	return c.backward(ctx, first)
}

// bootstrap loads the persisted cursors, creating the group row on first
// sight.
func (c *Crawler) bootstrap(ctx context.Context) (first, last int64, err error) {
	group, err := c.store.GetGroup(ctx, c.chat.ID)
	if err != nil {
		return 0, 0, err
	}
	if group == nil {
		group = &storage.Group{
			GroupID:   c.chat.ID,
			Name:      c.chat.Title,
			PubID:     c.chat.Username,
			OCRIgnore: c.ocrIgnore,
		}
		if err := c.store.InsertGroup(ctx, group); err != nil {
			return 0, 0, err
		}
		c.logger.Info("New group recorded", "name", c.chat.Title)
	}

	c.logger.Info("Crawl starting",
		"loaded_first_id", group.LoadedFirstID, "loaded_last_id", group.LoadedLastID)
	return group.LoadedFirstID, group.LoadedLastID, nil
}

// seed fetches the single most recent message, ingests it, and persists it
// as the initial last_id. Returns ok=false when the group is empty.
func (c *Crawler) seed(ctx context.Context) (int64, bool, error) {
	msgs, err := c.fetchPage(ctx, 0, feed.DirectionOlder, 1)
	if err != nil {
		return 0, false, err
	}
	if len(msgs) == 0 {
		return 0, false, nil
	}

	seedID := msgs[0].ID
	records := c.buildRecords(ctx, msgs)
	cur := storage.CursorUpdate{Mode: storage.UpdateLast, LastID: seedID}
	if err := c.store.UpsertMessages(ctx, c.chat.ID, records, cur); err != nil {
		return 0, false, err
	}

	c.logger.Info("Seeded forward cursor", "last_id", seedID)
	return seedID, true, nil
}

// forward repeatedly fetches pages strictly newer than last until the live
// boundary (an empty page). Each page and its cursor update commit in one
// transaction; first_id is discovered from the first page when still unset.
func (c *Crawler) forward(ctx context.Context, first, last int64) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return first, err
		}

		msgs, err := c.fetchPage(ctx, last, feed.DirectionNewer, c.cfg.PageSize)
		if err != nil {
			return first, err
		}
		if len(msgs) == 0 {
			c.logger.Info("Forward crawl caught up to present", "last_id", last)
			return first, nil
		}

		oldest, newest := idBounds(msgs)
		records := c.buildRecords(ctx, msgs)

		cur := storage.CursorUpdate{Mode: storage.UpdateLast, LastID: newest}
		if first == 0 {
			first = oldest
			cur = storage.CursorUpdate{Mode: storage.UpdateBoth, FirstID: first, LastID: newest}
		}
		if err := c.store.UpsertMessages(ctx, c.chat.ID, records, cur); err != nil {
			return first, err
		}

		c.logger.Debug("Forward page persisted", "oldest", oldest, "newest", newest, "count", len(msgs))
		last = newest
	}
}

// backward repeatedly fetches pages strictly older than first until the
// start of history. A first of 0 means the start was never discovered (no
// forward page was seen), so there is nothing to anchor the backward walk.
func (c *Crawler) backward(ctx context.Context, first int64) error {
	if first == 0 {
		c.logger.Info("History start unknown, skipping backward pass")
		return nil
	}

	for first > 1 {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := c.fetchPage(ctx, first, feed.DirectionOlder, c.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			break
		}

		oldest, _ := idBounds(msgs)
		records := c.buildRecords(ctx, msgs)
		cur := storage.CursorUpdate{Mode: storage.UpdateFirst, FirstID: oldest}
		if err := c.store.UpsertMessages(ctx, c.chat.ID, records, cur); err != nil {
			return err
		}

		c.logger.Debug("Backward page persisted", "oldest", oldest, "count", len(msgs))
		first = oldest
	}

	c.logger.Info("History crawl complete", "first_id", first)
	return nil
}

// fetchPage fetches one page under a bounded timeout, retrying indefinitely
// on timeout or transient fetch error. The feed is assumed eventually
// reachable; fetch failures are never fatal to the crawl. Cancellation is
// honored between attempts, keeping page boundaries clean.
func (c *Crawler) fetchPage(ctx context.Context, anchor int64, dir feed.Direction, limit int) ([]*feed.Message, error) {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		msgs, err := c.client.FetchMessages(fetchCtx, c.chat, anchor, dir, limit)
		cancel()
		if err == nil {
			return msgs, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		c.logger.Warn("Fetch failed, retrying",
			"anchor", anchor, "direction", dir, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

// buildRecords normalizes a page into storage rows. Service messages and
// messages whose normalization times out are dropped; dropping never fails
// the page.
func (c *Crawler) buildRecords(ctx context.Context, msgs []*feed.Message) []*storage.Message {
	records := make([]*storage.Message, 0, len(msgs))
	for _, msg := range msgs {
		text, err := c.norm.Format(ctx, msg, feed.OriginHistory, c.ocr)
		if err != nil {
			if !errors.Is(err, normalize.ErrNoContent) {
				c.logger.Warn("Dropping message, normalization failed",
					"msgid", msg.ID, "origin", feed.OriginHistory, "error", err)
			}
			continue
		}
		records = append(records, messageRecord(msg, text))
	}
	return records
}

func messageRecord(msg *feed.Message, text string) *storage.Message {
	rec := &storage.Message{
		GroupID:      msg.GroupID,
		MsgID:        msg.ID,
		FromUserName: msg.Sender.DisplayName(),
		Text:         text,
		CreatedAt:    msg.SentAt.UTC(),
	}
	if msg.Sender != nil {
		rec.FromUser = msg.Sender.ID
	}
	if msg.EditedAt != nil {
		rec.UpdatedAt.Valid = true
		rec.UpdatedAt.Time = msg.EditedAt.UTC()
	}
	return rec
}

func idBounds(msgs []*feed.Message) (oldest, newest int64) {
	oldest, newest = msgs[0].ID, msgs[0].ID
	for _, m := range msgs[1:] {
		if m.ID < oldest {
			oldest = m.ID
		}
		if m.ID > newest {
			newest = m.ID
		}
	}
	return oldest, newest
}

func (c *Crawler) signalForwardDone() {
	if c.forwardDone {
		return
	}
	c.forwardDone = true
	c.logger.Info("Forward cursor handed off to live ingestion")
	if c.onForwardDone != nil {
		c.onForwardDone(c.chat.ID)
	}
}
