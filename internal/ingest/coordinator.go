// Package ingest implements the live ingestion coordinator: it consumes
// new/edited message events from the feed, writes them through the same
// idempotent upsert path as the history crawlers, and takes over each
// group's forward cursor once that group's crawler signals that its forward
// pass is done.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/arisawa/tgsearch/internal/feed"
	"github.com/arisawa/tgsearch/internal/normalize"
	"github.com/arisawa/tgsearch/internal/plugin"
	"github.com/arisawa/tgsearch/internal/storage"
)

// GroupState carries per-group ingestion settings.
type GroupState struct {
	Chat      feed.Chat
	OCR       bool
	OCRIgnore bool
}

// Coordinator routes live feed events into the store.
type Coordinator struct {
	client   feed.Client
	store    storage.Store
	norm     *normalize.Normalizer
	registry *plugin.Registry
	markRead bool
	logger   *slog.Logger

	mu          sync.Mutex
	groups      map[int64]GroupState
	forwardDone map[int64]bool
}

// New creates a coordinator for the configured groups. registry may be nil
// when no plugins are registered.
func New(
	client feed.Client,
	store storage.Store,
	norm *normalize.Normalizer,
	registry *plugin.Registry,
	groups []GroupState,
	markRead bool,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	byID := make(map[int64]GroupState, len(groups))
	for _, g := range groups {
		byID[g.Chat.ID] = g
	}
	return &Coordinator{
		client:      client,
		store:       store,
		norm:        norm,
		registry:    registry,
		markRead:    markRead,
		logger:      logger.With("component", "coordinator"),
		groups:      byID,
		forwardDone: make(map[int64]bool),
	}
}

// ForwardDone records that the group's crawler has reached the live
// boundary. From this point the coordinator owns the group's forward
// cursor. Safe to call from the crawler goroutine.
func (c *Coordinator) ForwardDone(groupID int64) {
	c.mu.Lock()
	c.forwardDone[groupID] = true
	c.mu.Unlock()
	c.logger.Info("Forward cursor ownership taken", "group_id", groupID)
}

func (c *Coordinator) ownsCursor(groupID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forwardDone[groupID]
}

// Run consumes the live event stream until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	events, err := c.client.Subscribe(ctx)
	if err != nil {
		return err
	}

	c.logger.Info("Live ingestion started", "groups", len(c.groups))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("live event stream closed unexpectedly")
			}
			c.handleEvent(ctx, ev)
		}
	}
}

// handleEvent normalizes and upserts one live message. Events for a group
// whose crawler has not handed off yet are still ingested (the upsert is
// idempotent) but never advance the cursor: the crawler owns cursor
// advancement until hand-off.
func (c *Coordinator) handleEvent(ctx context.Context, ev feed.Event) {
	msg := ev.Message
	if msg == nil {
		return
	}

	c.mu.Lock()
	state, configured := c.groups[msg.GroupID]
	c.mu.Unlock()
	if !configured {
		c.logger.Debug("Ignoring event for unconfigured group", "group_id", msg.GroupID)
		return
	}

	text, err := c.norm.Format(ctx, msg, feed.OriginLive, state.OCR)
	if err != nil {
		if !errors.Is(err, normalize.ErrNoContent) {
			c.logger.Warn("Dropping live message, normalization failed",
				"group_id", msg.GroupID, "msgid", msg.ID, "origin", feed.OriginLive, "error", err)
		}
		return
	}

	cur := storage.CursorUpdate{Mode: storage.UpdateNone}
	if ev.Type == feed.EventNewMessage && c.ownsCursor(msg.GroupID) {
		cur = storage.CursorUpdate{Mode: storage.UpdateLast, LastID: msg.ID}
	}

	if err := c.store.UpsertMessages(ctx, msg.GroupID, []*storage.Message{record(msg, text)}, cur); err != nil {
		c.logger.Error("Failed to ingest live message",
			"group_id", msg.GroupID, "msgid", msg.ID, "error", err)
		return
	}
	c.logger.Debug("Live message ingested",
		"group_id", msg.GroupID, "msgid", msg.ID, "edited", ev.Type == feed.EventEditedMessage)

	if c.markRead && ev.Type == feed.EventNewMessage {
		if err := c.client.MarkRead(ctx, msg); err != nil {
			c.logger.Warn("Failed to mark message read",
				"group_id", msg.GroupID, "msgid", msg.ID, "error", err)
		}
	}

	if c.registry != nil && ev.Type == feed.EventNewMessage {
		c.registry.Dispatch(ctx, text, msg)
	}
}

func record(msg *feed.Message, text string) *storage.Message {
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
