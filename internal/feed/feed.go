// Package feed defines the contract between the ingestion engine and the
// remote message feed. The engine only depends on the types here; the
// Telegram-backed implementation lives in the telegram subpackage.
package feed

import (
	"context"
	"strings"
	"time"
)

// Direction selects which side of the anchor a history fetch covers.
type Direction int

const (
	// DirectionNewer fetches messages with ids strictly greater than the
	// anchor, returned oldest-first.
	DirectionNewer Direction = iota
	// DirectionOlder fetches messages with ids strictly less than the
	// anchor, returned newest-first. An anchor of 0 means "from the latest".
	DirectionOlder
)

// EventType distinguishes live feed events.
type EventType int

const (
	EventNewMessage EventType = iota
	EventEditedMessage
)

// Origin marks where a message entered the pipeline, used only for logging.
type Origin string

const (
	OriginHistory Origin = "history"
	OriginLive    Origin = "live"
)

// Chat identifies a remote group or channel.
type Chat struct {
	ID       int64
	Title    string
	Username string
}

// User is a message sender. Channels post with a Title and no name parts.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Title     string
}

// DisplayName renders a sender the way it is stored and searched: name parts
// joined by a space, channel title as-is, "(null)" for an absent sender.
func (u *User) DisplayName() string {
	if u == nil {
		return "(null)"
	}
	if u.Title != "" {
		return u.Title
	}
	parts := make([]string, 0, 2)
	if u.FirstName != "" {
		parts = append(parts, u.FirstName)
	}
	if u.LastName != "" {
		parts = append(parts, u.LastName)
	}
	return strings.Join(parts, " ")
}

// Poll carries the question and answer options of a poll message.
type Poll struct {
	Question string
	Answers  []string
}

// Webpage carries link-preview metadata attached to a message.
type Webpage struct {
	URL         string
	SiteName    string
	Title       string
	Description string
}

// File carries metadata of an attached document.
type File struct {
	Name string
}

// Audio carries metadata of an attached audio track.
type Audio struct {
	Performer string
	Title     string
}

// Media references a downloadable attachment. UniqueID is stable across
// re-sends of the same content and keys the enrichment cache.
type Media struct {
	FileID   string
	UniqueID string
	MIME     string
	Photo    bool
}

// IsImage reports whether the media is a photo or an image-mimed document.
func (m *Media) IsImage() bool {
	if m == nil {
		return false
	}
	return m.Photo || strings.HasPrefix(m.MIME, "image/")
}

// Message is one feed message. ID is the feed-assigned sequence id, unique
// and monotonic within a group. SentAt never changes across edits.
type Message struct {
	ID       int64
	GroupID  int64
	Sender   *User
	Text     string
	Service  bool
	Poll     *Poll
	Webpage  *Webpage
	File     *File
	Audio    *Audio
	Media    *Media
	SentAt   time.Time
	EditedAt *time.Time
}

// Event is one live feed notification.
type Event struct {
	Type    EventType
	Message *Message
}

// Client is the remote feed consumed by the crawler and the live coordinator.
// Implementations handle authentication, transport, and rate limiting.
type Client interface {
	// FetchMessages returns up to limit messages on the anchor's dir side.
	// An empty page means the boundary in that direction has been reached.
	FetchMessages(ctx context.Context, chat Chat, anchorID int64, dir Direction, limit int) ([]*Message, error)

	// Subscribe returns the stream of live new/edited message events. The
	// channel closes when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// MarkRead acknowledges a message on the feed. Best effort.
	MarkRead(ctx context.Context, msg *Message) error

	// DownloadMedia fetches the raw bytes of an attachment.
	DownloadMedia(ctx context.Context, media *Media) ([]byte, error)

	// ResolveEntity resolves a numeric id or @username reference to a chat.
	ResolveEntity(ctx context.Context, ref string) (Chat, error)
}
