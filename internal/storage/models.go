package storage

import (
	"database/sql"
	"time"
)

// Group mirrors one row of the tg_groups table. LoadedFirstID and
// LoadedLastID are the crawl cursors: the oldest and newest message ids
// confirmed persisted, 0 while unknown.
type Group struct {
	GroupID       int64     `db:"group_id"`
	Name          string    `db:"name"`
	PubID         string    `db:"pub_id"`
	LoadedFirstID int64     `db:"loaded_first_id"`
	LoadedLastID  int64     `db:"loaded_last_id"`
	OCRIgnore     bool      `db:"ocr_ignore"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Message mirrors one row of the messages table. (GroupID, MsgID, CreatedAt)
// is the logical identity of a message across edits: an edit changes Text and
// UpdatedAt but never CreatedAt.
type Message struct {
	ID           int64        `db:"id"`
	GroupID      int64        `db:"group_id"`
	MsgID        int64        `db:"msgid"`
	FromUser     int64        `db:"from_user"`
	FromUserName string       `db:"from_user_name"`
	Text         string       `db:"text"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    sql.NullTime `db:"updated_at"`
}

// CursorMode selects which group cursors an upsert batch advances.
type CursorMode int

const (
	UpdateNone CursorMode = iota
	UpdateFirst
	UpdateLast
	UpdateBoth
)

// CursorUpdate is applied to the group's cursors in the same transaction as
// the message batch, so a crash loses at most one page and never leaves a
// cursor ahead of the data.
type CursorUpdate struct {
	Mode    CursorMode
	FirstID int64
	LastID  int64
}

// SearchQuery is one stateless search request. A nil GroupID means all
// groups. Match is a store-native full-text expression (empty means no
// full-text predicate). Contains and Excludes carry substring predicates
// for terms too short for the full-text index: each Contains group is a
// set of variants of one required term (any may appear), groups are
// conjunctive, and no Excludes entry may appear at all. Start/End bound
// CreatedAt as a half-open [Start, End) range.
type SearchQuery struct {
	GroupID  *int64
	Match    string
	Contains [][]string
	Excludes []string
	Sender   int64
	Start    *time.Time
	End      *time.Time
}

// SearchResult is one matched message. HTML carries the highlighted
// rendering of the matched text when a full-text predicate was present.
type SearchResult struct {
	GroupID      int64
	MsgID        int64
	FromUser     int64
	FromUserName string
	Text         string
	HTML         string
	CreatedAt    time.Time
}

// NameEntry is one sender identity returned by FindNames.
type NameEntry struct {
	UserID int64  `db:"from_user"`
	Name   string `db:"from_user_name"`
}
