package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"
)

// ErrGroupNotFound is returned by Search for an unknown scoped group.
var ErrGroupNotFound = errors.New("no such group indexed")

// Store defines the interface for database operations. Methods accept
// context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// GetGroup retrieves a group by id. Returns nil, nil if not found.
	GetGroup(ctx context.Context, groupID int64) (*Group, error)

	// ListGroups retrieves all known groups.
	ListGroups(ctx context.Context) ([]*Group, error)

	// InsertGroup records a group on first sight. Name, pub_id, and the
	// ocr_ignore flag are refreshed if the group already exists; cursors
	// are never touched here.
	InsertGroup(ctx context.Context, group *Group) error

	// UpsertMessages writes a page of normalized messages and applies the
	// cursor update in one transaction. Upsert is keyed by logical message
	// identity: insert if absent, else update text/updated_at in place.
	UpsertMessages(ctx context.Context, groupID int64, msgs []*Message, cur CursorUpdate) error

	// Search runs the year-partitioned search described in search.go.
	Search(ctx context.Context, q SearchQuery, limit, earliestYear int) (map[int64]*Group, []SearchResult, error)

	// FindNames looks up recent distinct sender identities whose display
	// name contains the given fragment, most-recently-seen first.
	FindNames(ctx context.Context, groupID *int64, fragment string, limit int) ([]NameEntry, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db              *sqlx.DB
	logger          *slog.Logger
	maxWriteBackoff time.Duration
}

// NewStore creates a new Store implementation backed by sqlx. maxWriteBackoff
// caps the randomized delay between retries of a write transaction that hit a
// transient conflict.
func NewStore(db *sqlx.DB, logger *slog.Logger, maxWriteBackoff time.Duration) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if maxWriteBackoff <= 0 {
		maxWriteBackoff = 500 * time.Millisecond
	}
	return &sqlxStore{
		db:              db,
		logger:          logger.With("component", "store"),
		maxWriteBackoff: maxWriteBackoff,
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isBusy reports whether err is a transient SQLite write conflict
// (SQLITE_BUSY or SQLITE_LOCKED), which is expected under concurrent
// crawler and live-ingestion writers.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// withWriteRetry runs fn until it succeeds or fails with a non-transient
// error. Transient write conflicts are retried after a randomized backoff,
// bounded only by the caller's context.
func (s *sqlxStore) withWriteRetry(ctx context.Context, op string, fn func() error) error {
	for {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}

		delay := time.Duration(rand.Int63n(int64(s.maxWriteBackoff)))
		s.logger.DebugContext(ctx, "Write conflict, retrying transaction",
			"op", op, "backoff", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// GetGroup retrieves a group by id. Returns nil, nil if not found.
func (s *sqlxStore) GetGroup(ctx context.Context, groupID int64) (*Group, error) {
	var group Group
	query := `SELECT group_id, name, pub_id, loaded_first_id, loaded_last_id, ocr_ignore, created_at, updated_at
	          FROM tg_groups WHERE group_id = ?`

	err := s.db.GetContext(ctx, &group, query, groupID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting group", "group_id", groupID, "error", err)
		return nil, fmt.Errorf("failed to get group %d: %w", groupID, err)
	}

	return &group, nil
}

// ListGroups retrieves all known groups.
func (s *sqlxStore) ListGroups(ctx context.Context) ([]*Group, error) {
	var groups []*Group
	query := `SELECT group_id, name, pub_id, loaded_first_id, loaded_last_id, ocr_ignore, created_at, updated_at
	          FROM tg_groups ORDER BY group_id`

	if err := s.db.SelectContext(ctx, &groups, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing groups", "error", err)
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

// InsertGroup records a group on first sight.
func (s *sqlxStore) InsertGroup(ctx context.Context, group *Group) error {
	if group == nil {
		return fmt.Errorf("cannot insert nil group")
	}
	if group.GroupID == 0 {
		return fmt.Errorf("group must have a non-zero group_id")
	}

	now := time.Now().UTC()
	group.CreatedAt = now
	group.UpdatedAt = now

	query := `
        INSERT INTO tg_groups (group_id, name, pub_id, ocr_ignore, created_at, updated_at)
        VALUES (:group_id, :name, :pub_id, :ocr_ignore, :created_at, :updated_at)
        ON CONFLICT (group_id) DO UPDATE SET
            name = excluded.name,
            pub_id = excluded.pub_id,
            ocr_ignore = excluded.ocr_ignore,
            updated_at = excluded.updated_at;
    `

	err := s.withWriteRetry(ctx, "insert_group", func() error {
		_, execErr := s.db.NamedExecContext(ctx, query, group)
		return execErr
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting group", "group_id", group.GroupID, "error", err)
		return fmt.Errorf("failed to insert group %d: %w", group.GroupID, err)
	}

	s.logger.InfoContext(ctx, "Group recorded", "group_id", group.GroupID, "name", group.Name)
	return nil
}

const upsertMessageQuery = `
        INSERT INTO messages (group_id, msgid, from_user, from_user_name, text, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (group_id, msgid) DO UPDATE SET
            from_user_name = excluded.from_user_name,
            text = excluded.text,
            updated_at = excluded.updated_at;
    `

// UpsertMessages writes a page of messages and the cursor update in one
// transaction. An empty msgs slice with a non-none cursor update is valid:
// a page of service-only messages still advances the cursor.
func (s *sqlxStore) UpsertMessages(ctx context.Context, groupID int64, msgs []*Message, cur CursorUpdate) error {
	err := s.withWriteRetry(ctx, "upsert_messages", func() error {
		return s.upsertMessagesTx(ctx, groupID, msgs, cur)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error upserting messages",
			"group_id", groupID, "count", len(msgs), "error", err)
		return fmt.Errorf("failed to upsert %d messages for group %d: %w", len(msgs), groupID, err)
	}

	s.logger.DebugContext(ctx, "Messages upserted successfully",
		"group_id", groupID, "count", len(msgs), "cursor_mode", cur.Mode)
	return nil
}

func (s *sqlxStore) upsertMessagesTx(ctx context.Context, groupID int64, msgs []*Message, cur CursorUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	for _, m := range msgs {
		if m.GroupID == 0 {
			m.GroupID = groupID
		}
		_, err = tx.ExecContext(ctx, upsertMessageQuery,
			m.GroupID, m.MsgID, m.FromUser, m.FromUserName, m.Text, m.CreatedAt.UTC(), m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert message %d: %w", m.MsgID, err)
		}
	}

	if err := applyCursorUpdate(ctx, tx, groupID, cur); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil
	return nil
}

func applyCursorUpdate(ctx context.Context, tx *sqlx.Tx, groupID int64, cur CursorUpdate) error {
	var query string
	var args []any

	now := time.Now().UTC()
	switch cur.Mode {
	case UpdateNone:
		return nil
	case UpdateFirst:
		query = `UPDATE tg_groups SET loaded_first_id = ?, updated_at = ? WHERE group_id = ?`
		args = []any{cur.FirstID, now, groupID}
	case UpdateLast:
		query = `UPDATE tg_groups SET loaded_last_id = ?, updated_at = ? WHERE group_id = ?`
		args = []any{cur.LastID, now, groupID}
	case UpdateBoth:
		query = `UPDATE tg_groups SET loaded_first_id = ?, loaded_last_id = ?, updated_at = ? WHERE group_id = ?`
		args = []any{cur.FirstID, cur.LastID, now, groupID}
	default:
		return fmt.Errorf("unknown cursor mode %d", cur.Mode)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update cursors for group %d: %w", groupID, err)
	}
	return nil
}

// FindNames looks up recent distinct sender identities whose display name
// contains the given fragment, most-recently-seen first, capped at limit.
// Supports search-UI autocomplete.
func (s *sqlxStore) FindNames(ctx context.Context, groupID *int64, fragment string, limit int) ([]NameEntry, error) {
	if limit <= 0 {
		limit = 12
	}

	pattern := "%" + escapeLike(fragment) + "%"
	query := `
        SELECT from_user, from_user_name FROM (
            SELECT from_user, from_user_name, MAX(created_at) AS last_seen
            FROM messages
            WHERE from_user <> 0 AND from_user_name LIKE ? ESCAPE '\'
    `
	args := []any{pattern}
	if groupID != nil {
		query += ` AND group_id = ?`
		args = append(args, *groupID)
	}
	query += `
            GROUP BY from_user, from_user_name
        ) ORDER BY last_seen DESC LIMIT ?;
    `
	args = append(args, limit)

	var names []NameEntry
	if err := s.db.SelectContext(ctx, &names, query, args...); err != nil {
		s.logger.ErrorContext(ctx, "Error finding names", "fragment", fragment, "error", err)
		return nil, fmt.Errorf("failed to find names for %q: %w", fragment, err)
	}

	return names, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}
