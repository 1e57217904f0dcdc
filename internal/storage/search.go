package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// highlight markers wrapped around matched terms in search results.
const (
	highlightOpen  = "<b>"
	highlightClose = "</b>"
)

// Search walks calendar years backward from the query's end bound (or now)
// down to earliestYear, running one bounded query per year slice and
// accumulating rows until limit is reached or the cutoff is passed. Slices
// are half-open [start, end) in UTC, so a message stamped exactly at a
// slice's end belongs to the next-newer slice only.
//
// Rather than one unbounded query, this bounds the cost of a full-text
// search with a highlighting pass over years of unevenly dense history:
// each slice can short-circuit independently once the limit is filled.
func (s *sqlxStore) Search(ctx context.Context, q SearchQuery, limit, earliestYear int) (map[int64]*Group, []SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	groups, err := s.searchGroups(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	end := now
	if q.End != nil {
		end = q.End.UTC()
	}
	start := time.Date(earliestYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	if q.Start != nil && q.Start.UTC().After(start) {
		start = q.Start.UTC()
	}

	var results []SearchResult
	for year := end.Year(); year >= earliestYear; year-- {
		sliceStart := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		sliceEnd := time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
		if sliceStart.Before(start) {
			sliceStart = start
		}
		if sliceEnd.After(end) {
			sliceEnd = end
		}
		if !sliceStart.Before(sliceEnd) {
			continue
		}

		remaining := limit - len(results)
		if remaining <= 0 {
			break
		}

		rows, err := s.searchSlice(ctx, q, sliceStart, sliceEnd, remaining)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, rows...)

		if sliceStart.Equal(start) {
			break
		}
	}

	return groups, results, nil
}

// searchGroups resolves the group metadata for a query: the single scoped
// group, or every known group when no filter is given.
func (s *sqlxStore) searchGroups(ctx context.Context, q SearchQuery) (map[int64]*Group, error) {
	groups := make(map[int64]*Group)
	if q.GroupID != nil {
		g, err := s.GetGroup(ctx, *q.GroupID)
		if err != nil {
			return nil, err
		}
		if g == nil {
			return nil, fmt.Errorf("%w: %d", ErrGroupNotFound, *q.GroupID)
		}
		groups[g.GroupID] = g
		return groups, nil
	}

	all, err := s.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range all {
		groups[g.GroupID] = g
	}
	return groups, nil
}

// searchSlice runs one bounded query over [start, end), newest-first.
func (s *sqlxStore) searchSlice(ctx context.Context, q SearchQuery, start, end time.Time, limit int) ([]SearchResult, error) {
	var (
		query string
		args  []any
	)

	if q.Match != "" {
		query = `
            SELECT m.group_id, m.msgid, m.from_user, m.from_user_name, m.text,
                   highlight(messages_fts, 0, ?, ?) AS html, m.created_at
            FROM messages_fts f
            JOIN messages m ON m.id = f.rowid
            WHERE messages_fts MATCH ?
        `
		args = append(args, highlightOpen, highlightClose, q.Match)
	} else {
		query = `
            SELECT m.group_id, m.msgid, m.from_user, m.from_user_name, m.text, '' AS html, m.created_at
            FROM messages m
            WHERE 1 = 1
        `
	}

	// Terms shorter than a trigram never reach the full-text index; they
	// arrive as substring groups and filter with LIKE instead.
	for _, variants := range q.Contains {
		if len(variants) == 0 {
			continue
		}
		ors := make([]string, len(variants))
		for i, v := range variants {
			ors[i] = `m.text LIKE ? ESCAPE '\'`
			args = append(args, "%"+escapeLike(v)+"%")
		}
		query += ` AND (` + strings.Join(ors, " OR ") + `)`
	}
	for _, v := range q.Excludes {
		query += ` AND m.text NOT LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(v)+"%")
	}

	if q.GroupID != nil {
		query += ` AND m.group_id = ?`
		args = append(args, *q.GroupID)
	}
	if q.Sender != 0 {
		query += ` AND m.from_user = ?`
		args = append(args, q.Sender)
	}
	query += ` AND m.created_at >= ? AND m.created_at < ?
            ORDER BY m.created_at DESC
            LIMIT ?;`
	args = append(args, start, end, limit)

	s.logger.DebugContext(ctx, "Searching slice",
		"start", start, "end", end, "limit", limit, "match", q.Match)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error searching slice",
			"start", start, "end", end, "error", err)
		return nil, fmt.Errorf("failed to search slice [%s, %s): %w", start, end, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.GroupID, &r.MsgID, &r.FromUser, &r.FromUserName, &r.Text, &r.HTML, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search results: %w", err)
	}

	// The FTS highlighter never saw the substring terms, so they are
	// wrapped here.
	if len(q.Contains) > 0 {
		for i := range results {
			if results[i].HTML == "" {
				results[i].HTML = results[i].Text
			}
			results[i].HTML = highlightSubstrings(results[i].HTML, q.Contains)
		}
	}

	return results, nil
}

func highlightSubstrings(text string, groups [][]string) string {
	for _, variants := range groups {
		for _, v := range variants {
			if v == "" {
				continue
			}
			text = strings.ReplaceAll(text, v, highlightOpen+v+highlightClose)
		}
	}
	return text
}
