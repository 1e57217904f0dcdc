// Package enrich derives additional indexable text from non-text media,
// currently image text extraction, behind a deduplicating TTL cache.
package enrich

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Provider fetches the raw media bytes. It is only invoked when the cache
// misses, so a cold entry costs exactly one download.
type Provider func(ctx context.Context) ([]byte, error)

// Extractor turns media bytes into extracted text lines.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) ([]string, error)
}

type cacheEntry struct {
	lines      []string
	insertedAt time.Time
}

// Cache deduplicates and rate-limits extraction per media id. Concurrent
// callers for the same id share one outstanding extraction; completed
// results are retained for a fixed TTL, and the cache is bounded by
// capacity, evicting least-recently-inserted entries on overflow.
// Extraction failures are cached as an empty result: they are not retried
// on the same entry, but eviction allows a later retry.
type Cache struct {
	extractor Extractor
	ttl       time.Duration
	maxSize   int
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
	flight  singleflight.Group
}

// NewCache creates a Cache over the given extractor.
func NewCache(extractor Extractor, ttl time.Duration, maxSize int, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Cache{
		extractor: extractor,
		ttl:       ttl,
		maxSize:   maxSize,
		logger:    logger.With("component", "enrich_cache"),
		entries:   make(map[string]cacheEntry),
	}
}

// Extract returns the extracted text lines for the media identified by key.
// The first caller for a cold key downloads and extracts; concurrent callers
// for the same key attach to the same in-flight extraction.
func (c *Cache) Extract(ctx context.Context, key string, fetch Provider, mimeType string) []string {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Since(e.insertedAt) < c.ttl {
		c.mu.Unlock()
		return e.lines
	}
	c.mu.Unlock()

	v, _, shared := c.flight.Do(key, func() (any, error) {
		lines := c.extract(ctx, key, fetch, mimeType)

		c.mu.Lock()
		c.entries[key] = cacheEntry{lines: lines, insertedAt: time.Now()}
		c.sweepLocked()
		c.mu.Unlock()

		return lines, nil
	})
	if shared {
		c.logger.DebugContext(ctx, "Attached to in-flight extraction", "media", key)
	}

	lines, _ := v.([]string)
	return lines
}

// extract performs one download + extraction. Failures are logged and
// degrade to an empty result, never an error.
func (c *Cache) extract(ctx context.Context, key string, fetch Provider, mimeType string) []string {
	start := time.Now()

	data, err := fetch(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "Media download failed", "media", key, "error", err)
		return []string{}
	}

	lines, err := c.extractor.Extract(ctx, data, mimeType)
	if err != nil {
		c.logger.ErrorContext(ctx, "Extraction failed", "media", key, "error", err)
		return []string{}
	}

	c.logger.InfoContext(ctx, "Extraction done",
		"media", key, "lines", len(lines), "duration", time.Since(start))
	return lines
}

// Sweep evicts entries past TTL and, if the cache exceeds its capacity,
// the least-recently-inserted entries down to the bound. It is invoked
// after each insertion and periodically by the scheduler.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
}

func (c *Cache) sweepLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}

	if len(c.entries) <= c.maxSize {
		return
	}

	type aged struct {
		key        string
		insertedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].insertedAt.Before(all[j].insertedAt) })
	for _, a := range all[:len(all)-c.maxSize] {
		delete(c.entries, a.key)
	}
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
