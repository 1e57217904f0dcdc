package crawler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arisawa/tgsearch/internal/crawler"
	"github.com/arisawa/tgsearch/internal/feed"
	"github.com/arisawa/tgsearch/internal/normalize"
	"github.com/arisawa/tgsearch/internal/storage"
)

var testChat = feed.Chat{ID: 1, Title: "Test Group", Username: "testgroup"}

// fakeFeed serves a scripted message history with the real paging contract:
// newer-than pages ascend, older-than pages descend, anchor 0 means "from
// the latest".
type fakeFeed struct {
	mu           sync.Mutex
	history      []*feed.Message // ascending by ID
	failures     int             // upcoming fetches that error out
	fetches      int
	olderFetches int
	onFetch      func(f *fakeFeed, n int) // runs under mu after each fetch
}

func (f *fakeFeed) FetchMessages(ctx context.Context, chat feed.Chat, anchorID int64, dir feed.Direction, limit int) ([]*feed.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	n := f.fetches
	defer func() {
		if f.onFetch != nil {
			f.onFetch(f, n)
		}
	}()

	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transient fetch failure")
	}

	var page []*feed.Message
	switch dir {
	case feed.DirectionNewer:
		for _, m := range f.history {
			if m.ID > anchorID {
				page = append(page, m)
				if len(page) == limit {
					break
				}
			}
		}
	case feed.DirectionOlder:
		f.olderFetches++
		for i := len(f.history) - 1; i >= 0; i-- {
			m := f.history[i]
			if anchorID == 0 || m.ID < anchorID {
				page = append(page, m)
				if len(page) == limit {
					break
				}
			}
		}
	}
	return page, nil
}

func (f *fakeFeed) Subscribe(ctx context.Context) (<-chan feed.Event, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeFeed) MarkRead(ctx context.Context, msg *feed.Message) error { return nil }

func (f *fakeFeed) DownloadMedia(ctx context.Context, media *feed.Media) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeFeed) ResolveEntity(ctx context.Context, ref string) (feed.Chat, error) {
	return testChat, nil
}

func historyMessage(id int64) *feed.Message {
	base := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	return &feed.Message{
		ID:      id,
		GroupID: testChat.ID,
		Sender:  &feed.User{ID: 100, FirstName: "Alice"},
		Text:    "hello",
		SentAt:  base.Add(time.Duration(id) * time.Minute),
	}
}

func makeHistory(ids ...int64) []*feed.Message {
	msgs := make([]*feed.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, historyMessage(id))
	}
	return msgs
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	db, err := storage.NewDB(context.Background(), ":memory:", 0)
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { storage.CloseDB(db) })
	return storage.NewStore(db, nil, 50*time.Millisecond)
}

func newTestCrawler(client feed.Client, store storage.Store, onDone func(int64)) *crawler.Crawler {
	norm := normalize.New(nil, nil, time.Second, nil)
	cfg := crawler.Config{PageSize: 3, FetchTimeout: time.Second, RetryDelay: 10 * time.Millisecond}
	return crawler.New(client, store, norm, testChat, false, false, cfg, onDone, nil)
}

// storedMsgIDs returns the set of msgids persisted for the test group.
func storedMsgIDs(t *testing.T, store storage.Store) map[int64]bool {
	t.Helper()
	gid := testChat.ID
	_, results, err := store.Search(context.Background(), storage.SearchQuery{GroupID: &gid}, 500, 2016)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	ids := make(map[int64]bool, len(results))
	for _, r := range results {
		ids[r.MsgID] = true
	}
	return ids
}

func cursors(t *testing.T, store storage.Store) (first, last int64) {
	t.Helper()
	g, err := store.GetGroup(context.Background(), testChat.ID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g == nil {
		t.Fatal("group row missing")
	}
	return g.LoadedFirstID, g.LoadedLastID
}

func TestRunFreshGroupSeedsAndHandsOff(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	client := &fakeFeed{history: makeHistory(1, 2, 3, 4, 5)}

	var doneCalls []int64
	c := newTestCrawler(client, store, func(id int64) { doneCalls = append(doneCalls, id) })

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The seed ingests only the latest message; with no newer traffic the
	// start of history is never discovered, so the backward pass is skipped
	// and the forward cursor hands off immediately.
	first, last := cursors(t, store)
	if first != 0 || last != 5 {
		t.Errorf("cursors = %d/%d, want 0/5", first, last)
	}
	if len(doneCalls) != 1 || doneCalls[0] != testChat.ID {
		t.Errorf("forward-done calls = %v, want exactly one for group %d", doneCalls, testChat.ID)
	}
	ids := storedMsgIDs(t, store)
	if len(ids) != 1 || !ids[5] {
		t.Errorf("stored msgids = %v, want only 5", ids)
	}
}

func TestRunEmptyGroupCaughtUpImmediately(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	client := &fakeFeed{}

	done := 0
	c := newTestCrawler(client, store, func(int64) { done++ })

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first, last := cursors(t, store)
	if first != 0 || last != 0 {
		t.Errorf("cursors = %d/%d, want 0/0", first, last)
	}
	if done != 1 {
		t.Errorf("forward-done fired %d times, want 1", done)
	}
}

func TestRunDiscoversStartThenBackfills(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	client := &fakeFeed{history: makeHistory(1, 2, 3, 4, 5)}
	// Two messages arrive between the seed fetch and the forward pass, so
	// the forward page discovers the start anchor.
	client.onFetch = func(f *fakeFeed, n int) {
		if n == 1 {
			f.history = append(f.history, makeHistory(6, 7)...)
		}
	}

	done := 0
	c := newTestCrawler(client, store, func(int64) { done++ })

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first, last := cursors(t, store)
	if first != 1 || last != 7 {
		t.Errorf("cursors = %d/%d, want 1/7", first, last)
	}
	if done != 1 {
		t.Errorf("forward-done fired %d times, want 1", done)
	}

	ids := storedMsgIDs(t, store)
	for id := int64(1); id <= 7; id++ {
		if !ids[id] {
			t.Errorf("msgid %d missing from store", id)
		}
	}
}

func TestRunResumesFromPersistedCursors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	// A previous crawl persisted msgid 3 with both cursors at 3.
	if err := store.InsertGroup(ctx, &storage.Group{GroupID: testChat.ID, Name: testChat.Title, PubID: testChat.Username}); err != nil {
		t.Fatalf("InsertGroup: %v", err)
	}
	seed := historyMessage(3)
	rec := &storage.Message{GroupID: seed.GroupID, MsgID: seed.ID, FromUser: 100,
		FromUserName: "Alice", Text: seed.Text, CreatedAt: seed.SentAt}
	cur := storage.CursorUpdate{Mode: storage.UpdateBoth, FirstID: 3, LastID: 3}
	if err := store.UpsertMessages(ctx, testChat.ID, []*storage.Message{rec}, cur); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}

	history := makeHistory(1, 2, 3, 4, 5, 6, 7, 8)
	history[4].Service = true // msgid 5 is a pin notification
	client := &fakeFeed{history: history}

	c := newTestCrawler(client, store, nil)
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first, last := cursors(t, store)
	if first != 1 || last != 8 {
		t.Errorf("cursors = %d/%d, want 1/8", first, last)
	}

	ids := storedMsgIDs(t, store)
	for _, id := range []int64{1, 2, 3, 4, 6, 7, 8} {
		if !ids[id] {
			t.Errorf("msgid %d missing from store", id)
		}
	}
	// Service messages advance the cursor but are never stored.
	if ids[5] {
		t.Error("service message persisted, want dropped")
	}
}

func TestRunBackwardTerminalAtStart(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if err := store.InsertGroup(ctx, &storage.Group{GroupID: testChat.ID, Name: testChat.Title}); err != nil {
		t.Fatalf("InsertGroup: %v", err)
	}
	cur := storage.CursorUpdate{Mode: storage.UpdateBoth, FirstID: 1, LastID: 5}
	if err := store.UpsertMessages(ctx, testChat.ID, nil, cur); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}

	client := &fakeFeed{history: makeHistory(1, 2, 3, 4, 5)}
	c := newTestCrawler(client, store, nil)
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	client.mu.Lock()
	older := client.olderFetches
	client.mu.Unlock()
	if older != 0 {
		t.Errorf("crawler issued %d backward fetches with first_id=1, want 0", older)
	}
}

func TestRunRetriesTransientFetchFailures(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	client := &fakeFeed{history: makeHistory(1, 2, 3, 4, 5), failures: 2}

	done := 0
	c := newTestCrawler(client, store, func(int64) { done++ })

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, last := cursors(t, store)
	if last != 5 {
		t.Errorf("last cursor = %d after retried fetches, want 5", last)
	}
	if done != 1 {
		t.Errorf("forward-done fired %d times, want 1", done)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	client := &fakeFeed{history: makeHistory(1, 2, 3, 4, 5), failures: 1000}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	c := newTestCrawler(client, store, nil)
	go func() { errCh <- c.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
