package normalize_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arisawa/tgsearch/internal/enrich"
	"github.com/arisawa/tgsearch/internal/feed"
	"github.com/arisawa/tgsearch/internal/normalize"
)

// fakeClient serves media bytes and fails everything else.
type fakeClient struct {
	media map[string][]byte
}

func (f *fakeClient) FetchMessages(ctx context.Context, chat feed.Chat, anchorID int64, dir feed.Direction, limit int) ([]*feed.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Subscribe(ctx context.Context) (<-chan feed.Event, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) MarkRead(ctx context.Context, msg *feed.Message) error { return nil }

func (f *fakeClient) DownloadMedia(ctx context.Context, media *feed.Media) ([]byte, error) {
	data, ok := f.media[media.UniqueID]
	if !ok {
		return nil, errors.New("unknown media")
	}
	return data, nil
}

func (f *fakeClient) ResolveEntity(ctx context.Context, ref string) (feed.Chat, error) {
	return feed.Chat{}, errors.New("not implemented")
}

// staticExtractor returns fixed lines for any image.
type staticExtractor struct {
	lines []string
}

func (e *staticExtractor) Extract(ctx context.Context, data []byte, mimeType string) ([]string, error) {
	return e.lines, nil
}

func TestFormatServiceMessage(t *testing.T) {
	t.Parallel()

	n := normalize.New(nil, nil, time.Second, nil)
	msg := &feed.Message{ID: 1, GroupID: 1, Service: true, Text: "pinned a message"}

	_, err := n.Format(context.Background(), msg, feed.OriginLive, false)
	if !errors.Is(err, normalize.ErrNoContent) {
		t.Fatalf("Format service message error = %v, want ErrNoContent", err)
	}
}

func TestFormatSections(t *testing.T) {
	t.Parallel()

	n := normalize.New(nil, nil, time.Second, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  *feed.Message
		want string
	}{
		{
			name: "body only",
			msg:  &feed.Message{Text: "hello there"},
			want: "hello there",
		},
		{
			name: "poll",
			msg: &feed.Message{
				Poll: &feed.Poll{Question: "lunch?", Answers: []string{"yes", "no"}},
			},
			want: "[poll] lunch?\nyes\nno",
		},
		{
			name: "webpage full",
			msg: &feed.Message{
				Text: "look",
				Webpage: &feed.Webpage{
					URL:         "https://example.com",
					SiteName:    "Example",
					Title:       "Example Title",
					Description: "A page.",
				},
			},
			want: "look\n[webpage]\nhttps://example.com\nExample\nExample Title\nA page.",
		},
		{
			name: "webpage sparse skips empty fields",
			msg: &feed.Message{
				Webpage: &feed.Webpage{URL: "https://example.com"},
			},
			want: "[webpage]\nhttps://example.com",
		},
		{
			name: "file",
			msg:  &feed.Message{Text: "doc", File: &feed.File{Name: "report.pdf"}},
			want: "doc\n[file] report.pdf",
		},
		{
			name: "audio with performer",
			msg: &feed.Message{
				Audio: &feed.Audio{Title: "Song", Performer: "Band"},
			},
			want: "[audio] Song - Band",
		},
		{
			name: "audio title only drops separator",
			msg: &feed.Message{
				Audio: &feed.Audio{Title: "Song"},
			},
			want: "[audio] Song",
		},
		{
			name: "all sections in order",
			msg: &feed.Message{
				Text: "body",
				Poll: &feed.Poll{Question: "q", Answers: []string{"a"}},
				File: &feed.File{Name: "f.txt"},
			},
			want: "body\n[poll] q\na\n[file] f.txt",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := n.Format(ctx, tc.msg, feed.OriginHistory, false)
			if err != nil {
				t.Fatalf("Format: %v", err)
			}
			if got != tc.want {
				t.Errorf("Format = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatImageEnrichment(t *testing.T) {
	t.Parallel()

	client := &fakeClient{media: map[string][]byte{"uniq-1": []byte("img")}}
	cache := enrich.NewCache(&staticExtractor{lines: []string{"line one", "line two"}}, time.Hour, 10, nil)
	n := normalize.New(cache, client, time.Second, nil)

	msg := &feed.Message{
		ID:      5,
		GroupID: 1,
		Text:    "see screenshot",
		Media:   &feed.Media{FileID: "f", UniqueID: "uniq-1", Photo: true},
	}

	got, err := n.Format(context.Background(), msg, feed.OriginLive, true)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	want := "see screenshot\n[image]\nline one\nline two"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatImageEnrichmentDisabled(t *testing.T) {
	t.Parallel()

	client := &fakeClient{media: map[string][]byte{"uniq-1": []byte("img")}}
	cache := enrich.NewCache(&staticExtractor{lines: []string{"secret"}}, time.Hour, 10, nil)
	n := normalize.New(cache, client, time.Second, nil)

	msg := &feed.Message{
		Text:  "no ocr here",
		Media: &feed.Media{FileID: "f", UniqueID: "uniq-1", Photo: true},
	}

	got, err := n.Format(context.Background(), msg, feed.OriginLive, false)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if got != "no ocr here" {
		t.Errorf("Format = %q, want body only when ocr is off", got)
	}
}

func TestFormatNonImageMediaSkipsEnrichment(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	cache := enrich.NewCache(&staticExtractor{lines: []string{"x"}}, time.Hour, 10, nil)
	n := normalize.New(cache, client, time.Second, nil)

	msg := &feed.Message{
		Text:  "archive",
		File:  &feed.File{Name: "data.zip"},
		Media: &feed.Media{FileID: "f", UniqueID: "uniq-2", MIME: "application/zip"},
	}

	got, err := n.Format(context.Background(), msg, feed.OriginHistory, true)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if got != "archive\n[file] data.zip" {
		t.Errorf("Format = %q, want no image section for non-image media", got)
	}
}
