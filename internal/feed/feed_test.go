package feed_test

import (
	"testing"

	"github.com/arisawa/tgsearch/internal/feed"
)

func TestDisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		user *feed.User
		want string
	}{
		{"nil sender", nil, "(null)"},
		{"first name only", &feed.User{FirstName: "Alice"}, "Alice"},
		{"first and last", &feed.User{FirstName: "Alice", LastName: "Lin"}, "Alice Lin"},
		{"last name only", &feed.User{LastName: "Lin"}, "Lin"},
		{"channel title wins", &feed.User{Title: "News Channel", FirstName: "x"}, "News Channel"},
		{"empty user", &feed.User{}, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.user.DisplayName(); got != tc.want {
				t.Errorf("DisplayName() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMediaIsImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		media *feed.Media
		want  bool
	}{
		{"nil media", nil, false},
		{"photo", &feed.Media{Photo: true}, true},
		{"image document", &feed.Media{MIME: "image/png"}, true},
		{"archive document", &feed.Media{MIME: "application/zip"}, false},
		{"no mime", &feed.Media{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.media.IsImage(); got != tc.want {
				t.Errorf("IsImage() = %v, want %v", got, tc.want)
			}
		})
	}
}
