// Package plugin provides a static registry of live-message handlers.
// Plugins are resolved at start time through the Plugin capability contract
// instead of being loaded dynamically by name.
package plugin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"

	"github.com/arisawa/tgsearch/internal/feed"
)

// Handler processes one live message whose normalized text fully matched
// the registered pattern.
type Handler func(ctx context.Context, msg *feed.Message) error

// Plugin is the capability contract every plugin exposes: it registers its
// handlers against the registry and may keep the feed client for its own
// calls.
type Plugin interface {
	Register(reg *Registry, client feed.Client) error
}

type entry struct {
	pattern *regexp.Regexp
	handler Handler
}

// Registry holds pattern handlers and dispatches live messages to them
// without blocking ingestion.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{logger: logger.With("component", "plugin_registry")}
}

// OnMessageMatching registers handler for every live message whose
// normalized text fully matches pattern.
func (r *Registry) OnMessageMatching(pattern string, handler Handler) error {
	re, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
	if err != nil {
		return fmt.Errorf("invalid handler pattern %q: %w", pattern, err)
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry{pattern: re, handler: handler})
	r.mu.Unlock()

	r.logger.Info("Registered message handler", "pattern", pattern)
	return nil
}

// Dispatch runs every handler whose pattern fully matches text, each in its
// own goroutine so a slow handler never blocks ingestion.
func (r *Registry) Dispatch(ctx context.Context, text string, msg *feed.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if !e.pattern.MatchString(text) {
			continue
		}
		handler := e.handler
		pattern := e.pattern.String()
		go func() {
			if err := handler(ctx, msg); err != nil {
				r.logger.ErrorContext(ctx, "Message handler failed",
					"pattern", pattern, "msgid", msg.ID, "error", err)
			}
		}()
	}
}
