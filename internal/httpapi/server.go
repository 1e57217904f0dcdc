// Package httpapi exposes the read-only search API over HTTP: full-text
// search, group listing, and sender-name autocomplete. All responses are
// cacheable for the configured max-age.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arisawa/tgsearch/internal/normalize"
	"github.com/arisawa/tgsearch/internal/storage"
)

// Config bounds the server and its search queries.
type Config struct {
	Listen       string
	Prefix       string
	CacheMaxAge  int
	SearchLimit  int
	EarliestYear int
	NamesLimit   int
}

// Server serves the search API.
type Server struct {
	store  storage.Store
	qb     *normalize.QueryBuilder
	cfg    Config
	logger *slog.Logger
}

// NewServer creates the API server.
func NewServer(store storage.Store, qb *normalize.QueryBuilder, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		store:  store,
		qb:     qb,
		cfg:    cfg,
		logger: logger.With("component", "httpapi"),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.headers)

	r.Route(s.cfg.Prefix+"/", func(r chi.Router) {
		r.Get("/search", s.handleSearch)
		r.Get("/groups", s.handleGroups)
		r.Get("/names", s.handleNames)
	})
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed", "error", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}
}

func (s *Server) headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cfg.CacheMaxAge))
		next.ServeHTTP(w, r)
	})
}

type groupJSON struct {
	GroupID int64  `json:"group_id"`
	Name    string `json:"name"`
	PubID   string `json:"pub_id"`
}

type messageJSON struct {
	ID       int64  `json:"id"`
	GroupID  int64  `json:"group_id"`
	FromID   int64  `json:"from_id"`
	FromName string `json:"from_name"`
	Text     string `json:"text"`
	HTML     string `json:"html,omitempty"`
	T        int64  `json:"t"`
}

type searchResponse struct {
	Groups   map[string]groupJSON `json:"groups"`
	HasMore  bool                 `json:"has_more"`
	Messages []messageJSON        `json:"messages"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	groups, rows, err := s.store.Search(r.Context(), q, s.cfg.SearchLimit, s.cfg.EarliestYear)
	if err != nil {
		if errors.Is(err, storage.ErrGroupNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.logger.ErrorContext(r.Context(), "Search failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("search failed"))
		return
	}

	resp := searchResponse{
		Groups:   make(map[string]groupJSON, len(groups)),
		HasMore:  len(rows) >= s.cfg.SearchLimit,
		Messages: make([]messageJSON, 0, len(rows)),
	}
	for id, g := range groups {
		resp.Groups[strconv.FormatInt(id, 10)] = groupJSON{
			GroupID: g.GroupID,
			Name:    g.Name,
			PubID:   g.PubID,
		}
	}
	for _, row := range rows {
		resp.Messages = append(resp.Messages, messageJSON{
			ID:       row.MsgID,
			GroupID:  row.GroupID,
			FromID:   row.FromUser,
			FromName: row.FromUserName,
			Text:     row.Text,
			HTML:     row.HTML,
			T:        row.CreatedAt.Unix(),
		})
	}

	s.writeJSON(w, resp)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Group listing failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("group listing failed"))
		return
	}

	out := make([]groupJSON, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupJSON{GroupID: g.GroupID, Name: g.Name, PubID: g.PubID})
	}
	s.writeJSON(w, map[string]any{"groups": out})
}

type nameJSON struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	fragment := r.URL.Query().Get("p")
	if fragment == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing name fragment"))
		return
	}

	var groupID *int64
	if g := r.URL.Query().Get("g"); g != "" {
		id, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid group id %q", g))
			return
		}
		groupID = &id
	}

	names, err := s.store.FindNames(r.Context(), groupID, fragment, s.cfg.NamesLimit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Name lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("name lookup failed"))
		return
	}

	out := make([]nameJSON, 0, len(names))
	for _, n := range names {
		out = append(out, nameJSON{ID: n.UserID, Name: n.Name})
	}
	s.writeJSON(w, map[string]any{"names": out})
}

// parseQuery parses the search request parameters: g (group id), q (terms),
// sender (user id), start and end (unix seconds, half-open range).
func (s *Server) parseQuery(r *http.Request) (storage.SearchQuery, error) {
	var q storage.SearchQuery
	params := r.URL.Query()

	if g := params.Get("g"); g != "" {
		id, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid group id %q", g)
		}
		q.GroupID = &id
	}

	if terms := params.Get("q"); terms != "" {
		built, err := s.qb.Build(terms)
		if err != nil {
			return q, err
		}
		q.Match = built.Match
		q.Contains = built.Contains
		q.Excludes = built.Excludes
	}

	if sender := params.Get("sender"); sender != "" {
		id, err := strconv.ParseInt(sender, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid sender id %q", sender)
		}
		q.Sender = id
	}

	if start := params.Get("start"); start != "" {
		ts, err := strconv.ParseInt(start, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid start timestamp %q", start)
		}
		t := time.Unix(ts, 0).UTC()
		q.Start = &t
	}

	if end := params.Get("end"); end != "" {
		ts, err := strconv.ParseInt(end, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid end timestamp %q", end)
		}
		t := time.Unix(ts, 0).UTC()
		q.End = &t
	}

	return q, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
