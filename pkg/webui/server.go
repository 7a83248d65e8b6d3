// Package webui serves the story HTTP API.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"storyloom/pkg/logx"
	"storyloom/pkg/metrics"
	"storyloom/pkg/orchestrator"
	"storyloom/pkg/story"
	"storyloom/pkg/version"
)

const (
	// StatusClientClosedRequest is reported when the caller went away mid-turn.
	StatusClientClosedRequest = 499

	authUsername    = "storyloom"
	maxRequestBytes = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// StoryService is the orchestrator surface the server drives.
type StoryService interface {
	Turn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
	Get(ctx context.Context, threadID string) (*story.Checkpoint, error)
	History(ctx context.Context, threadID string) ([]*story.Checkpoint, error)
	List(ctx context.Context) ([]orchestrator.ThreadSummary, error)
	Delete(ctx context.Context, threadID string) error
}

// Options configure optional server behavior.
type Options struct {
	CORSOrigins    []string
	Password       string       // empty disables Basic auth
	MetricsHandler http.Handler // served at /metrics when set
}

// Server represents the story HTTP server.
type Server struct {
	stories StoryService
	usage   metrics.UsageSource
	opts    Options
	logger  *logx.Logger
}

// StoryResponse is the body of GET /story/{thread_id}.
type StoryResponse struct {
	ThreadID   string           `json:"thread_id"`
	Theme      string           `json:"theme"`
	Content    string           `json:"content"`
	Turn       int              `json:"turn"`
	Phase      story.Phase      `json:"phase"`
	PhaseLabel string           `json:"phase_label"`
	World      story.WorldState `json:"world_state"`
	Messages   []story.Message  `json:"messages"`
}

// HistoryEntry is one checkpoint in GET /story/{thread_id}/history.
type HistoryEntry struct {
	Sequence  int64       `json:"sequence"`
	Turn      int         `json:"turn"`
	Phase     story.Phase `json:"phase"`
	StoryText string      `json:"story_text"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewServer creates a new story server.
func NewServer(stories StoryService, usage metrics.UsageSource, opts Options) *Server {
	return &Server{
		stories: stories,
		usage:   usage,
		opts:    opts,
		logger:  logx.NewLogger("webui"),
	}
}

// Handler returns the routed handler with CORS and auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withCORS(mux)
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.opts.MetricsHandler)
	}

	mux.HandleFunc("POST /story/turn", s.requireAuth(s.handleTurn))
	mux.HandleFunc("GET /stories", s.requireAuth(s.handleList))
	mux.HandleFunc("GET /story/{thread_id}", s.requireAuth(s.handleGet))
	mux.HandleFunc("DELETE /story/{thread_id}", s.requireAuth(s.handleDelete))
	mux.HandleFunc("GET /story/{thread_id}/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("GET /story/{thread_id}/usage", s.requireAuth(s.handleUsage))
}

// requireAuth wraps an HTTP handler with Basic Authentication when a password is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Password == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username != authUsername ||
			subtle.ConstantTimeCompare([]byte(password), []byte(s.opts.Password)) != 1 {
			if ok {
				s.logger.Warn("Failed authentication attempt from %s (username: %s)", r.RemoteAddr, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="storyloom"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// withCORS answers preflights and tags responses for allowed origins.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.opts.CORSOrigins, "*") || slices.Contains(s.opts.CORSOrigins, origin)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Storyloom-Version", version.Version)
	_, _ = w.Write([]byte("OK"))
}

// handleTurn implements POST /story/turn.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := s.stories.Turn(r.Context(), req)
	if err != nil {
		s.writeStoryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleList implements GET /stories.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.stories.List(r.Context())
	if err != nil {
		s.writeStoryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

// handleGet implements GET /story/{thread_id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	cp, err := s.stories.Get(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		s.writeStoryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StoryResponse{
		ThreadID:   cp.ThreadID,
		Theme:      story.ExtractTheme(&cp.World),
		Content:    story.ReconstructContent(cp.Messages),
		Turn:       cp.Progress.Turn,
		Phase:      cp.Progress.Phase,
		PhaseLabel: cp.Progress.Phase.Label(),
		World:      cp.World,
		Messages:   cp.Messages,
	})
}

// handleHistory implements GET /story/{thread_id}/history, one entry per turn.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.stories.History(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		s.writeStoryError(w, err)
		return
	}
	entries := make([]HistoryEntry, 0, len(history))
	for _, cp := range history {
		entries = append(entries, HistoryEntry{
			Sequence:  cp.Sequence,
			Turn:      cp.Progress.Turn,
			Phase:     cp.Progress.Phase,
			StoryText: story.LastAssistant(cp.Messages),
			CreatedAt: cp.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleDelete implements DELETE /story/{thread_id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.stories.Delete(r.Context(), r.PathValue("thread_id")); err != nil {
		s.writeStoryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Story deleted successfully"})
}

// handleUsage implements GET /story/{thread_id}/usage.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if _, err := s.stories.Get(r.Context(), threadID); err != nil {
		s.writeStoryError(w, err)
		return
	}
	if s.usage == nil {
		writeError(w, http.StatusNotFound, "usage tracking is not enabled")
		return
	}

	usage, err := s.usage.ThreadUsage(r.Context(), threadID)
	if err != nil {
		s.logger.Error("Usage query for thread %s failed: %v", threadID, err)
		writeError(w, http.StatusServiceUnavailable, "usage metrics unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, usage)
}

// StatusFor maps an orchestrator error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTurn):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrTurnConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, orchestrator.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeStoryError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	switch status {
	case http.StatusInternalServerError:
		s.logger.Error("Request failed: %v", err)
		writeError(w, status, "internal error")
		return
	case http.StatusNotFound:
		writeError(w, status, "Story not found")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// StartServer binds addr and serves until ctx is done, then shuts down
// gracefully. Bind errors are returned directly. The returned channel reports
// a serve failure and is closed once the server has fully stopped.
func (s *Server) StartServer(ctx context.Context, addr string) (<-chan error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting story server on %s (%s)", listener.Addr(), version.Version)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error: %v", err)
			serveErr <- err
		}
		close(serveErr)
	}()

	done := make(chan error, 1)
	go func() {
		defer close(done)
		select {
		case err, failed := <-serveErr:
			if failed {
				done <- err
			}
			return
		case <-ctx.Done():
		}

		// The parent context is already cancelled; shutdown needs its own deadline.
		s.logger.Info("Shutting down story server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; we need a fresh context for shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	return done, nil
}
