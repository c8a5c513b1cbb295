// Package status serves the local operator HTTP API.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/chatpilot/internal/types"
)

const (
	defaultActivityLimit = 200
	maxActivityLimit     = 5000
	maxBodyBytes         = 64 << 10
)

// Bot is the part of the engine the server needs.
type Bot interface {
	Stats() types.Stats
	Inject(ctx context.Context, m types.IncomingMessage) (types.MessageID, error)
}

// Server routes the status endpoints. The journal and metrics handler are
// optional.
type Server struct {
	bot     Bot
	journal types.Journal
	metrics http.Handler
	mux     *http.ServeMux
}

func NewServer(bot Bot, journal types.Journal, metrics http.Handler) *Server {
	s := &Server{
		bot:     bot,
		journal: journal,
		metrics: metrics,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("POST /simulate", s.handleSimulate)
	s.mux.HandleFunc("GET /api/activity", s.handleActivity)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("status server started", "listen", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.bot.Stats().Running,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bot.Stats())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, `{"error":"metrics not configured"}`, http.StatusServiceUnavailable)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// SimulateRequest is the body of POST /simulate.
type SimulateRequest struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id,omitempty"`
	Text           string `json:"text"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.Text = strings.TrimSpace(req.Text)
	if req.ConversationID == "" || req.Text == "" {
		http.Error(w, `{"error":"conversation_id and text are required"}`, http.StatusBadRequest)
		return
	}

	id, err := s.bot.Inject(r.Context(), types.IncomingMessage{
		ConversationID: types.ConversationID(req.ConversationID),
		SenderID:       types.UserID(req.SenderID),
		Text:           req.Text,
	})
	if err != nil {
		slog.Warn("simulated message rejected", "conversation_id", req.ConversationID, "error", err)
		http.Error(w, `{"error":"message not queued"}`, http.StatusServiceUnavailable)
		return
	}
	slog.Info("simulated message queued", "message_id", id, "conversation_id", req.ConversationID)
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": string(id)})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, `{"error":"activity journal not configured"}`, http.StatusServiceUnavailable)
		return
	}

	limit := defaultActivityLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = min(n, maxActivityLimit)
		}
	}

	entries, err := s.journal.Tail(r.Context(), limit)
	if err != nil {
		slog.Error("read activity failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*types.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
