// Package api serves the operational HTTP surface: health, Prometheus
// metrics and a status summary.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"solana-kline-engine/internal/observability"
)

// EntryCounter reports how many wallet entries the exit engine tracks.
type EntryCounter interface {
	Len() int
}

// Server exposes process state.
type Server struct {
	entries EntryCounter
	started time.Time
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Server. entries may be nil.
func New(entries EntryCounter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		entries: entries,
		started: time.Now(),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "api")),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	Status         string    `json:"status"`
	Started        time.Time `json:"started"`
	Uptime         string    `json:"uptime"`
	TrackedEntries int       `json:"tracked_entries"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:  "running",
		Started: s.started,
		Uptime:  s.now().Sub(s.started).Round(time.Second).String(),
	}
	if s.entries != nil {
		resp.TrackedEntries = s.entries.Len()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write status", zap.Error(err))
	}
}
