// Package api exposes the stream client over HTTP for local consumers: a
// small REST surface for health and the latest snapshot, and a websocket
// endpoint pushing snapshots as they are projected.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/savostin/betfair-stream-app/pkg/stream"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port           string
	AllowedOrigins string // comma-separated; empty allows all
	AuthSecret     string // empty disables bearer auth

	// PushInterval bounds how often one websocket client receives snapshots;
	// intermediate snapshots are conflated away.
	PushInterval time.Duration
}

type Server struct {
	session *stream.Session
	logger  *logrus.Logger
	cfg     Config

	allowedOrigins map[string]struct{}
	hub            *wsHub
}

func NewServer(session *stream.Session, logger *logrus.Logger, cfg Config) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 100 * time.Millisecond
	}

	allowed := make(map[string]struct{})
	for _, origin := range strings.Split(cfg.AllowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}

	s := &Server{
		session:        session,
		logger:         logger,
		cfg:            cfg,
		allowedOrigins: allowed,
	}
	s.hub = newWSHub(logger, cfg.PushInterval)
	return s
}

// Publish stores the latest snapshot and fans it out to websocket clients.
// Wire it to the session's OnSnapshot callback.
func (s *Server) Publish(snapshot stream.MarketSnapshot) {
	s.hub.publish(snapshot)
}

// PublishEvent forwards a session event to websocket clients.
func (s *Server) PublishEvent(event stream.Event) {
	s.hub.publishEvent(event)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %s", s.cfg.Port)
	return http.ListenAndServe(":"+s.cfg.Port, s.Handler())
}

// Handler builds the route table; split out from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.requireAuth(s.handleSnapshot))
	mux.HandleFunc("/api/session", s.requireAuth(s.handleSession))
	mux.HandleFunc("/api/market", s.requireAuth(s.handleMarket))
	mux.HandleFunc("/ws", s.requireAuth(s.handleWS))

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, ok := s.session.Snapshot()
	if !ok {
		http.Error(w, "No market subscribed", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": s.session.State(),
	})
}

// handleMarket selects the market to stream. The session defers the
// subscription until it is authenticated, so this is valid in any state.
func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		MarketID string `json:"marketId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MarketID == "" {
		http.Error(w, "marketId required", http.StatusBadRequest)
		return
	}

	s.session.SelectMarket(req.MarketID)
	s.logger.WithField("market_id", req.MarketID).Info("Market selected via API")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"marketId": req.MarketID,
		"state":    s.session.State(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
