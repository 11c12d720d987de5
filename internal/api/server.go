// Package api provides the HTTP server and the websocket event channel.
package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codesync/codesync/internal/config"
	"github.com/codesync/codesync/internal/logging"
	"github.com/codesync/codesync/internal/metrics"
	"github.com/codesync/codesync/internal/ratelimit"
	"github.com/codesync/codesync/internal/room"
)

// Server is the HTTP server fronting the room registry.
type Server struct {
	registry *room.Registry
	limiter  *ratelimit.Limiter
	config   *config.Config
	upgrader websocket.Upgrader

	connCount atomic.Int64
}

// NewServer creates a new server around the given registry.
func NewServer(registry *room.Registry, limiter *ratelimit.Limiter, cfg *config.Config) *Server {
	s := &Server{
		registry: registry,
		limiter:  limiter,
		config:   cfg,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == cfg.AllowedOrigin
		},
	}
	return s
}

// Handler returns the HTTP handler with metrics and logging middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/rooms/{id}/tree", s.handleRoomTree).Methods(http.MethodGet)
	return metrics.Middleware(logging.Middleware(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  s.registry.RoomCount(),
	})
}

// handleRoomTree serves a read-only copy of a room's authoritative tree.
// Debugging aid; possession of the room id is the access model, same as the
// protocol itself.
func (s *Server) handleRoomTree(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	snap, ok := s.registry.Snapshot(roomID)
	if !ok {
		s.sendError(w, http.StatusNotFound, "room not found")
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}

	metrics.SetWSConnectionsActive(s.connCount.Add(1))
	sess := newSession(conn, s.registry, s.limiter, s.config)
	logging.Debug("connection established",
		zap.String("conn", sess.ID()),
		zap.String("remote", r.RemoteAddr))

	sess.run()

	metrics.SetWSConnectionsActive(s.connCount.Add(-1))
	logging.Debug("connection closed", zap.String("conn", sess.ID()))
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, map[string]any{"error": message, "code": code})
}
