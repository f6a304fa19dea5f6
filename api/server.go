package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stackbattle/relay/game"
	ws "github.com/stackbattle/relay/transport/websocket"
)

// Server exposes the relay's HTTP surface: the WebSocket upgrade endpoint
// and a small read-only API for observing rooms and server health.
type Server struct {
	registry *game.Registry
	wsRouter *ws.Router
	router   *mux.Router
	logger   *zap.Logger
	started  time.Time
}

// NewServer creates the HTTP server around a registry and its message router.
func NewServer(registry *game.Registry, wsRouter *ws.Router, logger *zap.Logger) *Server {
	s := &Server{
		registry: registry,
		wsRouter: wsRouter,
		router:   mux.NewRouter(),
		logger:   logger,
		started:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/rooms", s.handleListRooms).Methods("GET")
	api.HandleFunc("/rooms/{id}", s.handleGetRoom).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.registry.RoomSummaries()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(rooms),
		"rooms": rooms,
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID := vars["id"]

	detail, ok := s.registry.RoomDetails(roomID)
	if !ok {
		respondError(w, http.StatusNotFound, "Room not found")
		return
	}

	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"players":        stats.Players,
		"rooms":          stats.Rooms,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// WebSocket Handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsRouter.ServeWS(w, r)
}
