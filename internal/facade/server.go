// Package facade exposes a peer's protocol engine over HTTP and
// WebSocket, the command-intake half of spec.md §4.6. It is grounded on
// the teacher's internal/server (routes()/writeJSON/writeError) and
// internal/mesh (WSMessage/WSResponse framing).
package facade

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nocturne-chord/peer/internal/protocol"
)

// Server is the HTTP half of the facade: one handler per command, plus
// the read-only state/chord/lookup queries.
type Server struct {
	engine *protocol.Engine
	hub    *NotificationHub
	mux    *http.ServeMux
}

// New creates a Server with all routes registered. hub may be nil, in
// which case GET /notifications is not registered.
func New(engine *protocol.Engine, hub *NotificationHub) *Server {
	s := &Server{engine: engine, hub: hub, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /backup", s.handleBackup)
	s.mux.HandleFunc("POST /restore", s.handleRestore)
	s.mux.HandleFunc("POST /delete", s.handleDelete)
	s.mux.HandleFunc("POST /reclaim", s.handleReclaim)

	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("GET /chord", s.handleChord)
	s.mux.HandleFunc("GET /lookup/{guid}", s.handleLookup)

	if s.hub != nil {
		s.mux.HandleFunc("GET /notifications", s.hub.Handle)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nocturne-peer"})
}

type backupRequest struct {
	Filename          string `json:"filename"`
	ReplicationDegree int    `json:"replication_degree"`
}

// handleBackup handles POST /backup, per spec.md §4.5.1. It returns
// immediately; the result arrives through the notification sink.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if req.ReplicationDegree <= 0 {
		writeError(w, http.StatusBadRequest, "replication_degree must be positive")
		return
	}

	s.engine.SubmitBackup(req.Filename, req.ReplicationDegree)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type filenameRequest struct {
	Filename string `json:"filename"`
}

// handleRestore handles POST /restore, per spec.md §4.5.2.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req filenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	s.engine.SubmitRestore(req.Filename)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleDelete handles POST /delete, per spec.md §4.5.3.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req filenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	s.engine.SubmitDelete(req.Filename)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type reclaimRequest struct {
	TargetBytes     int64 `json:"target_bytes"`
	DefaultCapacity int64 `json:"default_capacity"`
}

// handleReclaim handles POST /reclaim, per spec.md §4.5.4. TargetBytes
// of 0 evicts everything and resets capacity to DefaultCapacity.
func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	var req reclaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetBytes < 0 {
		writeError(w, http.StatusBadRequest, "target_bytes must not be negative")
		return
	}

	s.engine.SubmitReclaim(req.TargetBytes, req.DefaultCapacity)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleState handles GET /state, per spec.md §4.6: the sent/stored
// registries plus capacity accounting, rendered synchronously.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": s.engine.State()})
}

// handleChord handles GET /chord, per spec.md §4.6: this peer's routing
// view, rendered synchronously.
func (s *Server) handleChord(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"chord": s.engine.Chord()})
}

// handleLookup handles GET /lookup/{guid}, per spec.md §4.6: run
// find_successor(guid) synchronously and return the resolved peer.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	guid, err := strconv.Atoi(r.PathValue("guid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "guid must be an integer")
		return
	}

	peer, err := s.engine.Lookup(guid)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"guid":    guid,
		"address": peer.Address,
		"owner":   peer.GUID,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
