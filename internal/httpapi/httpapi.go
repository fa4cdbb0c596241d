// Package httpapi exposes the local HTTP control surface: location state,
// call history, statistics, cached snapshots, unlock commands and a
// websocket event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kzdgn/diafonbox/internal/core/state"
	"github.com/kzdgn/diafonbox/internal/datastore"
)

// DoorOpener sends unlock commands without importing the dispatcher package
// directly.
type DoorOpener interface {
	OpenDoor(ctx context.Context, locationID string) error
}

// CallLog reads persisted call history.
type CallLog interface {
	RecentCalls(locationID string, limit int) ([]datastore.CallLogEntry, error)
}

// Server is the HTTP API server.
type Server struct {
	store   *state.LocationStore
	bus     *state.EventBus
	door    DoorOpener
	callLog CallLog
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux

	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server. callLog may be nil when
// persistence is disabled.
func NewServer(
	store *state.LocationStore,
	bus *state.EventBus,
	door DoorOpener,
	callLog CallLog,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		store:   store,
		bus:     bus,
		door:    door,
		callLog: callLog,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return corsAll
			},
		},
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/locations", s.handleGetLocations)
	s.mux.HandleFunc("GET /api/locations/{location_id}", s.handleGetLocation)
	s.mux.HandleFunc("GET /api/calls/{location_id}", s.handleGetCalls)
	s.mux.HandleFunc("GET /api/stats", s.handleGetStats)
	s.mux.HandleFunc("GET /api/snapshot/{location_id}", s.handleGetSnapshot)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	s.mux.HandleFunc("POST /api/unlock/{location_id}", s.handleUnlock)
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.corsAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// --- Handlers ---

type statusResponse struct {
	Connected bool `json:"connected"`
	Locations int  `json:"locations"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, statusResponse{
		Connected: s.store.Connected(),
		Locations: len(s.store.IDs()),
	})
}

func (s *Server) handleGetLocations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Snapshot())
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("location_id")
	st, ok := s.store.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown location %q", id))
		return
	}
	s.writeJSON(w, st)
}

func (s *Server) handleGetCalls(w http.ResponseWriter, r *http.Request) {
	if s.callLog == nil {
		s.writeError(w, http.StatusServiceUnavailable, "call log is not enabled")
		return
	}
	id := r.PathValue("location_id")
	if _, ok := s.store.Get(id); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown location %q", id))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.callLog.RecentCalls(id, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read call log: "+err.Error())
		return
	}
	s.writeJSON(w, map[string]interface{}{"calls": entries})
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]state.LocationStats)
	for _, loc := range s.store.Snapshot() {
		out[loc.LocationID] = loc.Stats
	}
	s.writeJSON(w, out)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("location_id")
	st, ok := s.store.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown location %q", id))
		return
	}
	if st.SnapshotPath == "" {
		s.writeError(w, http.StatusNotFound, "no snapshot cached yet")
		return
	}
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, st.SnapshotPath)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("location_id")
	if err := s.door.OpenDoor(r.Context(), id); err != nil {
		s.writeError(w, http.StatusBadGateway, "unlock failed: "+err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleEvents streams bus events over a websocket, newest first, until the
// client disconnects or a write fails.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(128)
	defer unsub()

	s.log.Debug("event stream opened", "remote", r.RemoteAddr)

	// Reads are discarded but must be pumped to notice the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("event stream closed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
