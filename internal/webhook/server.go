// internal/webhook/server.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/user/sleeptrack/internal/engine"
	"github.com/user/sleeptrack/internal/motion"
	"github.com/user/sleeptrack/internal/state"
	"github.com/user/sleeptrack/internal/types"
)

// Engine is the subset of engine.Client the HTTP surface drives.
type Engine interface {
	Toggle(ctx context.Context) error
	Sync(ctx context.Context) error
	Acknowledge(ctx context.Context) (bool, error)
	SetWindow(ctx context.Context, w types.WakeWindow) error
	Status(ctx context.Context) (engine.Status, error)
}

// SessionLister reads stored sessions for the debug API.
type SessionLister interface {
	List(ctx context.Context) ([]state.SlotInfo, error)
	Read(ctx context.Context, slot int) (types.Session, bool, error)
}

// MotionSink accepts samples pushed by a remote sensor.
type MotionSink interface {
	Push(s motion.Sample)
}

// Server is a lightweight HTTP handler for device control, sensor input and
// the companion inbox.
type Server struct {
	engine   Engine
	sessions SessionLister
	motion   MotionSink
	inbox    http.Handler
	mux      *http.ServeMux
}

// NewServer creates a Server. A nil sessions, motion or inbox disables the
// matching endpoints.
func NewServer(eng Engine, sessions SessionLister, motion MotionSink, inbox http.Handler) *Server {
	s := &Server{
		engine:   eng,
		sessions: sessions,
		motion:   motion,
		inbox:    inbox,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /inbox", s.handleInbox)
	s.mux.HandleFunc("POST /api/motion", s.handleMotion)
	s.mux.HandleFunc("POST /api/toggle", s.handleToggle)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("POST /api/alarm/ack", s.handleAck)
	s.mux.HandleFunc("PUT /api/window", s.handleWindow)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("GET /api/sessions/", s.handleAPISession)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		http.Error(w, `{"error":"companion channel not configured"}`, http.StatusServiceUnavailable)
		return
	}
	s.inbox.ServeHTTP(w, r)
}

func (s *Server) handleMotion(w http.ResponseWriter, r *http.Request) {
	if s.motion == nil {
		http.Error(w, `{"error":"motion input not configured"}`, http.StatusServiceUnavailable)
		return
	}
	var sample motion.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	s.motion.Push(sample)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Toggle(r.Context()); err != nil {
		slog.Error("toggle failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Sync(r.Context())
	if errors.Is(err, types.ErrTransferInFlight) {
		http.Error(w, `{"error":"sync already pending or in progress"}`, http.StatusConflict)
		return
	}
	if err != nil {
		slog.Error("sync request failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.engine.Acknowledge(r.Context())
	if err != nil {
		slog.Error("alarm acknowledge failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// windowRequest is the JSON body for PUT /api/window.
type windowRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	window, err := types.ParseWakeWindow(req.Start, req.End)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SetWindow(r.Context(), window); err != nil {
		slog.Error("set window failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"window": window.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		slog.Error("status failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	slots, err := s.sessions.List(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if slots == nil {
		slots = []state.SlotInfo{}
	}
	writeJSON(w, http.StatusOK, slots)
}

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}

	// Path: /api/sessions/{slot}
	slot, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if err != nil {
		http.Error(w, `{"error":"slot must be a number"}`, http.StatusBadRequest)
		return
	}
	session, ok, err := s.sessions.Read(r.Context(), slot)
	if err != nil {
		http.Error(w, `{"error":"slot out of range"}`, http.StatusNotFound)
		return
	}
	if !ok {
		http.Error(w, `{"error":"slot is empty"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
