// Package server exposes the HTTP API: session bootstrap, prompt
// enhancement, turn processing, conversation sync, tavern plugin
// coordination, and system control. Plugin-facing routes sit behind the
// tavern-mode gate; liveness never does.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/duiywegkl/EchoGraph/internal/app"
	"github.com/duiywegkl/EchoGraph/internal/gateway"
	"github.com/duiywegkl/EchoGraph/internal/health"
	"github.com/duiywegkl/EchoGraph/internal/observe"
)

// Config wires up a [Server].
type Config struct {
	Manager *app.Manager

	// Socket is the plugin WebSocket endpoint, mounted under /ws/. Nil
	// disables the socket surface.
	Socket http.Handler

	// Health serves the readiness probe. Nil disables /system/readiness.
	Health *health.Handler

	// MetricsHandler serves GET /metrics (Prometheus scrape). Nil disables
	// the endpoint.
	MetricsHandler http.Handler

	// Metrics enables the request-duration middleware. Nil skips it.
	Metrics *observe.Metrics

	// Version is reported by the liveness probe.
	Version string
}

// Server is the HTTP API. Construct with [New], mount via [Server.Handler].
type Server struct {
	manager *app.Manager
	cfg     Config
}

// New creates a Server.
func New(cfg Config) *Server {
	return &Server{manager: cfg.Manager, cfg: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session lifecycle.
	mux.HandleFunc("POST /initialize", s.handleInitialize)
	mux.HandleFunc("POST /initialize_async", s.handleInitializeAsync)
	mux.HandleFunc("GET /initialize_status/{task_id}", s.handleInitStatus)

	// Turn pipeline.
	mux.HandleFunc("POST /enhance_prompt", s.handleEnhancePrompt)
	mux.HandleFunc("POST /update_memory", s.handleUpdateMemory)
	mux.HandleFunc("POST /process_conversation", s.handleProcessConversation)
	mux.HandleFunc("POST /sync_conversation", s.handleSyncConversation)

	// Per-session operations.
	mux.HandleFunc("GET /sessions/{id}/stats", s.handleSessionStats)
	mux.HandleFunc("POST /sessions/{id}/reset", s.handleSessionReset)
	mux.HandleFunc("POST /sessions/{id}/clear", s.handleSessionClear)
	mux.HandleFunc("POST /sessions/{id}/reinitialize", s.handleSessionReinitialize)
	mux.HandleFunc("GET /sessions/{id}/export", s.handleSessionExport)

	// Tavern plugin surface (gated).
	mux.HandleFunc("POST /tavern/sessions/{id}/reinitialize_from_plugin",
		s.gated(s.handleReinitFromPlugin))
	mux.HandleFunc("POST /tavern/sessions/{id}/request_reinitialize",
		s.gated(s.handleRequestReinit))
	mux.HandleFunc("POST /tavern/submit_character", s.gated(s.handleSubmitCharacter))
	mux.HandleFunc("GET /tavern/available_characters", s.gated(s.handleAvailableCharacters))
	mux.HandleFunc("GET /tavern/current_session", s.gated(s.handleCurrentSession))
	mux.HandleFunc("POST /tavern/new_session", s.gated(s.handleNewSession))

	// System control.
	mux.HandleFunc("GET /system/liveness", s.handleLiveness)
	mux.HandleFunc("GET /system/tavern_mode", s.handleTavernModeGet)
	mux.HandleFunc("POST /system/tavern_mode", s.handleTavernModeSet)
	mux.HandleFunc("POST /system/full_reset", s.handleFullReset)
	mux.HandleFunc("GET /system/quick_reset", s.handleQuickReset)

	if s.cfg.Health != nil {
		mux.HandleFunc("GET /system/readiness", s.cfg.Health.Readiness)
	}
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}
	if s.cfg.Socket != nil {
		mux.Handle("/ws/", s.cfg.Socket)
	}

	var h http.Handler = mux
	if s.cfg.Metrics != nil {
		h = observe.Middleware(s.cfg.Metrics)(h)
	}
	return h
}

// gated rejects plugin-facing requests while tavern mode is off.
func (s *Server) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.manager.TavernModeActive() {
			writeError(w, http.StatusForbidden, "tavern mode is disabled")
			return
		}
		next(w, r)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Response helpers

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeAppError maps app sentinels and gateway failures to status codes.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrSessionNotFound),
		errors.Is(err, app.ErrTaskNotFound),
		errors.Is(err, app.ErrNoCharacterData):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrNoSocket):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// readJSON decodes a request body. Unknown fields pass through; plugin
// clients send extra bookkeeping fields.
func readJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
