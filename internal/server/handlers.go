package server

import (
	"net/http"

	"github.com/duiywegkl/EchoGraph/internal/app"
	"github.com/duiywegkl/EchoGraph/internal/engine"
	"github.com/duiywegkl/EchoGraph/internal/window"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// sessionFor resolves a session engine, writing a 404 on a miss.
func (s *Server) sessionFor(w http.ResponseWriter, sessionID string) (*engine.Engine, bool) {
	eng, ok := s.manager.Session(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found: "+sessionID)
		return nil, false
	}
	return eng, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Session lifecycle

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req app.InitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := s.manager.Initialize(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInitializeAsync(w http.ResponseWriter, r *http.Request) {
	var req app.InitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.manager.InitializeAsync(req))
}

func (s *Server) handleInitStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.manager.TaskStatus(r.PathValue("task_id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn pipeline

func (s *Server) handleEnhancePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID        string `json:"session_id"`
		UserInput        string `json:"user_input"`
		MaxContextLength int    `json:"max_context_length"`
		RecentTurns      int    `json:"recent_turns"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	eng, ok := s.sessionFor(w, req.SessionID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.EnhancePrompt(req.UserInput, req.MaxContextLength, req.RecentTurns))
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string `json:"session_id"`
		UserInput   string `json:"user_input"`
		LLMResponse string `json:"llm_response"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	eng, ok := s.sessionFor(w, req.SessionID)
	if !ok {
		return
	}
	res, err := eng.ExtractUpdatesFromResponse(r.Context(), req.UserInput, req.LLMResponse)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		engine.UpdateResult
	}{Message: "memory updated", UpdateResult: res})
}

func (s *Server) handleProcessConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID         string `json:"session_id"`
		UserInput         string `json:"user_input"`
		AssistantResponse string `json:"assistant_response"`
		MessageID         string `json:"message_id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	eng, ok := s.sessionFor(w, req.SessionID)
	if !ok {
		return
	}
	res := eng.ProcessConversation(r.Context(), req.UserInput, req.AssistantResponse, req.MessageID)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSyncConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID     string                     `json:"session_id"`
		TavernHistory []window.AuthoritativeTurn `json:"tavern_history"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	eng, ok := s.sessionFor(w, req.SessionID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.SyncConversation(req.TavernHistory))
}

// ─────────────────────────────────────────────────────────────────────────────
// Per-session operations

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.sessionFor(w, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.Stats())
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepCharacterData bool `json:"keep_character_data"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	eng, ok := s.sessionFor(w, r.PathValue("id"))
	if !ok {
		return
	}
	eng.Reset(r.Context(), req.KeepCharacterData)
	writeJSON(w, http.StatusOK, map[string]string{"message": "session reset"})
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.sessionFor(w, r.PathValue("id"))
	if !ok {
		return
	}
	eng.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"message": "session cleared"})
}

func (s *Server) handleSessionReinitialize(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.ReinitializeMinimal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		CharacterName string `json:"character_name"`
		NodesCreated  int    `json:"nodes_created"`
		EdgesCreated  int    `json:"edges_created"`
	}{res.CharacterName, res.NodesAdded, res.EdgesAdded})
}

// exportedGraph is the /sessions/{id}/export payload.
type exportedGraph struct {
	SessionID string           `json:"session_id"`
	Nodes     []graph.Entity   `json:"nodes"`
	Edges     []graph.Relation `json:"edges"`
	Stats     graph.Stats      `json:"stats"`
}

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	eng, ok := s.sessionFor(w, sessionID)
	if !ok {
		return
	}
	g := eng.Graph()
	writeJSON(w, http.StatusOK, exportedGraph{
		SessionID: sessionID,
		Nodes:     g.Nodes(),
		Edges:     g.Edges(),
		Stats:     g.Stats(),
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Tavern plugin surface

func (s *Server) handleReinitFromPlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ReinitializeFromPlugin(r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "reinitialization started"})
}

func (s *Server) handleRequestReinit(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RequestReinitialize(r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "character data requested"})
}

func (s *Server) handleSubmitCharacter(w http.ResponseWriter, r *http.Request) {
	var sub app.CharacterSubmission
	if err := readJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if sub.CharacterName == "" && sub.Card.Name == "" {
		writeError(w, http.StatusBadRequest, "submission has no character name")
		return
	}
	s.manager.SubmitCharacter(sub)
	writeJSON(w, http.StatusOK, map[string]string{"message": "character data received"})
}

func (s *Server) handleAvailableCharacters(w http.ResponseWriter, _ *http.Request) {
	chars := s.manager.AvailableCharacters()
	writeJSON(w, http.StatusOK, map[string]any{
		"characters": chars,
		"count":      len(chars),
	})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.CurrentTavernSession())
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterName string `json:"character_name"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sessionID, err := s.manager.NewSessionForCharacter(req.CharacterName)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

// ─────────────────────────────────────────────────────────────────────────────
// System control

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": s.cfg.Version,
	})
}

func (s *Server) handleTavernModeGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.manager.TavernModeActive()})
}

func (s *Server) handleTavernModeSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.manager.SetTavernMode(req.Active)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "active": req.Active})
}

func (s *Server) handleFullReset(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.FullReset())
}

func (s *Server) handleQuickReset(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.QuickReset())
}
