package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duiywegkl/EchoGraph/internal/app"
	"github.com/duiywegkl/EchoGraph/internal/window"
)

// okFrame builds an ok=true response to a request frame.
func okFrame(req Frame, data any) Frame {
	ok := true
	return Frame{
		Type:      "response",
		Action:    req.Action,
		RequestID: req.RequestID,
		OK:        &ok,
		Data:      data,
	}
}

// errorFrame builds an ok=false response to a request frame.
func errorFrame(req Frame, code, message string) Frame {
	ok := false
	return Frame{
		Type:      "response",
		Action:    req.Action,
		RequestID: req.RequestID,
		OK:        &ok,
		Error:     &ErrorObj{Code: code, Message: message},
	}
}

// errorCode maps app sentinels to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, app.ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, app.ErrNoSocket):
		return "no_socket"
	case errors.Is(err, app.ErrNoCharacterData):
		return "no_character_data"
	default:
		return "internal"
	}
}

// dispatch routes one request frame to its handler. sessionID is the URL
// binding; actions always operate on it, never on a payload session id.
func (h *Hub) dispatch(ctx context.Context, sessionID string, req Frame) Frame {
	switch req.Action {
	case "initialize":
		return h.actInitialize(ctx, sessionID, req)
	case "enhance_prompt":
		return h.actEnhancePrompt(sessionID, req)
	case "process_conversation":
		return h.actProcessConversation(ctx, sessionID, req)
	case "sync_conversation":
		return h.actSyncConversation(sessionID, req)
	case "tavern.submit_character":
		return h.actSubmitCharacter(req)
	case "tavern.request_character_data":
		return h.actRequestCharacterData(sessionID, req)
	case "tavern.current_session":
		return okFrame(req, h.manager.CurrentTavernSession())
	case "sessions.stats":
		return h.actStats(sessionID, req)
	case "health":
		return okFrame(req, map[string]any{
			"status":      "ok",
			"tavern_mode": h.manager.TavernModeActive(),
			"sessions":    len(h.manager.SessionIDs()),
		})
	case "system.full_reset":
		return okFrame(req, h.manager.FullReset())
	default:
		return errorFrame(req, "unknown_action", fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (h *Hub) actInitialize(ctx context.Context, sessionID string, req Frame) Frame {
	var initReq app.InitRequest
	if err := decodePayload(req.Payload, &initReq); err != nil {
		return errorFrame(req, "bad_payload", err.Error())
	}
	initReq.SessionID = sessionID
	res, err := h.manager.Initialize(ctx, initReq)
	if err != nil {
		return errorFrame(req, errorCode(err), err.Error())
	}
	return okFrame(req, res)
}

func (h *Hub) actEnhancePrompt(sessionID string, req Frame) Frame {
	var p struct {
		UserInput        string `json:"user_input"`
		MaxContextLength int    `json:"max_context_length"`
		RecentTurns      int    `json:"recent_turns"`
	}
	if err := decodePayload(req.Payload, &p); err != nil {
		return errorFrame(req, "bad_payload", err.Error())
	}
	eng, ok := h.manager.Session(sessionID)
	if !ok {
		return errorFrame(req, "session_not_found", fmt.Sprintf("session %q not found", sessionID))
	}
	return okFrame(req, eng.EnhancePrompt(p.UserInput, p.MaxContextLength, p.RecentTurns))
}

func (h *Hub) actProcessConversation(ctx context.Context, sessionID string, req Frame) Frame {
	var p struct {
		UserInput         string `json:"user_input"`
		AssistantResponse string `json:"assistant_response"`
		MessageID         string `json:"message_id"`
	}
	if err := decodePayload(req.Payload, &p); err != nil {
		return errorFrame(req, "bad_payload", err.Error())
	}
	eng, ok := h.manager.Session(sessionID)
	if !ok {
		return errorFrame(req, "session_not_found", fmt.Sprintf("session %q not found", sessionID))
	}
	return okFrame(req, eng.ProcessConversation(ctx, p.UserInput, p.AssistantResponse, p.MessageID))
}

func (h *Hub) actSyncConversation(sessionID string, req Frame) Frame {
	var p struct {
		History []window.AuthoritativeTurn `json:"history"`
	}
	if err := decodePayload(req.Payload, &p); err != nil {
		return errorFrame(req, "bad_payload", err.Error())
	}
	eng, ok := h.manager.Session(sessionID)
	if !ok {
		return errorFrame(req, "session_not_found", fmt.Sprintf("session %q not found", sessionID))
	}
	return okFrame(req, eng.SyncConversation(p.History))
}

func (h *Hub) actSubmitCharacter(req Frame) Frame {
	var sub app.CharacterSubmission
	if err := decodePayload(req.Payload, &sub); err != nil {
		return errorFrame(req, "bad_payload", err.Error())
	}
	if sub.CharacterName == "" && sub.Card.Name == "" {
		return errorFrame(req, "bad_payload", "submission has no character name")
	}
	h.manager.SubmitCharacter(sub)
	return okFrame(req, map[string]any{"accepted": true})
}

func (h *Hub) actRequestCharacterData(sessionID string, req Frame) Frame {
	if err := h.manager.RequestReinitialize(sessionID); err != nil {
		return errorFrame(req, errorCode(err), err.Error())
	}
	return okFrame(req, map[string]any{"requested": true})
}

func (h *Hub) actStats(sessionID string, req Frame) Frame {
	eng, ok := h.manager.Session(sessionID)
	if !ok {
		return errorFrame(req, "session_not_found", fmt.Sprintf("session %q not found", sessionID))
	}
	return okFrame(req, eng.Stats())
}

// decodePayload unmarshals a payload, treating an absent payload as empty.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("channel: decode payload: %w", err)
	}
	return nil
}
