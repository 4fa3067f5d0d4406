package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playfront/cs-dispatch/internal/apierr"
	"github.com/playfront/cs-dispatch/internal/auth"
	"github.com/playfront/cs-dispatch/internal/domain"
)

type agentMessageRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// agentMessageAlt implements POST /messages/agent (spec §6, Agent): a
// plain-HTTP alternative to the WebSocket agent:send-message frame, for
// agent clients that would rather not hold a live socket open.
func (s *Server) agentMessageAlt(w http.ResponseWriter, r *http.Request) {
	var req agentMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" || req.Text == "" {
		writeError(w, apierr.Validation("sessionId and text are required"))
		return
	}
	agentID := auth.UserIDFromContext(r.Context())
	if err := s.d.Engine.AgentMessage(r.Context(), req.SessionID, agentID, req.Text, domain.MessageText); err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, map[string]any{"sent": true})
}

type translateRequestBody struct {
	TargetLang string `json:"targetLang"`
}

// translateMessage implements POST /messages/:id/translate (spec §6,
// Public): on-demand, cache-on-first-call translation of a stored
// message.
func (s *Server) translateMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	var req translateRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TargetLang == "" {
		writeError(w, apierr.Validation("targetLang is required"))
		return
	}
	result, err := s.d.Translation.Translate(r.Context(), messageID, req.TargetLang)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"translatedContent": result.TranslatedContent,
		"sourceLang":        result.SourceLang,
		"provider":          result.Provider,
		"translatedAt":      result.TranslatedAt,
		"cached":            result.Cached,
	})
}
