package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playfront/cs-dispatch/internal/apierr"
	"github.com/playfront/cs-dispatch/internal/auth"
	"github.com/playfront/cs-dispatch/internal/domain"
)

type createSessionRequest struct {
	TicketID string `json:"ticketId"`
}

type sessionView struct {
	ID                   string                `json:"id"`
	TicketID             string                `json:"ticketId"`
	Status               domain.SessionStatus  `json:"status"`
	AgentID              string                `json:"agentId,omitempty"`
	PriorityScore        float64               `json:"priorityScore"`
	DetectedIntent       string                `json:"detectedIntent,omitempty"`
	AIUrgency            domain.AIUrgency      `json:"aiUrgency,omitempty"`
	AIConversationHandle string                `json:"-"`
	AllowManualTransfer  bool                  `json:"allowManualTransfer"`
	PlayerLanguage       string                `json:"playerLanguage,omitempty"`
}

func toSessionView(s *domain.Session) sessionView {
	return sessionView{
		ID: s.ID, TicketID: s.TicketID, Status: s.Status, AgentID: s.AgentID,
		PriorityScore: s.PriorityScore, DetectedIntent: s.DetectedIntent, AIUrgency: s.AIUrgency,
		AllowManualTransfer: s.AllowManualTransfer, PlayerLanguage: s.PlayerLanguage(),
	}
}

// createSession implements POST /sessions (spec §6, Public): the
// explicit create(ticketId) transition, used when the player reopens a
// ticket page whose createTicket call did not already spin one up.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TicketID == "" {
		writeError(w, apierr.Validation("ticketId is required"))
		return
	}
	sess, err := s.d.Engine.Create(r.Context(), req.TicketID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, toSessionView(sess))
}

type postMessageRequest struct {
	Content     string             `json:"content"`
	MessageType domain.MessageType `json:"messageType,omitempty"`
}

// postMessage implements POST /sessions/:id/messages (spec §6, Public):
// the player/agent send channel. The sender is inferred from the
// caller's authenticated role — an ANON/PLAYER caller drives
// PlayerMessage (which may synchronously produce an AI reply and
// reports the AI call's outcome as difyStatus), an AGENT caller drives
// AgentMessage.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, apierr.Validation("content is required"))
		return
	}
	msgType := req.MessageType
	if msgType == "" {
		msgType = domain.MessageText
	}
	if msgType != domain.MessageText && msgType != domain.MessageImage {
		writeError(w, apierr.Validation("messageType must be TEXT or IMAGE"))
		return
	}

	role := auth.RoleFromContext(r.Context())
	if role == domain.RoleAgent || role == domain.RoleAdmin {
		agentID := auth.UserIDFromContext(r.Context())
		if err := s.d.Engine.AgentMessage(r.Context(), sessionID, agentID, req.Content, msgType); err != nil {
			writeError(w, err)
			return
		}
		writeCreated(w, map[string]any{"sent": true})
		return
	}

	playerMsg, aiMsg, difyStatus, err := s.d.Engine.PlayerMessage(r.Context(), sessionID, req.Content, msgType)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"playerMessage": playerMsg}
	if aiMsg != nil {
		resp["aiMessage"] = aiMsg
	}
	if difyStatus != "" {
		resp["difyStatus"] = difyStatus
	}
	writeCreated(w, resp)
}

// getSession implements GET /sessions/:id (spec §6, Public): session
// state plus its full message history, the shape a client needs to
// render a ticket page on load or reconnect.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := s.d.Repo.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.d.Repo.ListMessages(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"session": toSessionView(sess), "messages": messages})
}

type transferRequest struct {
	Urgency domain.AIUrgency `json:"urgency,omitempty"`
}

// transferToAgent implements POST /sessions/:id/transfer-to-agent (spec
// §6, Public): runs the transfer protocol and reports whether the
// session was queued, auto-assigned, or converted to an async ticket.
func (s *Server) transferToAgent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req transferRequest
	_ = decodeJSON(r, &req) // body is optional; ignore malformed/empty body

	result, err := s.d.Engine.TransferToAgent(r.Context(), sessionID, req.Urgency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, result)
}

// closePlayer implements PATCH /sessions/:id/close-player (spec §6,
// Public): the player-initiated close, which leaves the ticket WAITING
// for an async follow-up and prompts for a satisfaction rating.
func (s *Server) closePlayer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := s.d.Engine.CloseByPlayer(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"closed": true})
}

// workbenchQueued implements GET /sessions/workbench/queued (spec §6,
// Agent/Admin): the live queue view for a game's workbench, ordered by
// the scheduler's current rank.
func (s *Server) workbenchQueued(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("gameId")
	if gameID == "" {
		writeError(w, apierr.Validation("gameId query parameter is required"))
		return
	}
	sessions, err := s.d.Repo.ListQueuedSessions(r.Context(), gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, toSessionView(sess))
	}
	writeOK(w, views)
}

// joinSession implements POST /sessions/:id/join (spec §6, Agent):
// the authenticated agent's manual queue pull.
func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	agentID := auth.UserIDFromContext(r.Context())
	if err := s.d.Engine.AgentJoin(r.Context(), sessionID, agentID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"joined": true})
}

type assignRequest struct {
	AgentID string `json:"agentId"`
}

// assignSession implements POST /sessions/:id/assign (spec §6, Admin):
// the administrator override that binds an agent to a session without
// requiring that agent to be ONLINE. Per spec §9's open question, this
// only records the binding — it does not transition the session to
// IN_PROGRESS; the bound agent still has to agentJoin (e.g. on their
// next reconnect) to pick the session up.
func (s *Server) assignSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, apierr.Validation("agentId is required"))
		return
	}
	if err := s.d.Repo.Assign(r.Context(), sessionID, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"assigned": true})
}

// closeSession implements PATCH /sessions/:id/close (spec §6,
// Agent/Admin): the agent-initiated close, which resolves the ticket.
// An administrator cancelling a session it was never assigned to still
// goes through the same transition, per session.CloseByAgent's admin
// flag, leaving the ticket's status untouched.
func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	role := auth.RoleFromContext(r.Context())
	if err := s.d.Engine.CloseByAgent(r.Context(), sessionID, role == domain.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"closed": true})
}
