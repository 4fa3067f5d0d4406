package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/playfront/cs-dispatch/internal/apierr"
	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/idgen"
	"github.com/playfront/cs-dispatch/internal/sanitize"
	"github.com/playfront/cs-dispatch/internal/storeerr"
)

type createTicketRequest struct {
	GameID         string   `json:"gameId"`
	ServerID       string   `json:"serverId,omitempty"`
	ServerName     string   `json:"serverName,omitempty"`
	PlayerIDOrName string   `json:"playerIdOrName"`
	Description    string   `json:"description"`
	OccurredAt     *string  `json:"occurredAt,omitempty"`
	PaymentOrderNo string   `json:"paymentOrderNo,omitempty"`
	IssueTypeIDs   []string `json:"issueTypeIds"`
}

type ticketView struct {
	ID             string              `json:"id"`
	TicketNo       string              `json:"ticketNo"`
	Token          string              `json:"token"`
	GameID         string              `json:"gameId"`
	ServerID       string              `json:"serverId,omitempty"`
	ServerName     string              `json:"serverName,omitempty"`
	PlayerIDOrName string              `json:"playerIdOrName"`
	Description    string              `json:"description"`
	PaymentOrderNo string              `json:"paymentOrderNo,omitempty"`
	Status         domain.TicketStatus `json:"status"`
	Priority       domain.TicketPriority `json:"priority"`
	IssueTypeIDs   []string            `json:"issueTypeIds"`
	Attachments    []domain.Attachment `json:"attachments"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

func toTicketView(t *domain.Ticket) ticketView {
	return ticketView{
		ID: t.ID, TicketNo: t.TicketNo, Token: t.Token, GameID: t.GameID,
		ServerID: t.ServerID, ServerName: t.ServerName, PlayerIDOrName: t.PlayerIDOrName,
		Description: t.Description, PaymentOrderNo: t.PaymentOrderNo, Status: t.Status,
		Priority: t.Priority, IssueTypeIDs: t.IssueTypeIDs, Attachments: t.Attachments,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

// createTicket implements POST /tickets (spec §6, Public). It enforces
// the one-open-ticket-per-composite-key invariant by reusing an
// existing open ticket that matches any of the submitted issue types
// instead of inserting a duplicate, then runs SessionEngine.Create
// unless a live session already exists on the resolved ticket (spec
// SPEC_FULL.md §C.2).
func (s *Server) createTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.GameID == "" || req.PlayerIDOrName == "" || req.Description == "" || len(req.IssueTypeIDs) == 0 {
		writeError(w, apierr.Validation("gameId, playerIdOrName, description, and issueTypeIds are required"))
		return
	}

	ctx := r.Context()
	serverKey := req.ServerID
	if serverKey == "" {
		serverKey = req.ServerName
	}

	var ticket *domain.Ticket
	for _, issueTypeID := range req.IssueTypeIDs {
		existing, err := s.d.Repo.FindOpenTicket(ctx, domain.OpenTicketKey{
			GameID: req.GameID, ServerKey: serverKey, PlayerIDOrName: req.PlayerIDOrName, IssueTypeID: issueTypeID,
		})
		if err == nil {
			ticket = existing
			break
		}
		if !storeerr.IsNotFound(err) {
			writeError(w, err)
			return
		}
	}

	sessionCreated := false
	var sessionID string

	if ticket == nil {
		now := time.Now()
		day := now.Format("20060102")
		seq, err := s.d.Repo.NextTicketSequence(ctx, req.GameID, day)
		if err != nil {
			writeError(w, err)
			return
		}

		ticket = &domain.Ticket{
			ID:             idgen.NewID(),
			TicketNo:       idgen.FormatTicketNo(now, seq),
			Token:          idgen.NewTicketToken(),
			GameID:         req.GameID,
			ServerID:       req.ServerID,
			ServerName:     req.ServerName,
			PlayerIDOrName: sanitize.PlainText(req.PlayerIDOrName),
			Description:    sanitize.HTML(req.Description),
			PaymentOrderNo: req.PaymentOrderNo,
			Status:         domain.TicketNew,
			Priority:       domain.PriorityNormal,
			IssueTypeIDs:   req.IssueTypeIDs,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if req.OccurredAt != nil {
			if t, err := time.Parse(time.RFC3339, *req.OccurredAt); err == nil {
				ticket.OccurredAt = &t
			}
		}
		if err := s.d.Repo.CreateTicket(ctx, ticket); err != nil {
			writeError(w, err)
			return
		}
		s.d.Metrics.IncTicketCreated(ticket.GameID)
	}

	agents, err := s.d.Repo.ListOnlineAgents(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	hasOnlineAgents := len(agents) > 0

	if existingSession, err := s.d.Repo.GetLiveSessionByTicket(ctx, ticket.ID); err == nil {
		sessionID = existingSession.ID
	} else if storeerr.IsNotFound(err) {
		sess, err := s.d.Engine.Create(ctx, ticket.ID)
		if err != nil {
			s.d.Logger.Warn("httpapi: session creation failed for new ticket", "ticket_id", ticket.ID, "error", err)
		} else {
			sessionCreated = true
			sessionID = sess.ID
		}
	} else {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"ticket":           toTicketView(ticket),
		"hasOnlineAgents":  hasOnlineAgents,
		"sessionCreated":   sessionCreated,
	}
	if sessionID != "" {
		resp["sessionId"] = sessionID
	}
	writeCreated(w, resp)
}

// getTicketByToken implements GET /tickets/by-token/:token (spec §6,
// Public): the player-URL lookup.
func (s *Server) getTicketByToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ticket, err := s.d.Repo.GetTicketByToken(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, toTicketView(ticket))
}

// getTicketByNo implements GET /tickets/by-no/:ticketNo (spec §6, Public).
func (s *Server) getTicketByNo(w http.ResponseWriter, r *http.Request) {
	ticketNo := chi.URLParam(r, "ticketNo")
	ticket, err := s.d.Repo.GetTicketByNo(r.Context(), ticketNo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, toTicketView(ticket))
}
