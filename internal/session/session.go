// Package session is the SessionEngine state machine (spec §4.6): every
// state-mutating operation for a given session is serialized through a
// per-session mutex, grounded on leapmux-leapmux's
// AgentService.notifMutex (sync.Map.LoadOrStore keyed by entity ID) —
// the same "mailbox" shape spec §5 calls for, expressed without an
// actual goroutine-per-session actor.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playfront/cs-dispatch/internal/aiadapter"
	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/idgen"
	"github.com/playfront/cs-dispatch/internal/metrics"
	"github.com/playfront/cs-dispatch/internal/queue"
	"github.com/playfront/cs-dispatch/internal/sanitize"
	"github.com/playfront/cs-dispatch/internal/store"
	"github.com/playfront/cs-dispatch/internal/storeerr"
)

var (
	// ErrInvalidTransition is returned when an operation's guard from
	// spec §4.6's transition table does not hold for the session's
	// current status.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrWrongAgent is returned when a sender is not the session's
	// assigned agent.
	ErrWrongAgent = errors.New("session: sender is not the assigned agent")
	// ErrTicketNotOpen is returned by Create when the ticket is already
	// RESOLVED or CLOSED.
	ErrTicketNotOpen = errors.New("session: ticket is not open")
	// ErrLiveSessionExists is returned by Create when the ticket already
	// has a non-CLOSED session.
	ErrLiveSessionExists = errors.New("session: ticket already has a live session")
)

// Broadcaster pushes a room event. Implemented by internal/realtime.
type Broadcaster interface {
	Broadcast(room, event string, payload any)
}

// Config carries the small set of policy knobs spec §4.6 leaves to
// deployment (autoAssignOnTransfer is named explicitly in §4.1's
// response contract example).
type Config struct {
	AutoAssignOnTransfer bool
}

// Engine is the SessionEngine. One Engine serves every session and
// every game partition; per-session serialization is internal.
type Engine struct {
	repo        store.Repository
	ai          *aiadapter.Adapter
	scheduler   *queue.Scheduler
	broadcaster Broadcaster
	cfg         Config
	metrics     *metrics.Collector
	logger      *slog.Logger

	mailboxes sync.Map // sessionID -> *sync.Mutex
}

// New builds an Engine. collector may be nil (tests construct an Engine
// without one).
func New(repo store.Repository, ai *aiadapter.Adapter, scheduler *queue.Scheduler, broadcaster Broadcaster, cfg Config, collector *metrics.Collector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{repo: repo, ai: ai, scheduler: scheduler, broadcaster: broadcaster, cfg: cfg, metrics: collector, logger: logger}
}

func (e *Engine) mailbox(sessionID string) *sync.Mutex {
	v, _ := e.mailboxes.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) withLock(sessionID string, fn func() error) error {
	mu := e.mailbox(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// TransferResult is what TransferToAgent and the no-agent-at-enqueue
// escalation path return, per spec §4.6's transfer protocol.
type TransferResult struct {
	Queued            bool    `json:"queued"`
	QueuePosition     int     `json:"queuePosition,omitempty"`
	EstimatedWaitTime float64 `json:"estimatedWaitTime,omitempty"` // minutes
	ConvertedToTicket bool    `json:"convertedToTicket,omitempty"`
	TicketNo          string  `json:"ticketNo,omitempty"`
}

// Create runs the `create(ticketId)` transition: it requires the ticket
// to be open with no live session, persists a new PENDING session, and
// kicks off AI triage asynchronously — unless the ticket's issue type
// requires direct transfer, in which case session creation skips
// PENDING and runs the transfer protocol immediately (spec §4.6
// "Direct-transfer issue types").
func (e *Engine) Create(ctx context.Context, ticketID string) (*domain.Session, error) {
	ticket, err := e.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !ticket.Status.IsOpen() {
		return nil, ErrTicketNotOpen
	}
	if existing, err := e.repo.GetLiveSessionByTicket(ctx, ticketID); err != nil && !storeerr.IsNotFound(err) {
		return nil, err
	} else if existing != nil {
		return nil, ErrLiveSessionExists
	}

	now := time.Now()
	sess := &domain.Session{
		ID:                  idgen.NewID(),
		TicketID:            ticketID,
		Status:              domain.SessionPending,
		AllowManualTransfer: true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if e.requiresDirectTransfer(ctx, ticket) {
		if _, err := e.TransferToAgent(ctx, sess.ID, ""); err != nil {
			e.logger.Warn("session: direct-transfer protocol failed", "session_id", sess.ID, "error", err)
		}
		refreshed, err := e.repo.GetSession(ctx, sess.ID)
		if err == nil {
			return refreshed, nil
		}
		return sess, nil
	}

	go e.runTriage(context.WithoutCancel(ctx), sess.ID, ticket)

	return sess, nil
}

func (e *Engine) requiresDirectTransfer(ctx context.Context, ticket *domain.Ticket) bool {
	for _, id := range ticket.IssueTypeIDs {
		it, err := e.repo.GetIssueType(ctx, id)
		if err != nil {
			continue
		}
		if it.RequireDirectTransfer {
			return true
		}
	}
	return false
}

// runTriage performs AIAdapter.Triage and persists its result as the
// first AI message (spec §4.6's create() effect). It runs outside the
// caller's request lifetime, so it takes its own lock.
func (e *Engine) runTriage(ctx context.Context, sessionID string, ticket *domain.Ticket) {
	_ = e.withLock(sessionID, func() error {
		sess, err := e.repo.GetSession(ctx, sessionID)
		if err != nil {
			e.logger.Warn("session: triage skipped, session load failed", "session_id", sessionID, "error", err)
			return nil
		}
		if sess.Status != domain.SessionPending {
			return nil // transferred/closed before triage ran
		}

		game, err := e.repo.GetGame(ctx, ticket.GameID)
		if err != nil {
			e.logger.Warn("session: triage skipped, game load failed", "session_id", sessionID, "error", err)
			return nil
		}

		result := e.ai.Triage(ctx, ticket.Description, game)

		if err := e.repo.SetSessionAIResult(ctx, sessionID, result.DetectedIntent, result.Urgency, result.ConversationHandle); err != nil {
			e.logger.Warn("session: persist triage result failed", "session_id", sessionID, "error", err)
		}

		msg, err := e.persistMessage(ctx, sessionID, domain.SenderAI, domain.MessageText, result.Text, "")
		if err != nil {
			e.logger.Warn("session: persist triage message failed", "session_id", sessionID, "error", err)
			return nil
		}

		sess.DetectedIntent = result.DetectedIntent
		sess.AIUrgency = result.Urgency
		sess.AIConversationHandle = result.ConversationHandle
		e.broadcaster.Broadcast("session:"+sessionID, "session-update", sess)
		_ = msg
		return nil
	})
}

// difyStatus values report the outcome of the AI chat call a
// PlayerMessage triggers, per spec §6's `{..., difyStatus?}` response
// field (the teacher's AI provider is Dify-shaped — see
// internal/aiadapter). Empty means no AI call was attempted at all.
const (
	DifyStatusOK          = "ok"
	DifyStatusDegraded    = "degraded"
	DifyStatusUnavailable = "unavailable"
)

// PlayerMessage runs the `playerMessage(content, messageType)` transition.
// In PENDING it persists the player's message, calls AIAdapter.Chat,
// persists the AI reply, and runs a lightweight transfer-intent
// heuristic; in IN_PROGRESS it only persists the player's message (no
// AI). It returns the persisted player message, the AI reply message
// when PENDING produced one, and a difyStatus describing the AI call's
// outcome — the shape POST /sessions/:id/messages hands back verbatim
// (spec §6).
func (e *Engine) PlayerMessage(ctx context.Context, sessionID, content string, msgType domain.MessageType) (playerMsg, aiMsg *domain.Message, difyStatus string, err error) {
	if msgType == "" {
		msgType = domain.MessageText
	}
	err = e.withLock(sessionID, func() error {
		sess, err := e.repo.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		clean := sanitize.HTML(content)

		switch sess.Status {
		case domain.SessionInProgress:
			playerMsg, err = e.persistMessage(ctx, sessionID, domain.SenderPlayer, msgType, clean, "")
			return err

		case domain.SessionPending:
			playerMsg, err = e.persistMessage(ctx, sessionID, domain.SenderPlayer, msgType, clean, "")
			if err != nil {
				return err
			}

			if sess.PlayerLanguage() == "" {
				lang := detectLanguage(clean)
				if err := e.repo.SetSessionMetadata(ctx, sessionID, "playerLanguage", lang); err != nil {
					e.logger.Warn("session: persist player language failed", "session_id", sessionID, "error", err)
				}
			}

			ticket, err := e.repo.GetTicket(ctx, sess.TicketID)
			if err != nil {
				return err
			}
			game, err := e.repo.GetGame(ctx, ticket.GameID)
			if err != nil {
				return err
			}

			chat, err := e.ai.Chat(ctx, clean, game, sess.AIConversationHandle, sess.TicketID)
			if err != nil {
				// Chat errors degrade gracefully here: the player's
				// message is already durable, only the AI follow-up
				// is skipped (spec §4.6 failure semantics apply this
				// degradation to triage explicitly; chat follows the
				// same "never fail the player's request" principle).
				e.logger.Warn("session: ai chat failed, skipping reply", "session_id", sessionID, "error", err)
				difyStatus = DifyStatusUnavailable
				return nil
			}
			difyStatus = DifyStatusOK

			aiMsg, err = e.persistMessage(ctx, sessionID, domain.SenderAI, domain.MessageText, chat.Text, "")
			if err != nil {
				e.logger.Warn("session: persist ai reply failed", "session_id", sessionID, "error", err)
				difyStatus = DifyStatusDegraded
			}
			if err := e.repo.SetSessionAIResult(ctx, sessionID, sess.DetectedIntent, sess.AIUrgency, chat.ConversationHandle); err != nil {
				e.logger.Warn("session: persist conversation handle failed", "session_id", sessionID, "error", err)
			}

			if detectsTransferIntent(chat.Text) {
				if err := e.repo.SetSessionMetadata(ctx, sessionID, "transferIntentDetected", "true"); err != nil {
					e.logger.Warn("session: persist transfer intent failed", "session_id", sessionID, "error", err)
				}
			}
			return nil

		default:
			return fmt.Errorf("%w: playerMessage in status %s", ErrInvalidTransition, sess.Status)
		}
	})
	return playerMsg, aiMsg, difyStatus, err
}

// TransferToAgent runs the transfer protocol (spec §4.6). urgencyHint,
// if non-empty, overrides the session's AI-assigned urgency per the
// caller's payload (e.g. POST body {urgency:"URGENT"}).
func (e *Engine) TransferToAgent(ctx context.Context, sessionID string, urgencyHint domain.AIUrgency) (TransferResult, error) {
	var result TransferResult
	err := e.withLock(sessionID, func() error {
		sess, err := e.repo.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != domain.SessionPending {
			return fmt.Errorf("%w: transferToAgent in status %s", ErrInvalidTransition, sess.Status)
		}
		if !sess.AllowManualTransfer {
			return fmt.Errorf("%w: manual transfer not allowed for this session", ErrInvalidTransition)
		}

		ticket, err := e.repo.GetTicket(ctx, sess.TicketID)
		if err != nil {
			return err
		}
		if urgencyHint != "" {
			sess.AIUrgency = urgencyHint
			if err := e.repo.SetSessionAIResult(ctx, sessionID, sess.DetectedIntent, urgencyHint, sess.AIConversationHandle); err != nil {
				e.logger.Warn("session: persist urgency override failed", "session_id", sessionID, "error", err)
			}
		}

		agents, err := e.repo.ListOnlineAgents(ctx)
		if err != nil {
			return err
		}

		if len(agents) == 0 {
			result, err = e.escalateNoAgent(ctx, sess, ticket)
			return err
		}

		sysMsg := &domain.Message{
			ID: idgen.NewID(), SessionID: sessionID, SenderType: domain.SenderSystem,
			MessageType: domain.MessageSystemNotice, Content: "transferred to agent queue", CreatedAt: time.Now(),
		}
		pos, err := e.scheduler.Enqueue(ctx, sess, ticket, sysMsg)
		if err != nil {
			return err
		}

		result = TransferResult{Queued: true, QueuePosition: pos.Rank}
		if pos.ETAMinutes != nil {
			result.EstimatedWaitTime = *pos.ETAMinutes
		}

		if e.cfg.AutoAssignOnTransfer {
			if assignment, err := e.scheduler.AutoAssign(ctx, sess); err == nil {
				if err := e.completeAgentJoin(ctx, sess, assignment.AgentID); err != nil {
					e.logger.Warn("session: auto-assign join failed", "session_id", sessionID, "error", err)
				}
			} else if !errors.Is(err, queue.ErrNoAgentAvailable) {
				e.logger.Warn("session: auto-assign failed", "session_id", sessionID, "error", err)
			}
		}
		return nil
	})
	return result, err
}

// escalateNoAgent implements "transferToAgent with no ONLINE agent":
// convert the session to an asynchronous ticket and close it. Caller
// holds the session's mailbox lock.
func (e *Engine) escalateNoAgent(ctx context.Context, sess *domain.Session, ticket *domain.Ticket) (TransferResult, error) {
	now := time.Now()
	if err := e.repo.SetSessionTransfer(ctx, sess.ID, "no_agent", now); err != nil {
		return TransferResult{}, err
	}
	sysMsg := &domain.Message{
		ID: idgen.NewID(), SessionID: sess.ID, SenderType: domain.SenderSystem,
		MessageType: domain.MessageSystemNotice,
		Content:     "no agents are online right now; your ticket has been escalated and an agent will follow up",
		CreatedAt:   now,
	}
	if err := e.repo.CloseSession(ctx, sess.ID, domain.TicketWaiting, sysMsg); err != nil {
		return TransferResult{}, err
	}
	e.metrics.IncSessionClosed("no_agent")

	sess.Status = domain.SessionClosed
	e.broadcaster.Broadcast("session:"+sess.ID, "session-update", sess)
	e.broadcaster.Broadcast("session:"+sess.ID, "message", map[string]any{"sessionId": sess.ID, "message": sysMsg})
	e.broadcaster.Broadcast("ticket:"+ticket.ID, "ticket-update", map[string]any{"id": ticket.ID, "status": domain.TicketWaiting})

	return TransferResult{ConvertedToTicket: true, TicketNo: ticket.TicketNo}, nil
}

// AgentJoin runs the `agentJoin(agentId)` transition. It is idempotent:
// a second join by the same agent on an already-IN_PROGRESS session is
// a no-op (spec §8).
func (e *Engine) AgentJoin(ctx context.Context, sessionID, agentID string) error {
	return e.withLock(sessionID, func() error {
		sess, err := e.repo.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status == domain.SessionInProgress && sess.AgentID == agentID {
			return nil
		}
		if sess.Status != domain.SessionPending && sess.Status != domain.SessionQueued {
			return fmt.Errorf("%w: agentJoin in status %s", ErrInvalidTransition, sess.Status)
		}
		return e.completeAgentJoin(ctx, sess, agentID)
	})
}

// completeAgentJoin performs the atomic IN_PROGRESS transition. Caller
// holds sess's mailbox lock.
func (e *Engine) completeAgentJoin(ctx context.Context, sess *domain.Session, agentID string) error {
	agent, err := e.repo.GetUser(ctx, agentID)
	if err != nil {
		return err
	}
	sysMsg := &domain.Message{
		ID: idgen.NewID(), SessionID: sess.ID, SenderType: domain.SenderSystem,
		MessageType: domain.MessageSystemNotice, Content: agent.RealName + " joined", CreatedAt: time.Now(),
	}
	if err := e.repo.AgentJoin(ctx, sess.ID, agentID, sysMsg); err != nil {
		return err
	}
	if sess.QueuedAt != nil {
		e.metrics.ObserveQueueWait(time.Since(*sess.QueuedAt))
	}

	if ticket, err := e.repo.GetTicket(ctx, sess.TicketID); err == nil {
		e.scheduler.Cancel(ticket.GameID, sess.ID)
	}

	sess.Status = domain.SessionInProgress
	sess.AgentID = agentID
	e.broadcaster.Broadcast("session:"+sess.ID, "session-update", sess)
	e.broadcaster.Broadcast("session:"+sess.ID, "message", map[string]any{"sessionId": sess.ID, "message": sysMsg})
	return nil
}

// AgentMessage runs the `agentMessage(content, messageType)` transition:
// only the session's assigned agent may send.
func (e *Engine) AgentMessage(ctx context.Context, sessionID, agentID, content string, msgType domain.MessageType) error {
	if msgType == "" {
		msgType = domain.MessageText
	}
	return e.withLock(sessionID, func() error {
		sess, err := e.repo.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != domain.SessionInProgress {
			return fmt.Errorf("%w: agentMessage in status %s", ErrInvalidTransition, sess.Status)
		}
		if sess.AgentID != agentID {
			return ErrWrongAgent
		}
		_, err = e.persistMessage(ctx, sessionID, domain.SenderAgent, msgType, sanitize.HTML(content), agentID)
		return err
	})
}

// CloseByAgent runs the `closeByAgent()` transition, marking the ticket
// RESOLVED. admin=true is the administrator-cancel path, which leaves
// the ticket's status unchanged instead.
func (e *Engine) CloseByAgent(ctx context.Context, sessionID string, admin bool) error {
	closedBy := "agent"
	if admin {
		closedBy = "admin"
	}
	return e.withLock(sessionID, func() error {
		return e.close(ctx, sessionID, "closed by agent", closeOutcome{admin: admin, ticketStatus: domain.TicketResolved, closedBy: closedBy})
	})
}

// CloseByPlayer runs the `closeByPlayer()` transition: it marks the
// ticket WAITING, since the player may still return for an async
// follow-up, and prompts for a satisfaction rating.
func (e *Engine) CloseByPlayer(ctx context.Context, sessionID string) error {
	return e.withLock(sessionID, func() error {
		if err := e.close(ctx, sessionID, "closed by player", closeOutcome{ticketStatus: domain.TicketWaiting, closedBy: "player"}); err != nil {
			return err
		}
		e.broadcaster.Broadcast("session:"+sessionID, "rating-prompt", map[string]any{"sessionId": sessionID})
		return nil
	})
}

type closeOutcome struct {
	admin        bool
	ticketStatus domain.TicketStatus
	closedBy     string
}

// close is the shared CLOSED transition. Caller holds sessionID's
// mailbox lock. Idempotent: closing an already-CLOSED session succeeds
// with no further effect (spec §8).
func (e *Engine) close(ctx context.Context, sessionID, reason string, outcome closeOutcome) error {
	sess, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == domain.SessionClosed {
		return nil
	}

	ticket, err := e.repo.GetTicket(ctx, sess.TicketID)
	if err != nil {
		return err
	}

	ticketStatus := outcome.ticketStatus
	if outcome.admin {
		ticketStatus = ticket.Status
	}

	sysMsg := &domain.Message{
		ID: idgen.NewID(), SessionID: sessionID, SenderType: domain.SenderSystem,
		MessageType: domain.MessageSystemNotice, Content: reason, CreatedAt: time.Now(),
	}
	if err := e.repo.CloseSession(ctx, sessionID, ticketStatus, sysMsg); err != nil {
		return err
	}

	e.scheduler.Cancel(ticket.GameID, sessionID)
	e.metrics.IncSessionClosed(outcome.closedBy)

	sess.Status = domain.SessionClosed
	e.broadcaster.Broadcast("session:"+sessionID, "session-update", sess)
	e.broadcaster.Broadcast("session:"+sessionID, "message", map[string]any{"sessionId": sessionID, "message": sysMsg})
	e.broadcaster.Broadcast("ticket:"+ticket.ID, "ticket-update", map[string]any{"id": ticket.ID, "status": ticketStatus})
	return nil
}

func (e *Engine) persistMessage(ctx context.Context, sessionID string, sender domain.SenderType, msgType domain.MessageType, content, agentID string) (*domain.Message, error) {
	m := &domain.Message{
		ID: idgen.NewID(), SessionID: sessionID, SenderType: sender,
		MessageType: msgType, Content: content, AgentID: agentID, CreatedAt: time.Now(),
	}
	if err := e.repo.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	e.broadcaster.Broadcast("session:"+sessionID, "message", map[string]any{"sessionId": sessionID, "message": m})
	return m, nil
}

var transferKeywords = []string{"human agent", "talk to agent", "speak to a person", "representative"}

// detectsTransferIntent is a best-effort heuristic: no corpus example
// implements NLU intent detection, so a keyword match stands in for it,
// same spirit as the AI adapter's own keyword-based urgency rules.
func detectsTransferIntent(aiReply string) bool {
	lower := strings.ToLower(aiReply)
	for _, kw := range transferKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// detectLanguage is a minimal script-based heuristic (no language-ID
// library appears anywhere in the retrieval pack) used only to seed
// session.metadata.playerLanguage as a translation default; it never
// blocks or fails the message flow it's attached to.
func detectLanguage(text string) string {
	for _, r := range text {
		switch {
		case r >= 0x4E00 && r <= 0x9FFF:
			return "zh"
		case r >= 0x3040 && r <= 0x30FF:
			return "ja"
		case r >= 0xAC00 && r <= 0xD7A3:
			return "ko"
		case r >= 0x0600 && r <= 0x06FF:
			return "ar"
		case r >= 0x0400 && r <= 0x04FF:
			return "ru"
		}
	}
	return "en"
}
