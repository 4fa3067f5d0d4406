// Package store provides the transactional data-access boundary (spec
// §4.1): durable persistence of tickets, sessions, messages, users, and
// their supporting reference tables, plus the composite queries the
// engine and queue scheduler need.
package store

import (
	"context"
	"time"

	"github.com/playfront/cs-dispatch/internal/domain"
)

// SessionFilter narrows the session listing query.
type SessionFilter struct {
	GameID  string
	AgentID string
	Status  domain.SessionStatus
	Since   time.Time
	Until   time.Time
	Offset  int
	Limit   int
}

// TicketFilter narrows the ticket search query.
type TicketFilter struct {
	GameID   string
	Status   domain.TicketStatus
	Priority domain.TicketPriority
	Query    string // free-text match against description/ticketNo
	Offset   int
	Limit    int
}

// EnqueueResult is the data persisted atomically by Repository.Enqueue.
type EnqueueResult struct {
	Session *domain.Session
	Message *domain.Message
}

// Repository is the transactional boundary every other component talks
// to. All multi-row state changes that span entities are expressed as a
// single atomic unit of work; see the method doc comments for which ones.
// Implementations return storeerr.ConflictError / NotFoundError /
// TransientStorageError to let callers branch without string-sniffing.
type Repository interface {
	// --- tickets ---

	CreateTicket(ctx context.Context, t *domain.Ticket) error
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)
	GetTicketByToken(ctx context.Context, token string) (*domain.Ticket, error)
	GetTicketByNo(ctx context.Context, ticketNo string) (*domain.Ticket, error)
	UpdateTicketStatus(ctx context.Context, id string, status domain.TicketStatus) error
	UpdateTicketPriority(ctx context.Context, id string, priority domain.TicketPriority) error
	FindOpenTicket(ctx context.Context, key domain.OpenTicketKey) (*domain.Ticket, error)
	SearchTickets(ctx context.Context, f TicketFilter) ([]*domain.Ticket, int, error)
	NextTicketSequence(ctx context.Context, gameID string, day string) (int, error)

	// --- sessions ---

	// CreateSession persists a brand-new PENDING session for a ticket.
	// Fails with ConflictError if the ticket already has a live session.
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	GetLiveSessionByTicket(ctx context.Context, ticketID string) (*domain.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*domain.Session, int, error)
	ListQueuedSessions(ctx context.Context, gameID string) ([]*domain.Session, error)

	// Enqueue atomically sets status=QUEUED, queuedAt=now, priorityScore,
	// and appends the given SYSTEM message (if non-nil).
	Enqueue(ctx context.Context, sessionID string, score float64, sysMsg *domain.Message) error
	// AgentJoin atomically sets status=IN_PROGRESS, agentId, startedAt,
	// appends the given SYSTEM message, and sets the ticket's status.
	AgentJoin(ctx context.Context, sessionID, agentID string, sysMsg *domain.Message) error
	// Assign atomically sets agentId without changing status (admin
	// override, spec §4.5's assign operation).
	Assign(ctx context.Context, sessionID, agentID string) error
	// CloseSession atomically sets status=CLOSED, closedAt, appends the
	// given SYSTEM message, and sets the ticket's status.
	CloseSession(ctx context.Context, sessionID string, ticketStatus domain.TicketStatus, sysMsg *domain.Message) error
	UpdateSessionScore(ctx context.Context, sessionID string, score float64) error
	SetSessionMetadata(ctx context.Context, sessionID, key, value string) error
	SetSessionTransfer(ctx context.Context, sessionID, reason string, at time.Time) error
	// SetSessionAIResult persists the triage/chat outcome fields that
	// live outside session.metadata: detected intent, AI urgency label,
	// and the provider's conversation handle for follow-up turns.
	SetSessionAIResult(ctx context.Context, sessionID, detectedIntent string, urgency domain.AIUrgency, conversationHandle string) error

	// --- messages ---

	AppendMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	SetMessageTranslation(ctx context.Context, messageID, lang, translated, sourceLang, provider string, at time.Time) error
	GetMessageTranslation(ctx context.Context, messageID, lang string) (translated, sourceLang, provider string, at time.Time, ok bool, err error)

	// --- ticket messages (async, no live session) ---

	AppendTicketMessage(ctx context.Context, m *domain.TicketMessage) error
	ListTicketMessages(ctx context.Context, ticketID string) ([]*domain.TicketMessage, error)

	// --- users / presence ---

	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	SetUserOnline(ctx context.Context, userID string, online bool) error
	ListOnlineAgents(ctx context.Context) ([]*domain.User, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
	CountInProgressSessionsByAgent(ctx context.Context, agentIDs []string) (map[string]int, error)

	// --- reference / supporting data ---

	GetIssueType(ctx context.Context, id string) (*domain.IssueType, error)
	ListIssueTypes(ctx context.Context, gameID string) ([]*domain.IssueType, error)
	GetGame(ctx context.Context, id string) (*domain.Game, error)
	ListQuickReplies(ctx context.Context, categoryID string) ([]*domain.QuickReply, error)
	IncrementQuickReplyUsage(ctx context.Context, id string) error
	RecordSatisfactionRating(ctx context.Context, r *domain.SatisfactionRating) error
	GetSatisfactionRating(ctx context.Context, sessionID string) (*domain.SatisfactionRating, error)
	RecentClosedSessionDurations(ctx context.Context, gameID string, limit int) ([]time.Duration, error)

	Ping(ctx context.Context) error
	Close() error
}
