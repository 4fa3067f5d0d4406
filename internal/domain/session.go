package domain

import "time"

// Session is a live conversational context bound to a Ticket. At most one
// Session per ticket may be in a non-CLOSED status at a time (enforced by
// the repository's transactional writes, not by this type).
type Session struct {
	ID                  string
	TicketID            string
	Status              SessionStatus
	AgentID             string
	PriorityScore       float64
	DetectedIntent      string
	AIUrgency           AIUrgency
	AIConversationHandle string
	AllowManualTransfer bool
	QueuedAt            *time.Time
	StartedAt           *time.Time
	ClosedAt            *time.Time
	TransferAt          *time.Time
	TransferReason      string
	Metadata            map[string]string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PlayerLanguage reads the detected player language out of metadata, the
// default translation target per spec §4.6.
func (s *Session) PlayerLanguage() string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata["playerLanguage"]
}

// SetPlayerLanguage stores the detected player language in metadata.
func (s *Session) SetPlayerLanguage(lang string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata["playerLanguage"] = lang
}

// transitions enumerates the only legal edges of the session state
// machine (spec §4.6 / §8): no edge ever returns to a previous state.
var transitions = map[SessionStatus]map[SessionStatus]bool{
	SessionPending:    {SessionQueued: true, SessionClosed: true, SessionInProgress: true},
	SessionQueued:     {SessionInProgress: true, SessionClosed: true},
	SessionInProgress: {SessionClosed: true},
}

// CanTransition reports whether moving from s.Status to next is a legal
// edge of the state machine DAG.
func (s *Session) CanTransition(next SessionStatus) bool {
	if s.Status == next {
		return true // idempotent no-op transitions are allowed by callers explicitly
	}
	edges, ok := transitions[s.Status]
	if !ok {
		return false
	}
	return edges[next]
}

// Invariant: AgentID is non-empty iff Status is IN_PROGRESS.
func (s *Session) AgentAssignmentValid() bool {
	if s.Status == SessionInProgress {
		return s.AgentID != ""
	}
	return s.AgentID == ""
}

// Message is an append-only entry in a session's conversation.
type Message struct {
	ID        string
	SessionID string
	SenderType SenderType
	MessageType MessageType
	Content   string
	AgentID   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// User is an agent or administrator.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	RealName     string
	IsOnline     bool
	LastLoginAt  *time.Time
}

// QuickReplyCategory groups QuickReply templates.
type QuickReplyCategory struct {
	ID        string
	Name      string
	SortOrder int
	DeletedAt *time.Time
}

// QuickReply is a templated agent response.
type QuickReply struct {
	ID         string
	CategoryID string
	Title      string
	Content    string
	UsageCount int
	IsFavorite bool
	DeletedAt  *time.Time
}

// SatisfactionRating is the player's 1-5 rating of a closed session.
type SatisfactionRating struct {
	SessionID string
	Rating    int
	Comment   string
	CreatedAt time.Time
}
