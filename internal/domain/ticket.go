package domain

import "time"

// Attachment is a player-supplied file linked to a Ticket. The core only
// stores the URL and owner linkage; upload/storage is an external concern.
type Attachment struct {
	ID       string
	FileURL  string
	FileName string
	FileType string
}

// Ticket is the durable record of a player-reported problem. TicketNo and
// Token are immutable and unique once assigned.
type Ticket struct {
	ID             string
	TicketNo       string
	Token          string
	GameID         string
	ServerID       string
	ServerName     string
	PlayerIDOrName string
	Description    string
	OccurredAt     *time.Time
	PaymentOrderNo string
	Status         TicketStatus
	Priority       TicketPriority
	IssueTypeIDs   []string
	Attachments    []Attachment
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ServerKey normalizes the optional server reference into the key used by
// the composite open-ticket uniqueness index (gameId, serverKey,
// playerIdOrName, issueTypeId).
func (t *Ticket) ServerKey() string {
	if t.ServerID != "" {
		return t.ServerID
	}
	return t.ServerName
}

// OpenTicketKey is the composite uniqueness key for a given issue type.
// Exactly one Ticket per key may be in a non-terminal status at a time.
type OpenTicketKey struct {
	GameID         string
	ServerKey      string
	PlayerIDOrName string
	IssueTypeID    string
}

// Keys returns one OpenTicketKey per declared issue type, used to check
// or enforce the open-ticket-per-issue-type invariant.
func (t *Ticket) Keys() []OpenTicketKey {
	keys := make([]OpenTicketKey, 0, len(t.IssueTypeIDs))
	for _, it := range t.IssueTypeIDs {
		keys = append(keys, OpenTicketKey{
			GameID:         t.GameID,
			ServerKey:      t.ServerKey(),
			PlayerIDOrName: t.PlayerIDOrName,
			IssueTypeID:    it,
		})
	}
	return keys
}

// TicketMessage is an asynchronous reply on a ticket, used when no live
// session exists (e.g. after a no-agent escalation).
type TicketMessage struct {
	ID        string
	TicketID  string
	SenderID  string // empty => player
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// IssueType classifies a ticket and carries a routing hint.
type IssueType struct {
	ID                    string
	Name                  string
	PriorityWeight        int
	RequireDirectTransfer bool
	Enabled               bool
	SortOrder             int
}

// Game is a tenant; it owns AI credentials used by the AIAdapter.
type Game struct {
	ID                     string
	Name                   string
	Enabled                bool
	AICredentialCiphertext string
	AIBaseURL              string
}

// Server is an optional shard within a Game.
type Server struct {
	ID      string
	GameID  string
	Name    string
	Enabled bool
}
