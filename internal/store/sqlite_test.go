package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/store"
	"github.com/playfront/cs-dispatch/internal/storeerr"
)

// openTestStore opens a fresh in-memory SQLite-backed repository with
// migrations applied, the same pattern the teacher's store tests use
// against a throwaway database file. store.Open(":memory:") resolves to
// a shared-cache anonymous database that lives only as long as this
// store's connections stay open; Cleanup closes it before the next
// test's Open call creates its own.
func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestTicket(gameID string, issueTypeIDs ...string) *domain.Ticket {
	now := time.Now().UTC()
	return &domain.Ticket{
		ID:             uuid.NewString(),
		TicketNo:       "T-" + uuid.NewString()[:8],
		Token:          uuid.NewString(),
		GameID:         gameID,
		PlayerIDOrName: "alice",
		Description:    "recharge missing",
		Status:         domain.TicketNew,
		Priority:       domain.PriorityNormal,
		IssueTypeIDs:   issueTypeIDs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateAndGetTicket_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ticket := newTestTicket("game1", "issue1")
	if err := s.CreateTicket(ctx, ticket); err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	byID, err := s.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get ticket by id: %v", err)
	}
	if byID.TicketNo != ticket.TicketNo || len(byID.IssueTypeIDs) != 1 {
		t.Fatalf("round trip mismatch: %+v", byID)
	}

	byToken, err := s.GetTicketByToken(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("get ticket by token: %v", err)
	}
	if byToken.ID != ticket.ID {
		t.Fatalf("token lookup returned wrong ticket")
	}

	byNo, err := s.GetTicketByNo(ctx, ticket.TicketNo)
	if err != nil {
		t.Fatalf("get ticket by no: %v", err)
	}
	if byNo.ID != ticket.ID {
		t.Fatalf("ticket_no lookup returned wrong ticket")
	}

	if _, err := s.GetTicket(ctx, "missing"); !storeerr.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

// TestFindOpenTicket_MissReturnsNotFound pins the contract httpapi's
// createTicket handler relies on: a miss must be a NotFoundError, not a
// nil/nil pair, or the handler's issue-type loop would stop checking
// after the first issue type with no open ticket.
func TestFindOpenTicket_MissReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.FindOpenTicket(ctx, domain.OpenTicketKey{
		GameID: "game1", ServerKey: "", PlayerIDOrName: "alice", IssueTypeID: "issue1",
	})
	if !storeerr.IsNotFound(err) {
		t.Fatalf("expected NotFoundError on miss, got %v", err)
	}
}

// TestOpenTicketKey_RejectsDuplicate exercises the spec §3 invariant:
// at most one open ticket per (gameId, serverKey, playerIdOrName,
// issueTypeId). The partial unique index on ticket_issue_types should
// reject the second insert while the first ticket stays open.
func TestOpenTicketKey_RejectsDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := newTestTicket("game1", "issue1")
	if err := s.CreateTicket(ctx, first); err != nil {
		t.Fatalf("create first ticket: %v", err)
	}

	found, err := s.FindOpenTicket(ctx, domain.OpenTicketKey{
		GameID: "game1", ServerKey: "", PlayerIDOrName: "alice", IssueTypeID: "issue1",
	})
	if err != nil {
		t.Fatalf("find open ticket: %v", err)
	}
	if found == nil || found.ID != first.ID {
		t.Fatalf("expected to find the open ticket, got %+v", found)
	}

	// A second ticket sharing the same (gameId, serverKey,
	// playerIdOrName, issueTypeId) while the first is still open must be
	// rejected by the composite partial unique index.
	second := newTestTicket("game1", "issue1")
	if err := s.CreateTicket(ctx, second); err == nil {
		t.Fatalf("expected conflict creating a duplicate open ticket")
	} else if !storeerr.IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	// A ticket with the same composite key but a DIFFERENT game must be
	// unaffected — the key is scoped per tenant.
	otherGame := newTestTicket("game2", "issue1")
	if err := s.CreateTicket(ctx, otherGame); err != nil {
		t.Fatalf("create ticket in a different game: %v", err)
	}

	// Resolving the first ticket should free the composite key for a
	// fresh insert to succeed and for FindOpenTicket to pick it up.
	if err := s.UpdateTicketStatus(ctx, first.ID, domain.TicketResolved); err != nil {
		t.Fatalf("resolve first ticket: %v", err)
	}
	third := newTestTicket("game1", "issue1")
	if err := s.CreateTicket(ctx, third); err != nil {
		t.Fatalf("create ticket after first resolved: %v", err)
	}
	found, err = s.FindOpenTicket(ctx, domain.OpenTicketKey{
		GameID: "game1", ServerKey: "", PlayerIDOrName: "alice", IssueTypeID: "issue1",
	})
	if err != nil {
		t.Fatalf("find open ticket after resolve: %v", err)
	}
	if found == nil || found.ID != third.ID {
		t.Fatalf("expected the third ticket to now be the open one, got %+v", found)
	}
}

func TestSessionLifecycle_EnqueueJoinClose(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ticket := newTestTicket("game1", "issue1")
	if err := s.CreateTicket(ctx, ticket); err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	now := time.Now().UTC()
	sess := &domain.Session{
		ID:                  uuid.NewString(),
		TicketID:            ticket.ID,
		Status:              domain.SessionPending,
		AllowManualTransfer: true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// A second live session for the same ticket must be rejected by the
	// unique partial index (spec §8: at most one PENDING/QUEUED/
	// IN_PROGRESS session per ticket).
	dup := &domain.Session{ID: uuid.NewString(), TicketID: ticket.ID, Status: domain.SessionPending, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateSession(ctx, dup); err == nil {
		t.Fatalf("expected error creating a second live session for the same ticket")
	}

	sysMsg := &domain.Message{ID: uuid.NewString(), SessionID: sess.ID, SenderType: domain.SenderSystem, MessageType: domain.MessageSystemNotice, Content: "queued", CreatedAt: now}
	if err := s.Enqueue(ctx, sess.ID, 42.5, sysMsg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session after enqueue: %v", err)
	}
	if got.Status != domain.SessionQueued || got.PriorityScore != 42.5 || got.QueuedAt == nil {
		t.Fatalf("unexpected post-enqueue state: %+v", got)
	}

	joinMsg := &domain.Message{ID: uuid.NewString(), SessionID: sess.ID, SenderType: domain.SenderSystem, MessageType: domain.MessageSystemNotice, Content: "agent joined", CreatedAt: now}
	if err := s.AgentJoin(ctx, sess.ID, "agent1", joinMsg); err != nil {
		t.Fatalf("agent join: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session after join: %v", err)
	}
	if got.Status != domain.SessionInProgress || got.AgentID != "agent1" || got.StartedAt == nil {
		t.Fatalf("unexpected post-join state: %+v", got)
	}

	closeMsg := &domain.Message{ID: uuid.NewString(), SessionID: sess.ID, SenderType: domain.SenderSystem, MessageType: domain.MessageSystemNotice, Content: "closed", CreatedAt: now}
	if err := s.CloseSession(ctx, sess.ID, domain.TicketResolved, closeMsg); err != nil {
		t.Fatalf("close session: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session after close: %v", err)
	}
	if got.Status != domain.SessionClosed || got.ClosedAt == nil {
		t.Fatalf("unexpected post-close state: %+v", got)
	}
	ticketAfter, err := s.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get ticket after close: %v", err)
	}
	if ticketAfter.Status != domain.TicketResolved {
		t.Fatalf("expected ticket RESOLVED, got %s", ticketAfter.Status)
	}

	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 system messages (queue/join/close), got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].CreatedAt.After(msgs[i].CreatedAt) {
			t.Fatalf("messages not in ascending createdAt order")
		}
	}

	// Closing an already-closed session a second time must be idempotent
	// (spec §8) and must not append a second closed-SYSTEM message.
	if err := s.CloseSession(ctx, sess.ID, domain.TicketResolved, nil); err != nil {
		t.Fatalf("idempotent close: %v", err)
	}
	msgsAfter, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list messages after idempotent close: %v", err)
	}
	if len(msgsAfter) != len(msgs) {
		t.Fatalf("idempotent close should not append messages, got %d vs %d", len(msgsAfter), len(msgs))
	}
}

func TestMessageTranslationCache_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ticket := newTestTicket("game1", "issue1")
	if err := s.CreateTicket(ctx, ticket); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	now := time.Now().UTC()
	sess := &domain.Session{ID: uuid.NewString(), TicketID: ticket.ID, Status: domain.SessionPending, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	msg := &domain.Message{ID: uuid.NewString(), SessionID: sess.ID, SenderType: domain.SenderPlayer, MessageType: domain.MessageText, Content: "hola", CreatedAt: now}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append message: %v", err)
	}

	_, _, _, _, ok, err := s.GetMessageTranslation(ctx, msg.ID, "en")
	if err != nil {
		t.Fatalf("lookup cache: %v", err)
	}
	if ok {
		t.Fatalf("expected no cached translation before first call")
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := s.SetMessageTranslation(ctx, msg.ID, "en", "hello", "es", "test-provider", at); err != nil {
		t.Fatalf("set translation: %v", err)
	}

	translated, sourceLang, provider, gotAt, ok, err := s.GetMessageTranslation(ctx, msg.ID, "en")
	if err != nil {
		t.Fatalf("get translation: %v", err)
	}
	if !ok || translated != "hello" || sourceLang != "es" || provider != "test-provider" || !gotAt.Equal(at) {
		t.Fatalf("unexpected cached translation: %q %q %q %v", translated, sourceLang, provider, gotAt)
	}

	original, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get original message: %v", err)
	}
	if original.Content != "hola" {
		t.Fatalf("translation must not mutate original content, got %q", original.Content)
	}
}

func TestListOnlineAgentsAndPresence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	// No direct CreateUser on the Repository interface (users are
	// CRUD-collaborator owned per spec §1); seed via the package-private
	// path the store exposes for tests isn't available, so this exercises
	// only the read paths against an empty table.
	agents, err := s.ListOnlineAgents(ctx)
	if err != nil {
		t.Fatalf("list online agents: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("expected no online agents in a fresh store, got %d", len(agents))
	}
}
