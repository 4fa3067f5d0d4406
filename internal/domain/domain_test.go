package domain

import "testing"

func TestSession_CanTransition(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionPending, SessionQueued, true},
		{SessionPending, SessionInProgress, true},
		{SessionPending, SessionClosed, true},
		{SessionQueued, SessionInProgress, true},
		{SessionQueued, SessionClosed, true},
		{SessionQueued, SessionPending, false},
		{SessionInProgress, SessionClosed, true},
		{SessionInProgress, SessionQueued, false},
		{SessionClosed, SessionQueued, false},
		{SessionClosed, SessionInProgress, false},
		{SessionInProgress, SessionInProgress, true}, // idempotent no-op
	}
	for _, tc := range cases {
		s := &Session{Status: tc.from}
		if got := s.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSession_AgentAssignmentValid(t *testing.T) {
	inProgressNoAgent := &Session{Status: SessionInProgress}
	if inProgressNoAgent.AgentAssignmentValid() {
		t.Error("expected invalid: IN_PROGRESS with no agent")
	}
	inProgressWithAgent := &Session{Status: SessionInProgress, AgentID: "a1"}
	if !inProgressWithAgent.AgentAssignmentValid() {
		t.Error("expected valid: IN_PROGRESS with agent")
	}
	queuedWithAgent := &Session{Status: SessionQueued, AgentID: "a1"}
	if queuedWithAgent.AgentAssignmentValid() {
		t.Error("expected invalid: QUEUED must not carry an agent")
	}
	queuedNoAgent := &Session{Status: SessionQueued}
	if !queuedNoAgent.AgentAssignmentValid() {
		t.Error("expected valid: QUEUED with no agent")
	}
}

func TestSession_PlayerLanguage(t *testing.T) {
	s := &Session{}
	if got := s.PlayerLanguage(); got != "" {
		t.Errorf("expected empty language on nil metadata, got %q", got)
	}
	s.SetPlayerLanguage("ja")
	if got := s.PlayerLanguage(); got != "ja" {
		t.Errorf("expected ja, got %q", got)
	}
}

func TestTicketStatus_IsOpen(t *testing.T) {
	open := []TicketStatus{TicketNew, TicketInProgress, TicketWaiting}
	closed := []TicketStatus{TicketResolved, TicketClosed}
	for _, s := range open {
		if !s.IsOpen() {
			t.Errorf("%s should be open", s)
		}
	}
	for _, s := range closed {
		if s.IsOpen() {
			t.Errorf("%s should not be open", s)
		}
	}
}

func TestTicketPriority_Weight(t *testing.T) {
	cases := map[TicketPriority]float64{
		PriorityLow:    0,
		PriorityNormal: 25,
		PriorityHigh:   60,
		PriorityUrgent: 90,
		TicketPriority("BOGUS"): 0,
	}
	for p, want := range cases {
		if got := p.Weight(); got != want {
			t.Errorf("%s.Weight() = %v, want %v", p, got, want)
		}
	}
}

func TestTicket_ServerKeyAndKeys(t *testing.T) {
	withServerID := &Ticket{GameID: "g1", ServerID: "s1", ServerName: "Server One", PlayerIDOrName: "alice", IssueTypeIDs: []string{"bug", "payment"}}
	if got := withServerID.ServerKey(); got != "s1" {
		t.Errorf("expected ServerID to take precedence, got %q", got)
	}

	withNameOnly := &Ticket{GameID: "g1", ServerName: "Server One", PlayerIDOrName: "alice"}
	if got := withNameOnly.ServerKey(); got != "Server One" {
		t.Errorf("expected ServerName fallback, got %q", got)
	}

	keys := withServerID.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	want := []OpenTicketKey{
		{GameID: "g1", ServerKey: "s1", PlayerIDOrName: "alice", IssueTypeID: "bug"},
		{GameID: "g1", ServerKey: "s1", PlayerIDOrName: "alice", IssueTypeID: "payment"},
	}
	for i, k := range keys {
		if k != want[i] {
			t.Errorf("key %d = %+v, want %+v", i, k, want[i])
		}
	}
}
