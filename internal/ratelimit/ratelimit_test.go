package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBucket_AllowsUpToBurstThenRejects(t *testing.T) {
	b := NewBucket(60, 2, time.Second)

	if allowed, _ := b.Allow(); !allowed {
		t.Fatal("expected first request to be allowed")
	}
	if allowed, _ := b.Allow(); !allowed {
		t.Fatal("expected second request within burst to be allowed")
	}
	allowed, notify := b.Allow()
	if allowed {
		t.Fatal("expected third request to exceed burst and be rejected")
	}
	if !notify {
		t.Error("expected the first rejection to request a notice")
	}
}

func TestBucket_NoticeCooldownSuppressesRepeatNotices(t *testing.T) {
	b := NewBucket(60, 1, time.Minute)
	b.Allow() // consumes the only token

	_, notify1 := b.Allow()
	_, notify2 := b.Allow()
	if !notify1 {
		t.Fatal("expected the first rejection to notify")
	}
	if notify2 {
		t.Error("expected a second rejection within the cooldown window to stay silent")
	}
}

func TestConnectionLimiters_ForConnectionSizesByRole(t *testing.T) {
	policy := WSPolicy{PlayerPerMinute: 60, PlayerBurst: 1, AgentPerMinute: 600, AgentBurst: 5, NoticeCooldown: time.Second}
	limiters := NewConnectionLimiters(policy)

	player := limiters.ForConnection("conn-1", false)
	if allowed, _ := player.Allow(); !allowed {
		t.Fatal("expected first player request allowed")
	}
	if allowed, _ := player.Allow(); allowed {
		t.Error("expected player burst of 1 to reject the second immediate request")
	}

	agent := limiters.ForConnection("conn-2", true)
	for i := 0; i < 5; i++ {
		if allowed, _ := agent.Allow(); !allowed {
			t.Fatalf("expected agent request %d within burst of 5 to be allowed", i)
		}
	}
}

func TestConnectionLimiters_RemoveDropsBucket(t *testing.T) {
	limiters := NewConnectionLimiters(DefaultWSPolicy())
	first := limiters.ForConnection("conn-1", false)
	limiters.Remove("conn-1")
	second := limiters.ForConnection("conn-1", false)
	if first == second {
		t.Error("expected a fresh bucket to be created after Remove")
	}
}

func TestHTTPLimiters_KeyedIndependently(t *testing.T) {
	limiters := NewHTTPLimiters(60, 1)
	if !limiters.Allow("user:a") {
		t.Fatal("expected first request for user:a to be allowed")
	}
	if limiters.Allow("user:a") {
		t.Error("expected second immediate request for user:a to be rejected")
	}
	if !limiters.Allow("user:b") {
		t.Error("expected user:b to have its own independent bucket")
	}
}

func TestKeyFor_PrecedenceCascade(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.RemoteAddr = "10.0.0.5:1234"

	withAll := func(r *http.Request) (string, string, string) { return "u1", "s1", "t1" }
	if got := KeyFor(req, withAll); got != "user:u1" {
		t.Errorf("expected userId to win precedence, got %q", got)
	}

	withSessionOnly := func(r *http.Request) (string, string, string) { return "", "s1", "t1" }
	if got := KeyFor(req, withSessionOnly); got != "session:s1" {
		t.Errorf("expected sessionId to win when userId is empty, got %q", got)
	}

	withTokenOnly := func(r *http.Request) (string, string, string) { return "", "", "t1" }
	if got := KeyFor(req, withTokenOnly); got != "token:t1" {
		t.Errorf("expected ticketToken to win when userId/sessionId are empty, got %q", got)
	}

	withNone := func(r *http.Request) (string, string, string) { return "", "", "" }
	if got := KeyFor(req, withNone); got != "ip:10.0.0.5:1234" {
		t.Errorf("expected client IP fallback, got %q", got)
	}
}
