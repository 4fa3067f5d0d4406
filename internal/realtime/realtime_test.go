package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/playfront/cs-dispatch/internal/auth"
	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/ratelimit"
	"github.com/playfront/cs-dispatch/internal/store"
)

// fakeHubRepo is a minimal store.Repository stand-in covering only the
// methods the hub calls directly (join-session-by-token resolution and
// agent presence).
type fakeHubRepo struct {
	store.Repository
	mu    sync.Mutex
	users map[string]*domain.User
}

func newFakeHubRepo() *fakeHubRepo {
	return &fakeHubRepo{users: map[string]*domain.User{
		"agent1": {ID: "agent1", Username: "agent1", Role: domain.RoleAgent, RealName: "Agent One"},
	}}
}

var errNotUsedInTest = errors.New("realtime test: ticket lookup not exercised")

func (f *fakeHubRepo) GetTicketByToken(context.Context, string) (*domain.Ticket, error) {
	return nil, errNotUsedInTest
}

func (f *fakeHubRepo) GetUser(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id], nil
}

func (f *fakeHubRepo) SetUserOnline(_ context.Context, userID string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.IsOnline = online
	}
	return nil
}

func testPolicy() ratelimit.WSPolicy {
	return ratelimit.WSPolicy{
		PlayerPerMinute: 200, PlayerBurst: 3,
		AgentPerMinute: 600, AgentBurst: 60,
		NoticeCooldown: 50 * time.Millisecond,
		IdleSweepAfter: time.Minute,
	}
}

func newTestHub() (*Hub, *httptest.Server) {
	repo := newFakeHubRepo()
	issuer := auth.NewIssuer("test-secret", time.Hour)
	limiters := ratelimit.NewConnectionLimiters(testPolicy())
	hub := New(repo, issuer, limiters, nil, nil)
	srv := httptest.NewServer(hub)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendHandshake(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	payload := map[string]any{"auth": map[string]string{"token": token}}
	data, _ := json.Marshal(payload)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return m
}

func TestAnonymousPlayerConnect_PingPong(t *testing.T) {
	_, srv := newTestHub()
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendHandshake(t, conn, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["event"] != "pong" {
		t.Fatalf("expected pong, got %+v", frame)
	}
}

func TestAgentConnect_SetsPresenceOnline(t *testing.T) {
	hub, srv := newTestHub()
	defer srv.Close()

	issuer := auth.NewIssuer("test-secret", time.Hour)
	token, _ := issuer.Issue(&domain.User{ID: "agent1", Username: "agent1", Role: domain.RoleAgent})

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")
	sendHandshake(t, conn, token)

	// Give the server goroutine a moment to process the handshake and
	// flip presence before we assert.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		n := len(hub.conns)
		hub.mu.RUnlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	repo := hub.repo.(*fakeHubRepo)
	repo.mu.Lock()
	online := repo.users["agent1"].IsOnline
	repo.mu.Unlock()
	if !online {
		t.Fatalf("expected agent1 to be marked online after connect")
	}
}

func TestJoinSession_AcksSuccessAndReceivesBroadcast(t *testing.T) {
	hub, srv := newTestHub()
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")
	sendHandshake(t, conn, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"join-session","sessionId":"s1","ackId":"ack-1"}`)); err != nil {
		t.Fatalf("write join-session: %v", err)
	}

	ack := readFrame(t, conn)
	if ack["success"] != true || ack["ackId"] != "ack-1" {
		t.Fatalf("expected successful ack, got %+v", ack)
	}

	hub.Broadcast("session:s1", "session-update", map[string]string{"status": "QUEUED"})

	frame := readFrame(t, conn)
	if frame["event"] != "session-update" {
		t.Fatalf("expected session-update broadcast, got %+v", frame)
	}
}

func TestRateLimit_ExcessSendsGet429001Once(t *testing.T) {
	_, srv := newTestHub()
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")
	sendHandshake(t, conn, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Burst is 3 for this test's policy; drain it, then exceed it twice
	// in immediate succession.
	for i := 0; i < 3; i++ {
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"ping"}`)); err != nil {
			t.Fatalf("write ping %d: %v", i, err)
		}
		readFrame(t, conn) // pong
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"ping"}`)); err != nil {
		t.Fatalf("write over-limit ping 1: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"ping"}`)); err != nil {
		t.Fatalf("write over-limit ping 2: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["event"] != "error" {
		t.Fatalf("expected a rate-limit error frame, got %+v", frame)
	}
	payload, _ := frame["payload"].(map[string]any)
	if payload["code"] != "429001" {
		t.Fatalf("expected code 429001, got %+v", payload)
	}
}
