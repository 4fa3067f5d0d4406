// Package realtime is the RealtimeHub (spec §4.7): a WebSocket server
// multiplexing session/ticket/presence rooms over per-connection
// channels. The accept/read-loop/write-loop shape and the registry of
// live connections are grounded on the teacher's
// internal/terminal/{websocket.go,manager.go}, re-expressed for
// room-based pub/sub instead of a single user/session terminal stream.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/playfront/cs-dispatch/internal/auth"
	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/idgen"
	"github.com/playfront/cs-dispatch/internal/metrics"
	"github.com/playfront/cs-dispatch/internal/ratelimit"
	"github.com/playfront/cs-dispatch/internal/sanitize"
	"github.com/playfront/cs-dispatch/internal/store"
)

const (
	closeInvalidAuth   = 4001
	closeForbiddenRole = 4003
	closeIdleTimeout   = 4000

	heartbeatWindow = 60 * time.Second
	presenceGrace   = 30 * time.Second
)

// SessionOps is the narrow slice of internal/session.Engine the hub
// needs for the client→server event that mutates state
// (agent:send-message). Declared here rather than imported as a
// concrete type to avoid a realtime<->session import cycle.
type SessionOps interface {
	AgentMessage(ctx context.Context, sessionID, agentID, content string, msgType domain.MessageType) error
}

// envelope is the wire shape of every server->client push.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// clientFrame is the wire shape of every client->server message; Data
// carries the event-specific fields loosely typed, since the event set
// is small and fixed.
type clientFrame struct {
	Event     string `json:"event"`
	AckID     string `json:"ackId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	TicketID  string `json:"ticketId,omitempty"`
	Content   string `json:"content,omitempty"`
	Token     string `json:"ticketToken,omitempty"`
}

type ackFrame struct {
	AckID     string `json:"ackId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// conn is one live WebSocket connection's hub-side state.
type conn struct {
	id       string
	ws       *websocket.Conn
	userID   string
	role     domain.Role
	bucket   *ratelimit.Bucket
	lastSeen time.Time

	mu    sync.Mutex
	rooms map[string]bool
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) join(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = true
}

func (c *conn) leave(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

// Hub is the RealtimeHub. One Hub serves every connection and room.
type Hub struct {
	repo      store.Repository
	issuer    *auth.Issuer
	limiters  *ratelimit.ConnectionLimiters
	metrics   *metrics.Collector
	logger    *slog.Logger
	sessionOp SessionOps

	mu    sync.RWMutex
	conns map[string]*conn            // connectionID -> conn
	rooms map[string]map[string]*conn // room -> connectionID -> conn

	presence sync.Map // userID -> *time.Timer (pending offline-flip)
}

// New builds a Hub. limiters should already be constructed with the
// desired WSPolicy (ratelimit.DefaultWSPolicy or an override). collector
// may be nil.
func New(repo store.Repository, issuer *auth.Issuer, limiters *ratelimit.ConnectionLimiters, collector *metrics.Collector, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		repo:     repo,
		issuer:   issuer,
		limiters: limiters,
		metrics:  collector,
		logger:   logger,
		conns:    make(map[string]*conn),
		rooms:    make(map[string]map[string]*conn),
	}
}

// SetSessionOps wires the session engine after construction, breaking
// the realtime<->session initialization cycle (the engine needs a
// Broadcaster built from this Hub).
func (h *Hub) SetSessionOps(ops SessionOps) {
	h.sessionOp = ops
}

// Broadcast implements queue.Broadcaster and session.Broadcaster: push
// event/payload to every connection in room, best-effort, in the order
// callers invoke it (spec §4.7's within-room ordering guarantee —
// broadcasts are issued from the caller's single-writer mailbox, so
// sequential calls here preserve that order per room).
func (h *Hub) Broadcast(room, event string, payload any) {
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*conn, 0, len(members))
	for _, c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	env := envelope{Event: event, Payload: payload}
	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.writeJSON(ctx, env); err != nil {
			h.logger.Debug("realtime: broadcast write failed", "connection_id", c.id, "room", room, "error", err)
		}
		cancel()
	}
}

// ServeHTTP upgrades the connection and runs its lifecycle to
// completion. Auth is carried in the first frame per spec §4.7
// ("Handshake carries {auth:{token}}") since coder/websocket's Accept
// does not support a custom sub-protocol handshake payload.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Warn("realtime: accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	principal, ok := h.authenticate(ctx, ws)
	if !ok {
		return
	}

	role := principal.Role
	if role == "" {
		role = domain.RoleAnon
	}
	if role != domain.RoleAdmin && role != domain.RoleAgent && role != domain.RolePlayer && role != domain.RoleAnon {
		_ = ws.Close(closeForbiddenRole, "role not permitted")
		return
	}

	connID := idgen.NewID()
	c := &conn{
		id:       connID,
		ws:       ws,
		userID:   principal.UserID,
		role:     role,
		bucket:   h.limiters.ForConnection(connID, role == domain.RoleAgent || role == domain.RoleAdmin),
		lastSeen: time.Now(),
		rooms:    make(map[string]bool),
	}
	h.register(c)
	defer h.unregister(c)

	if role == domain.RoleAgent {
		h.setOnline(ctx, c.userID, true)
		defer h.onDisconnectGrace(c.userID)
	}

	h.readLoop(ctx, c)
}

// authenticate reads the first frame expecting {"auth":{"token":"..."}}.
func (h *Hub) authenticate(ctx context.Context, ws *websocket.Conn) (*auth.Principal, bool) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		_ = ws.Close(closeInvalidAuth, "handshake read failed")
		return nil, false
	}

	var handshake struct {
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(data, &handshake); err != nil || handshake.Auth.Token == "" {
		// Anonymous player connections carry no token at all.
		return &auth.Principal{Role: domain.RoleAnon}, true
	}

	principal, err := h.issuer.Verify(handshake.Auth.Token)
	if err != nil {
		_ = ws.Close(closeInvalidAuth, "invalid or expired token")
		return nil, false
	}
	return principal, true
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	if c.role == domain.RoleAdmin {
		h.addToRoomLocked("presence", c)
	}
	h.metrics.IncWSConnection()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	for room := range c.rooms {
		delete(h.rooms[room], c.id)
	}
	h.limiters.Remove(c.id)
	h.metrics.DecWSConnection()
}

func (h *Hub) addToRoomLocked(room string, c *conn) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*conn)
	}
	h.rooms[room][c.id] = c
	c.join(room)
}

func (h *Hub) joinRoom(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addToRoomLocked(room, c)
}

func (h *Hub) leaveRoom(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.rooms[room]; members != nil {
		delete(members, c.id)
	}
	c.leave(room)
}

// readLoop drives one connection until disconnect or idle timeout.
func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, heartbeatWindow)
		_, data, err := c.ws.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && readCtx.Err() != nil {
				_ = c.ws.Close(closeIdleTimeout, "no frames received")
			}
			return
		}
		c.lastSeen = time.Now()

		allowed, shouldNotify := c.bucket.Allow()
		if !allowed {
			h.metrics.IncWSRateLimitReject(string(c.role))
			if shouldNotify {
				h.sendError(ctx, c, "429001", "rate limit exceeded", "")
			}
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(ctx, c, "validation_error", "malformed frame", "")
			continue
		}
		h.dispatch(ctx, c, frame)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *conn, frame clientFrame) {
	switch frame.Event {
	case "ping":
		_ = c.writeJSON(ctx, envelope{Event: "pong"})

	case "join-session":
		room := "session:" + frame.SessionID
		if frame.SessionID == "" && frame.Token != "" {
			if ticket, err := h.repo.GetTicketByToken(ctx, frame.Token); err == nil {
				if sess, err := h.repo.GetLiveSessionByTicket(ctx, ticket.ID); err == nil {
					room = "session:" + sess.ID
				}
			}
		}
		h.joinRoom(c, room)
		h.ack(ctx, c, frame.AckID, true, "", "")

	case "leave-session":
		h.leaveRoom(c, "session:"+frame.SessionID)
		h.ack(ctx, c, frame.AckID, true, "", "")

	case "join-ticket":
		h.joinRoom(c, "ticket:"+frame.TicketID)
		h.ack(ctx, c, frame.AckID, true, "", "")

	case "agent:send-message":
		h.handleAgentSend(ctx, c, frame)

	default:
		h.ack(ctx, c, frame.AckID, false, "unknown event", "")
	}
}

func (h *Hub) handleAgentSend(ctx context.Context, c *conn, frame clientFrame) {
	if c.role != domain.RoleAgent || h.sessionOp == nil {
		h.ack(ctx, c, frame.AckID, false, "sender is not an agent", "")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.sessionOp.AgentMessage(opCtx, frame.SessionID, c.userID, sanitize.HTML(frame.Content), domain.MessageText); err != nil {
		h.ack(ctx, c, frame.AckID, false, err.Error(), "")
		return
	}
	h.ack(ctx, c, frame.AckID, true, "", idgen.NewID())
}

func (h *Hub) ack(ctx context.Context, c *conn, ackID string, success bool, errMsg, messageID string) {
	_ = c.writeJSON(ctx, ackFrame{AckID: ackID, Success: success, Error: errMsg, MessageID: messageID})
}

func (h *Hub) sendError(ctx context.Context, c *conn, code, msg, event string) {
	_ = c.writeJSON(ctx, envelope{Event: "error", Payload: map[string]string{"code": code, "msg": msg, "event": event}})
}

func (h *Hub) setOnline(ctx context.Context, userID string, online bool) {
	if userID == "" {
		return
	}
	if err := h.repo.SetUserOnline(ctx, userID, online); err != nil {
		h.logger.Warn("realtime: set online failed", "user_id", userID, "error", err)
		return
	}
	user, err := h.repo.GetUser(ctx, userID)
	displayName := ""
	if err == nil {
		displayName = user.RealName
	}
	h.Broadcast("presence", "agent-status-changed", map[string]any{"agentId": userID, "isOnline": online, "displayName": displayName})
}

// onDisconnectGrace flips presence offline after presenceGrace unless a
// reconnect (a fresh ServeHTTP call for the same user) cancels the
// pending timer first, per spec §4.7.
func (h *Hub) onDisconnectGrace(userID string) {
	if userID == "" {
		return
	}
	if existing, ok := h.presence.LoadAndDelete(userID); ok {
		existing.(*time.Timer).Stop()
	}
	timer := time.AfterFunc(presenceGrace, func() {
		h.presence.Delete(userID)
		if !h.hasActiveConnection(userID) {
			h.setOnline(context.Background(), userID, false)
		}
	})
	h.presence.Store(userID, timer)
}

func (h *Hub) hasActiveConnection(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// SweepIdle clears connection rate-limit buckets unused for the
// configured idle window. Intended to be called on a periodic tick
// alongside the queue scheduler's rescore loop.
func (h *Hub) SweepIdle() {
	h.limiters.SweepIdle()
}
