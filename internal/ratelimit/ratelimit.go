// Package ratelimit implements the token buckets described by spec §4.7:
// a per-connection WS bucket (PLAYER/AGENT, with a once-per-cooldown
// rejection notice) and a keyed HTTP bucket cascading over
// userId/sessionId/ticketToken/client IP. Buckets are
// golang.org/x/time/rate.Limiter, already an indirect dependency of the
// teacher's go.mod; this package is the first to use it directly. The
// keyed-registry-with-idle-sweep shape mirrors the map+mutex registries
// elsewhere in the teacher (internal/terminal.SessionManager).
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket wraps a token bucket plus the once-per-cooldown notice gate
// spec §4.7 requires for WS connections.
type Bucket struct {
	limiter        *rate.Limiter
	noticeCooldown time.Duration

	mu         sync.Mutex
	lastNotice time.Time
	lastUsed   time.Time
}

// NewBucket builds a Bucket refilling at perMinute/60000ms with the
// given burst capacity.
func NewBucket(perMinute, burst int, noticeCooldown time.Duration) *Bucket {
	return &Bucket{
		limiter:        rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		noticeCooldown: noticeCooldown,
		lastUsed:       time.Now(),
	}
}

// Allow consumes one token if available. shouldNotify reports whether a
// 429001 notice should be emitted for this rejection (false means a
// notice was already sent within noticeCooldown and the caller should
// silently drop the send).
func (b *Bucket) Allow() (allowed, shouldNotify bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = time.Now()

	if b.limiter.Allow() {
		return true, false
	}

	now := time.Now()
	if now.Sub(b.lastNotice) >= b.noticeCooldown {
		b.lastNotice = now
		return false, true
	}
	return false, false
}

func (b *Bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastUsed)
}

// WSPolicy carries the configured PLAYER/AGENT bucket parameters (spec
// §4.7 defaults: PLAYER 200/min burst 20, AGENT 600/min burst 60).
type WSPolicy struct {
	PlayerPerMinute, PlayerBurst int
	AgentPerMinute, AgentBurst   int
	NoticeCooldown               time.Duration
	IdleSweepAfter               time.Duration
}

// DefaultWSPolicy returns the spec §4.7 defaults.
func DefaultWSPolicy() WSPolicy {
	return WSPolicy{
		PlayerPerMinute: 200, PlayerBurst: 20,
		AgentPerMinute: 600, AgentBurst: 60,
		NoticeCooldown:  time.Second,
		IdleSweepAfter:  10 * time.Minute,
	}
}

// ConnectionLimiters is the registry of per-connection buckets a
// RealtimeHub consults; one entry per open connection, swept after
// IdleSweepAfter of inactivity or on explicit Remove (disconnect).
type ConnectionLimiters struct {
	policy WSPolicy

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewConnectionLimiters builds a registry using policy.
func NewConnectionLimiters(policy WSPolicy) *ConnectionLimiters {
	return &ConnectionLimiters{policy: policy, buckets: make(map[string]*Bucket)}
}

// ForConnection returns (creating if needed) the bucket for
// connectionID, sized per role.
func (c *ConnectionLimiters) ForConnection(connectionID string, isAgent bool) *Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.buckets[connectionID]; ok {
		return b
	}

	var b *Bucket
	if isAgent {
		b = NewBucket(c.policy.AgentPerMinute, c.policy.AgentBurst, c.policy.NoticeCooldown)
	} else {
		b = NewBucket(c.policy.PlayerPerMinute, c.policy.PlayerBurst, c.policy.NoticeCooldown)
	}
	c.buckets[connectionID] = b
	return b
}

// Remove clears a connection's bucket on disconnect, per spec §4.7.
func (c *ConnectionLimiters) Remove(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buckets, connectionID)
}

// SweepIdle removes buckets unused for longer than IdleSweepAfter.
// Intended to be called on a periodic tick.
func (c *ConnectionLimiters) SweepIdle() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, b := range c.buckets {
		if b.idleSince(now) > c.policy.IdleSweepAfter {
			delete(c.buckets, id)
		}
	}
}

// KeyFunc extracts the rate-limit key cascade from an HTTP request, in
// spec §4.7 precedence order: userId, sessionId, ticketToken, client IP.
// Each returns "" when not applicable to the request; the first
// non-empty wins.
type KeyFunc func(r *http.Request) (userID, sessionID, ticketToken string)

// HTTPLimiters is the keyed HTTP bucket registry. A single bucket
// parameterization applies to all HTTP routes except the
// AI-adapter-calling ones, which get their own registry keyed by
// conversationHandle per spec §4.7.
type HTTPLimiters struct {
	perMinute, burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewHTTPLimiters builds a keyed registry refilling at perMinute/burst.
func NewHTTPLimiters(perMinute, burst int) *HTTPLimiters {
	return &HTTPLimiters{perMinute: perMinute, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

// Allow consumes one token for key, creating the bucket on first use.
func (h *HTTPLimiters) Allow(key string) bool {
	h.mu.Lock()
	limiter, ok := h.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(h.perMinute)/60.0), h.burst)
		h.buckets[key] = limiter
	}
	h.mu.Unlock()
	return limiter.Allow()
}

// KeyFor resolves the request's rate-limit key per the precedence
// cascade, falling back to the client IP.
func KeyFor(r *http.Request, extract KeyFunc) string {
	userID, sessionID, ticketToken := extract(r)
	switch {
	case userID != "":
		return "user:" + userID
	case sessionID != "":
		return "session:" + sessionID
	case ticketToken != "":
		return "token:" + ticketToken
	default:
		return "ip:" + clientIP(r)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
