// Package queue is the QueueScheduler (spec §4.5): the in-memory,
// per-gameId-partitioned index of sessions waiting for an agent,
// persisted through Repo for durability and rebuilt from storage on
// restart. The two-level locking shape — an outer mutex guarding the
// partition map, an inner mutex serializing mutations within a partition
// — mirrors the teacher's terminal.SessionManager
// (internal/terminal/manager.go), and the background rescore loop is
// grounded on the teacher's container.StartTTLWorker
// (internal/container/ttl.go) ticker pattern.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/playfront/cs-dispatch/internal/domain"
	"github.com/playfront/cs-dispatch/internal/metrics"
	"github.com/playfront/cs-dispatch/internal/priority"
	"github.com/playfront/cs-dispatch/internal/store"
)

// ErrNoAgentAvailable is returned by AutoAssign when no ONLINE agent
// exists to receive the session.
var ErrNoAgentAvailable = errors.New("queue: no agent available")

// ErrNotQueued is returned by operations that require the session to
// currently be tracked in a partition.
var ErrNotQueued = errors.New("queue: session not in queue")

// Position is the shape position() returns per spec §4.5.
type Position struct {
	Rank       int
	Ahead      int
	ETAMinutes *float64
}

// Broadcaster pushes a scheduler event to a room. Implemented by
// internal/realtime; the scheduler depends only on this narrow seam so
// it never needs to know about connections or rooms beyond a name.
type Broadcaster interface {
	Broadcast(room, event string, payload any)
}

// Assignment is what AutoAssign/DequeueFor return on success.
type Assignment struct {
	Session *domain.Session
	AgentID string
}

type queuedEntry struct {
	session *domain.Session
	ticket  *domain.Ticket
	rank    int
}

type partition struct {
	mu      sync.Mutex
	entries map[string]*queuedEntry
}

func newPartition() *partition {
	return &partition{entries: make(map[string]*queuedEntry)}
}

// sortedIDs returns session IDs ordered per the spec §4.5 rank order:
// (score desc, queuedAt asc, createdAt asc). Caller must hold p.mu.
func (p *partition) sortedIDs() []string {
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return priority.Less(p.entries[ids[i]].session, p.entries[ids[j]].session)
	})
	return ids
}

// Scheduler is the single logical actor described by spec §4.5; it is
// safe for concurrent use from any number of callers.
type Scheduler struct {
	repo        store.Repository
	broadcaster Broadcaster
	rules       []priority.UrgencyRule
	defaultAvg  time.Duration
	metrics     *metrics.Collector
	logger      *slog.Logger

	mu         sync.RWMutex
	partitions map[string]*partition
}

// New builds a Scheduler. rescoreInterval is read by Start, not by New,
// so callers can reconfigure it without rebuilding the scheduler.
// collector may be nil (tests construct a Scheduler without one).
func New(repo store.Repository, broadcaster Broadcaster, rules []priority.UrgencyRule, defaultAvgServiceTime time.Duration, collector *metrics.Collector, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultAvgServiceTime <= 0 {
		defaultAvgServiceTime = 3 * time.Minute
	}
	return &Scheduler{
		repo:        repo,
		broadcaster: broadcaster,
		rules:       rules,
		defaultAvg:  defaultAvgServiceTime,
		metrics:     collector,
		logger:      logger,
		partitions:  make(map[string]*partition),
	}
}

func (s *Scheduler) partitionFor(gameID string) *partition {
	s.mu.RLock()
	p, ok := s.partitions[gameID]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.partitions[gameID]; ok {
		return p
	}
	p = newPartition()
	s.partitions[gameID] = p
	return p
}

// Rebuild loads every currently-QUEUED session for gameID from storage
// into the in-memory partition, per spec §4.5's "on restart rebuild from
// storage". Call once per known gameID during startup.
func (s *Scheduler) Rebuild(ctx context.Context, gameID string) error {
	sessions, err := s.repo.ListQueuedSessions(ctx, gameID)
	if err != nil {
		return err
	}

	p := s.partitionFor(gameID)
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sess := range sessions {
		ticket, err := s.repo.GetTicket(ctx, sess.TicketID)
		if err != nil {
			s.logger.Warn("queue: rebuild skipped session, ticket load failed", "session_id", sess.ID, "error", err)
			continue
		}
		p.entries[sess.ID] = &queuedEntry{session: sess, ticket: ticket}
	}
	s.reassignRanks(p)
	s.metrics.SetQueueDepth(gameID, len(p.entries))
	return nil
}

// Enqueue moves session into QUEUED, per spec §4.5. The caller (the
// session engine) supplies the system message to append, if any; this
// scheduler only owns queue membership and ordering, not message
// authorship.
func (s *Scheduler) Enqueue(ctx context.Context, session *domain.Session, ticket *domain.Ticket, sysMsg *domain.Message) (Position, error) {
	if session.Status != domain.SessionPending {
		return Position{}, errors.New("queue: session must be PENDING to enqueue")
	}

	score := priority.Score(session, ticket, s.issueTypeWeight(ctx), s.rules, time.Now())
	if err := s.repo.Enqueue(ctx, session.ID, score, sysMsg); err != nil {
		return Position{}, err
	}

	now := time.Now()
	session.Status = domain.SessionQueued
	session.QueuedAt = &now
	session.PriorityScore = score

	p := s.partitionFor(ticket.GameID)
	p.mu.Lock()
	p.entries[session.ID] = &queuedEntry{session: session, ticket: ticket}
	s.reassignRanks(p)
	pos := positionOf(p, session.ID, s.avgServiceTime(ctx, ticket.GameID))
	depth := len(p.entries)
	p.mu.Unlock()

	s.metrics.IncSessionQueued()
	s.metrics.SetQueueDepth(ticket.GameID, depth)

	s.broadcaster.Broadcast("session:"+session.ID, "new-session", session)
	s.broadcaster.Broadcast("session:"+session.ID, "queue-update", queueUpdatePayload(session.ID, pos))

	return pos, nil
}

// AutoAssign picks the ONLINE agent with the fewest IN_PROGRESS sessions,
// ties broken by earliest LastLoginAt, per spec §4.5.
func (s *Scheduler) AutoAssign(ctx context.Context, session *domain.Session) (Assignment, error) {
	agents, err := s.repo.ListOnlineAgents(ctx)
	if err != nil {
		return Assignment{}, err
	}
	if len(agents) == 0 {
		return Assignment{}, ErrNoAgentAvailable
	}

	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	counts, err := s.repo.CountInProgressSessionsByAgent(ctx, ids)
	if err != nil {
		return Assignment{}, err
	}

	best := agents[0]
	bestCount := counts[best.ID]
	for _, a := range agents[1:] {
		c := counts[a.ID]
		if c < bestCount || (c == bestCount && earlierLogin(a, best)) {
			best, bestCount = a, c
		}
	}

	return s.Assign(ctx, session, best.ID)
}

func earlierLogin(a, b *domain.User) bool {
	if a.LastLoginAt == nil {
		return false
	}
	if b.LastLoginAt == nil {
		return true
	}
	return a.LastLoginAt.Before(*b.LastLoginAt)
}

// Assign is the administrator-override path (spec §4.5): the target
// agent need not be ONLINE. It does not change session status — the
// caller (session engine) drives the IN_PROGRESS transition via
// AgentJoin; Assign only records the agentId and removes the session
// from queue tracking.
func (s *Scheduler) Assign(ctx context.Context, session *domain.Session, agentID string) (Assignment, error) {
	if err := s.repo.Assign(ctx, session.ID, agentID); err != nil {
		return Assignment{}, err
	}
	session.AgentID = agentID

	if gameID := s.gameIDOf(session.ID); gameID != "" {
		s.remove(gameID, session.ID)
	}

	s.broadcaster.Broadcast("session:"+session.ID, "session-update", session)
	return Assignment{Session: session, AgentID: agentID}, nil
}

// DequeueFor implements the agent-pull model: returns the
// highest-ranked queued session in gameID's partition, or nil if empty.
// The caller is responsible for completing the assignment (AgentJoin).
func (s *Scheduler) DequeueFor(ctx context.Context, gameID string) (*domain.Session, error) {
	p := s.partitionFor(gameID)
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.sortedIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	return p.entries[ids[0]].session, nil
}

// Position reports sessionID's 1-based rank among its partition's queued
// sessions, the count ahead of it, and an ETA, per spec §4.5/§8.
func (s *Scheduler) Position(ctx context.Context, gameID, sessionID string) (Position, error) {
	p := s.partitionFor(gameID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[sessionID]; !ok {
		return Position{}, ErrNotQueued
	}
	return positionOf(p, sessionID, s.avgServiceTime(ctx, gameID)), nil
}

// Cancel removes sessionID from queue tracking; the caller is
// responsible for the CLOSED transition and ticket status update (spec
// §4.5's cancel is invoked by the session engine, which owns the
// session's state machine).
func (s *Scheduler) Cancel(gameID, sessionID string) {
	s.remove(gameID, sessionID)
}

func (s *Scheduler) remove(gameID, sessionID string) {
	p := s.partitionFor(gameID)
	p.mu.Lock()
	delete(p.entries, sessionID)
	s.reassignRanks(p)
	depth := len(p.entries)
	p.mu.Unlock()

	s.metrics.SetQueueDepth(gameID, depth)
}

func (s *Scheduler) gameIDOf(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for gameID, p := range s.partitions {
		p.mu.Lock()
		_, ok := p.entries[sessionID]
		p.mu.Unlock()
		if ok {
			return gameID
		}
	}
	return ""
}

// Rescore recomputes every partition's scores against the current clock
// to apply aging (spec §4.5), pushing queue-update only for sessions
// whose rank changed. Intended to be called on a fixed tick by Start.
func (s *Scheduler) Rescore(ctx context.Context) {
	s.mu.RLock()
	gameIDs := make([]string, 0, len(s.partitions))
	for gameID := range s.partitions {
		gameIDs = append(gameIDs, gameID)
	}
	s.mu.RUnlock()

	for _, gameID := range gameIDs {
		s.rescorePartition(ctx, gameID)
	}
}

func (s *Scheduler) rescorePartition(ctx context.Context, gameID string) {
	p := s.partitionFor(gameID)
	now := time.Now()
	issueTypeWeight := s.issueTypeWeight(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return
	}

	avg := s.avgServiceTime(ctx, gameID)
	for id, e := range p.entries {
		score := priority.Score(e.session, e.ticket, issueTypeWeight, s.rules, now)
		if score != e.session.PriorityScore {
			e.session.PriorityScore = score
			if err := s.repo.UpdateSessionScore(ctx, id, score); err != nil {
				s.logger.Warn("queue: rescore persist failed", "session_id", id, "error", err)
			}
		}
	}

	changed := s.reassignRanks(p)
	for _, id := range changed {
		pos := positionOf(p, id, avg)
		s.broadcaster.Broadcast("session:"+id, "queue-update", queueUpdatePayload(id, pos))
	}
}

// reassignRanks recomputes p.entries[*].rank in sorted order and returns
// the IDs whose rank changed. Caller must hold p.mu.
func (s *Scheduler) reassignRanks(p *partition) []string {
	ids := p.sortedIDs()
	var changed []string
	for i, id := range ids {
		rank := i + 1
		if p.entries[id].rank != rank {
			changed = append(changed, id)
		}
		p.entries[id].rank = rank
	}
	return changed
}

func positionOf(p *partition, sessionID string, avg time.Duration) Position {
	e, ok := p.entries[sessionID]
	if !ok {
		return Position{}
	}
	ahead := e.rank - 1
	eta := float64(ahead) * avg.Minutes()
	return Position{Rank: e.rank, Ahead: ahead, ETAMinutes: &eta}
}

func queueUpdatePayload(sessionID string, pos Position) map[string]any {
	payload := map[string]any{"sessionId": sessionID, "position": pos.Rank}
	if pos.ETAMinutes != nil {
		payload["etaMinutes"] = *pos.ETAMinutes
	}
	return payload
}

// avgServiceTime computes the rolling median of recently closed
// sessions' duration for gameID, defaulting to s.defaultAvg when there
// is insufficient history, per spec §4.5.
func (s *Scheduler) avgServiceTime(ctx context.Context, gameID string) time.Duration {
	const sampleSize = 20
	const minSamples = 3

	durations, err := s.repo.RecentClosedSessionDurations(ctx, gameID, sampleSize)
	if err != nil || len(durations) < minSamples {
		return s.defaultAvg
	}
	return median(durations)
}

func median(durations []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// issueTypeWeight adapts the repository into the priority.IssueTypeWeight
// function shape, defaulting to 0 and logging on lookup failure rather
// than failing the whole score computation.
func (s *Scheduler) issueTypeWeight(ctx context.Context) priority.IssueTypeWeight {
	return func(issueTypeID string) float64 {
		it, err := s.repo.GetIssueType(ctx, issueTypeID)
		if err != nil {
			s.logger.Warn("queue: issue type lookup failed", "issue_type_id", issueTypeID, "error", err)
			return 0
		}
		return math.Max(0, math.Min(100, float64(it.PriorityWeight)))
	}
}

// Start launches the background rescore loop on interval, grounded on
// the teacher's container.StartTTLWorker ticker shape. It returns
// immediately; the loop stops when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("queue scheduler started", "rescore_interval", interval)
		for {
			select {
			case <-ticker.C:
				s.Rescore(ctx)
			case <-ctx.Done():
				s.logger.Info("queue scheduler shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
