// Package priority computes the numeric ordering key for queued
// sessions (spec §4.4). It has no teacher analogue — it is pure
// arithmetic over already-loaded domain values, so it is built directly
// on the standard library with no third-party dependency to wire.
package priority

import (
	"strings"
	"time"

	"github.com/playfront/cs-dispatch/internal/domain"
)

const (
	aiUrgencyBonus  = 20.0
	agingCap        = 30.0
	agingWindow     = 30 * time.Minute
	scoreMin        = 0.0
	scoreMax        = 100.0
)

// UrgencyRule is a configurable rule whose weight applies when all of
// its conditions hold, per spec §4.4.
type UrgencyRule struct {
	Keyword        string // matched against ticket.Description, case-insensitive; empty = no condition
	GameID         string // empty = no condition
	TicketPriority domain.TicketPriority
	Weight         float64 // clamped to [0,100] by the caller when configuring rules
}

func (r UrgencyRule) matches(ticket *domain.Ticket) bool {
	if r.Keyword != "" && !strings.Contains(strings.ToLower(ticket.Description), strings.ToLower(r.Keyword)) {
		return false
	}
	if r.GameID != "" && r.GameID != ticket.GameID {
		return false
	}
	if r.TicketPriority != "" && r.TicketPriority != ticket.Priority {
		return false
	}
	return true
}

// IssueTypeWeight maps an issue type id to its priority-weight, used as
// one of the base-score candidates.
type IssueTypeWeight func(issueTypeID string) float64

// Score computes session's priority per spec §4.4: the max of
// {issue-type weight, declared ticket priority weight, matching
// urgency-rule weight}, plus an AI-urgency bonus and queued-time aging,
// clamped to [0, 100].
func Score(session *domain.Session, ticket *domain.Ticket, issueTypeWeight IssueTypeWeight, rules []UrgencyRule, now time.Time) float64 {
	base := ticket.Priority.Weight()

	for _, id := range ticket.IssueTypeIDs {
		if w := issueTypeWeight(id); w > base {
			base = w
		}
	}

	for _, rule := range rules {
		if rule.matches(ticket) && rule.Weight > base {
			base = rule.Weight
		}
	}

	if session.AIUrgency == domain.UrgencyUrgent {
		base += aiUrgencyBonus
	}

	if session.QueuedAt != nil {
		elapsed := now.Sub(*session.QueuedAt)
		if elapsed > 0 {
			aging := agingCap * float64(elapsed) / float64(agingWindow)
			if aging > agingCap {
				aging = agingCap
			}
			base += aging
		}
	}

	if base < scoreMin {
		return scoreMin
	}
	if base > scoreMax {
		return scoreMax
	}
	return base
}

// Less reports whether a should be dequeued/ranked before b, per the
// (score desc, queuedAt asc, createdAt asc) tie-break order in spec
// §4.4/§4.5.
func Less(a, b *domain.Session) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	aq, bq := queuedAtOrZero(a), queuedAtOrZero(b)
	if !aq.Equal(bq) {
		return aq.Before(bq)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func queuedAtOrZero(s *domain.Session) time.Time {
	if s.QueuedAt == nil {
		return time.Time{}
	}
	return *s.QueuedAt
}
