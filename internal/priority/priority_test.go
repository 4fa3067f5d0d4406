package priority

import (
	"testing"
	"time"

	"github.com/playfront/cs-dispatch/internal/domain"
)

func noWeights(string) float64 { return 0 }

func TestScore_BasePriorityWeight(t *testing.T) {
	now := time.Now()
	ticket := &domain.Ticket{Priority: domain.PriorityHigh}
	session := &domain.Session{}

	got := Score(session, ticket, noWeights, nil, now)
	if got != 60 {
		t.Errorf("expected base score 60 for HIGH priority, got %v", got)
	}
}

func TestScore_AIUrgencyBonus(t *testing.T) {
	now := time.Now()
	ticket := &domain.Ticket{Priority: domain.PriorityNormal}
	session := &domain.Session{AIUrgency: domain.UrgencyUrgent}

	got := Score(session, ticket, noWeights, nil, now)
	if got != 45 {
		t.Errorf("expected 25 base + 20 urgency bonus = 45, got %v", got)
	}
}

func TestScore_AgingClampedToCap(t *testing.T) {
	now := time.Now()
	queuedAt := now.Add(-2 * time.Hour)
	ticket := &domain.Ticket{Priority: domain.PriorityLow}
	session := &domain.Session{QueuedAt: &queuedAt}

	got := Score(session, ticket, noWeights, nil, now)
	if got != agingCap {
		t.Errorf("expected aging clamped to %v, got %v", agingCap, got)
	}
}

func TestScore_ClampedToMax(t *testing.T) {
	now := time.Now()
	queuedAt := now.Add(-2 * time.Hour)
	ticket := &domain.Ticket{Priority: domain.PriorityUrgent}
	session := &domain.Session{AIUrgency: domain.UrgencyUrgent, QueuedAt: &queuedAt}

	got := Score(session, ticket, noWeights, nil, now)
	if got != scoreMax {
		t.Errorf("expected score clamped to %v, got %v", scoreMax, got)
	}
}

func TestScore_UrgencyRuleKeywordMatch(t *testing.T) {
	now := time.Now()
	ticket := &domain.Ticket{Priority: domain.PriorityLow, Description: "my account got hacked"}
	session := &domain.Session{}
	rules := []UrgencyRule{{Keyword: "hacked", Weight: 90}}

	got := Score(session, ticket, noWeights, rules, now)
	if got != 90 {
		t.Errorf("expected matching urgency rule weight 90, got %v", got)
	}
}

func TestScore_IssueTypeWeightWins(t *testing.T) {
	now := time.Now()
	ticket := &domain.Ticket{Priority: domain.PriorityLow, IssueTypeIDs: []string{"payment-dispute"}}
	session := &domain.Session{}
	weights := func(id string) float64 {
		if id == "payment-dispute" {
			return 70
		}
		return 0
	}

	got := Score(session, ticket, weights, nil, now)
	if got != 70 {
		t.Errorf("expected issue type weight 70 to win over LOW priority, got %v", got)
	}
}

func TestLess_HigherScoreFirst(t *testing.T) {
	a := &domain.Session{PriorityScore: 80}
	b := &domain.Session{PriorityScore: 50}
	if !Less(a, b) {
		t.Error("expected higher-score session to sort first")
	}
	if Less(b, a) {
		t.Error("expected lower-score session to not sort before higher-score one")
	}
}

func TestLess_TieBreaksByQueuedAtThenCreatedAt(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Minute)

	a := &domain.Session{PriorityScore: 50, QueuedAt: &earlier, CreatedAt: now}
	b := &domain.Session{PriorityScore: 50, QueuedAt: &now, CreatedAt: now}
	if !Less(a, b) {
		t.Error("expected earlier queuedAt to sort first on a priority score tie")
	}

	c := &domain.Session{PriorityScore: 50, CreatedAt: earlier}
	d := &domain.Session{PriorityScore: 50, CreatedAt: now}
	if !Less(c, d) {
		t.Error("expected earlier createdAt to sort first when queuedAt also ties")
	}
}
