// Package domain contains the core entity types of the dispatch engine:
// tickets, sessions, messages, users, and the small reference types that
// hang off them. Types here are pure data plus the invariant checks that
// don't need a repository or external collaborator to evaluate.
package domain

// Role identifies the authenticated principal driving a request.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleAgent  Role = "AGENT"
	RolePlayer Role = "PLAYER"
	RoleAnon   Role = "ANON"
)

// TicketStatus is the lifecycle stage of a Ticket.
type TicketStatus string

const (
	TicketNew        TicketStatus = "NEW"
	TicketInProgress TicketStatus = "IN_PROGRESS"
	TicketWaiting    TicketStatus = "WAITING"
	TicketResolved   TicketStatus = "RESOLVED"
	TicketClosed     TicketStatus = "CLOSED"
)

// IsOpen reports whether a ticket in this status still counts toward the
// one-open-ticket-per-composite-key invariant.
func (s TicketStatus) IsOpen() bool {
	return s != TicketResolved && s != TicketClosed
}

// TicketPriority is the player/operator-declared urgency of a ticket.
type TicketPriority string

const (
	PriorityLow    TicketPriority = "LOW"
	PriorityNormal TicketPriority = "NORMAL"
	PriorityHigh   TicketPriority = "HIGH"
	PriorityUrgent TicketPriority = "URGENT"
)

// Weight returns the base priority contribution of a declared ticket
// priority, per spec §4.4.
func (p TicketPriority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 25
	case PriorityHigh:
		return 60
	case PriorityUrgent:
		return 90
	default:
		return 0
	}
}

// SessionStatus is the lifecycle stage of a Session's state machine.
type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionQueued     SessionStatus = "QUEUED"
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionClosed     SessionStatus = "CLOSED"
)

// AIUrgency is the urgency label the AI adapter assigns during triage.
type AIUrgency string

const (
	UrgencyUrgent    AIUrgency = "URGENT"
	UrgencyNonUrgent AIUrgency = "NON_URGENT"
)

// SenderType identifies who produced a Message.
type SenderType string

const (
	SenderPlayer SenderType = "PLAYER"
	SenderAgent  SenderType = "AGENT"
	SenderAI     SenderType = "AI"
	SenderSystem SenderType = "SYSTEM"
)

// MessageType identifies the payload shape of a Message.
type MessageType string

const (
	MessageText         MessageType = "TEXT"
	MessageImage        MessageType = "IMAGE"
	MessageSystemNotice MessageType = "SYSTEM_NOTICE"
)
