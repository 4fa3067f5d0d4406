// Package idgen mints the identifiers the dispatch engine hands out:
// opaque entity IDs, the URL-safe ticket token a player uses to resume a
// conversation without authenticating, and the human-readable ticket
// number. The teacher mints its anonymous-session ID with
// crypto/rand + hex (internal/identity.generateAnonID); this package
// keeps that "generate, don't guess" shape but reaches for the
// dedicated ID libraries already pulled in transitively by the
// retrieval pack (google/uuid via the teacher's own go.mod, nanoid via
// the rest of the corpus) rather than hand-rolling encoding.
package idgen

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/google/uuid"
)

// NewID mints an opaque entity identifier (ticket, session, message,
// user, connection IDs).
func NewID() string {
	return uuid.NewString()
}

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const tokenLength = 24

// NewTicketToken mints the opaque, URL-safe token a player uses to
// resume a ticket/session without authenticating (spec §4.1/§6).
func NewTicketToken() string {
	token, err := gonanoid.Generate(tokenAlphabet, tokenLength)
	if err != nil {
		// crypto/rand exhaustion is unrecoverable; the nanoid generator
		// only ever fails that way, so no caller can meaningfully retry.
		panic(fmt.Sprintf("idgen: generate ticket token: %v", err))
	}
	return "tok-" + token
}

// FormatTicketNo renders the human-facing ticket number from the
// calendar day and the per-(game,day) sequence number NextTicketSequence
// returned, e.g. "T-20250101-001".
func FormatTicketNo(day time.Time, sequence int) string {
	return fmt.Sprintf("T-%s-%03d", day.Format("20060102"), sequence)
}
