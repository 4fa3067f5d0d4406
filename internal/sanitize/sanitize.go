// Package sanitize strips unsafe HTML out of player- and agent-authored
// text before it is persisted or broadcast (ticket descriptions, chat
// messages, quick replies). No repo in the retrieval pack exercises
// microcosm-cc/bluemonday beyond its go.mod presence, so this package
// applies it directly per the library's own documented UGC policy
// rather than inventing a bespoke scheme.
package sanitize

import "github.com/microcosm-cc/bluemonday"

var policy = bluemonday.UGCPolicy()

// HTML strips any markup not allowed by the user-generated-content
// policy, keeping a small set of safe formatting tags (b, i, em, a, …)
// and dropping everything else, including scripts and event handlers.
func HTML(raw string) string {
	return policy.Sanitize(raw)
}

var strict = bluemonday.StrictPolicy()

// PlainText strips all markup, leaving plain text. Used for fields that
// must never carry formatting (ticket numbers look-alikes, usernames).
func PlainText(raw string) string {
	return strict.Sanitize(raw)
}
