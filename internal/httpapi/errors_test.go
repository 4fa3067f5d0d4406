package httpapi

import (
	"net/http"
	"testing"

	"github.com/playfront/cs-dispatch/internal/aiadapter"
	"github.com/playfront/cs-dispatch/internal/queue"
	"github.com/playfront/cs-dispatch/internal/session"
	"github.com/playfront/cs-dispatch/internal/storeerr"
	"github.com/playfront/cs-dispatch/internal/translation"
)

// TestClassify_MapsEachTaxonomyMember pins the spec §7 status-code
// mapping: every error class a collaborator can return must classify to
// the HTTP status the taxonomy table assigns it.
func TestClassify_MapsEachTaxonomyMember(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", storeerr.NewNotFound("ticket", "t1"), http.StatusNotFound, "not_found"},
		{"conflict", storeerr.NewConflict("session", "already joined"), http.StatusConflict, "conflict"},
		{"transient storage", &storeerr.TransientStorageError{Op: "create_ticket", Err: storeerr.NewConflict("x", "y")}, http.StatusServiceUnavailable, "transient_storage_error"},
		{"invalid transition", session.ErrInvalidTransition, http.StatusConflict, "conflict"},
		{"wrong agent", session.ErrWrongAgent, http.StatusConflict, "conflict"},
		{"ticket not open", session.ErrTicketNotOpen, http.StatusConflict, "conflict"},
		{"live session exists", session.ErrLiveSessionExists, http.StatusConflict, "conflict"},
		{"no agent available", queue.ErrNoAgentAvailable, http.StatusConflict, "conflict"},
		{"ai error", aiadapter.ErrAI, http.StatusBadGateway, "ai_error"},
		{"translation error", translation.ErrTranslation, http.StatusBadGateway, "translation_error"},
		{"unrecognized", errUnrecognized{}, http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := classify(tc.err)
			if apiErr.Status != tc.wantStatus {
				t.Errorf("status: got %d, want %d", apiErr.Status, tc.wantStatus)
			}
			if apiErr.Code != tc.wantCode {
				t.Errorf("code: got %q, want %q", apiErr.Code, tc.wantCode)
			}
		})
	}
}

type errUnrecognized struct{}

func (errUnrecognized) Error() string { return "boom" }
