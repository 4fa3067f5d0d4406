package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/playfront/cs-dispatch/internal/aiadapter"
	"github.com/playfront/cs-dispatch/internal/apierr"
	"github.com/playfront/cs-dispatch/internal/queue"
	"github.com/playfront/cs-dispatch/internal/session"
	"github.com/playfront/cs-dispatch/internal/storeerr"
	"github.com/playfront/cs-dispatch/internal/translation"
)

// writeError maps any error returned by a collaborator into the spec §7
// taxonomy and writes the failure envelope. Handlers that already
// constructed an *apierr.Error pass it straight through; anything else
// — typically a storeerr value bubbling up from the repository, or an
// unrecognized error — is classified here so no handler has to
// duplicate the switch.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = classify(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(errEnvelope{
		Success:   false,
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Data:      nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func classify(err error) *apierr.Error {
	var notFound *storeerr.NotFoundError
	var conflict *storeerr.ConflictError
	var transient *storeerr.TransientStorageError

	switch {
	case errors.As(err, &notFound):
		return apierr.NotFound("%s", err.Error())
	case errors.As(err, &conflict):
		return apierr.Conflict("%s", err.Error())
	case errors.As(err, &transient):
		return apierr.Transient(err)
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrWrongAgent), errors.Is(err, session.ErrTicketNotOpen), errors.Is(err, session.ErrLiveSessionExists):
		return apierr.Conflict("%s", err.Error())
	case errors.Is(err, queue.ErrNoAgentAvailable):
		return apierr.Conflict("%s", err.Error())
	case errors.Is(err, aiadapter.ErrAI):
		return apierr.AI(err)
	case errors.Is(err, translation.ErrTranslation):
		return apierr.Translation(err)
	default:
		return apierr.Internal(err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Validation("malformed request body: %v", err)
	}
	return nil
}
