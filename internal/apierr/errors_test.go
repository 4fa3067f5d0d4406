package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestConstructors_SetStatusAndCode(t *testing.T) {
	cases := []struct {
		name       string
		err        *Error
		wantStatus int
		wantCode   string
	}{
		{"validation", Validation("bad field %s", "x"), http.StatusBadRequest, "validation_error"},
		{"auth", Auth("missing token"), http.StatusUnauthorized, "auth_error"},
		{"forbidden", Forbidden("role mismatch"), http.StatusForbidden, "forbidden"},
		{"not found", NotFound("ticket %s", "t1"), http.StatusNotFound, "not_found"},
		{"conflict", Conflict("duplicate"), http.StatusConflict, "conflict"},
		{"rate limit", RateLimit("too fast"), http.StatusTooManyRequests, "rate_limit_exceeded"},
		{"transient", Transient(errors.New("db down")), http.StatusServiceUnavailable, "transient_storage_error"},
		{"ai", AI(errors.New("provider down")), http.StatusBadGateway, "ai_error"},
		{"translation", Translation(errors.New("provider down")), http.StatusBadGateway, "translation_error"},
		{"internal", Internal(errors.New("boom")), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Status != tc.wantStatus {
				t.Errorf("Status = %d, want %d", tc.err.Status, tc.wantStatus)
			}
			if tc.err.Code != tc.wantCode {
				t.Errorf("Code = %q, want %q", tc.err.Code, tc.wantCode)
			}
		})
	}
}

func TestValidation_FormatsMessage(t *testing.T) {
	err := Validation("field %q is required", "gameId")
	if err.Message != `field "gameId" is required` {
		t.Errorf("unexpected message: %q", err.Message)
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Transient(cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the cause via errors.Is")
	}
	if err.Error() == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestAs_ExtractsTypedError(t *testing.T) {
	var plain error = NotFound("ticket %s", "t1")
	apiErr, ok := As(plain)
	if !ok {
		t.Fatal("expected As to succeed for an *Error")
	}
	if apiErr.Code != "not_found" {
		t.Errorf("unexpected code: %q", apiErr.Code)
	}

	_, ok = As(errors.New("not an apierr.Error"))
	if ok {
		t.Error("expected As to fail for an unrelated error")
	}
}
