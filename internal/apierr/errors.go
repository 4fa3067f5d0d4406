// Package apierr is the HTTP-facing error taxonomy (spec §7): typed
// errors carrying a stable code string and status, switched on by
// internal/httpapi's error-writing middleware to build the failure
// envelope.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a taxonomy member. Code is stable API surface; Status is the
// HTTP status it maps to.
type Error struct {
	Status  int
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func new(status int, code, format string, args ...interface{}) *Error {
	return &Error{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation wraps malformed-input / missing-field / unknown-enum errors.
func Validation(format string, args ...interface{}) *Error {
	return new(http.StatusBadRequest, "validation_error", format, args...)
}

// Auth wraps missing/invalid/expired bearer-token errors.
func Auth(format string, args ...interface{}) *Error {
	return new(http.StatusUnauthorized, "auth_error", format, args...)
}

// Forbidden wraps role-mismatch errors.
func Forbidden(format string, args ...interface{}) *Error {
	return new(http.StatusForbidden, "forbidden", format, args...)
}

// NotFound wraps missing-resource errors.
func NotFound(format string, args ...interface{}) *Error {
	return new(http.StatusNotFound, "not_found", format, args...)
}

// Conflict wraps duplicate-key / stale-state-transition errors.
func Conflict(format string, args ...interface{}) *Error {
	return new(http.StatusConflict, "conflict", format, args...)
}

// RateLimit wraps token-bucket-exhausted errors.
func RateLimit(format string, args ...interface{}) *Error {
	return new(http.StatusTooManyRequests, "rate_limit_exceeded", format, args...)
}

// Transient wraps storage errors that survived internal retry.
func Transient(cause error) *Error {
	e := new(http.StatusServiceUnavailable, "transient_storage_error", "storage temporarily unavailable")
	e.cause = cause
	return e
}

// AI wraps an AI-provider failure surfaced to the caller (only when AI
// is the user's explicit goal; triage degrades silently instead).
func AI(cause error) *Error {
	e := new(http.StatusBadGateway, "ai_error", "AI provider request failed")
	e.cause = cause
	return e
}

// Translation wraps a translation-provider failure.
func Translation(cause error) *Error {
	e := new(http.StatusBadGateway, "translation_error", "translation request failed")
	e.cause = cause
	return e
}

// Internal is the catch-all, returned with an opaque code.
func Internal(cause error) *Error {
	e := new(http.StatusInternalServerError, "internal_error", "internal error")
	e.cause = cause
	return e
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
