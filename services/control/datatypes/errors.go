// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the types shared across control service components:
// the typed API error and small request/response DTOs.
//
// Every command-style operation in the service either succeeds or fails with
// exactly one *Error carrying a stable machine-readable Code and an HTTP-style
// Status. The transport layer maps Status directly onto the response code and
// never needs to inspect Code, while CLI and test consumers match on Code.
package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. These are part of the API surface; renaming one is a
// breaking change for showctl and dashboard consumers.
const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeNotConnected = "not_connected"
	CodeKillSwitch   = "kill_switch"
	CodeRateLimited  = "rate_limited"
	CodeCooldown     = "cooldown_active"
	CodeForbidden    = "permission_denied"
	CodeUpstream     = "upstream_failed"
	CodeInternal     = "internal"
)

// Error is the one error type command operations surface to callers.
type Error struct {
	// Code is a stable machine-readable identifier, e.g. "rate_limited".
	Code string `json:"code"`

	// Status is the HTTP-style status the transport layer should map this
	// error to (403, 404, 409, 423, 429, 502, ...).
	Status int `json:"status"`

	// Message is a human-readable description, safe to show an operator.
	Message string `json:"message"`

	// RetryAfterMs is set for cooldown/rate-limit errors so callers can
	// display remaining wait time. Zero means not applicable.
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`

	// Err is the wrapped cause, if any. Not serialized.
	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewBadRequest reports a malformed request or config document (400).
func NewBadRequest(format string, args ...any) *Error {
	return &Error{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound reports an unknown id (preset, rule, vendor) (404).
func NewNotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflict reports a busy/single-flight or precondition violation (409).
func NewConflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Status: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// NewNotConnected reports that the engine session is not usable for calls.
// Callers must handle this themselves; the service never queues requests.
func NewNotConnected(op string) *Error {
	return &Error{
		Code:    CodeNotConnected,
		Status:  http.StatusConflict,
		Message: fmt.Sprintf("engine not connected (%s)", op),
	}
}

// NewKillSwitch reports a kill-switch denial (423).
func NewKillSwitch(reason string) *Error {
	return &Error{Code: CodeKillSwitch, Status: http.StatusLocked, Message: reason}
}

// NewRateLimited reports a sliding-window rate-limit denial (429).
func NewRateLimited(reason string) *Error {
	return &Error{Code: CodeRateLimited, Status: http.StatusTooManyRequests, Message: reason}
}

// NewCooldown reports that a per-preset cooldown has not elapsed (429).
// remainingMs is always positive.
func NewCooldown(id string, remainingMs int64) *Error {
	return &Error{
		Code:         CodeCooldown,
		Status:       http.StatusTooManyRequests,
		Message:      fmt.Sprintf("preset %q on cooldown for another %dms", id, remainingMs),
		RetryAfterMs: remainingMs,
	}
}

// NewForbidden reports a plugin permission denial (403).
func NewForbidden(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// NewUpstream reports an engine or sidecar call failure after permission and
// precondition checks passed (502).
func NewUpstream(message string, cause error) *Error {
	return &Error{Code: CodeUpstream, Status: http.StatusBadGateway, Message: message, Err: cause}
}

// Wrap converts an arbitrary error into an *Error. Typed errors pass through
// untouched; anything else becomes an internal 500 so handlers always have a
// status to map.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
}
