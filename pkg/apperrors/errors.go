// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package apperrors defines the closed error taxonomy for the chat service.
//
// Every error surfaced to a client is one of the codes declared here, carrying
// its HTTP status as data. Handlers discriminate with errors.As rather than
// matching on message strings, so the mapping from failure to response is a
// single exhaustive path.
//
// # Usage
//
//	if conv == nil {
//	    return apperrors.New(apperrors.CodeConversationNotFound, "conversation not found")
//	}
//
//	var appErr *apperrors.Error
//	if errors.As(err, &appErr) {
//	    c.JSON(appErr.Status, appErr.Response(requestID))
//	}
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

// The closed set of error codes. Each maps to exactly one HTTP status.
const (
	// Validation (400)
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeQueryTooLong   Code = "QUERY_TOO_LONG"

	// Authentication (401)
	CodeMissingAuthHeader    Code = "MISSING_AUTH_HEADER"
	CodeMissingHMACHeaders   Code = "MISSING_HMAC_HEADERS"
	CodeHMACTimestampExpired Code = "HMAC_TIMESTAMP_EXPIRED"
	CodeExpiredToken         Code = "EXPIRED_TOKEN"
	CodeInvalidToken         Code = "INVALID_TOKEN"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeInvalidClientID      Code = "INVALID_CLIENT_ID"

	// Authorization (403)
	CodeOrgMismatch             Code = "ORG_MISMATCH"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeResourceAccessDenied    Code = "RESOURCE_ACCESS_DENIED"

	// Not found (404)
	CodeConversationNotFound Code = "CONVERSATION_NOT_FOUND"

	// Unavailable (503)
	CodeAuthServiceUnavailable Code = "AUTH_SERVICE_UNAVAILABLE"
	CodeOllamaUnavailable      Code = "OLLAMA_UNAVAILABLE"
	CodeVectorDBUnavailable    Code = "VECTOR_DB_UNAVAILABLE"

	// Timeout (504)
	CodeRequestTimeout Code = "REQUEST_TIMEOUT"

	// Internal (500)
	CodeInternal Code = "INTERNAL_ERROR"
)

// statusByCode maps every code to its HTTP status. Codes absent from this
// table do not exist; New falls back to 500 for anything unrecognized.
var statusByCode = map[Code]int{
	CodeInvalidRequest:          http.StatusBadRequest,
	CodeQueryTooLong:            http.StatusBadRequest,
	CodeMissingAuthHeader:       http.StatusUnauthorized,
	CodeMissingHMACHeaders:      http.StatusUnauthorized,
	CodeHMACTimestampExpired:    http.StatusUnauthorized,
	CodeExpiredToken:            http.StatusUnauthorized,
	CodeInvalidToken:            http.StatusUnauthorized,
	CodeInvalidSignature:        http.StatusUnauthorized,
	CodeInvalidClientID:         http.StatusUnauthorized,
	CodeOrgMismatch:             http.StatusForbidden,
	CodeInsufficientPermissions: http.StatusForbidden,
	CodeResourceAccessDenied:    http.StatusForbidden,
	CodeConversationNotFound:    http.StatusNotFound,
	CodeAuthServiceUnavailable:  http.StatusServiceUnavailable,
	CodeOllamaUnavailable:       http.StatusServiceUnavailable,
	CodeVectorDBUnavailable:     http.StatusServiceUnavailable,
	CodeRequestTimeout:          http.StatusGatewayTimeout,
	CodeInternal:                http.StatusInternalServerError,
}

// Error is a classified service error: a taxonomy code, its HTTP status, a
// client-safe message, and an optional wrapped cause.
type Error struct {
	Code    Code
	Status  int
	Message string
	Err     error
}

// New creates an Error with the status implied by its code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Status: statusFor(code), Message: message}
}

// Wrap creates an Error around an underlying cause. The cause is preserved
// for logging and errors.Is/As but never serialized to the client.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Status: statusFor(code), Message: message, Err: err}
}

func statusFor(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Response builds the wire payload for this error. Internal details are
// never included; callers add them separately when not in production.
func (e *Error) Response(requestID string) map[string]any {
	return map[string]any{
		"code":       string(e.Code),
		"message":    e.Message,
		"request_id": requestID,
	}
}

// From classifies an arbitrary error into the taxonomy. Errors already
// carrying a code pass through unchanged; anything else becomes INTERNAL_ERROR.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(CodeInternal, "internal error", err)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}
