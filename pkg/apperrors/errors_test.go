// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StatusMapping(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeQueryTooLong, http.StatusBadRequest},
		{CodeMissingAuthHeader, http.StatusUnauthorized},
		{CodeMissingHMACHeaders, http.StatusUnauthorized},
		{CodeHMACTimestampExpired, http.StatusUnauthorized},
		{CodeExpiredToken, http.StatusUnauthorized},
		{CodeInvalidToken, http.StatusUnauthorized},
		{CodeInvalidSignature, http.StatusUnauthorized},
		{CodeInvalidClientID, http.StatusUnauthorized},
		{CodeOrgMismatch, http.StatusForbidden},
		{CodeInsufficientPermissions, http.StatusForbidden},
		{CodeResourceAccessDenied, http.StatusForbidden},
		{CodeConversationNotFound, http.StatusNotFound},
		{CodeAuthServiceUnavailable, http.StatusServiceUnavailable},
		{CodeOllamaUnavailable, http.StatusServiceUnavailable},
		{CodeVectorDBUnavailable, http.StatusServiceUnavailable},
		{CodeRequestTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, New(tt.code, "x").Status)
		})
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeAuthServiceUnavailable, "identity service unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "AUTH_SERVICE_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFrom_PassthroughAndFallback(t *testing.T) {
	orig := New(CodeOrgMismatch, "org mismatch")
	wrapped := fmt.Errorf("gate failed: %w", orig)

	assert.Same(t, orig, From(wrapped))

	classified := From(errors.New("boom"))
	require.NotNil(t, classified)
	assert.Equal(t, CodeInternal, classified.Code)
	assert.Equal(t, http.StatusInternalServerError, classified.Status)
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeQueryTooLong, "query exceeds 2000 characters"))

	assert.True(t, Is(err, CodeQueryTooLong))
	assert.False(t, Is(err, CodeInvalidRequest))
	assert.False(t, Is(errors.New("plain"), CodeQueryTooLong))
}

func TestResponse_NoInternalDetail(t *testing.T) {
	err := Wrap(CodeInternal, "internal error", errors.New("pq: duplicate key"))
	resp := err.Response("req-123")

	assert.Equal(t, "INTERNAL_ERROR", resp["code"])
	assert.Equal(t, "internal error", resp["message"])
	assert.Equal(t, "req-123", resp["request_id"])
	assert.NotContains(t, fmt.Sprint(resp), "duplicate key")
}
