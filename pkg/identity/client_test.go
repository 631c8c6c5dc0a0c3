// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/pkg/resilience"
)

// fastClient returns a client pointed at url with test-friendly retry delays.
func fastClient(url string) *Client {
	c := NewClient(url)
	c.retry.Base = time.Millisecond
	c.retry.Max = 2 * time.Millisecond
	return c
}

func TestValidateJWT_Valid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/validate-jwt", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tok-1", body["token"])

		json.NewEncoder(w).Encode(validateJWTResponse{
			Valid: true,
			User:  &User{UserID: "user-1", OrgID: "org-1", Role: "member"},
		})
	}))
	defer srv.Close()

	user, err := fastClient(srv.URL).ValidateJWT(context.Background(), "tok-1")

	require.NoError(t, err)
	assert.Equal(t, "user-1", user.UserID)
	assert.Equal(t, "org-1", user.OrgID)
	assert.Equal(t, "member", user.Role)
}

func TestValidateJWT_RejectionMapsToTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		code   apperrors.Code
	}{
		{"expired", "token_expired", apperrors.CodeExpiredToken},
		{"revoked", "token_revoked", apperrors.CodeInvalidToken},
		{"unknown", "", apperrors.CodeInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				json.NewEncoder(w).Encode(validateJWTResponse{Valid: false, Error: tt.reason})
			}))
			defer srv.Close()

			_, err := fastClient(srv.URL).ValidateJWT(context.Background(), "tok-bad")

			assert.True(t, apperrors.Is(err, tt.code))
			assert.Equal(t, 1, calls, "definitive rejections must not retry")
		})
	}
}

func TestValidateJWT_RetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(validateJWTResponse{
			Valid: true,
			User:  &User{UserID: "user-1", OrgID: "org-1", Role: "member"},
		})
	}))
	defer srv.Close()

	user, err := fastClient(srv.URL).ValidateJWT(context.Background(), "tok-1")

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "org-1", user.OrgID)
}

func TestValidateJWT_ExhaustionSurfacesStatusError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).ValidateJWT(context.Background(), "tok-1")

	require.Error(t, err)
	assert.Equal(t, 2, calls, "identity policy allows exactly 2 attempts")
	assert.Equal(t, http.StatusServiceUnavailable, resilience.StatusOf(err))
}

func TestValidateHMAC_Valid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/validate-hmac", r.URL.Path)
		var req HMACRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "client-1", req.ClientID)
		assert.Equal(t, int64(1700000000000), req.Timestamp)

		json.NewEncoder(w).Encode(validateHMACResponse{
			Valid: true, OrgID: "org-1", OrgName: "Acme",
		})
	}))
	defer srv.Close()

	org, err := fastClient(srv.URL).ValidateHMAC(context.Background(), HMACRequest{
		ClientID:  "client-1",
		Signature: "sig",
		Timestamp: 1700000000000,
		Payload:   CanonicalPayload("POST", "/v1/chat/query", 1700000000000, []byte(`{"query":"q"}`)),
	})

	require.NoError(t, err)
	assert.Equal(t, "org-1", org.OrgID)
	assert.Equal(t, "Acme", org.OrgName)
}

func TestValidateHMAC_RejectionMapsToTaxonomy(t *testing.T) {
	tests := []struct {
		reason string
		code   apperrors.Code
	}{
		{"unknown_client", apperrors.CodeInvalidClientID},
		{"invalid_client_id", apperrors.CodeInvalidClientID},
		{"bad_signature", apperrors.CodeInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(validateHMACResponse{Valid: false, Error: tt.reason})
			}))
			defer srv.Close()

			_, err := fastClient(srv.URL).ValidateHMAC(context.Background(), HMACRequest{ClientID: "c"})

			assert.True(t, apperrors.Is(err, tt.code))
		})
	}
}

func TestCanonicalPayload(t *testing.T) {
	payload := CanonicalPayload("POST", "/v1/chat/query", 1700000000000, []byte(`{"query":"hi"}`))
	assert.Equal(t, "POST\n/v1/chat/query\n1700000000000\n{\"query\":\"hi\"}", payload)
}
