// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package identity is the HTTP client for the platform identity service.
//
// The chat service consumes exactly two operations of the identity contract:
// POST /validate-jwt (full bearer-token validation, including revocation and
// user-active state that a local check cannot cover) and POST /validate-hmac
// (signature validation for the organization client credential). The identity
// service's own login/signup/token-issuance surface is out of scope here.
//
// Both calls are wrapped in the identity retry policy (2 attempts, short
// backoff) to bound added latency on the authentication hot path. Circuit
// breaking is applied by the caller, not here, so the auth gate decides which
// of the two calls runs behind the breaker.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/pkg/resilience"
)

var tracer = otel.Tracer("helmline.identity")

// Validator is the subset of the identity contract the chat service consumes.
//
// Thread Safety: implementations must be safe for concurrent use; the auth
// gate issues ValidateJWT and ValidateHMAC concurrently for every request.
type Validator interface {
	// ValidateJWT fully validates a bearer token with the identity service
	// and returns the authenticated user.
	ValidateJWT(ctx context.Context, token string) (*User, error)

	// ValidateHMAC validates an HMAC client credential and returns the
	// owning organization.
	ValidateHMAC(ctx context.Context, req HMACRequest) (*Org, error)
}

// User is the identity resolved from a validated bearer token.
type User struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Role   string `json:"role"`
}

// Org is the organization resolved from a validated HMAC credential.
type Org struct {
	OrgID   string `json:"org_id"`
	OrgName string `json:"org_name"`
}

// HMACRequest carries the signed request material forwarded for validation.
// Payload is the canonical string the client signed: method, path, timestamp,
// and body joined by newlines.
type HMACRequest struct {
	ClientID  string `json:"client_id"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Payload   string `json:"payload"`
}

// CanonicalPayload builds the string-to-sign for an HMAC credential.
func CanonicalPayload(method, path string, timestamp int64, body []byte) string {
	return fmt.Sprintf("%s\n%s\n%d\n%s", method, path, timestamp, body)
}

// Client calls the identity service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	retry      resilience.RetryPolicy
}

// Compile-time interface implementation check.
var _ Validator = (*Client)(nil)

// NewClient creates an identity client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		retry:      resilience.IdentityPolicy(),
	}
}

// validateJWTResponse is the wire shape of POST /validate-jwt.
type validateJWTResponse struct {
	Valid bool   `json:"valid"`
	User  *User  `json:"user,omitempty"`
	Error string `json:"error,omitempty"`
}

// validateHMACResponse is the wire shape of POST /validate-hmac.
type validateHMACResponse struct {
	Valid   bool   `json:"valid"`
	OrgID   string `json:"org_id,omitempty"`
	OrgName string `json:"org_name,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ValidateJWT asks the identity service to fully validate a bearer token.
//
// A definitive rejection (valid=false) maps into the 401 taxonomy and is not
// retried; transport failures and 5xx responses are retried per the identity
// policy and, after exhaustion, surface for 503 classification by the caller.
func (c *Client) ValidateJWT(ctx context.Context, token string) (*User, error) {
	ctx, span := tracer.Start(ctx, "identity.ValidateJWT")
	defer span.End()

	var user *User
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var resp validateJWTResponse
		if err := c.post(ctx, "/validate-jwt", map[string]string{"token": token}, &resp); err != nil {
			return err
		}
		if !resp.Valid || resp.User == nil {
			return tokenRejection(resp.Error)
		}
		user = resp.User
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "jwt validation failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("auth.org_id", user.OrgID))
	return user, nil
}

// ValidateHMAC asks the identity service to validate an HMAC signature
// against the claimed client id and return the owning organization.
func (c *Client) ValidateHMAC(ctx context.Context, req HMACRequest) (*Org, error) {
	ctx, span := tracer.Start(ctx, "identity.ValidateHMAC")
	defer span.End()
	span.SetAttributes(attribute.String("auth.client_id", req.ClientID))

	var org *Org
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var resp validateHMACResponse
		if err := c.post(ctx, "/validate-hmac", req, &resp); err != nil {
			return err
		}
		if !resp.Valid || resp.OrgID == "" {
			return hmacRejection(resp.Error)
		}
		org = &Org{OrgID: resp.OrgID, OrgName: resp.OrgName}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hmac validation failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("auth.org_id", org.OrgID))
	return org, nil
}

// post executes one JSON round trip. Non-2xx responses become StatusError so
// the retry policy and circuit breaker can classify them.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal identity request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create identity request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("identity service call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read identity response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Warn("Identity service returned non-200",
			"path", path,
			"status", resp.StatusCode,
		)
		return resilience.NewStatusError(resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse identity response: %w", err)
	}
	return nil
}

// tokenRejection maps a definitive jwt rejection to the 401 taxonomy.
func tokenRejection(reason string) error {
	switch reason {
	case "token_expired":
		return apperrors.New(apperrors.CodeExpiredToken, "token is expired")
	default:
		return apperrors.New(apperrors.CodeInvalidToken, "token validation failed")
	}
}

// hmacRejection maps a definitive hmac rejection to the 401 taxonomy.
func hmacRejection(reason string) error {
	switch reason {
	case "unknown_client", "invalid_client_id":
		return apperrors.New(apperrors.CodeInvalidClientID, "unknown client id")
	default:
		return apperrors.New(apperrors.CodeInvalidSignature, "signature validation failed")
	}
}
