// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/helmline/helmline/pkg/apperrors"
	"github.com/helmline/helmline/pkg/identity"
	"github.com/helmline/helmline/pkg/resilience"
	"github.com/helmline/helmline/services/chat/datatypes"
)

var gateTracer = otel.Tracer("helmline.chat.authgate")

// HMAC request headers.
const (
	HeaderClientID  = "X-Client-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// authContextKey is the gin context key for the resolved AuthContext.
const authContextKey = "helmline_auth_context"

// maxGatedBodyBytes bounds how much request body the gate will buffer for
// signature verification.
const maxGatedBodyBytes = 1 << 20

// GateConfig configures the auth gate.
type GateConfig struct {
	// JWTSecret is the shared HMAC secret the identity service signs access
	// tokens with, used for the local pre-check.
	JWTSecret []byte

	// Tolerance is the allowed clock skew on the HMAC timestamp.
	Tolerance time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// AuthGate validates the dual credential every request must carry: a user
// bearer token and an org HMAC signature. The two remote validations run
// concurrently; the HMAC call additionally goes through the breaker so a
// failing identity service is rejected fast instead of piling up requests.
//
// On success the resolved AuthContext is stored in the gin context for
// handlers to read via GetAuthContext.
func AuthGate(validator identity.Validator, breaker *resilience.CircuitBreaker, cfg GateConfig) gin.HandlerFunc {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "middleware.AuthGate")
		defer span.End()

		// Step 1: presence. Both credentials are mandatory on every route.
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, apperrors.New(apperrors.CodeMissingAuthHeader, "missing bearer token"))
			return
		}
		clientID := c.GetHeader(HeaderClientID)
		timestampRaw := c.GetHeader(HeaderTimestamp)
		signature := c.GetHeader(HeaderSignature)
		if clientID == "" || timestampRaw == "" || signature == "" {
			abortWithError(c, apperrors.New(apperrors.CodeMissingHMACHeaders, "missing HMAC headers"))
			return
		}

		// Step 2: timestamp freshness, checked locally before any network
		// call so replayed or badly skewed requests are cheap to reject.
		timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
		if err != nil {
			abortWithError(c, apperrors.New(apperrors.CodeMissingHMACHeaders, "malformed timestamp header"))
			return
		}
		skew := cfg.Now().UnixMilli() - timestamp
		if skew < 0 {
			skew = -skew
		}
		if skew > cfg.Tolerance.Milliseconds() {
			abortWithError(c, apperrors.New(apperrors.CodeHMACTimestampExpired, "request timestamp outside tolerance"))
			return
		}

		// Step 3: local token check. Signature, expiry, and token type are
		// verifiable without a round trip.
		if err := localTokenCheck(token, cfg.JWTSecret); err != nil {
			abortWithError(c, err)
			return
		}

		// The body is needed twice: once for the signature payload, once by
		// the handler. Buffer and restore it.
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxGatedBodyBytes))
		if err != nil {
			abortWithError(c, apperrors.Wrap(apperrors.CodeInternal, "failed to read request body", err))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		// Step 4: remote validations, issued concurrently. The HMAC call
		// goes through the breaker.
		var (
			user *identity.User
			org  *identity.Org
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			u, err := validator.ValidateJWT(gctx, token)
			if err != nil {
				return err
			}
			user = u
			return nil
		})
		g.Go(func() error {
			return breaker.Execute(gctx, func(ctx context.Context) error {
				o, err := validator.ValidateHMAC(ctx, identity.HMACRequest{
					ClientID:  clientID,
					Signature: signature,
					Timestamp: timestamp,
					Payload:   identity.CanonicalPayload(c.Request.Method, c.Request.URL.Path, timestamp, body),
				})
				if err != nil {
					return err
				}
				org = o
				return nil
			})
		})
		if err := g.Wait(); err != nil {
			abortWithError(c, classifyGateError(err))
			return
		}

		// Step 5: the token's org and the HMAC credential's org must agree.
		if user.OrgID != org.OrgID {
			slog.Warn("Credential org mismatch rejected",
				"token_org", user.OrgID, "hmac_org", org.OrgID,
				"request_id", GetRequestID(c))
			abortWithError(c, apperrors.New(apperrors.CodeOrgMismatch, "credentials belong to different organizations"))
			return
		}

		// Step 6: inject the identity and proceed.
		SetAuthContext(c, datatypes.AuthContext{
			UserID:  user.UserID,
			OrgID:   user.OrgID,
			Role:    user.Role,
			OrgName: org.OrgName,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// SetAuthContext stores an AuthContext in the gin context. Called by the
// gate on success; exported so tests can stand in for it.
func SetAuthContext(c *gin.Context, auth datatypes.AuthContext) {
	c.Set(authContextKey, auth)
}

// GetAuthContext returns the AuthContext the gate injected. The boolean is
// false on routes where the gate did not run.
func GetAuthContext(c *gin.Context) (datatypes.AuthContext, bool) {
	v, ok := c.Get(authContextKey)
	if !ok {
		return datatypes.AuthContext{}, false
	}
	auth, ok := v.(datatypes.AuthContext)
	return auth, ok
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

// localTokenCheck verifies the bearer token's signature, expiry, and declared
// type against the shared secret, avoiding a network round trip for tokens
// that are locally invalid.
func localTokenCheck(token string, secret []byte) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return apperrors.Wrap(apperrors.CodeExpiredToken, "token has expired", err)
		}
		return apperrors.Wrap(apperrors.CodeInvalidToken, "token is invalid", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || claims["type"] != "access" {
		return apperrors.New(apperrors.CodeInvalidToken, "token is not an access token")
	}
	return nil
}

// classifyGateError maps remote validation failures onto the taxonomy. The
// identity client already classifies rejections; what remains here is the
// fail-fast and infrastructure paths, which surface as 503 so callers know
// to back off rather than re-authenticate.
func classifyGateError(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.Wrap(apperrors.CodeAuthServiceUnavailable, "identity service circuit is open", err)
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.CodeAuthServiceUnavailable, "identity service unavailable", err)
}
