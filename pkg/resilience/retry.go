// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resilience provides the retry and circuit-breaker primitives that
// wrap every downstream call made by the chat service.
//
// The two pieces compose but are independent: RetryPolicy re-invokes a single
// logical call with exponential backoff and jitter, while CircuitBreaker
// tracks consecutive infrastructure failures across requests and fails fast
// once a downstream is known to be unhealthy.
package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// RetryPolicy re-invokes a failing call with exponential backoff and jitter.
//
// Delay for attempt i (0-based) is min(Base * 2^i, Max) adjusted by a uniform
// ±25% jitter and floored at zero. Jitter prevents synchronized retry storms
// when many requests fail against the same downstream at once.
//
// Thread Safety: a RetryPolicy is immutable after construction and safe for
// concurrent use.
type RetryPolicy struct {
	// Name identifies the policy in logs (e.g. "model", "vector", "identity").
	Name string

	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// Base is the backoff before the first retry.
	Base time.Duration

	// Max caps the exponential backoff.
	Max time.Duration

	// ShouldRetry decides whether a given error is worth another attempt.
	// Nil means defaultShouldRetry.
	ShouldRetry func(err error) bool

	// OnRetry, when non-nil, is invoked once per retry attempt with the
	// policy name. Used to feed metrics; must not block.
	OnRetry func(policy string)
}

// defaultShouldRetry retries 5xx, 408 request-timeout, and network-level
// failures. All other 4xx are treated as permanent.
func defaultShouldRetry(err error) bool {
	if status := StatusOf(err); status != 0 {
		return status >= 500 || status == http.StatusRequestTimeout
	}
	return isNetworkError(err)
}

// ModelPolicy returns the retry policy for the generation and embedding
// model. A 404 additionally retries because Ollama returns it while a model
// is still loading into memory.
func ModelPolicy() RetryPolicy {
	return RetryPolicy{
		Name:        "model",
		MaxAttempts: 3,
		Base:        1000 * time.Millisecond,
		Max:         10000 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			if StatusOf(err) == http.StatusNotFound {
				return true
			}
			return defaultShouldRetry(err)
		},
	}
}

// VectorPolicy returns the retry policy for the vector index. Bad queries and
// bad credentials (400/401/403) are never transient and fail immediately.
func VectorPolicy() RetryPolicy {
	return RetryPolicy{
		Name:        "vector",
		MaxAttempts: 3,
		Base:        500 * time.Millisecond,
		Max:         5000 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			switch StatusOf(err) {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return false
			}
			return defaultShouldRetry(err)
		},
	}
}

// IdentityPolicy returns the retry policy for identity-service calls. Kept to
// two attempts with short backoff to bound added latency on the hot
// authentication path; no 4xx ever retries, auth failures are not transient.
func IdentityPolicy() RetryPolicy {
	return RetryPolicy{
		Name:        "identity",
		MaxAttempts: 2,
		Base:        200 * time.Millisecond,
		Max:         2000 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			if status := StatusOf(err); status >= 400 && status < 500 {
				return false
			}
			return defaultShouldRetry(err)
		},
	}
}

// Do invokes fn until it succeeds, returns a non-retryable error, or attempts
// are exhausted. The final failure is returned unchanged so callers can
// classify it; a success after at least one retry is logged as a recovery.
// Backoff sleeps honor ctx cancellation.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = defaultShouldRetry
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(p.Name)
			}
			delay := p.backoff(attempt - 1)
			slog.Info("Retrying downstream call",
				"policy", p.Name,
				"attempt", attempt,
				"delay", delay,
				"lastError", lastErr,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("Downstream call recovered after retry",
					"policy", p.Name,
					"attempts", attempt+1,
				)
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
	}
	return lastErr
}

// backoff computes the delay after the given 0-based failed attempt.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.Base << uint(attempt)
	if delay > p.Max || delay <= 0 {
		delay = p.Max
	}
	// ±25% uniform jitter.
	jitter := (rand.Float64() - 0.5) / 2
	adjusted := time.Duration(float64(delay) * (1 + jitter))
	if adjusted < 0 {
		return 0
	}
	return adjusted
}
