// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy returns a policy with negligible delays for tests.
func fastPolicy(maxAttempts int, shouldRetry func(error) bool) RetryPolicy {
	return RetryPolicy{
		Name:        "test",
		MaxAttempts: maxAttempts,
		Base:        time.Millisecond,
		Max:         2 * time.Millisecond,
		ShouldRetry: shouldRetry,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy(3, nil).Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RecoversAfterTransientFailure(t *testing.T) {
	calls := 0
	err := fastPolicy(3, nil).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewStatusError(503, "overloaded")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustionReturnsLastErrorUnchanged(t *testing.T) {
	lastErr := NewStatusError(500, "persistent")
	calls := 0
	err := fastPolicy(3, nil).Do(context.Background(), func(context.Context) error {
		calls++
		return lastErr
	})

	assert.Equal(t, 3, calls)
	assert.Same(t, lastErr, err.(*StatusError))
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := fastPolicy(3, nil).Do(context.Background(), func(context.Context) error {
		calls++
		return NewStatusError(400, "bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancellationStopsBackoff(t *testing.T) {
	policy := RetryPolicy{
		Name:        "test",
		MaxAttempts: 3,
		Base:        time.Hour,
		Max:         time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := policy.Do(ctx, func(context.Context) error {
		calls++
		return NewStatusError(500, "down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDefaultShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"500", NewStatusError(500, "x"), true},
		{"503", NewStatusError(503, "x"), true},
		{"408 request timeout", NewStatusError(408, "x"), true},
		{"404", NewStatusError(404, "x"), false},
		{"401", NewStatusError(401, "x"), false},
		{"plain error", errors.New("not a network error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, defaultShouldRetry(tt.err))
		})
	}
}

func TestModelPolicy_Retries404WhileModelLoads(t *testing.T) {
	policy := ModelPolicy()
	assert.True(t, policy.ShouldRetry(NewStatusError(404, "model loading")))
	assert.True(t, policy.ShouldRetry(NewStatusError(500, "x")))
	assert.False(t, policy.ShouldRetry(NewStatusError(400, "x")))
}

func TestVectorPolicy_NeverRetriesBadQueryOrCredentials(t *testing.T) {
	policy := VectorPolicy()
	for _, status := range []int{400, 401, 403} {
		assert.False(t, policy.ShouldRetry(NewStatusError(status, "x")), "status %d", status)
	}
	assert.True(t, policy.ShouldRetry(NewStatusError(502, "x")))
}

func TestIdentityPolicy_NeverRetries4xx(t *testing.T) {
	policy := IdentityPolicy()
	for _, status := range []int{400, 401, 403, 404, 408, 429} {
		assert.False(t, policy.ShouldRetry(NewStatusError(status, "x")), "status %d", status)
	}
	assert.True(t, policy.ShouldRetry(NewStatusError(500, "x")))
	assert.Equal(t, 2, policy.MaxAttempts)
}

func TestBackoff_BoundsWithJitter(t *testing.T) {
	policy := RetryPolicy{Base: 1000 * time.Millisecond, Max: 10000 * time.Millisecond}

	for attempt, nominal := range []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
	} {
		for i := 0; i < 50; i++ {
			d := policy.backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(nominal)*0.75))
			assert.LessOrEqual(t, d, time.Duration(float64(nominal)*1.25))
		}
	}

	// Deep attempts are capped at Max (+25% jitter ceiling).
	for i := 0; i < 50; i++ {
		d := policy.backoff(10)
		assert.LessOrEqual(t, d, time.Duration(float64(policy.Max)*1.25))
	}
}
