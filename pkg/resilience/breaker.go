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
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the downstream.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - calls pass through, failures counted.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the downstream is unhealthy - calls are rejected.
	CircuitOpen
	// CircuitHalfOpen permits exactly one trial call to test recovery.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// Name identifies the guarded downstream in transition logs.
	Name string

	// FailureThreshold is the number of consecutive infrastructure failures
	// before opening (default: 5).
	FailureThreshold int

	// RecoveryTimeout is how long to stay open before permitting a trial
	// call (default: 30s).
	RecoveryTimeout time.Duration

	// Clock supplies the current time; injectable so tests can simulate the
	// recovery window without real timers. Nil means time.Now.
	Clock func() time.Time

	// OnStateChange, when non-nil, is invoked on every transition. Used to
	// feed metrics; must not block.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig returns sensible defaults for the given downstream.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreaker guards a downstream with the three-state breaker pattern.
//
// Only infrastructure failures count toward the threshold: no response at
// all, or a status >= 500. Client-side failures (4xx) pass through without
// touching the failure count - an invalid credential says nothing about the
// downstream's health.
//
// State is process-wide: one breaker instance per guarded downstream, shared
// by all requests, reset only by successful calls or process restart. There
// is deliberately no cross-instance coordination.
//
// Thread Safety: safe for concurrent use.
type CircuitBreaker struct {
	config BreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	nextAttempt time.Time
	trialActive bool
}

// NewCircuitBreaker creates a closed breaker with the given config.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn under breaker protection. When the breaker is open it
// returns ErrCircuitOpen immediately without invoking fn. The error from fn
// is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// allow decides whether a call may proceed, transitioning OPEN->HALF_OPEN
// once the recovery timeout has elapsed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if !cb.config.Clock().Before(cb.nextAttempt) {
			cb.transitionTo(CircuitHalfOpen)
			cb.trialActive = true
			return true
		}
		return false

	case CircuitHalfOpen:
		// Exactly one trial call at a time.
		if cb.trialActive {
			return false
		}
		cb.trialActive = true
		return true
	}
	return false
}

// record updates breaker state from a completed call.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.trialActive = false
	}

	if err == nil {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.transitionTo(CircuitClosed)
		}
		return
	}

	if !IsInfrastructure(err) {
		// Validation and client failures never open the breaker. On a
		// half-open trial a 4xx still proves the dependency is answering,
		// so the breaker closes rather than staying parked on one trial
		// slot at a time.
		if cb.state == CircuitHalfOpen {
			cb.transitionTo(CircuitClosed)
		}
		return
	}

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		cb.open()
	}
}

// open transitions to OPEN and schedules the next trial. Must be called with
// the lock held.
func (cb *CircuitBreaker) open() {
	cb.nextAttempt = cb.config.Clock().Add(cb.config.RecoveryTimeout)
	cb.transitionTo(CircuitOpen)
}

// transitionTo changes state and logs the transition. Must be called with the
// lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	old := cb.state
	cb.state = newState
	slog.Warn("Circuit breaker state transition",
		"breaker", cb.config.Name,
		"from", old.String(),
		"to", newState.String(),
		"failures", cb.failures,
	)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, old, newState)
	}
	if newState == CircuitClosed {
		cb.failures = 0
	}
}
