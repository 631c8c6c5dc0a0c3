// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes the chat service's Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// chatTurnDuration measures end to end chat turn latency.
	// Labels: mode (buffered, stream)
	chatTurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "helmline",
		Subsystem: "chat",
		Name:      "turn_duration_seconds",
		Help:      "End to end chat turn latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	// taxonomyErrors counts error responses by taxonomy code.
	// Labels: code
	taxonomyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helmline",
		Subsystem: "chat",
		Name:      "errors_total",
		Help:      "Error responses by taxonomy code",
	}, []string{"code"})

	// breakerTransitions counts circuit breaker state transitions.
	// Labels: breaker, to
	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helmline",
		Subsystem: "chat",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"breaker", "to"})

	// retryAttempts counts retries per downstream policy.
	// Labels: policy
	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helmline",
		Subsystem: "chat",
		Name:      "retries_total",
		Help:      "Retry attempts by downstream policy",
	}, []string{"policy"})
)

// ObserveChatTurn records one completed chat turn.
func ObserveChatTurn(mode string, elapsed time.Duration) {
	chatTurnDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// CountError records an error response by its taxonomy code.
func CountError(code string) {
	taxonomyErrors.WithLabelValues(code).Inc()
}

// CountBreakerTransition records a breaker state change.
func CountBreakerTransition(breaker, to string) {
	breakerTransitions.WithLabelValues(breaker, to).Inc()
}

// CountRetry records one retry attempt for a policy.
func CountRetry(policy string) {
	retryAttempts.WithLabelValues(policy).Inc()
}
