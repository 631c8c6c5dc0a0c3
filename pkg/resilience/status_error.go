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
	"fmt"
	"net"
)

// StatusError is an HTTP-classified downstream failure. Clients wrap non-2xx
// responses in a StatusError so retry predicates and the circuit breaker can
// classify them without parsing messages.
type StatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned status %d: %s", e.StatusCode, e.Message)
}

// NewStatusError creates a StatusError for the given status and message.
func NewStatusError(statusCode int, message string) *StatusError {
	return &StatusError{StatusCode: statusCode, Message: message}
}

// StatusOf extracts the HTTP status carried by err. Returns 0 when err has
// no status (network-level failure, context error, or plain error).
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsInfrastructure reports whether err is an infrastructure failure: no
// response at all, or a status >= 500. Client-side failures (4xx) are not
// infrastructure failures and must never trip the circuit breaker.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	if status := StatusOf(err); status != 0 {
		return status >= 500
	}
	// Context expiry on our side is not evidence the downstream is unhealthy.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// isNetworkError reports whether err is a network-level failure that may
// succeed on retry: connection reset/refused, DNS failure, or a timeout.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
