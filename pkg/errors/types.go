// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the typed errors used across the gateway.
//
// Each error kind is an exported struct so callers can match with errors.As
// and extract structured detail (reset hints, retry-after, detections). The
// HTTP boundary mapping lives in http.go.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "tool", "server")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// UnauthenticatedError indicates a missing or invalid API key.
type UnauthenticatedError struct {
	// Reason explains why authentication failed
	Reason string
}

// Error implements the error interface.
func (e *UnauthenticatedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unauthenticated: %s", e.Reason)
	}
	return "unauthenticated"
}

// PermissionDeniedError indicates the caller is authenticated but not
// authorized for the operation.
type PermissionDeniedError struct {
	// Operation is the operation that was denied
	Operation string

	// KeyID identifies the caller
	KeyID string
}

// Error implements the error interface.
func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for %s", e.Operation)
}

// RateLimitedError indicates a (key, server) bucket is exhausted.
// It carries the remaining counts and reset timestamp so callers can
// schedule a retry.
type RateLimitedError struct {
	// KeyID is the API key that was throttled
	KeyID string

	// ServerID is the backend server the request targeted
	ServerID string

	// RemainingPerMinute is the number of slots left in the minute window
	RemainingPerMinute int

	// RemainingPerDay is the number of slots left in the day window
	RemainingPerDay int

	// ResetAt is when the nearest exhausted window resets
	ResetAt time.Time
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for server %s (resets %s)",
		e.ServerID, e.ResetAt.Format(time.RFC3339))
}

// RetryAfter returns the duration until the exhausted window resets.
func (e *RateLimitedError) RetryAfter() time.Duration {
	d := time.Until(e.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// CircuitOpenError indicates the server's circuit breaker is open.
type CircuitOpenError struct {
	// ServerID is the backend server whose circuit is open
	ServerID string

	// RetryAfterDuration is how long until a probe will be admitted
	RetryAfterDuration time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for server %s (retry after %s)",
		e.ServerID, e.RetryAfterDuration)
}

// RetryAfter returns the duration until the circuit admits a probe.
func (e *CircuitOpenError) RetryAfter() time.Duration {
	return e.RetryAfterDuration
}

// UpstreamError represents a backend MCP server failure. The message is
// surfaced verbatim per the routing contract.
type UpstreamError struct {
	// ServerID is the backend server that failed
	ServerID string

	// Tool is the qualified tool name, if the failure occurred during a call
	Tool string

	// Message is the verbatim backend error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("upstream error from %s calling %s: %s", e.ServerID, e.Tool, e.Message)
	}
	return fmt.Sprintf("upstream error from %s: %s", e.ServerID, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// ConnectionError indicates a transport-level failure establishing or
// holding a connection to an MCP server.
type ConnectionError struct {
	// ServerID is the server that could not be reached
	ServerID string

	// Cause is the underlying transport error
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to server %s failed: %v", e.ServerID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "tool call", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ConflictError indicates the operation conflicts with existing state,
// e.g. a duplicate unique name or an attempt to mutate a built-in resource.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// Message explains the conflict
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

// Detection describes one secret-pattern match inside a JSON document.
type Detection struct {
	// Provider is the pattern label (e.g., "stripe", "aws")
	Provider string `json:"provider"`

	// Path is the JSON path to the offending node
	Path string `json:"path"`

	// MaskedValue retains only the last 4 characters of the match
	MaskedValue string `json:"masked_value"`

	// Severity is the pattern's configured severity
	Severity string `json:"severity"`
}

// SecretDetectedError aborts workflow creation or update when the definition
// contains material matching an enabled secret pattern.
type SecretDetectedError struct {
	// Detections enumerates every masked match
	Detections []Detection
}

// Error implements the error interface.
func (e *SecretDetectedError) Error() string {
	if len(e.Detections) == 1 {
		return fmt.Sprintf("secret detected at %s (%s)", e.Detections[0].Path, e.Detections[0].Provider)
	}
	return fmt.Sprintf("%d secrets detected in definition", len(e.Detections))
}

// BudgetExceededError denies execution admission when a budget scope would
// overrun its limit.
type BudgetExceededError struct {
	// Scope is the budget scope (global, tenant, workflow, key)
	Scope string

	// ScopeID identifies the scoped entity, empty for global
	ScopeID string

	// Limit is the configured credit limit
	Limit float64

	// Used is the credits already consumed in the current period
	Used float64
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for scope %s: %.2f of %.2f credits used", e.Scope, e.Used, e.Limit)
}

// InternalError wraps unexpected failures that indicate a bug.
type InternalError struct {
	// Message describes what went wrong
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error {
	return e.Cause
}
