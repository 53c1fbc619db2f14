package errors

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedError(t *testing.T) {
	resetAt := time.Now().Add(45 * time.Second)
	err := &RateLimitedError{
		KeyID:              "key-1",
		ServerID:           "srv-1",
		RemainingPerMinute: 0,
		RemainingPerDay:    120,
		ResetAt:            resetAt,
	}

	assert.Contains(t, err.Error(), "srv-1")
	assert.InDelta(t, 45, err.RetryAfter().Seconds(), 1)

	// Past reset times never produce a negative hint.
	err.ResetAt = time.Now().Add(-time.Minute)
	assert.Equal(t, time.Duration(0), err.RetryAfter())
}

func TestCircuitOpenError(t *testing.T) {
	err := &CircuitOpenError{ServerID: "srv-1", RetryAfterDuration: 800 * time.Millisecond}
	assert.Contains(t, err.Error(), "srv-1")
	assert.Equal(t, 800*time.Millisecond, err.RetryAfter())
}

func TestUpstreamErrorVerbatimMessage(t *testing.T) {
	cause := New("connection reset")
	err := &UpstreamError{ServerID: "srv-1", Tool: "fs/read", Message: "connection reset", Cause: cause}

	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, Is(err, cause))
}

func TestSecretDetectedError(t *testing.T) {
	one := &SecretDetectedError{Detections: []Detection{
		{Provider: "stripe", Path: "$.steps[0].params.key", MaskedValue: "****abcd"},
	}}
	assert.Contains(t, one.Error(), "stripe")
	assert.Contains(t, one.Error(), "$.steps[0].params.key")

	many := &SecretDetectedError{Detections: []Detection{{}, {}}}
	assert.Contains(t, many.Error(), "2 secrets")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ValidationError{Message: "bad"}, http.StatusBadRequest},
		{&UnauthenticatedError{}, http.StatusUnauthorized},
		{&PermissionDeniedError{Operation: "servers.delete"}, http.StatusForbidden},
		{&NotFoundError{Resource: "workflow", ID: "w1"}, http.StatusNotFound},
		{&ConflictError{Resource: "server", Message: "name taken"}, http.StatusConflict},
		{&SecretDetectedError{}, http.StatusConflict},
		{&RateLimitedError{}, http.StatusTooManyRequests},
		{&BudgetExceededError{Scope: "tenant"}, http.StatusPaymentRequired},
		{&CircuitOpenError{ServerID: "s"}, http.StatusServiceUnavailable},
		{&TimeoutError{Operation: "tool call"}, http.StatusGatewayTimeout},
		{&UpstreamError{ServerID: "s", Message: "boom"}, http.StatusInternalServerError},
		{&InternalError{Message: "bug"}, http.StatusInternalServerError},
		{New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(Kind(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestHTTPStatusWrapped(t *testing.T) {
	wrapped := fmt.Errorf("invoking tool: %w", &RateLimitedError{ServerID: "s"})
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(wrapped))
	assert.Equal(t, "rate_limited", Kind(wrapped))
}

func TestRetryAfterHint(t *testing.T) {
	_, ok := RetryAfter(New("plain"))
	assert.False(t, ok)

	d, ok := RetryAfter(&CircuitOpenError{RetryAfterDuration: time.Second})
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	d, ok = RetryAfter(fmt.Errorf("wrap: %w", &RateLimitedError{ResetAt: time.Now().Add(30 * time.Second)}))
	require.True(t, ok)
	assert.InDelta(t, 30, d.Seconds(), 1)
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(&RateLimitedError{}))
	assert.True(t, IsRecoverable(&CircuitOpenError{}))
	assert.False(t, IsRecoverable(&UpstreamError{Message: "boom"}))
	assert.False(t, IsRecoverable(&ValidationError{Message: "bad"}))
}
