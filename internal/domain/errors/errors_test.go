package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreUnavailableError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewStoreUnavailableError("velocity", "increment", "fraud:velocity:u1").WithCause(cause)

	assert.True(t, IsStoreUnavailable(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 503, GetStatusCode(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "increment")
	assert.Contains(t, err.Error(), "fraud:velocity:u1")
	assert.Equal(t, "velocity", err.Details["store"])
}

func TestInvalidTransactionError(t *testing.T) {
	err := NewInvalidTransactionError("device_id", "device_id is required")

	assert.True(t, IsInvalidTransaction(err))
	assert.False(t, IsRetryable(err))
	assert.False(t, IsStoreUnavailable(err))
	assert.Equal(t, "device_id", err.Details["field"])

	wrapped := fmt.Errorf("intake: %w", err)
	assert.True(t, IsInvalidTransaction(wrapped))
	assert.Equal(t, 400, GetStatusCode(wrapped))
}

func TestPublishPartialFailure(t *testing.T) {
	err := NewPublishPartialFailure([]string{"a", "b"}, 3)

	require.True(t, IsPublishPartialFailure(err))
	assert.Contains(t, err.Error(), "2 subscriber(s): a, b")
	assert.Equal(t, 3, err.Details["delivered"])
}

func TestHelpers(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))
	assert.EqualError(t, Wrap(errors.New("boom"), "ctx"), "ctx: boom")
	assert.Equal(t, 500, GetStatusCode(errors.New("plain")))
	assert.False(t, IsType(errors.New("plain"), ErrorTypeValidation))
}

func TestRateLimitedError(t *testing.T) {
	err := NewRateLimitedError(100, time.Minute)

	assert.True(t, IsType(err, ErrorTypeRateLimited))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 429, GetStatusCode(err))
	assert.Equal(t, "1m0s", err.Details["window"])
}
