package provider

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorAccessors(t *testing.T) {
	t.Parallel()

	cause := errors.New("429 too many requests")
	err := NewError("anthropic", ErrorRateLimited, "throttled", true, cause).
		WithRetryAfter(2 * time.Second)

	assert.Equal(t, "anthropic", err.Provider())
	assert.Equal(t, ErrorRateLimited, err.Code())
	assert.Equal(t, "throttled", err.Message())
	assert.True(t, err.Retryable())
	require.NotNil(t, err.RetryAfter())
	assert.Equal(t, 2*time.Second, *err.RetryAfter())
	assert.Equal(t, "anthropic RATE_LIMITED: throttled", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestErrorDefaults(t *testing.T) {
	t.Parallel()

	err := NewError("", "", "", false, errors.New("boom"))
	assert.Equal(t, ErrorUnknown, err.Code())
	assert.Equal(t, "UNKNOWN: boom", err.Error())
	assert.Nil(t, err.RetryAfter())
}

func TestAsErrorFindsWrapped(t *testing.T) {
	t.Parallel()

	inner := NewError("openai", ErrorAuthFailed, "bad key", false, nil)
	wrapped := fmt.Errorf("agent step: %w", inner)

	pe, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrorAuthFailed, pe.Code())

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}
