package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chronos/pkg/models"
)

func TestClassify(t *testing.T) {
	cases := map[string]models.ErrorCode{
		"operation timeout after 30s":     models.ErrorCodeTimeout,
		"ECONNREFUSED on dial":            models.ErrorCodeNetworkError,
		"network unreachable":             models.ErrorCodeNetworkError,
		"rate limit exceeded":             models.ErrorCodeRateLimit,
		"out of memory":                   models.ErrorCodeMemoryError,
		"permission denied":               models.ErrorCodePermissionError,
		"forbidden by policy":             models.ErrorCodePermissionError,
		"validation failed: bad payload":  models.ErrorCodeValidationError,
		"resource not found":              models.ErrorCodeNotFound,
		"no handler registered":           models.ErrorCodeHandlerError,
		"something unexpected went wrong": models.ErrorCodeUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, classify(msg), "message: %s", msg)
	}
}

func TestClassify_OrderedRulesFirstMatchWins(t *testing.T) {
	// contains both "timeout" and "network" - timeout rule is checked first.
	assert.Equal(t, models.ErrorCodeTimeout, classify("network timeout while dialing"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable("connection reset by peer"))
	assert.True(t, isRetryable("timeout exceeded"))
	assert.False(t, isRetryable("validation error: missing field"))
	assert.False(t, isRetryable("resource not found"))
	assert.False(t, isRetryable("unauthorized access"))
	assert.False(t, isRetryable("syntax error in script"))
}
