package executor

import (
	"strings"

	"chronos/pkg/models"
)

// classify maps an error's message to an ErrorCode via ordered,
// case-insensitive substring matching. Order matters: the first rule
// that matches wins.
func classify(errMsg string) models.ErrorCode {
	m := strings.ToLower(errMsg)
	switch {
	case strings.Contains(m, "timeout"):
		return models.ErrorCodeTimeout
	case strings.Contains(m, "network") || strings.Contains(m, "econnrefused"):
		return models.ErrorCodeNetworkError
	case strings.Contains(m, "rate limit"):
		return models.ErrorCodeRateLimit
	case strings.Contains(m, "memory"):
		return models.ErrorCodeMemoryError
	case strings.Contains(m, "permission") || strings.Contains(m, "forbidden"):
		return models.ErrorCodePermissionError
	case strings.Contains(m, "validation"):
		return models.ErrorCodeValidationError
	case strings.Contains(m, "not found"):
		return models.ErrorCodeNotFound
	case strings.Contains(m, "handler"):
		return models.ErrorCodeHandlerError
	default:
		return models.ErrorCodeUnknown
	}
}

// nonRetryableKeywords are substrings that make a failure permanent
// regardless of remaining retries.
var nonRetryableKeywords = []string{
	"validation", "invalid", "not found", "unauthorized", "forbidden", "no handler", "syntax error",
}

// isRetryable reports whether errMsg permits another attempt.
func isRetryable(errMsg string) bool {
	m := strings.ToLower(errMsg)
	for _, kw := range nonRetryableKeywords {
		if strings.Contains(m, kw) {
			return false
		}
	}
	return true
}
