package model

import "strings"

// IsRetryable reports whether a model call error is a transient
// network-class failure worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") {
		return true
	}
	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}
	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// IsContextOverflow reports whether the provider rejected the request for
// exceeding the context window. Compaction reacts to this by dropping
// history and retrying.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"context_length_exceeded",
		"prompt is too long",
		"maximum context length",
		"input length and `max_tokens` exceed context limit",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
