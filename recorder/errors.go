package recorder

import (
	"strings"
)

// ErrorClass represents whether a fetch error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient fault; retry next cycle.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates a permanent fault; do not retry.
	ErrorClassFatal
)

func (ec ErrorClass) String() string {
	if ec == ErrorClassFatal {
		return "fatal"
	}
	return "retryable"
}

// ClassifyFetchError sorts playlist/segment fetch errors into retryable vs
// fatal buckets by message pattern. Unknown errors are treated as retryable
// so the poller does not give up on a live broadcast too early.
//
// Fatal: auth/authorization failures, access tokens rejected, malformed URLs.
// Retryable: network faults, 5xx, rate limiting, truncated reads.
func ClassifyFetchError(err error) ErrorClass {
	if err == nil {
		return ErrorClassRetryable
	}
	lower := strings.ToLower(err.Error())

	// Server-side errors come first so "service unavailable" is not
	// mistaken for a missing resource.
	serverPatterns := []string{
		"500", "502", "503", "504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
	}
	for _, p := range serverPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	fatalPatterns := []string{
		"401", "403",
		"unauthorized",
		"access denied",
		"authentication required",
		"token expired",
		"invalid url",
		"malformed url",
		"unsupported url",
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}

	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"timeout",
		"temporary failure in name resolution",
		"no route to host",
		"network unreachable",
		"eof",
		"broken pipe",
		"429",
		"too many requests",
		"rate limit",
	}
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	return ErrorClassRetryable
}

// IsRetryableError reports whether the error should pace a retry.
func IsRetryableError(err error) bool {
	return ClassifyFetchError(err) == ErrorClassRetryable
}

// IsFatalError reports whether the error must not be retried.
func IsFatalError(err error) bool {
	return ClassifyFetchError(err) == ErrorClassFatal
}
