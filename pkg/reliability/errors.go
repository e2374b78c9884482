package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorCategory buckets errors by how the sync engine should react.
type ErrorCategory int

const (
	// ErrorTransient covers connection resets, timeouts and other failures
	// worth retrying with backoff.
	ErrorTransient ErrorCategory = iota
	// ErrorAuthentication means the server rejected credentials. Never
	// retried blindly; flips account liveness to invalid.
	ErrorAuthentication
	// ErrorPermanent covers failures that will not succeed on retry
	// (missing mailbox, quota, permission).
	ErrorPermanent
)

// AuthError marks an authentication rejection from the provider. The
// liveness monitor treats it as terminal until credentials are refreshed.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return "authentication failed for " + e.Account + ": " + e.Message
}

var authPatterns = []string{
	"authentication failed",
	"authenticationfailed",
	"login failed",
	"invalid credentials",
	"unauthorized",
	"access denied",
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"host unreachable",
	"no such host",
	"i/o timeout",
	"timeout",
	"temporary failure",
	"unexpected eof",
	"use of closed network connection",
	"server temporarily unavailable",
	"mailbox unavailable",
	"* bye",
}

var permanentPatterns = []string{
	"mailbox does not exist",
	"no mailbox",
	"permission denied",
	"quota exceeded",
}

// Categorize buckets an error for handling. Typed errors win over string
// matching; unknown errors default to transient so a novel provider
// hiccup is retried rather than fatal.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ErrorTransient
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return ErrorAuthentication
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return ErrorAuthentication
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return ErrorPermanent
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ErrorTransient
		}
	}
	return ErrorTransient
}

// ShouldRetry reports whether an error is worth retrying.
func ShouldRetry(err error) bool {
	return Categorize(err) == ErrorTransient
}

// IsAuthError reports whether the error is an authentication rejection.
func IsAuthError(err error) bool {
	return Categorize(err) == ErrorAuthentication
}
