package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategorizeAuthErrors(t *testing.T) {
	authErr := &AuthError{Account: "a***@example.com", Message: "LOGIN failed"}
	require.Equal(t, ErrorAuthentication, Categorize(authErr))
	require.Equal(t, ErrorAuthentication, Categorize(fmt.Errorf("connecting: %w", authErr)))
	require.True(t, IsAuthError(fmt.Errorf("wrapped: %w", authErr)))

	require.Equal(t, ErrorAuthentication, Categorize(errors.New("invalid credentials (failure)")))
	require.Equal(t, ErrorAuthentication, Categorize(errors.New("AUTHENTICATIONFAILED")))
}

func TestCategorizeTransientErrors(t *testing.T) {
	for _, msg := range []string{
		"dial tcp 1.2.3.4:993: connection refused",
		"read tcp: connection reset by peer",
		"i/o timeout",
		"EOF",
	} {
		require.Equal(t, ErrorTransient, Categorize(errors.New(msg)), msg)
		require.True(t, ShouldRetry(errors.New(msg)), msg)
	}
	require.Equal(t, ErrorTransient, Categorize(context.DeadlineExceeded))
}

func TestCategorizePermanentErrors(t *testing.T) {
	err := errors.New("SELECT failed: mailbox does not exist")
	require.Equal(t, ErrorPermanent, Categorize(err))
	require.False(t, ShouldRetry(err))
}

func TestCategorizeUnknownDefaultsTransient(t *testing.T) {
	require.Equal(t, ErrorTransient, Categorize(errors.New("something odd happened")))
}

func TestAuthErrorNeverRetried(t *testing.T) {
	require.False(t, ShouldRetry(&AuthError{Account: "x", Message: "no"}))
}
