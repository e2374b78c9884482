package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/condsync/condsync/pkg/reliability"
	"github.com/condsync/condsync/pkg/store"
)

func newMonitorFixture(t *testing.T) (*LivenessMonitor, *store.Store, int64) {
	t.Helper()
	log := zerolog.Nop()
	st, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id, err := st.UpsertAccount(context.Background(),
		&store.Account{Email: "m@example.com", Provider: "generic"})
	require.NoError(t, err)
	return NewLivenessMonitor(st, 5, &log), st, id
}

func TestMonitorDownAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	m, st, id := newMonitorFixture(t)
	connErr := errors.New("dial tcp: connection refused")

	for i := 0; i < 4; i++ {
		stop, err := m.RecordFailure(ctx, id, connErr)
		require.NoError(t, err)
		require.False(t, stop)

		acct, err := st.Account(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.AccountLive, acct.State)
	}

	// Fifth consecutive failure flips the account down.
	stop, err := m.RecordFailure(ctx, id, connErr)
	require.NoError(t, err)
	require.False(t, stop)

	acct, err := st.Account(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.AccountDown, acct.State)

	// One successful cycle brings it back.
	require.NoError(t, m.RecordSuccess(ctx, id))
	acct, err = st.Account(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.AccountLive, acct.State)
	require.Zero(t, m.ConsecutiveFailures(id))
}

func TestMonitorSuccessResetsStreak(t *testing.T) {
	ctx := context.Background()
	m, st, id := newMonitorFixture(t)
	connErr := errors.New("i/o timeout")

	for i := 0; i < 4; i++ {
		_, err := m.RecordFailure(ctx, id, connErr)
		require.NoError(t, err)
	}
	require.NoError(t, m.RecordSuccess(ctx, id))

	// The streak restarts; four more failures stay below the threshold.
	for i := 0; i < 4; i++ {
		_, err := m.RecordFailure(ctx, id, connErr)
		require.NoError(t, err)
	}
	acct, err := st.Account(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.AccountLive, acct.State)
}

func TestMonitorAuthFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, st, id := newMonitorFixture(t)

	stop, err := m.RecordFailure(ctx, id, &reliability.AuthError{
		Account: "m***@example.com",
		Message: "LOGIN failed",
	})
	require.NoError(t, err)
	require.True(t, stop)

	acct, err := st.Account(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.AccountInvalid, acct.State)

	// Success does not resurrect an invalid account.
	require.NoError(t, m.RecordSuccess(ctx, id))
	acct, err = st.Account(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.AccountInvalid, acct.State)

	// And the scheduler gate stays closed.
	run, err := st.AccountShouldRun(ctx, id, "")
	require.NoError(t, err)
	require.False(t, run)
}
