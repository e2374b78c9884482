package sync

import (
	"context"
	stdsync "sync"

	"github.com/rs/zerolog"

	"github.com/condsync/condsync/pkg/logging"
	"github.com/condsync/condsync/pkg/reliability"
	"github.com/condsync/condsync/pkg/store"
)

// DefaultFailureThreshold is how many consecutive transient failures flip
// an account from live to down.
const DefaultFailureThreshold = 5

// LivenessMonitor owns account state transitions. Workers report cycle
// outcomes here instead of touching account state directly, so the
// live -> down -> live machine has a single writer.
//
// Authentication rejection is terminal: the account goes invalid and stays
// there until credentials are refreshed externally. Blindly retrying a bad
// password just gets the account locked out upstream.
type LivenessMonitor struct {
	st        *store.Store
	log       *zerolog.Logger
	threshold int

	mu       stdsync.Mutex
	failures map[int64]int
}

// NewLivenessMonitor creates a monitor with the given failure threshold;
// zero or negative means DefaultFailureThreshold.
func NewLivenessMonitor(st *store.Store, threshold int, log *zerolog.Logger) *LivenessMonitor {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &LivenessMonitor{
		st:        st,
		log:       log,
		threshold: threshold,
		failures:  make(map[int64]int),
	}
}

// RecordSuccess resets the failure count and brings a down account back to
// live. Invalid accounts are never resurrected here.
func (m *LivenessMonitor) RecordSuccess(ctx context.Context, accountID int64) error {
	m.mu.Lock()
	m.failures[accountID] = 0
	m.mu.Unlock()

	acct, err := m.st.Account(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.State != store.AccountDown {
		return nil
	}
	if err := m.st.SetAccountState(ctx, accountID, store.AccountLive); err != nil {
		return err
	}
	m.log.Info().
		Str("email", logging.MaskEmail(acct.Email)).
		Msg("account recovered, marking live")
	return nil
}

// RecordFailure categorizes the error and advances the state machine:
// auth rejection marks the account invalid immediately; transient errors
// accumulate and flip the account down at the threshold. Returns true when
// the account reached a state in which its workers should stop.
func (m *LivenessMonitor) RecordFailure(ctx context.Context, accountID int64, err error) (stop bool, _ error) {
	if reliability.IsAuthError(err) {
		m.log.Error().
			Int64("account_id", accountID).
			Err(err).
			Msg("authentication rejected, marking account invalid")
		if serr := m.st.SetAccountState(ctx, accountID, store.AccountInvalid); serr != nil {
			return true, serr
		}
		return true, nil
	}

	m.mu.Lock()
	m.failures[accountID]++
	count := m.failures[accountID]
	m.mu.Unlock()

	m.log.Warn().
		Int64("account_id", accountID).
		Int("consecutive_failures", count).
		Err(err).
		Msg("sync cycle failed")

	if count < m.threshold {
		return false, nil
	}
	if serr := m.st.SetAccountState(ctx, accountID, store.AccountDown); serr != nil {
		return false, serr
	}
	m.log.Error().
		Int64("account_id", accountID).
		Int("consecutive_failures", count).
		Msg("failure threshold reached, marking account down")
	return false, nil
}

// ConsecutiveFailures reports the current failure streak for backoff
// scaling.
func (m *LivenessMonitor) ConsecutiveFailures(accountID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[accountID]
}
