package imap

import (
	"context"
	"fmt"
	"time"
)

// IdleWait blocks in IMAP IDLE on the currently selected folder until the
// server pushes an update, the timeout elapses, or ctx is cancelled. The
// timeout bound keeps NAT and proxy boxes from silently dropping the
// connection; callers re-enter IDLE or fall back to polling as they see
// fit. Returns true when the wait ended because something changed.
func (f *Fetcher) IdleWait(ctx context.Context, timeout time.Duration) (bool, error) {
	if !f.cli.SupportsIdle() {
		// No IDLE: sleep out the interval so callers can treat both
		// paths uniformly.
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(timeout):
			return false, nil
		}
	}

	idleCmd, err := f.cli.conn.Idle()
	if err != nil {
		return false, fmt.Errorf("entering idle: %w", err)
	}

	updated := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	unilateral := f.cli.takeUnilateral()
	select {
	case <-ctx.Done():
		_ = idleCmd.Close()
		_ = idleCmd.Wait()
		return false, ctx.Err()
	case <-unilateral:
		updated = true
	case <-timer.C:
	}

	if err := idleCmd.Close(); err != nil {
		return updated, fmt.Errorf("leaving idle: %w", err)
	}
	if err := idleCmd.Wait(); err != nil {
		return updated, fmt.Errorf("leaving idle: %w", err)
	}
	return updated, nil
}
