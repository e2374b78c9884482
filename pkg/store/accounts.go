package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// UpsertAccount inserts an account by email or updates its provider. The
// liveness state of an existing account is left alone; only the monitor
// changes it. An account with no namespace assigned gets its own id as
// namespace, the one-namespace-per-account layout.
func (s *Store) UpsertAccount(ctx context.Context, a *Account) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account (namespace_id, email, provider)
		VALUES (?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET provider = excluded.provider`,
		a.NamespaceID, a.Email, a.Provider,
	)
	if err != nil {
		return 0, fmt.Errorf("upserting account %s: %w", a.Email, err)
	}
	var id int64
	err = s.db.GetContext(ctx, &id, "SELECT id FROM account WHERE email = ?", a.Email)
	if err != nil {
		return 0, fmt.Errorf("reading back account %s: %w", a.Email, err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE account SET namespace_id = id WHERE id = ? AND namespace_id = 0", id)
	if err != nil {
		return 0, fmt.Errorf("assigning namespace for account %s: %w", a.Email, err)
	}
	return id, nil
}

// Account retrieves an account by ID.
func (s *Store) Account(ctx context.Context, id int64) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, "SELECT * FROM account WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %d: %w", id, err)
	}
	return &a, nil
}

// AccountByEmail retrieves an account by its email address.
func (s *Store) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, "SELECT * FROM account WHERE email = ?", email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", email, err)
	}
	return &a, nil
}

// SyncableAccounts returns accounts whose run gates are open: sync_should_run
// and sync_email set, and liveness not invalid.
func (s *Store) SyncableAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := s.db.SelectContext(ctx, &accounts, `
		SELECT * FROM account
		WHERE sync_should_run = 1 AND sync_email = 1 AND state != 'invalid'
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing syncable accounts: %w", err)
	}
	return accounts, nil
}

// SetAccountState records a liveness transition.
func (s *Store) SetAccountState(ctx context.Context, id int64, state AccountState) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE account SET state = ? WHERE id = ?", state, id)
	if err != nil {
		return fmt.Errorf("setting account %d state %s: %w", id, state, err)
	}
	return nil
}

// SetAccountSyncShouldRun flips the scheduler gate for an account. Workers
// observe the change at their next checkpoint.
func (s *Store) SetAccountSyncShouldRun(ctx context.Context, id int64, run bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE account SET sync_should_run = ? WHERE id = ?", run, id)
	if err != nil {
		return fmt.Errorf("setting account %d sync_should_run: %w", id, err)
	}
	return nil
}

// SetAccountSyncEmail toggles the mail-sync gate, independent of
// sync_should_run.
func (s *Store) SetAccountSyncEmail(ctx context.Context, id int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE account SET sync_email = ? WHERE id = ?", enabled, id)
	if err != nil {
		return fmt.Errorf("setting sync_email for account %d: %w", id, err)
	}
	return nil
}

// SetDesiredSyncHost requests that an account's workers run on the given
// host. The currently-running host hands off cooperatively at its next
// checkpoint. Pass nil to clear the pin.
func (s *Store) SetDesiredSyncHost(ctx context.Context, id int64, host *string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE account SET desired_sync_host = ? WHERE id = ?", host, id)
	if err != nil {
		return fmt.Errorf("setting account %d desired_sync_host: %w", id, err)
	}
	return nil
}

// AccountShouldRun reports whether the account's workers may run (or keep
// running) on the named host. It is the single gate checked at worker
// checkpoints.
func (s *Store) AccountShouldRun(ctx context.Context, id int64, host string) (bool, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM account WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking run gate for account %d: %w", id, err)
	}
	if !a.SyncShouldRun || !a.SyncEmail || a.State == AccountInvalid {
		return false, nil
	}
	if a.DesiredSyncHost != nil && *a.DesiredSyncHost != "" && *a.DesiredSyncHost != host {
		return false, nil
	}
	return true, nil
}
