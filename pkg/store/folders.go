package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrModSeqRegression is returned when a cursor commit would move
// highestmodseq backwards. Callers treat it as a protocol anomaly and
// trigger a full resync instead of regressing the cursor.
var ErrModSeqRegression = errors.New("store: highestmodseq regression")

// UpsertFolder inserts a folder by (account, name) and returns its ID. The
// name match is byte-exact; "INBOX" and "Inbox" are distinct folders.
func (s *Store) UpsertFolder(ctx context.Context, accountID int64, name string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folder (account_id, name) VALUES (?, ?)
		ON CONFLICT(account_id, name) DO NOTHING`,
		accountID, name,
	)
	if err != nil {
		return 0, fmt.Errorf("upserting folder %q: %w", name, err)
	}
	var id int64
	err = s.db.GetContext(ctx, &id,
		"SELECT id FROM folder WHERE account_id = ? AND name = ?", accountID, name)
	if err != nil {
		return 0, fmt.Errorf("reading back folder %q: %w", name, err)
	}
	return id, nil
}

// Folder retrieves a folder by ID.
func (s *Store) Folder(ctx context.Context, id int64) (*Folder, error) {
	var f Folder
	err := s.db.GetContext(ctx, &f, "SELECT * FROM folder WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder %d: %w", id, err)
	}
	return &f, nil
}

// FoldersForAccount lists an account's folders with their run gate open.
func (s *Store) FoldersForAccount(ctx context.Context, accountID int64) ([]Folder, error) {
	var folders []Folder
	err := s.db.SelectContext(ctx, &folders,
		"SELECT * FROM folder WHERE account_id = ? AND sync_should_run = 1 ORDER BY id",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folders for account %d: %w", accountID, err)
	}
	return folders, nil
}

// SetFolderSyncShouldRun flips the per-folder run gate.
func (s *Store) SetFolderSyncShouldRun(ctx context.Context, id int64, run bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folder SET sync_should_run = ? WHERE id = ?", run, id)
	if err != nil {
		return fmt.Errorf("setting folder %d sync_should_run: %w", id, err)
	}
	return nil
}

// StampInitialSyncStart records when the folder's first full sync began.
// Only the first call has an effect.
func (s *Store) StampInitialSyncStart(ctx context.Context, id int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folder SET initial_sync_start = ? WHERE id = ? AND initial_sync_start IS NULL",
		t.UTC(), id)
	if err != nil {
		return fmt.Errorf("stamping initial_sync_start for folder %d: %w", id, err)
	}
	return nil
}

// StampInitialSyncEnd records when the folder's first full sync completed.
func (s *Store) StampInitialSyncEnd(ctx context.Context, id int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folder SET initial_sync_end = ? WHERE id = ? AND initial_sync_end IS NULL",
		t.UTC(), id)
	if err != nil {
		return fmt.Errorf("stamping initial_sync_end for folder %d: %w", id, err)
	}
	return nil
}

// CursorFor returns the folder's sync cursor, creating a zero row on first
// use so later commits are plain updates.
func (s *Store) CursorFor(ctx context.Context, folderID int64) (*Cursor, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO imapfolderinfo (folder_id) VALUES (?)
		ON CONFLICT(folder_id) DO NOTHING`, folderID)
	if err != nil {
		return nil, fmt.Errorf("initializing cursor for folder %d: %w", folderID, err)
	}
	var c Cursor
	err = s.db.GetContext(ctx, &c,
		"SELECT * FROM imapfolderinfo WHERE folder_id = ?", folderID)
	if err != nil {
		return nil, fmt.Errorf("getting cursor for folder %d: %w", folderID, err)
	}
	return &c, nil
}

// CommitCursor atomically swaps the folder's cursor for the given one. The
// swap is all-or-nothing: a crash between fetch and commit leaves the old
// cursor in place, and the delta fetcher simply re-fetches a superset.
// Commits that would regress highestmodseq are rejected.
func (s *Store) CommitCursor(ctx context.Context, c *Cursor) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE imapfolderinfo
		SET uidvalidity = ?, uidnext = ?, highestmodseq = ?,
		    fetchedmin = ?, fetchedmax = ?, last_slow_refresh = ?
		WHERE folder_id = ? AND (highestmodseq <= ? OR uidvalidity != ?)`,
		c.UIDValidity, c.UIDNext, c.HighestModSeq,
		c.FetchedMin, c.FetchedMax, c.LastSlowRefresh,
		c.FolderID, c.HighestModSeq, c.UIDValidity,
	)
	if err != nil {
		return fmt.Errorf("committing cursor for folder %d: %w", c.FolderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("committing cursor for folder %d: %w", c.FolderID, err)
	}
	if n == 0 {
		return ErrModSeqRegression
	}
	return nil
}

// ResetFolderUIDs handles a UIDVALIDITY change: in one transaction it
// deletes every imapuid row for the folder, soft-deletes the messages they
// pointed at, and rewrites the cursor with the new validity and a zero
// modseq. The next sync then runs as a full resync.
func (s *Store) ResetFolderUIDs(ctx context.Context, folderID int64, newValidity uint32) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning uid reset for folder %d: %w", folderID, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE message SET deleted_at = ?
		WHERE deleted_at IS NULL AND id IN
			(SELECT message_id FROM imapuid WHERE folder_id = ?)`,
		now, folderID)
	if err != nil {
		return fmt.Errorf("tombstoning messages for folder %d: %w", folderID, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE thread SET deleted_at = ?
		WHERE deleted_at IS NULL AND id IN
			(SELECT m.thread_id FROM message m
			 JOIN imapuid u ON u.message_id = m.id
			 WHERE u.folder_id = ?)`,
		now, folderID)
	if err != nil {
		return fmt.Errorf("tombstoning threads for folder %d: %w", folderID, err)
	}
	if _, err = tx.ExecContext(ctx,
		"DELETE FROM imapuid WHERE folder_id = ?", folderID); err != nil {
		return fmt.Errorf("clearing uids for folder %d: %w", folderID, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE imapfolderinfo
		SET uidvalidity = ?, uidnext = 0, highestmodseq = 0,
		    fetchedmin = NULL, fetchedmax = NULL
		WHERE folder_id = ?`,
		newValidity, folderID)
	if err != nil {
		return fmt.Errorf("resetting cursor for folder %d: %w", folderID, err)
	}

	return tx.Commit()
}
