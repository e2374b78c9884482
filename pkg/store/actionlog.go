package store

import (
	"context"
	"fmt"
	"time"
)

// EnqueueAction records a locally-initiated mutation as a durable work
// item. While a non-terminal entry exists for the same (object, type) pair
// the call is a no-op and returns that entry, so double-clicks and API
// retries cannot queue duplicate work.
func (s *Store) EnqueueAction(ctx context.Context, namespaceID int64, objectPublicID string, typ ActionType, extraArgs string) (*ActionLogEntry, error) {
	var existing ActionLogEntry
	err := s.db.GetContext(ctx, &existing, `
		SELECT * FROM actionlog
		WHERE object_public_id = ? AND type = ?
		  AND status IN ('pending', 'in_progress')
		LIMIT 1`,
		objectPublicID, typ)
	if err == nil {
		return &existing, nil
	}

	if extraArgs == "" {
		extraArgs = "{}"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO actionlog (namespace_id, object_public_id, type, status,
			retries, extra_args, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?)`,
		namespaceID, objectPublicID, typ, extraArgs, now, now)
	if err != nil {
		return nil, fmt.Errorf("enqueueing %s for %s: %w", typ, objectPublicID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueueing %s for %s: %w", typ, objectPublicID, err)
	}

	return &ActionLogEntry{
		ID:             id,
		NamespaceID:    namespaceID,
		ObjectPublicID: objectPublicID,
		Type:           typ,
		Status:         ActionPending,
		ExtraArgs:      extraArgs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// PendingActions returns dispatchable entries ordered by (status, retries):
// entries with fewer retries are preferred, which gives simple fairness
// without starving recently-failed items. The (status, retries) index
// backs this scan.
func (s *Store) PendingActions(ctx context.Context, limit int) ([]ActionLogEntry, error) {
	var entries []ActionLogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM actionlog
		WHERE status = 'pending'
		ORDER BY status, retries, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending actions: %w", err)
	}
	return entries, nil
}

// ActionEntry retrieves a single action log entry.
func (s *Store) ActionEntry(ctx context.Context, id int64) (*ActionLogEntry, error) {
	var e ActionLogEntry
	err := s.db.GetContext(ctx, &e, "SELECT * FROM actionlog WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting action %d: %w", id, err)
	}
	return &e, nil
}

// MarkActionInProgress transitions a pending entry to in_progress. Returns
// false if another dispatcher claimed it first.
func (s *Store) MarkActionInProgress(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE actionlog SET status = 'in_progress', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claiming action %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming action %d: %w", id, err)
	}
	return n > 0, nil
}

// MarkActionSucceeded moves an entry to its terminal succeeded state.
func (s *Store) MarkActionSucceeded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actionlog SET status = 'succeeded', updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking action %d succeeded: %w", id, err)
	}
	return nil
}

// MarkActionFailure records a failed attempt. Below maxRetries the entry
// returns to pending for a later retry; at the bound it is marked failed
// terminally and surfaced to operators through the (status, type) index.
func (s *Store) MarkActionFailure(ctx context.Context, id int64, maxRetries int) (*ActionLogEntry, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actionlog
		SET retries = retries + 1,
		    status = CASE WHEN retries + 1 >= ? THEN 'failed' ELSE 'pending' END,
		    updated_at = ?
		WHERE id = ?`,
		maxRetries, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("recording failure for action %d: %w", id, err)
	}
	return s.ActionEntry(ctx, id)
}

// FailedActions lists terminally failed entries for operator visibility.
func (s *Store) FailedActions(ctx context.Context) ([]ActionLogEntry, error) {
	var entries []ActionLogEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM actionlog WHERE status = 'failed' ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing failed actions: %w", err)
	}
	return entries, nil
}
