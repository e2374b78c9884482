package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// KnownUIDs returns the folder's local UID set as a uid -> flags map. This
// is the reconciler's view of what we already hold.
func (s *Store) KnownUIDs(ctx context.Context, folderID int64) (map[uint32]string, error) {
	var rows []ImapUID
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM imapuid WHERE folder_id = ?", folderID)
	if err != nil {
		return nil, fmt.Errorf("listing uids for folder %d: %w", folderID, err)
	}
	known := make(map[uint32]string, len(rows))
	for _, r := range rows {
		known[r.MsgUID] = r.ExtraFlags
	}
	return known, nil
}

// UpdateUIDFlags rewrites the stored flags for a (folder, uid) pair. Flag
// changes never re-thread the message.
func (s *Store) UpdateUIDFlags(ctx context.Context, folderID int64, uid uint32, flags string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE imapuid SET extra_flags = ? WHERE folder_id = ? AND msg_uid = ?",
		flags, folderID, uid)
	if err != nil {
		return fmt.Errorf("updating flags for folder %d uid %d: %w", folderID, uid, err)
	}
	return nil
}

// MessageForUID resolves the message linked to a (folder, uid) pair.
func (s *Store) MessageForUID(ctx context.Context, folderID int64, uid uint32) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m, `
		SELECT m.* FROM message m
		JOIN imapuid u ON u.message_id = m.id
		WHERE u.folder_id = ? AND u.msg_uid = ?`,
		folderID, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving message for folder %d uid %d: %w", folderID, uid, err)
	}
	return &m, nil
}

// UIDForMessagePublicID resolves a message public id back to its remote
// (folder, uid) location, for action dispatch.
func (s *Store) UIDForMessagePublicID(ctx context.Context, publicID string) (*ImapUID, error) {
	var u ImapUID
	err := s.db.GetContext(ctx, &u, `
		SELECT u.* FROM imapuid u
		JOIN message m ON m.id = u.message_id
		WHERE m.public_id = ?`,
		publicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving uid for message %s: %w", publicID, err)
	}
	return &u, nil
}
