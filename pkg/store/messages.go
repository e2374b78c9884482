package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMessage carries the fields needed to materialize a message and its
// thread from a fetched UID.
type NewMessage struct {
	FolderID     int64
	MsgUID       uint32
	Flags        string
	NamespaceID  int64
	Subject      string
	MessageIDHdr string
	ReceivedDate time.Time
	IsDraft      bool
	DecodeError  bool
	Body         []byte
}

// CreateMessageWithThread inserts a thread, message and imapuid row in one
// transaction, implementing the one-message-per-thread policy. The thread's
// recentdate and subjectdate are derived from the message's received date
// at creation and never independently mutated afterwards.
//
// The operation is keyed on (folder_id, msg_uid): if that UID is already
// known the call is a no-op and returns the existing message, so replaying
// a delta after a crash cannot duplicate rows.
func (s *Store) CreateMessageWithThread(ctx context.Context, nm *NewMessage) (*Message, error) {
	if existing, err := s.MessageForUID(ctx, nm.FolderID, nm.MsgUID); err == nil {
		return existing, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning message create: %w", err)
	}
	defer tx.Rollback()

	received := nm.ReceivedDate.UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO thread (public_id, namespace_id, subject, recentdate, subjectdate)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), nm.NamespaceID, nm.Subject, received, received)
	if err != nil {
		return nil, fmt.Errorf("inserting thread: %w", err)
	}
	threadID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("inserting thread: %w", err)
	}

	publicID := uuid.NewString()
	res, err = tx.ExecContext(ctx, `
		INSERT INTO message (public_id, namespace_id, thread_id, subject,
			message_id_header, received_date, is_draft, decode_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		publicID, nm.NamespaceID, threadID, nm.Subject,
		nm.MessageIDHdr, received, nm.IsDraft, nm.DecodeError)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	messageID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	// The UNIQUE(folder_id, msg_uid) key makes this the idempotence anchor:
	// a concurrent insert of the same UID loses here and rolls back.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO imapuid (folder_id, msg_uid, message_id, extra_flags)
		VALUES (?, ?, ?, ?)`,
		nm.FolderID, nm.MsgUID, messageID, nm.Flags)
	if err != nil {
		return nil, fmt.Errorf("inserting imapuid folder %d uid %d: %w",
			nm.FolderID, nm.MsgUID, err)
	}

	if len(nm.Body) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messagepart (message_id, part_index, content)
			VALUES (?, 0, ?)`, messageID, nm.Body)
		if err != nil {
			return nil, fmt.Errorf("inserting body part: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message create: %w", err)
	}

	return &Message{
		ID:           messageID,
		PublicID:     publicID,
		NamespaceID:  nm.NamespaceID,
		ThreadID:     threadID,
		Subject:      nm.Subject,
		MessageIDHdr: nm.MessageIDHdr,
		ReceivedDate: received,
		IsDraft:      nm.IsDraft,
		DecodeError:  nm.DecodeError,
	}, nil
}

// Message retrieves a message by ID.
func (s *Store) Message(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m, "SELECT * FROM message WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %d: %w", id, err)
	}
	return &m, nil
}

// Thread retrieves a thread by ID.
func (s *Store) Thread(ctx context.Context, id int64) (*Thread, error) {
	var t Thread
	err := s.db.GetContext(ctx, &t, "SELECT * FROM thread WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %d: %w", id, err)
	}
	return &t, nil
}

// BodyPart retrieves one stored body part of a message. The sync engine
// writes part 0 (the decoded text body); other indexes are reserved.
func (s *Store) BodyPart(ctx context.Context, messageID int64, part int) ([]byte, error) {
	var content []byte
	err := s.db.GetContext(ctx, &content,
		"SELECT content FROM messagepart WHERE message_id = ? AND part_index = ?",
		messageID, part)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting body part %d of message %d: %w", part, messageID, err)
	}
	return content, nil
}

// SoftDeleteUIDs tombstones the messages (and their single-member threads)
// behind the given expunged UIDs and removes the imapuid rows. The rows
// themselves are removed later by PurgeDeleted.
func (s *Store) SoftDeleteUIDs(ctx context.Context, folderID int64, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning soft delete: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, uid := range uids {
		_, err = tx.ExecContext(ctx, `
			UPDATE message SET deleted_at = ?
			WHERE deleted_at IS NULL AND id IN
				(SELECT message_id FROM imapuid WHERE folder_id = ? AND msg_uid = ?)`,
			now, folderID, uid)
		if err != nil {
			return fmt.Errorf("tombstoning message for uid %d: %w", uid, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE thread SET deleted_at = ?
			WHERE deleted_at IS NULL AND id IN
				(SELECT m.thread_id FROM message m
				 JOIN imapuid u ON u.message_id = m.id
				 WHERE u.folder_id = ? AND u.msg_uid = ?)`,
			now, folderID, uid)
		if err != nil {
			return fmt.Errorf("tombstoning thread for uid %d: %w", uid, err)
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM imapuid WHERE folder_id = ? AND msg_uid = ?", folderID, uid)
		if err != nil {
			return fmt.Errorf("removing imapuid %d: %w", uid, err)
		}
	}

	return tx.Commit()
}

// PurgeDeleted hard-deletes messages and threads soft-deleted before the
// cutoff. The sweep is idempotent; running it twice removes nothing extra.
func (s *Store) PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning purge: %w", err)
	}
	defer tx.Rollback()

	cutoff := olderThan.UTC()
	res, err := tx.ExecContext(ctx,
		"DELETE FROM message WHERE deleted_at IS NOT NULL AND deleted_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}
	purged, _ := res.RowsAffected()
	_, err = tx.ExecContext(ctx,
		"DELETE FROM thread WHERE deleted_at IS NOT NULL AND deleted_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging threads: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", err)
	}
	return purged, nil
}
