package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/condsync/condsync/pkg/imap"
	"github.com/condsync/condsync/pkg/store"
)

// ErrUIDGone reports that the target UID no longer exists on the server.
// Backends translate it into a no-op success: the action already took
// effect (or the message was removed by another client), so replaying it
// must not fail the entry.
var ErrUIDGone = imap.ErrUIDGone

// Session is one authenticated provider connection scoped to a single
// invocation. The IMAP client satisfies this.
type Session interface {
	MoveUID(ctx context.Context, folder string, uid uint32, dest string) error
	DeleteUID(ctx context.Context, folder string, uid uint32) error
	Close() error
}

// SessionFactory opens a session for an account.
type SessionFactory func(ctx context.Context, acct *store.Account) (Session, error)

// DefaultArchiveFolder is where generic providers file archived mail.
const DefaultArchiveFolder = "Archive"

// GenericBackend replays actions over plain IMAP commands. It works
// against any provider that supports UID MOVE or the COPY/STORE/EXPUNGE
// fallback the session implements.
type GenericBackend struct {
	sessions      SessionFactory
	archiveFolder string
	log           *zerolog.Logger
}

// NewGenericBackend builds the default backend. archiveFolder empty means
// DefaultArchiveFolder.
func NewGenericBackend(sessions SessionFactory, archiveFolder string, log *zerolog.Logger) *GenericBackend {
	if archiveFolder == "" {
		archiveFolder = DefaultArchiveFolder
	}
	return &GenericBackend{sessions: sessions, archiveFolder: archiveFolder, log: log}
}

// Archive moves the message to the archive folder.
func (b *GenericBackend) Archive(ctx context.Context, t Target) error {
	return b.move(ctx, t, b.archiveFolder)
}

// Move moves the message to t.Destination.
func (b *GenericBackend) Move(ctx context.Context, t Target) error {
	if t.Destination == "" {
		return fmt.Errorf("move action for uid %d has no destination", t.UID)
	}
	return b.move(ctx, t, t.Destination)
}

// Delete flags the message deleted and expunges it.
func (b *GenericBackend) Delete(ctx context.Context, t Target) error {
	sess, err := b.sessions(ctx, t.Account)
	if err != nil {
		return err
	}
	defer sess.Close()

	err = sess.DeleteUID(ctx, t.Folder, t.UID)
	if errors.Is(err, ErrUIDGone) {
		b.log.Debug().Uint32("uid", t.UID).Msg("delete target already gone")
		return nil
	}
	return err
}

func (b *GenericBackend) move(ctx context.Context, t Target, dest string) error {
	sess, err := b.sessions(ctx, t.Account)
	if err != nil {
		return err
	}
	defer sess.Close()

	err = sess.MoveUID(ctx, t.Folder, t.UID, dest)
	if errors.Is(err, ErrUIDGone) {
		b.log.Debug().Uint32("uid", t.UID).Str("dest", dest).Msg("move target already gone")
		return nil
	}
	return err
}
