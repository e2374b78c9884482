package actions

import (
	"context"

	"github.com/rs/zerolog"
)

// Gmail mailbox names are fixed by the provider.
const (
	gmailAllMail = "[Gmail]/All Mail"
	gmailTrash   = "[Gmail]/Trash"
)

// GmailBackend adapts actions to Gmail's label model. Archiving is not a
// move into a folder but removal of the inbox label, which over IMAP is
// expressed as a move to All Mail; deleting files the message into Trash
// so Gmail applies its own retention instead of an immediate expunge.
type GmailBackend struct {
	generic *GenericBackend
}

// NewGmailBackend wraps a session factory with Gmail semantics.
func NewGmailBackend(sessions SessionFactory, log *zerolog.Logger) *GmailBackend {
	return &GmailBackend{
		generic: NewGenericBackend(sessions, gmailAllMail, log),
	}
}

// Archive removes the message from its current folder; Gmail keeps it
// reachable under All Mail.
func (b *GmailBackend) Archive(ctx context.Context, t Target) error {
	return b.generic.move(ctx, t, gmailAllMail)
}

// Move moves the message, which in Gmail terms swaps its folder label.
func (b *GmailBackend) Move(ctx context.Context, t Target) error {
	return b.generic.Move(ctx, t)
}

// Delete moves the message to Trash rather than expunging it outright.
func (b *GmailBackend) Delete(ctx context.Context, t Target) error {
	return b.generic.move(ctx, t, gmailTrash)
}
