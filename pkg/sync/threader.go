package sync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/condsync/condsync/pkg/cache"
	"github.com/condsync/condsync/pkg/imap"
	"github.com/condsync/condsync/pkg/store"
)

// Synthesizer materializes fetched messages into local Message and Thread
// rows. Every new message becomes the sole member of a fresh thread; no
// subject or reference heuristics are applied. Richer grouping is a future
// extension point, not a bug in this policy.
type Synthesizer struct {
	st    *store.Store
	cache *cache.MailCache
	log   *zerolog.Logger
}

// NewSynthesizer wires the store and write-through cache.
func NewSynthesizer(st *store.Store, c *cache.MailCache, log *zerolog.Logger) *Synthesizer {
	return &Synthesizer{st: st, cache: c, log: log}
}

// Materialize persists one fetched message under the given folder and
// namespace and warms the cache. Keyed on (folder, uid): replaying the
// same message returns the existing row instead of duplicating it.
func (sy *Synthesizer) Materialize(ctx context.Context, folderID, namespaceID int64, md *imap.MessageData) (*store.Message, error) {
	msg, err := sy.st.CreateMessageWithThread(ctx, &store.NewMessage{
		FolderID:     folderID,
		MsgUID:       md.UID,
		Flags:        FlagString(md.Flags),
		NamespaceID:  namespaceID,
		Subject:      md.Subject,
		MessageIDHdr: md.MessageIDHdr,
		ReceivedDate: md.Date,
		IsDraft:      md.IsDraft,
		DecodeError:  md.DecodeError,
		Body:         md.TextBody,
	})
	if err != nil {
		return nil, fmt.Errorf("materializing uid %d: %w", md.UID, err)
	}

	sy.cache.PutMessage(msg)
	if th, err := sy.st.Thread(ctx, msg.ThreadID); err == nil {
		sy.cache.PutThread(th)
	}

	if md.DecodeError {
		sy.log.Warn().
			Int64("message_id", msg.ID).
			Uint32("uid", md.UID).
			Msg("message body failed to decode, stored raw")
	}
	return msg, nil
}
