package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/condsync/condsync/pkg/store"
)

func newFixture(t *testing.T, maxEntries int) (*MailCache, *store.Store, *store.Message) {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	acctID, err := st.UpsertAccount(ctx, &store.Account{Email: "c@example.com", Provider: "generic"})
	require.NoError(t, err)
	folderID, err := st.UpsertFolder(ctx, acctID, "INBOX")
	require.NoError(t, err)
	msg, err := st.CreateMessageWithThread(ctx, &store.NewMessage{
		FolderID: folderID, MsgUID: 1, NamespaceID: acctID,
		Subject: "cached", ReceivedDate: time.Now().UTC(),
		Body: []byte("cached body"),
	})
	require.NoError(t, err)

	return New(st, maxEntries, &log), st, msg
}

func TestCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	c, _, msg := newFixture(t, 0)

	// First read misses and loads from the store.
	got, err := c.Message(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, "cached", got.Subject)

	messages, _, _ := c.Len()
	require.Equal(t, 1, messages)

	th, err := c.Thread(ctx, msg.ThreadID)
	require.NoError(t, err)
	require.Equal(t, "cached", th.Subject)

	body, err := c.Body(ctx, msg.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("cached body"), body)

	_, err = c.Body(ctx, msg.ID, 1)
	require.True(t, IsMiss(err))

	_, err = c.Message(ctx, 99999)
	require.True(t, IsMiss(err))
}

func TestCachePutOverwrites(t *testing.T) {
	ctx := context.Background()
	c, _, msg := newFixture(t, 0)

	c.PutMessage(msg)
	updated := *msg
	updated.Subject = "rewritten"
	c.PutMessage(&updated)

	got, err := c.Message(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, "rewritten", got.Subject)

	messages, _, _ := c.Len()
	require.Equal(t, 1, messages)
}

func TestCacheEvictsOldest(t *testing.T) {
	c, _, _ := newFixture(t, 3)

	for i := int64(1); i <= 5; i++ {
		c.PutMessage(&store.Message{ID: i, Subject: "m"})
	}
	messages, _, _ := c.Len()
	require.Equal(t, 3, messages)

	// The two oldest are gone from memory (a read would hit the store).
	c.mu.RLock()
	_, has1 := c.messages[1]
	_, has2 := c.messages[2]
	_, has5 := c.messages[5]
	c.mu.RUnlock()
	require.False(t, has1)
	require.False(t, has2)
	require.True(t, has5)
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c, _, msg := newFixture(t, 0)

	_, err := c.Message(ctx, msg.ID)
	require.NoError(t, err)
	_, err = c.Body(ctx, msg.ID, 0)
	require.NoError(t, err)

	c.Invalidate(msg.ID)
	messages, _, bodies := c.Len()
	require.Zero(t, messages)
	require.Zero(t, bodies)
}
