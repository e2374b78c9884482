package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestFolder(t *testing.T, s *Store) (accountID, folderID int64) {
	t.Helper()
	ctx := context.Background()
	accountID, err := s.UpsertAccount(ctx, &Account{Email: "user@example.com", Provider: "generic"})
	require.NoError(t, err)
	folderID, err = s.UpsertFolder(ctx, accountID, "INBOX")
	require.NoError(t, err)
	return accountID, folderID
}

func TestUpsertAccountAssignsNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertAccount(ctx, &Account{Email: "a@example.com", Provider: "generic"})
	require.NoError(t, err)

	acct, err := s.Account(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, acct.NamespaceID)
	require.Equal(t, AccountLive, acct.State)
	require.True(t, acct.SyncShouldRun)

	// Re-upserting is stable: same id, state untouched.
	require.NoError(t, s.SetAccountState(ctx, id, AccountDown))
	again, err := s.UpsertAccount(ctx, &Account{Email: "a@example.com", Provider: "gmail"})
	require.NoError(t, err)
	require.Equal(t, id, again)

	acct, err = s.Account(ctx, id)
	require.NoError(t, err)
	require.Equal(t, AccountDown, acct.State)
	require.Equal(t, "gmail", acct.Provider)
}

func TestAccountShouldRunGates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := newTestFolder(t, s)

	run, err := s.AccountShouldRun(ctx, id, "host-a")
	require.NoError(t, err)
	require.True(t, run)

	// Invalid state closes the gate.
	require.NoError(t, s.SetAccountState(ctx, id, AccountInvalid))
	run, err = s.AccountShouldRun(ctx, id, "host-a")
	require.NoError(t, err)
	require.False(t, run)
	require.NoError(t, s.SetAccountState(ctx, id, AccountLive))

	// Down does not: workers keep retrying to bring it back.
	require.NoError(t, s.SetAccountState(ctx, id, AccountDown))
	run, err = s.AccountShouldRun(ctx, id, "host-a")
	require.NoError(t, err)
	require.True(t, run)

	// A desired host elsewhere hands the account off.
	other := "host-b"
	require.NoError(t, s.SetDesiredSyncHost(ctx, id, &other))
	run, err = s.AccountShouldRun(ctx, id, "host-a")
	require.NoError(t, err)
	require.False(t, run)
	run, err = s.AccountShouldRun(ctx, id, "host-b")
	require.NoError(t, err)
	require.True(t, run)

	require.NoError(t, s.SetDesiredSyncHost(ctx, id, nil))
	require.NoError(t, s.SetAccountSyncShouldRun(ctx, id, false))
	run, err = s.AccountShouldRun(ctx, id, "host-a")
	require.NoError(t, err)
	require.False(t, run)
	require.NoError(t, s.SetAccountSyncShouldRun(ctx, id, true))

	// sync_email is its own gate, independent of sync_should_run.
	require.NoError(t, s.SetAccountSyncEmail(ctx, id, false))
	run, err = s.AccountShouldRun(ctx, id, "host-a")
	require.NoError(t, err)
	require.False(t, run)
}

func TestCursorCommitMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, folderID := newTestFolder(t, s)

	cur, err := s.CursorFor(ctx, folderID)
	require.NoError(t, err)
	require.Zero(t, cur.HighestModSeq)
	require.Zero(t, cur.UIDValidity)

	cur.UIDValidity = 100
	cur.UIDNext = 43
	cur.HighestModSeq = 50
	require.NoError(t, s.CommitCursor(ctx, cur))

	cur.HighestModSeq = 51
	require.NoError(t, s.CommitCursor(ctx, cur))

	// A regressing commit with the same validity is rejected whole.
	stale := &Cursor{FolderID: folderID, UIDValidity: 100, UIDNext: 43, HighestModSeq: 49}
	err = s.CommitCursor(ctx, stale)
	require.ErrorIs(t, err, ErrModSeqRegression)

	got, err := s.CursorFor(ctx, folderID)
	require.NoError(t, err)
	require.EqualValues(t, 51, got.HighestModSeq)

	// A validity change may carry any modseq; UIDs were reset anyway.
	rebased := &Cursor{FolderID: folderID, UIDValidity: 101, UIDNext: 1, HighestModSeq: 3}
	require.NoError(t, s.CommitCursor(ctx, rebased))
	got, err = s.CursorFor(ctx, folderID)
	require.NoError(t, err)
	require.EqualValues(t, 101, got.UIDValidity)
	require.EqualValues(t, 3, got.HighestModSeq)
}

func TestCursorBackfillWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, folderID := newTestFolder(t, s)

	cur, err := s.CursorFor(ctx, folderID)
	require.NoError(t, err)
	require.Nil(t, cur.FetchedMin)
	require.Nil(t, cur.FetchedMax)

	lo, hi := uint32(400), uint32(900)
	cur.UIDValidity = 7
	cur.FetchedMin = &lo
	cur.FetchedMax = &hi
	require.NoError(t, s.CommitCursor(ctx, cur))

	got, err := s.CursorFor(ctx, folderID)
	require.NoError(t, err)
	require.NotNil(t, got.FetchedMin)
	require.NotNil(t, got.FetchedMax)
	require.EqualValues(t, 400, *got.FetchedMin)
	require.EqualValues(t, 900, *got.FetchedMax)
}

func TestCreateMessageWithThreadIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acctID, folderID := newTestFolder(t, s)

	nm := &NewMessage{
		FolderID:     folderID,
		MsgUID:       42,
		Flags:        "\\Seen",
		NamespaceID:  acctID,
		Subject:      "hello",
		ReceivedDate: time.Now().UTC(),
		Body:         []byte("body text"),
	}
	first, err := s.CreateMessageWithThread(ctx, nm)
	require.NoError(t, err)

	// Replaying the same UID returns the existing row, no duplicates.
	second, err := s.CreateMessageWithThread(ctx, nm)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.ThreadID, second.ThreadID)

	// Exactly one thread whose sole member is the message.
	th, err := s.Thread(ctx, first.ThreadID)
	require.NoError(t, err)
	require.Equal(t, "hello", th.Subject)
	require.Equal(t, first.ReceivedDate.Unix(), th.RecentDate.Unix())
	require.Equal(t, th.RecentDate, th.SubjectDate)

	var count int
	require.NoError(t, s.db.Get(&count,
		"SELECT COUNT(*) FROM message WHERE thread_id = ?", first.ThreadID))
	require.Equal(t, 1, count)

	body, err := s.BodyPart(ctx, first.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("body text"), body)
}

func TestKnownUIDsAndFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acctID, folderID := newTestFolder(t, s)

	for _, uid := range []uint32{1, 2, 3} {
		_, err := s.CreateMessageWithThread(ctx, &NewMessage{
			FolderID: folderID, MsgUID: uid, NamespaceID: acctID,
			ReceivedDate: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	known, err := s.KnownUIDs(ctx, folderID)
	require.NoError(t, err)
	require.Len(t, known, 3)

	require.NoError(t, s.UpdateUIDFlags(ctx, folderID, 2, "\\Flagged \\Seen"))
	known, err = s.KnownUIDs(ctx, folderID)
	require.NoError(t, err)
	require.Equal(t, "\\Flagged \\Seen", known[2])
}

func TestSoftDeleteAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acctID, folderID := newTestFolder(t, s)

	msg, err := s.CreateMessageWithThread(ctx, &NewMessage{
		FolderID: folderID, MsgUID: 17, NamespaceID: acctID,
		ReceivedDate: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, s.SoftDeleteUIDs(ctx, folderID, []uint32{17}))

	known, err := s.KnownUIDs(ctx, folderID)
	require.NoError(t, err)
	require.Empty(t, known)

	got, err := s.Message(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)

	// Purge with a cutoff before the tombstone removes nothing.
	n, err := s.PurgeDeleted(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.PurgeDeleted(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Sweeping again is a no-op.
	n, err = s.PurgeDeleted(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.Message(ctx, msg.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResetFolderUIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acctID, folderID := newTestFolder(t, s)

	for _, uid := range []uint32{5, 6} {
		_, err := s.CreateMessageWithThread(ctx, &NewMessage{
			FolderID: folderID, MsgUID: uid, NamespaceID: acctID,
			ReceivedDate: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	cur, err := s.CursorFor(ctx, folderID)
	require.NoError(t, err)
	cur.UIDValidity = 100
	cur.HighestModSeq = 9
	require.NoError(t, s.CommitCursor(ctx, cur))

	require.NoError(t, s.ResetFolderUIDs(ctx, folderID, 200))

	known, err := s.KnownUIDs(ctx, folderID)
	require.NoError(t, err)
	require.Empty(t, known)

	got, err := s.CursorFor(ctx, folderID)
	require.NoError(t, err)
	require.EqualValues(t, 200, got.UIDValidity)
	require.Zero(t, got.HighestModSeq)
	require.Nil(t, got.FetchedMin)
}

func TestInitialSyncStamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, folderID := newTestFolder(t, s)

	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.StampInitialSyncStart(ctx, folderID, start))
	// Only the first stamp sticks.
	require.NoError(t, s.StampInitialSyncStart(ctx, folderID, start.Add(time.Hour)))

	f, err := s.Folder(ctx, folderID)
	require.NoError(t, err)
	require.NotNil(t, f.InitialSyncStart)
	require.Equal(t, start, f.InitialSyncStart.UTC())
	require.Nil(t, f.InitialSyncEnd)

	end := start.Add(2 * time.Hour)
	require.NoError(t, s.StampInitialSyncEnd(ctx, folderID, end))
	require.NoError(t, s.StampInitialSyncEnd(ctx, folderID, end.Add(time.Hour)))

	f, err = s.Folder(ctx, folderID)
	require.NoError(t, err)
	require.NotNil(t, f.InitialSyncEnd)
	require.Equal(t, end, f.InitialSyncEnd.UTC())
}
