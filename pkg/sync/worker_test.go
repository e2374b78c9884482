package sync

import (
	"context"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/condsync/condsync/pkg/cache"
	"github.com/condsync/condsync/pkg/imap"
	"github.com/condsync/condsync/pkg/store"
)

// fakeSource scripts the remote side of a folder sync.
type fakeSource struct {
	condstore   bool
	changes     *imap.Delta
	changesErr  error
	full        *imap.Delta
	subjects    map[uint32]string
	changeCalls int
	fullCalls   int
}

func (f *fakeSource) SupportsCondStore() bool { return f.condstore }

func (f *fakeSource) FetchChanges(ctx context.Context, folder string, since uint64) (*imap.Delta, error) {
	f.changeCalls++
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	if f.changes == nil {
		return nil, fmt.Errorf("unexpected fast-path fetch")
	}
	return f.changes, nil
}

func (f *fakeSource) FetchFull(ctx context.Context, folder string) (*imap.Delta, error) {
	f.fullCalls++
	if f.full == nil {
		return nil, fmt.Errorf("unexpected full fetch")
	}
	return f.full, nil
}

func (f *fakeSource) FetchRange(ctx context.Context, folder string, lo, hi uint32) ([]imap.ChangedUID, error) {
	var out []imap.ChangedUID
	for _, cu := range f.full.Changed {
		if cu.UID >= lo && (hi == 0 || cu.UID <= hi) {
			out = append(out, cu)
		}
	}
	return out, nil
}

func (f *fakeSource) FetchMessages(ctx context.Context, folder string, uids []uint32) ([]imap.MessageData, error) {
	out := make([]imap.MessageData, 0, len(uids))
	for _, uid := range uids {
		subject := f.subjects[uid]
		if subject == "" {
			subject = fmt.Sprintf("message %d", uid)
		}
		out = append(out, imap.MessageData{
			UID:      uid,
			Subject:  subject,
			Date:     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			TextBody: []byte("body of " + subject),
		})
	}
	return out, nil
}

func (f *fakeSource) IdleWait(ctx context.Context, timeout time.Duration) (bool, error) {
	return false, nil
}

func (f *fakeSource) Close() error { return nil }

type workerFixture struct {
	st     *store.Store
	cache  *cache.MailCache
	worker *FolderWorker
	src    *fakeSource
	acct   *store.Account
	folder *store.Folder
}

func newWorkerFixture(t *testing.T, src *fakeSource, cfg WorkerConfig) *workerFixture {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	acctID, err := st.UpsertAccount(ctx, &store.Account{Email: "w@example.com", Provider: "generic"})
	require.NoError(t, err)
	acct, err := st.Account(ctx, acctID)
	require.NoError(t, err)
	folderID, err := st.UpsertFolder(ctx, acctID, "INBOX")
	require.NoError(t, err)
	folder, err := st.Folder(ctx, folderID)
	require.NoError(t, err)

	mc := cache.New(st, 0, &log)
	monitor := NewLivenessMonitor(st, 0, &log)
	w := NewFolderWorker(st, mc, src, monitor, acct, folder, &stdsync.Mutex{}, cfg, &log)
	return &workerFixture{st: st, cache: mc, worker: w, src: src, acct: acct, folder: folder}
}

// markSynced stamps the initial sync done and commits a cursor so the
// next cycle takes the fast path.
func (fx *workerFixture) markSynced(t *testing.T, uidvalidity uint32, modseq uint64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, fx.st.StampInitialSyncStart(ctx, fx.folder.ID, now))
	require.NoError(t, fx.st.StampInitialSyncEnd(ctx, fx.folder.ID, now))

	cur, err := fx.st.CursorFor(ctx, fx.folder.ID)
	require.NoError(t, err)
	cur.UIDValidity = uidvalidity
	cur.HighestModSeq = modseq
	cur.LastSlowRefresh = &now
	require.NoError(t, fx.st.CommitCursor(ctx, cur))

	folder, err := fx.st.Folder(ctx, fx.folder.ID)
	require.NoError(t, err)
	fx.folder = folder
}

func TestSyncCycleFastPathCreatesMessage(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		condstore: true,
		changes: &imap.Delta{
			UIDValidity:   100,
			UIDNext:       43,
			HighestModSeq: 51,
			Changed: []imap.ChangedUID{
				{UID: 42, Flags: []string{"\\Recent"}, ModSeq: 51},
			},
		},
	}
	fx := newWorkerFixture(t, src, WorkerConfig{})
	fx.markSynced(t, 100, 50)

	require.NoError(t, fx.worker.syncCycle(ctx, fx.folder))
	require.Equal(t, 1, src.changeCalls)
	require.Zero(t, src.fullCalls)

	msg, err := fx.st.MessageForUID(ctx, fx.folder.ID, 42)
	require.NoError(t, err)
	require.Equal(t, "message 42", msg.Subject)

	th, err := fx.st.Thread(ctx, msg.ThreadID)
	require.NoError(t, err)
	require.Equal(t, msg.Subject, th.Subject)

	cur, err := fx.st.CursorFor(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.EqualValues(t, 51, cur.HighestModSeq)
	require.EqualValues(t, 43, cur.UIDNext)

	// Replaying the same delta is idempotent: same message, same thread.
	require.NoError(t, fx.worker.syncCycle(ctx, fx.folder))
	again, err := fx.st.MessageForUID(ctx, fx.folder.ID, 42)
	require.NoError(t, err)
	require.Equal(t, msg.ID, again.ID)
	require.Equal(t, msg.ThreadID, again.ThreadID)
}

func TestSyncCycleFullListingSoftDeletesExpunged(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		condstore: true,
		full: &imap.Delta{
			UIDValidity:   100,
			UIDNext:       19,
			HighestModSeq: 60,
			Full:          true,
			Remote:        []uint32{18},
			Changed: []imap.ChangedUID{
				{UID: 18, ModSeq: 44},
			},
		},
	}
	fx := newWorkerFixture(t, src, WorkerConfig{})
	fx.markSynced(t, 100, 50)

	for _, uid := range []uint32{17, 18} {
		_, err := fx.st.CreateMessageWithThread(ctx, &store.NewMessage{
			FolderID: fx.folder.ID, MsgUID: uid, NamespaceID: fx.acct.NamespaceID,
			ReceivedDate: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	doomed, err := fx.st.MessageForUID(ctx, fx.folder.ID, 17)
	require.NoError(t, err)

	// Expire the slow-refresh stamp so the cycle re-lists the folder.
	cur, err := fx.st.CursorFor(ctx, fx.folder.ID)
	require.NoError(t, err)
	stale := time.Now().UTC().Add(-2 * time.Hour)
	cur.LastSlowRefresh = &stale
	require.NoError(t, fx.st.CommitCursor(ctx, cur))

	require.NoError(t, fx.worker.syncCycle(ctx, fx.folder))
	require.Equal(t, 1, src.fullCalls)

	known, err := fx.st.KnownUIDs(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.NotContains(t, known, uint32(17))
	require.Contains(t, known, uint32(18))

	gone, err := fx.st.Message(ctx, doomed.ID)
	require.NoError(t, err)
	require.NotNil(t, gone.DeletedAt)
}

func TestSyncCycleUIDValidityChangeResetsFolder(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		condstore: true,
		changes: &imap.Delta{
			UIDValidity:   200,
			UIDNext:       2,
			HighestModSeq: 5,
		},
		full: &imap.Delta{
			UIDValidity:   200,
			UIDNext:       2,
			HighestModSeq: 5,
			Full:          true,
			Remote:        []uint32{1},
			Changed: []imap.ChangedUID{
				{UID: 1, ModSeq: 5},
			},
		},
	}
	fx := newWorkerFixture(t, src, WorkerConfig{})
	fx.markSynced(t, 100, 50)

	_, err := fx.st.CreateMessageWithThread(ctx, &store.NewMessage{
		FolderID: fx.folder.ID, MsgUID: 9, NamespaceID: fx.acct.NamespaceID,
		ReceivedDate: time.Now().UTC(),
	})
	require.NoError(t, err)

	// First cycle observes the new validity and clears local UID state.
	require.NoError(t, fx.worker.syncCycle(ctx, fx.folder))
	known, err := fx.st.KnownUIDs(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.Empty(t, known)

	cur, err := fx.st.CursorFor(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.EqualValues(t, 200, cur.UIDValidity)
	require.Zero(t, cur.HighestModSeq)

	// Second cycle resyncs fully under the new validity.
	require.NoError(t, fx.worker.syncCycle(ctx, fx.folder))
	require.Equal(t, 1, src.fullCalls)
	known, err = fx.st.KnownUIDs(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.Contains(t, known, uint32(1))
}

func TestSyncCycleSpuriousValidityTolerated(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		condstore: true,
		changes: &imap.Delta{
			UIDValidity:   90, // lower than cached: server quirk
			UIDNext:       43,
			HighestModSeq: 52,
		},
	}
	fx := newWorkerFixture(t, src, WorkerConfig{})
	fx.markSynced(t, 100, 50)

	_, err := fx.st.CreateMessageWithThread(ctx, &store.NewMessage{
		FolderID: fx.folder.ID, MsgUID: 3, NamespaceID: fx.acct.NamespaceID,
		ReceivedDate: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, fx.worker.syncCycle(ctx, fx.folder))

	// Local UIDs survive and the cached validity stands.
	known, err := fx.st.KnownUIDs(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.Contains(t, known, uint32(3))

	cur, err := fx.st.CursorFor(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.EqualValues(t, 100, cur.UIDValidity)
	require.EqualValues(t, 52, cur.HighestModSeq)
}

func TestSyncCycleModSeqRegressionForcesFullResync(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		condstore:  true,
		changesErr: imap.ErrModSeqRegression,
		full: &imap.Delta{
			UIDValidity:   100,
			UIDNext:       43,
			HighestModSeq: 50,
			Full:          true,
			Remote:        []uint32{42},
			Changed: []imap.ChangedUID{
				{UID: 42, ModSeq: 50},
			},
		},
	}
	fx := newWorkerFixture(t, src, WorkerConfig{})
	fx.markSynced(t, 100, 50)

	require.NoError(t, fx.worker.syncCycle(ctx, fx.folder))
	require.Equal(t, 1, src.changeCalls)
	require.Equal(t, 1, src.fullCalls)

	// The cursor never regressed.
	cur, err := fx.st.CursorFor(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.EqualValues(t, 50, cur.HighestModSeq)
}

func TestInitialSyncBackfillResumes(t *testing.T) {
	ctx := context.Background()

	// Ten messages on the server, backfill window of four.
	full := &imap.Delta{
		UIDValidity:   7,
		UIDNext:       11,
		HighestModSeq: 20,
		Full:          true,
	}
	for uid := uint32(1); uid <= 10; uid++ {
		full.Remote = append(full.Remote, uid)
		full.Changed = append(full.Changed, imap.ChangedUID{UID: uid, ModSeq: uint64(uid)})
	}
	src := &fakeSource{
		condstore: true,
		full:      full,
		// Later cycles take the fast path with nothing new; backfill
		// still advances one chunk per cycle.
		changes: &imap.Delta{UIDValidity: 7, UIDNext: 11, HighestModSeq: 20},
	}
	fx := newWorkerFixture(t, src, WorkerConfig{BackfillWindow: 4})

	// First cycle: newest window materialized, backfill chunk follows.
	require.NoError(t, fx.worker.syncCycle(ctx, fx.folder))
	known, err := fx.st.KnownUIDs(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.Contains(t, known, uint32(10))

	folder, err := fx.st.Folder(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.NotNil(t, folder.InitialSyncStart)

	// Drive cycles until the backfill reaches UID 1.
	for i := 0; i < 5 && folder.InitialSyncEnd == nil; i++ {
		require.NoError(t, fx.worker.syncCycle(ctx, folder))
		folder, err = fx.st.Folder(ctx, fx.folder.ID)
		require.NoError(t, err)
	}
	require.NotNil(t, folder.InitialSyncEnd)

	known, err = fx.st.KnownUIDs(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.Len(t, known, 10)

	cur, err := fx.st.CursorFor(ctx, fx.folder.ID)
	require.NoError(t, err)
	require.NotNil(t, cur.FetchedMin)
	require.EqualValues(t, 1, *cur.FetchedMin)
	require.EqualValues(t, 10, *cur.FetchedMax)
}
