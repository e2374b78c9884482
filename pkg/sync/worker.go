package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/condsync/condsync/pkg/cache"
	"github.com/condsync/condsync/pkg/imap"
	"github.com/condsync/condsync/pkg/reliability"
	"github.com/condsync/condsync/pkg/store"
)

// DeltaSource is the remote side of a folder sync. *imap.Fetcher is the
// production implementation; tests substitute fakes.
type DeltaSource interface {
	SupportsCondStore() bool
	FetchChanges(ctx context.Context, folder string, sinceModSeq uint64) (*imap.Delta, error)
	FetchFull(ctx context.Context, folder string) (*imap.Delta, error)
	FetchRange(ctx context.Context, folder string, lo, hi uint32) ([]imap.ChangedUID, error)
	FetchMessages(ctx context.Context, folder string, uids []uint32) ([]imap.MessageData, error)
	IdleWait(ctx context.Context, timeout time.Duration) (bool, error)
	Close() error
}

// WorkerConfig holds the per-worker timing and batching knobs.
type WorkerConfig struct {
	Hostname            string
	PollInterval        time.Duration
	IdleTimeout         time.Duration
	SlowRefreshInterval time.Duration
	BackfillWindow      uint32
	FetchBatch          int
}

func (c *WorkerConfig) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 9 * time.Minute
	}
	if c.SlowRefreshInterval <= 0 {
		c.SlowRefreshInterval = time.Hour
	}
	if c.BackfillWindow == 0 {
		c.BackfillWindow = 500
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 100
	}
}

// FolderWorker is the long-lived sync loop for one (account, folder) pair.
// Within a folder cursor commits are strictly sequential; there is never
// more than one in-flight fetch per folder. Workers for different folders
// of the same account share acctMu so overlapping thread writes serialize.
type FolderWorker struct {
	st      *store.Store
	cache   *cache.MailCache
	synth   *Synthesizer
	src     DeltaSource
	monitor *LivenessMonitor
	acct    *store.Account
	folder  *store.Folder
	cfg     WorkerConfig
	acctMu  *stdsync.Mutex
	log     zerolog.Logger

	forceFull bool
}

// NewFolderWorker builds a worker. All collaborators are explicit; nothing
// here reaches for process-wide state.
func NewFolderWorker(
	st *store.Store,
	c *cache.MailCache,
	src DeltaSource,
	monitor *LivenessMonitor,
	acct *store.Account,
	folder *store.Folder,
	acctMu *stdsync.Mutex,
	cfg WorkerConfig,
	log *zerolog.Logger,
) *FolderWorker {
	cfg.withDefaults()
	wlog := log.With().
		Int64("account_id", acct.ID).
		Str("folder", folder.Name).
		Logger()
	return &FolderWorker{
		st:      st,
		cache:   c,
		synth:   NewSynthesizer(st, c, &wlog),
		src:     src,
		monitor: monitor,
		acct:    acct,
		folder:  folder,
		cfg:     cfg,
		acctMu:  acctMu,
		log:     wlog,
	}
}

// Run loops until ctx is cancelled or the account's run gate closes. The
// gate is checked only at checkpoints, after a cursor commit or a wait,
// never mid-commit, so a host handoff always lands on a consistent cursor.
func (w *FolderWorker) Run(ctx context.Context) {
	defer w.src.Close()
	w.log.Info().Msg("folder worker starting")

	for {
		if ctx.Err() != nil {
			w.log.Info().Msg("folder worker stopping")
			return
		}
		run, err := w.st.AccountShouldRun(ctx, w.acct.ID, w.cfg.Hostname)
		if err != nil {
			w.log.Error().Err(err).Msg("checking run gate")
			return
		}
		if !run {
			w.log.Info().Msg("run gate closed, folder worker exiting")
			return
		}
		folder, err := w.st.Folder(ctx, w.folder.ID)
		if err != nil || !folder.SyncShouldRun {
			w.log.Info().Msg("folder sync disabled, worker exiting")
			return
		}

		err = w.syncCycle(ctx, folder)
		switch {
		case err == nil:
			if rerr := w.monitor.RecordSuccess(ctx, w.acct.ID); rerr != nil {
				w.log.Error().Err(rerr).Msg("recording success")
			}
			w.wait(ctx)
		case errors.Is(err, context.Canceled):
			return
		default:
			stop, rerr := w.monitor.RecordFailure(ctx, w.acct.ID, err)
			if rerr != nil {
				w.log.Error().Err(rerr).Msg("recording failure")
			}
			if stop {
				return
			}
			w.backoff(ctx)
		}
	}
}

// syncCycle runs one fetch/reconcile/commit round.
func (w *FolderWorker) syncCycle(ctx context.Context, folder *store.Folder) error {
	cursor, err := w.st.CursorFor(ctx, folder.ID)
	if err != nil {
		return err
	}
	if folder.InitialSyncStart == nil {
		if err := w.st.StampInitialSyncStart(ctx, folder.ID, time.Now().UTC()); err != nil {
			return err
		}
	}

	full := w.forceFull || !w.src.SupportsCondStore() || cursor.HighestModSeq == 0 ||
		w.slowRefreshDue(cursor)
	w.forceFull = false

	var delta *imap.Delta
	if full {
		delta, err = w.src.FetchFull(ctx, folder.Name)
	} else {
		delta, err = w.src.FetchChanges(ctx, folder.Name, cursor.HighestModSeq)
		if errors.Is(err, imap.ErrModSeqRegression) {
			// Protocol anomaly: never regress the cursor, re-list instead.
			w.log.Warn().Msg("modseq regression from server, falling back to full resync")
			delta, err = w.src.FetchFull(ctx, folder.Name)
			full = true
		}
	}
	if err != nil {
		return err
	}

	cursor, err = w.reconcileValidity(ctx, folder, cursor, delta)
	if err != nil {
		return err
	}
	if cursor == nil {
		// UIDVALIDITY changed; local UIDs were cleared. Restart the cycle
		// with a full listing next time around.
		w.forceFull = true
		return nil
	}

	known, err := w.st.KnownUIDs(ctx, folder.ID)
	if err != nil {
		return err
	}
	cls := Reconcile(known, delta)

	newUIDs := make([]uint32, 0, len(cls.New))
	for _, cu := range cls.New {
		newUIDs = append(newUIDs, cu.UID)
	}
	if folder.InitialSyncEnd == nil && full {
		newUIDs = w.clampToWindow(cursor, newUIDs)
	}

	if err := w.materialize(ctx, folder, newUIDs); err != nil {
		return err
	}
	for _, cu := range cls.Changed {
		if err := w.st.UpdateUIDFlags(ctx, folder.ID, cu.UID, FlagString(cu.Flags)); err != nil {
			return err
		}
	}
	if err := w.expunge(ctx, folder, cls.Expunged); err != nil {
		return err
	}

	next := &store.Cursor{
		FolderID:        folder.ID,
		UIDValidity:     delta.UIDValidity,
		UIDNext:         delta.UIDNext,
		HighestModSeq:   maxUint64(delta.HighestModSeq, cursor.HighestModSeq),
		FetchedMin:      cursor.FetchedMin,
		FetchedMax:      cursor.FetchedMax,
		LastSlowRefresh: cursor.LastSlowRefresh,
	}
	if full {
		now := time.Now().UTC()
		next.LastSlowRefresh = &now
	}
	if err := w.st.CommitCursor(ctx, next); err != nil {
		if errors.Is(err, store.ErrModSeqRegression) {
			w.forceFull = true
			return nil
		}
		return err
	}

	if folder.InitialSyncEnd == nil {
		if err := w.backfill(ctx, folder, next); err != nil {
			return err
		}
	}

	w.log.Debug().
		Int("new", len(newUIDs)).
		Int("changed", len(cls.Changed)).
		Int("expunged", len(cls.Expunged)).
		Uint64("highestmodseq", next.HighestModSeq).
		Bool("full", full).
		Msg("sync cycle committed")
	return nil
}

// reconcileValidity compares stored and server UIDVALIDITY. A genuinely
// new value invalidates every cached UID for the folder (nil return). A
// reported value lower than the cached one is a known server quirk and is
// treated as unchanged.
func (w *FolderWorker) reconcileValidity(ctx context.Context, folder *store.Folder, cursor *store.Cursor, delta *imap.Delta) (*store.Cursor, error) {
	switch {
	case cursor.UIDValidity == 0, delta.UIDValidity == cursor.UIDValidity:
		return cursor, nil
	case delta.UIDValidity < cursor.UIDValidity:
		w.log.Warn().
			Uint32("reported", delta.UIDValidity).
			Uint32("cached", cursor.UIDValidity).
			Msg("spurious uidvalidity, treating as unchanged")
		delta.UIDValidity = cursor.UIDValidity
		return cursor, nil
	default:
		w.log.Warn().
			Uint32("old", cursor.UIDValidity).
			Uint32("new", delta.UIDValidity).
			Msg("uidvalidity changed, discarding cached uids")
		for uid := range mustKnown(ctx, w.st, folder.ID) {
			if m, err := w.st.MessageForUID(ctx, folder.ID, uid); err == nil {
				w.cache.Invalidate(m.ID)
			}
		}
		if err := w.st.ResetFolderUIDs(ctx, folder.ID, delta.UIDValidity); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func mustKnown(ctx context.Context, st *store.Store, folderID int64) map[uint32]string {
	known, err := st.KnownUIDs(ctx, folderID)
	if err != nil {
		return nil
	}
	return known
}

// clampToWindow limits how much of a full listing the initial sync
// materializes per cycle. The newest window comes first; older mail is
// left for backfill so a huge mailbox cannot wedge the first cycle.
func (w *FolderWorker) clampToWindow(cursor *store.Cursor, uids []uint32) []uint32 {
	if len(uids) == 0 {
		return uids
	}
	// uids arrive ascending from the reconciler.
	window := int(w.cfg.BackfillWindow)
	if len(uids) > window {
		uids = uids[len(uids)-window:]
	}
	lo, hi := uids[0], uids[len(uids)-1]
	if cursor.FetchedMin == nil || lo < *cursor.FetchedMin {
		cursor.FetchedMin = &lo
	}
	if cursor.FetchedMax == nil || hi > *cursor.FetchedMax {
		cursor.FetchedMax = &hi
	}
	return uids
}

// backfill extends the fetched window downward one chunk per cycle,
// oldest-first within the chunk, committing fetchedmin after each chunk so
// an interrupted backfill resumes without re-scanning completed ranges.
func (w *FolderWorker) backfill(ctx context.Context, folder *store.Folder, cursor *store.Cursor) error {
	if cursor.FetchedMin == nil {
		// Empty folder: nothing above, nothing below.
		return w.st.StampInitialSyncEnd(ctx, folder.ID, time.Now().UTC())
	}
	if *cursor.FetchedMin <= 1 {
		w.log.Info().Msg("backfill complete")
		return w.st.StampInitialSyncEnd(ctx, folder.ID, time.Now().UTC())
	}

	hi := *cursor.FetchedMin - 1
	var lo uint32 = 1
	if hi > w.cfg.BackfillWindow {
		lo = hi - w.cfg.BackfillWindow + 1
	}

	listed, err := w.src.FetchRange(ctx, folder.Name, lo, hi)
	if err != nil {
		return err
	}
	uids := make([]uint32, 0, len(listed))
	for _, cu := range listed {
		uids = append(uids, cu.UID)
	}
	if err := w.materialize(ctx, folder, uids); err != nil {
		return err
	}

	cursor.FetchedMin = &lo
	if err := w.st.CommitCursor(ctx, cursor); err != nil && !errors.Is(err, store.ErrModSeqRegression) {
		return err
	}
	if lo <= 1 {
		w.log.Info().Msg("backfill complete")
		return w.st.StampInitialSyncEnd(ctx, folder.ID, time.Now().UTC())
	}
	w.log.Debug().Uint32("fetchedmin", lo).Int("messages", len(uids)).Msg("backfill chunk committed")
	return nil
}

// materialize downloads bodies in batches and writes messages through the
// synthesizer under the per-account lock.
func (w *FolderWorker) materialize(ctx context.Context, folder *store.Folder, uids []uint32) error {
	for start := 0; start < len(uids); start += w.cfg.FetchBatch {
		end := start + w.cfg.FetchBatch
		if end > len(uids) {
			end = len(uids)
		}
		msgs, err := w.src.FetchMessages(ctx, folder.Name, uids[start:end])
		if err != nil {
			return fmt.Errorf("fetching message batch: %w", err)
		}

		w.acctMu.Lock()
		for i := range msgs {
			if _, err := w.synth.Materialize(ctx, folder.ID, w.acct.NamespaceID, &msgs[i]); err != nil {
				w.acctMu.Unlock()
				return err
			}
		}
		w.acctMu.Unlock()
	}
	return nil
}

// expunge soft-deletes locally known UIDs that vanished from a full
// listing and drops their cache entries. The rows are hard-purged later
// by the cleanup sweep.
func (w *FolderWorker) expunge(ctx context.Context, folder *store.Folder, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	for _, uid := range uids {
		if m, err := w.st.MessageForUID(ctx, folder.ID, uid); err == nil {
			w.cache.Invalidate(m.ID)
		}
	}
	return w.st.SoftDeleteUIDs(ctx, folder.ID, uids)
}

func (w *FolderWorker) slowRefreshDue(cursor *store.Cursor) bool {
	if cursor.LastSlowRefresh == nil {
		return true
	}
	return time.Since(*cursor.LastSlowRefresh) >= w.cfg.SlowRefreshInterval
}

// wait blocks until new mail is plausible: IDLE when the server supports
// it, a plain poll sleep otherwise. Initial sync in progress skips the
// wait so backfill chunks run back to back.
func (w *FolderWorker) wait(ctx context.Context) {
	folder, err := w.st.Folder(ctx, w.folder.ID)
	if err == nil && folder.InitialSyncEnd == nil {
		return
	}

	updated, err := w.src.IdleWait(ctx, w.cfg.IdleTimeout)
	if err != nil {
		w.log.Debug().Err(err).Msg("idle wait failed, falling back to poll sleep")
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
		return
	}
	if updated {
		w.log.Debug().Msg("server pushed update during idle")
	}
}

// backoff sleeps proportionally to the account's failure streak.
func (w *FolderWorker) backoff(ctx context.Context) {
	attempt := w.monitor.ConsecutiveFailures(w.acct.ID)
	delay := reliability.NetworkRetryConfig().Delay(attempt)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
