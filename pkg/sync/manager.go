package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/condsync/condsync/pkg/cache"
	"github.com/condsync/condsync/pkg/logging"
	"github.com/condsync/condsync/pkg/store"
)

// ListFoldersFunc enumerates the selectable folders of an account.
type ListFoldersFunc func(ctx context.Context, acct *store.Account) ([]string, error)

// OpenFolderFunc opens a connected delta source scoped to one folder. Each
// folder worker owns its own connection; they are never shared.
type OpenFolderFunc func(ctx context.Context, acct *store.Account, folder string) (DeltaSource, error)

// ManagerConfig holds scheduler-level knobs on top of the per-worker ones.
type ManagerConfig struct {
	Worker         WorkerConfig
	RescanInterval time.Duration
	PurgeInterval  time.Duration
	PurgeAge       time.Duration
}

func (c *ManagerConfig) withDefaults() {
	c.Worker.withDefaults()
	if c.RescanInterval <= 0 {
		c.RescanInterval = time.Minute
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 15 * time.Minute
	}
	if c.PurgeAge <= 0 {
		c.PurgeAge = 24 * time.Hour
	}
}

type workerKey struct {
	accountID int64
	folderID  int64
}

// Manager schedules one long-lived worker per (account, folder) pair for
// every syncable account. Workers run concurrently across accounts and
// across folders within an account; folder workers of the same account
// share a per-account mutex for cache and thread writes.
type Manager struct {
	st          *store.Store
	cache       *cache.MailCache
	monitor     *LivenessMonitor
	listFolders ListFoldersFunc
	openFolder  OpenFolderFunc
	cfg         ManagerConfig
	log         *zerolog.Logger

	mu         stdsync.Mutex
	accountMus map[int64]*stdsync.Mutex
	running    map[workerKey]struct{}
	wg         stdsync.WaitGroup
}

// NewManager wires the scheduler. The folder listing and opening funcs are
// the only place the manager touches the network.
func NewManager(
	st *store.Store,
	c *cache.MailCache,
	monitor *LivenessMonitor,
	listFolders ListFoldersFunc,
	openFolder OpenFolderFunc,
	cfg ManagerConfig,
	log *zerolog.Logger,
) *Manager {
	cfg.withDefaults()
	return &Manager{
		st:          st,
		cache:       c,
		monitor:     monitor,
		listFolders: listFolders,
		openFolder:  openFolder,
		cfg:         cfg,
		log:         log,
		accountMus:  make(map[int64]*stdsync.Mutex),
		running:     make(map[workerKey]struct{}),
	}
}

// Run scans for syncable accounts, spawns missing workers, and sweeps
// soft-deleted rows until ctx is cancelled. Blocks until every worker has
// exited.
func (m *Manager) Run(ctx context.Context) {
	m.log.Info().Msg("sync manager starting")
	m.rescan(ctx)

	rescan := time.NewTicker(m.cfg.RescanInterval)
	purge := time.NewTicker(m.cfg.PurgeInterval)
	defer rescan.Stop()
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("sync manager stopping, waiting for workers")
			m.wg.Wait()
			return
		case <-rescan.C:
			m.rescan(ctx)
		case <-purge.C:
			m.purge(ctx)
		}
	}
}

// rescan starts workers for any (account, folder) pair that should be
// syncing but has no running worker. Already-running workers observe gate
// changes themselves at their next checkpoint.
func (m *Manager) rescan(ctx context.Context) {
	accounts, err := m.st.SyncableAccounts(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("listing syncable accounts")
		return
	}

	for i := range accounts {
		acct := accounts[i]
		if acct.DesiredSyncHost != nil && *acct.DesiredSyncHost != m.cfg.Worker.Hostname {
			continue
		}
		if err := m.startAccount(ctx, &acct); err != nil {
			m.log.Warn().
				Str("email", logging.MaskEmail(acct.Email)).
				Err(err).
				Msg("starting account workers")
		}
	}
}

func (m *Manager) startAccount(ctx context.Context, acct *store.Account) error {
	names, err := m.listFolders(ctx, acct)
	if err != nil {
		if stop, rerr := m.monitor.RecordFailure(ctx, acct.ID, err); stop || rerr != nil {
			return err
		}
		return err
	}

	for _, name := range names {
		folderID, err := m.st.UpsertFolder(ctx, acct.ID, name)
		if err != nil {
			return err
		}
		folder, err := m.st.Folder(ctx, folderID)
		if err != nil {
			return err
		}
		if !folder.SyncShouldRun {
			continue
		}
		m.startWorker(ctx, acct, folder)
	}
	return nil
}

func (m *Manager) startWorker(ctx context.Context, acct *store.Account, folder *store.Folder) {
	key := workerKey{accountID: acct.ID, folderID: folder.ID}

	m.mu.Lock()
	if _, ok := m.running[key]; ok {
		m.mu.Unlock()
		return
	}
	m.running[key] = struct{}{}
	acctMu, ok := m.accountMus[acct.ID]
	if !ok {
		acctMu = &stdsync.Mutex{}
		m.accountMus[acct.ID] = acctMu
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, key)
			m.mu.Unlock()
		}()

		src, err := m.openFolder(ctx, acct, folder.Name)
		if err != nil {
			if _, rerr := m.monitor.RecordFailure(ctx, acct.ID, err); rerr != nil {
				m.log.Error().Err(rerr).Msg("recording connect failure")
			}
			return
		}
		w := NewFolderWorker(m.st, m.cache, src, m.monitor, acct, folder, acctMu, m.cfg.Worker, m.log)
		w.Run(ctx)
	}()
}

// purge hard-deletes rows soft-deleted longer ago than PurgeAge. The sweep
// is idempotent.
func (m *Manager) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.PurgeAge)
	n, err := m.st.PurgeDeleted(ctx, cutoff)
	if err != nil {
		m.log.Error().Err(err).Msg("purging soft-deleted rows")
		return
	}
	if n > 0 {
		m.log.Info().Int64("purged", n).Msg("purged soft-deleted messages")
	}
}
