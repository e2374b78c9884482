package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/condsync/condsync/pkg/reliability"
	"github.com/condsync/condsync/pkg/store"
)

// DispatcherConfig bounds the dispatch loop.
type DispatcherConfig struct {
	MaxRetries   int
	PoolSize     int
	PollInterval time.Duration
	BatchSize    int
	Backoff      reliability.RetryConfig
}

func (c *DispatcherConfig) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff = reliability.NetworkRetryConfig()
	}
}

// extraArgs is the JSON payload carried by move actions.
type extraArgs struct {
	Destination string `json:"destination"`
}

// Dispatcher drains the action log. Entries are claimed one at a time,
// resolved to a provider backend, and invoked under a bounded worker pool
// so one misbehaving provider cannot starve other accounts. Actions of
// the same account run serially to preserve their relative order. All
// collaborators are explicit constructor arguments.
type Dispatcher struct {
	st  *store.Store
	reg *Registry
	cfg DispatcherConfig
	log *zerolog.Logger

	mu         stdsync.Mutex
	accountMus map[int64]*stdsync.Mutex
}

// NewDispatcher wires a dispatcher over the store and backend registry.
func NewDispatcher(st *store.Store, reg *Registry, cfg DispatcherConfig, log *zerolog.Logger) *Dispatcher {
	cfg.withDefaults()
	return &Dispatcher{
		st:         st,
		reg:        reg,
		cfg:        cfg,
		log:        log,
		accountMus: make(map[int64]*stdsync.Mutex),
	}
}

// Run polls for dispatchable entries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Msg("action dispatcher starting")
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("action dispatcher stopping")
			return
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil {
				d.log.Error().Err(err).Msg("dispatch pass failed")
			}
		}
	}
}

// DispatchOnce runs a single dispatch pass: scan pending entries, skip
// the ones still inside their retry backoff, and invoke the rest through
// the pool. Exposed for tests and for callers that drive their own loop.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	entries, err := d.st.PendingActions(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("scanning action log: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	sem := make(chan struct{}, d.cfg.PoolSize)
	var wg stdsync.WaitGroup
	for i := range entries {
		entry := entries[i]
		if !d.due(&entry) {
			continue
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatch(ctx, &entry)
		}()
	}
	wg.Wait()
	return nil
}

// due reports whether the entry's retry backoff has elapsed. Fresh
// entries are always due.
func (d *Dispatcher) due(entry *store.ActionLogEntry) bool {
	if entry.Retries == 0 {
		return true
	}
	return time.Since(entry.UpdatedAt) >= d.cfg.Backoff.Delay(entry.Retries)
}

// dispatch claims and executes one entry.
func (d *Dispatcher) dispatch(ctx context.Context, entry *store.ActionLogEntry) {
	target, err := d.resolveTarget(ctx, entry)
	if errors.Is(err, store.ErrNotFound) {
		// The local message is gone: the action has nothing left to do.
		d.log.Debug().
			Int64("action_id", entry.ID).
			Str("object", entry.ObjectPublicID).
			Msg("action target no longer exists, marking succeeded")
		d.finish(ctx, entry, nil)
		return
	}
	if err != nil {
		d.log.Error().Int64("action_id", entry.ID).Err(err).Msg("resolving action target")
		d.finish(ctx, entry, err)
		return
	}

	claimed, err := d.st.MarkActionInProgress(ctx, entry.ID)
	if err != nil {
		d.log.Error().Int64("action_id", entry.ID).Err(err).Msg("claiming action")
		return
	}
	if !claimed {
		return
	}

	acctMu := d.accountMu(target.Account.ID)
	acctMu.Lock()
	err = d.invoke(ctx, entry, target)
	acctMu.Unlock()

	d.finish(ctx, entry, err)
}

func (d *Dispatcher) invoke(ctx context.Context, entry *store.ActionLogEntry, target *Target) error {
	backend, err := d.reg.Resolve(target.Account.Provider)
	if err != nil {
		return err
	}
	switch entry.Type {
	case store.ActionArchive:
		return backend.Archive(ctx, *target)
	case store.ActionMove:
		return backend.Move(ctx, *target)
	case store.ActionDelete:
		return backend.Delete(ctx, *target)
	default:
		return fmt.Errorf("unknown action type %q", entry.Type)
	}
}

// finish records the outcome: success is terminal, failure bumps retries
// and either requeues or fails the entry at the bound.
func (d *Dispatcher) finish(ctx context.Context, entry *store.ActionLogEntry, invokeErr error) {
	if invokeErr == nil {
		if err := d.st.MarkActionSucceeded(ctx, entry.ID); err != nil {
			d.log.Error().Int64("action_id", entry.ID).Err(err).Msg("marking action succeeded")
		}
		return
	}

	updated, err := d.st.MarkActionFailure(ctx, entry.ID, d.cfg.MaxRetries)
	if err != nil {
		d.log.Error().Int64("action_id", entry.ID).Err(err).Msg("recording action failure")
		return
	}
	evt := d.log.Warn()
	if updated.Status == store.ActionFailed {
		// Terminal: surfaced to operators via FailedActions, never
		// silently dropped.
		evt = d.log.Error()
	}
	evt.
		Int64("action_id", entry.ID).
		Str("type", string(entry.Type)).
		Int("retries", updated.Retries).
		Str("status", string(updated.Status)).
		Err(invokeErr).
		Msg("action dispatch failed")
}

// resolveTarget maps an entry's object to the remote (account, folder,
// uid) triple.
func (d *Dispatcher) resolveTarget(ctx context.Context, entry *store.ActionLogEntry) (*Target, error) {
	uidRow, err := d.st.UIDForMessagePublicID(ctx, entry.ObjectPublicID)
	if err != nil {
		return nil, err
	}
	folder, err := d.st.Folder(ctx, uidRow.FolderID)
	if err != nil {
		return nil, err
	}
	acct, err := d.st.Account(ctx, folder.AccountID)
	if err != nil {
		return nil, err
	}

	var args extraArgs
	if entry.ExtraArgs != "" {
		if err := json.Unmarshal([]byte(entry.ExtraArgs), &args); err != nil {
			return nil, fmt.Errorf("parsing extra args of action %d: %w", entry.ID, err)
		}
	}

	return &Target{
		Account:     acct,
		Folder:      folder.Name,
		UID:         uidRow.MsgUID,
		Destination: args.Destination,
	}, nil
}

func (d *Dispatcher) accountMu(accountID int64) *stdsync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	mu, ok := d.accountMus[accountID]
	if !ok {
		mu = &stdsync.Mutex{}
		d.accountMus[accountID] = mu
	}
	return mu
}
