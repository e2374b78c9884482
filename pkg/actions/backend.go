// Package actions implements the durable action queue consumer: a
// dispatcher that drains the action log and replays local mutations
// against provider-specific IMAP backends.
package actions

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/condsync/condsync/pkg/store"
)

// Target identifies the remote message an action applies to. Destination
// is set for move actions only.
type Target struct {
	Account     *store.Account
	Folder      string
	UID         uint32
	Destination string
}

// Backend replays one action type against a provider. Implementations
// must be idempotent: retries can re-invoke a call after an ambiguous
// failure, so moving an already-moved message has to be a no-op success.
type Backend interface {
	Archive(ctx context.Context, t Target) error
	Move(ctx context.Context, t Target) error
	Delete(ctx context.Context, t Target) error
}

// Registry resolves backends by provider tag. New providers register an
// implementation; dispatch logic never changes.
type Registry struct {
	mu       stdsync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register binds a backend to a provider tag, replacing any previous one.
func (r *Registry) Register(tag string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[tag] = b
}

// Resolve returns the backend for a provider tag, falling back to the
// "generic" backend when the tag has no dedicated implementation.
func (r *Registry) Resolve(tag string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.backends[tag]; ok {
		return b, nil
	}
	if b, ok := r.backends["generic"]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("no action backend for provider %q", tag)
}
