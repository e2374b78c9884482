// Package cache provides a process-local read-through cache over message
// and thread storage. It is rebuildable from the store at any time and
// carries no durability across restarts.
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/condsync/condsync/pkg/store"
)

const defaultMaxEntries = 4096

type bodyKey struct {
	messageID int64
	part      int
}

// MailCache fronts the store for message, thread and body lookups. At most
// one entry per key; a put overwrites. When a bucket exceeds its bound the
// oldest entries are evicted in insertion order.
type MailCache struct {
	st  *store.Store
	log *zerolog.Logger

	mu         sync.RWMutex
	maxEntries int

	messages     map[int64]*store.Message
	messageOrder []int64
	threads      map[int64]*store.Thread
	threadOrder  []int64
	bodies       map[bodyKey][]byte
	bodyOrder    []bodyKey
}

// New creates a cache over st. maxEntries bounds each bucket separately;
// zero or negative gets a sane default.
func New(st *store.Store, maxEntries int, log *zerolog.Logger) *MailCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MailCache{
		st:         st,
		log:        log,
		maxEntries: maxEntries,
		messages:   make(map[int64]*store.Message),
		threads:    make(map[int64]*store.Thread),
		bodies:     make(map[bodyKey][]byte),
	}
}

// PutMessage inserts or overwrites the cached copy of msg.
func (c *MailCache) PutMessage(msg *store.Message) {
	if msg == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.messages[msg.ID]; !ok {
		c.messageOrder = append(c.messageOrder, msg.ID)
	}
	c.messages[msg.ID] = msg
	for len(c.messageOrder) > c.maxEntries {
		oldest := c.messageOrder[0]
		c.messageOrder = c.messageOrder[1:]
		delete(c.messages, oldest)
	}
}

// PutThread inserts or overwrites the cached copy of th.
func (c *MailCache) PutThread(th *store.Thread) {
	if th == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.threads[th.ID]; !ok {
		c.threadOrder = append(c.threadOrder, th.ID)
	}
	c.threads[th.ID] = th
	for len(c.threadOrder) > c.maxEntries {
		oldest := c.threadOrder[0]
		c.threadOrder = c.threadOrder[1:]
		delete(c.threads, oldest)
	}
}

// Message returns the message by id, falling through to the store on a
// miss and caching the result.
func (c *MailCache) Message(ctx context.Context, id int64) (*store.Message, error) {
	c.mu.RLock()
	msg, ok := c.messages[id]
	c.mu.RUnlock()
	if ok {
		return msg, nil
	}

	msg, err := c.st.Message(ctx, id)
	if err != nil {
		return nil, err
	}
	c.PutMessage(msg)
	return msg, nil
}

// Thread returns the thread by id, falling through to the store on a miss
// and caching the result.
func (c *MailCache) Thread(ctx context.Context, id int64) (*store.Thread, error) {
	c.mu.RLock()
	th, ok := c.threads[id]
	c.mu.RUnlock()
	if ok {
		return th, nil
	}

	th, err := c.st.Thread(ctx, id)
	if err != nil {
		return nil, err
	}
	c.PutThread(th)
	return th, nil
}

// Body returns the given body part of a message, falling through to the
// store on a miss. Part 0 is the text body; other indexes are reserved.
func (c *MailCache) Body(ctx context.Context, messageID int64, part int) ([]byte, error) {
	key := bodyKey{messageID: messageID, part: part}

	c.mu.RLock()
	body, ok := c.bodies[key]
	c.mu.RUnlock()
	if ok {
		return body, nil
	}

	body, err := c.st.BodyPart(ctx, messageID, part)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, exists := c.bodies[key]; !exists {
		c.bodyOrder = append(c.bodyOrder, key)
	}
	c.bodies[key] = body
	for len(c.bodyOrder) > c.maxEntries {
		oldest := c.bodyOrder[0]
		c.bodyOrder = c.bodyOrder[1:]
		delete(c.bodies, oldest)
	}
	c.mu.Unlock()
	return body, nil
}

// Invalidate drops any cached copies of the message and its body parts.
// Used when a message is soft-deleted so stale reads don't resurrect it.
func (c *MailCache) Invalidate(messageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, messageID)
	for key := range c.bodies {
		if key.messageID == messageID {
			delete(c.bodies, key)
		}
	}
}

// Len reports per-bucket entry counts, for logging and tests.
func (c *MailCache) Len() (messages, threads, bodies int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages), len(c.threads), len(c.bodies)
}

// IsMiss reports whether err is a pure cache/store miss rather than an
// I/O failure.
func IsMiss(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
