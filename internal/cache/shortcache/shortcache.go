// Package shortcache keeps recently fetched resource states in memory for a
// short, fixed amount of time.
//
// Values are cloned when stored and again when returned, so callers never
// share memory with the cache. Every entry owns the timer that will remove
// it; replacing or deleting an entry stops that timer, and a timer that
// fires late only removes the exact entry that scheduled it.
package shortcache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTTL is used when no TTL option is given
const DefaultTTL = 30 * time.Second

// Snapshot is what the cache accepts: a value keyed by a resource
// identifier that knows how to deep-copy itself.
type Snapshot[S any] interface {
	Key() string
	Clone() S
}

type entry[S any] struct {
	value S
	timer Timer
}

type options struct {
	ttl       time.Duration
	scheduler Scheduler
	onExpire  func(key string)
}

// Option configures a ShortCache
type Option func(*options)

// WithTTL sets the lifetime of every entry. Zero is allowed: entries are
// then removed on the next scheduler tick.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

// WithScheduler replaces the timer source
func WithScheduler(s Scheduler) Option {
	return func(o *options) {
		if s != nil {
			o.scheduler = s
		}
	}
}

// WithExpireHook registers a callback invoked after an entry was removed by
// its timer. It is not called for Delete or Clear.
func WithExpireHook(fn func(key string)) Option {
	return func(o *options) {
		o.onExpire = fn
	}
}

// ShortCache maps resource identifiers to cloned snapshots, each expiring
// a fixed TTL after it was stored. It is safe for concurrent use.
type ShortCache[S Snapshot[S]] struct {
	mu        sync.Mutex
	entries   map[string]*entry[S]
	ttl       time.Duration
	scheduler Scheduler
	onExpire  func(key string)
}

// New creates an empty cache
func New[S Snapshot[S]](opts ...Option) *ShortCache[S] {
	o := options{
		ttl:       DefaultTTL,
		scheduler: realScheduler{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &ShortCache[S]{
		entries:   make(map[string]*entry[S]),
		ttl:       o.ttl,
		scheduler: o.scheduler,
		onExpire:  o.onExpire,
	}
}

// TTL returns the lifetime applied to every entry
func (c *ShortCache[S]) TTL() time.Duration {
	return c.ttl
}

// Store saves a clone of s under s.Key(), replacing any previous entry.
func (c *ShortCache[S]) Store(s S) {
	key := s.Key()
	e := &entry[S]{value: s.Clone()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		old.timer.Stop()
	}
	c.entries[key] = e
	// The callback needs the lock, so it cannot observe e before timer is set.
	e.timer = c.scheduler.AfterFunc(c.ttl, func() {
		c.expire(key, e)
	})

	logrus.Debugf("Short cache stored %s (ttl %s)", key, c.ttl)
}

// Get returns a clone of the value stored under key
func (c *ShortCache[S]) Get(key string) (S, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()

	if !ok {
		var zero S
		return zero, false
	}
	// The stored value is never mutated, cloning it outside the lock is fine.
	return e.value.Clone(), true
}

// Has reports whether a live entry exists for key
func (c *ShortCache[S]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	return ok
}

// Delete removes the entry for key, if any
func (c *ShortCache[S]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(c.entries, key)
	logrus.Debugf("Short cache deleted %s", key)
}

// Clear removes every entry
func (c *ShortCache[S]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		e.timer.Stop()
	}
	clear(c.entries)
}

// Len returns the number of live entries
func (c *ShortCache[S]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *ShortCache[S]) expire(key string, e *entry[S]) {
	c.mu.Lock()
	current, ok := c.entries[key]
	if !ok || current != e {
		// Replaced or deleted after this timer was scheduled
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.mu.Unlock()

	logrus.Debugf("Short cache expired %s", key)
	if c.onExpire != nil {
		c.onExpire(key)
	}
}
