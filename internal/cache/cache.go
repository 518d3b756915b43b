// Package cache holds frame artifacts awaiting delivery. It is bounded by
// entry count and per-entry TTL, evicts the least recently used entry that
// has no pending sends, and never evicts an entry while sends are pending.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/logging"
)

// Eviction reasons passed to OnEvict and recorded in metrics.
const (
	ReasonLRU     = "lru"
	ReasonExpired = "expired"
	ReasonRemoved = "removed"
)

// Config bounds the cache. Capacity must be positive; zero TTL disables
// expiry and zero InsertTimeout makes full inserts fail immediately.
type Config struct {
	Capacity      int
	TTL           time.Duration
	InsertTimeout time.Duration
}

// Recorder receives cache events. *metrics.Metrics implements it.
type Recorder interface {
	CacheSize(int)
	CacheEvicted(reason string)
	CacheFull()
	CacheInsertWaited(time.Duration)
}

type entry[V any] struct {
	value      atomic.Pointer[V]
	inserted   time.Time
	lastAccess atomic.Int64
	pending    atomic.Int32
}

// Cache maps keys to values of type V. Reads never take the lock; inserts,
// evictions and removals are serialized.
type Cache[V any] struct {
	cfg Config

	entries sync.Map // string -> *entry[V]
	size    atomic.Int64

	mu   sync.Mutex
	wake chan struct{}

	now     func() time.Time
	onEvict func(key string, value V, reason string)
	rec     Recorder
	logger  logging.ServiceLogger
}

type Option[V any] func(*Cache[V])

func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// WithEvictionHandler is called under the cache lock after an entry leaves.
func WithEvictionHandler[V any](fn func(key string, value V, reason string)) Option[V] {
	return func(c *Cache[V]) { c.onEvict = fn }
}

func WithRecorder[V any](r Recorder) Option[V] {
	return func(c *Cache[V]) { c.rec = r }
}

func WithLogger[V any](l logging.ServiceLogger) Option[V] {
	return func(c *Cache[V]) { c.logger = logging.Component(l, "cache") }
}

func New[V any](cfg Config, opts ...Option[V]) (*Cache[V], error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache: capacity must be positive, got %d", cfg.Capacity)
	}
	c := &Cache[V]{
		cfg:    cfg,
		wake:   make(chan struct{}),
		now:    time.Now,
		logger: logging.Component(nil, "cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Insert stores value under key with an initial pending-send count. When the
// cache is full and every entry has pending sends, Insert waits for capacity
// until InsertTimeout or ctx ends and then fails with ErrCacheFull.
// Replacing an existing key keeps its slot and adds pending to its count.
func (c *Cache[V]) Insert(ctx context.Context, key string, value V, pending int) error {
	start := c.now()
	var deadline <-chan time.Time
	if c.cfg.InsertTimeout > 0 {
		timer := time.NewTimer(c.cfg.InsertTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	c.mu.Lock()
	waited := false
	for {
		if v, ok := c.entries.Load(key); ok {
			e := v.(*entry[V])
			e.value.Store(&value)
			e.pending.Add(int32(pending))
			e.lastAccess.Store(c.now().UnixNano())
			c.mu.Unlock()
			return nil
		}

		c.expireLocked()
		if int(c.size.Load()) < c.cfg.Capacity || c.evictLRULocked() {
			break
		}

		wake := c.wake
		c.mu.Unlock()
		waited = true
		select {
		case <-wake:
		case <-deadline:
			c.full(key)
			return fmt.Errorf("insert %s: %w", key, ferrors.ErrCacheFull)
		case <-ctx.Done():
			c.full(key)
			return fmt.Errorf("insert %s: %w: %w", key, ferrors.ErrCacheFull, ctx.Err())
		}
		c.mu.Lock()
	}

	now := c.now()
	e := &entry[V]{inserted: now}
	e.value.Store(&value)
	e.lastAccess.Store(now.UnixNano())
	e.pending.Store(int32(pending))
	c.entries.Store(key, e)
	n := c.size.Add(1)
	c.mu.Unlock()

	if c.rec != nil {
		c.rec.CacheSize(int(n))
		if waited {
			c.rec.CacheInsertWaited(c.now().Sub(start))
		}
	}
	return nil
}

func (c *Cache[V]) full(key string) {
	c.logger.Debug("cache full", logging.LogFields{"key": key, "capacity": c.cfg.Capacity})
	if c.rec != nil {
		c.rec.CacheFull()
	}
}

// Get returns the value for key and refreshes its recency. Expired entries
// are reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := v.(*entry[V])
	now := c.now()
	if c.expired(e, now) {
		return zero, false
	}
	e.lastAccess.Store(now.UnixNano())
	return *e.value.Load(), true
}

// Touch refreshes the recency of key without reading it.
func (c *Cache[V]) Touch(key string) bool {
	v, ok := c.entries.Load(key)
	if !ok {
		return false
	}
	v.(*entry[V]).lastAccess.Store(c.now().UnixNano())
	return true
}

// Pending returns the pending-send count of key.
func (c *Cache[V]) Pending(key string) (int, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return 0, false
	}
	return int(v.(*entry[V]).pending.Load()), true
}

// IncPending is serialized with evictions so an entry cannot be chosen as a
// victim while its count is being raised.
func (c *Cache[V]) IncPending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries.Load(key)
	if !ok {
		return false
	}
	v.(*entry[V]).pending.Add(1)
	return true
}

// DecPending is called once per send on acknowledgment or terminal failure.
// When the count reaches zero the entry becomes evictable and blocked
// inserts are woken.
func (c *Cache[V]) DecPending(key string) bool {
	v, ok := c.entries.Load(key)
	if !ok {
		return false
	}
	e := v.(*entry[V])
	for {
		cur := e.pending.Load()
		if cur <= 0 {
			return true
		}
		if e.pending.CompareAndSwap(cur, cur-1) {
			if cur == 1 {
				c.mu.Lock()
				c.broadcastLocked()
				c.mu.Unlock()
			}
			return true
		}
	}
}

// Remove drops key if it has no pending sends. It reports whether the entry
// was removed.
func (c *Cache[V]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries.Load(key)
	if !ok {
		return false
	}
	e := v.(*entry[V])
	if e.pending.Load() > 0 {
		return false
	}
	c.evictLocked(key, e, ReasonRemoved)
	return true
}

// Sweep evicts expired entries without pending sends and returns how many
// were evicted.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expireLocked()
}

func (c *Cache[V]) Len() int { return int(c.size.Load()) }

func (c *Cache[V]) Capacity() int { return c.cfg.Capacity }

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.inserted) >= c.cfg.TTL
}

func (c *Cache[V]) expireLocked() int {
	if c.cfg.TTL <= 0 {
		return 0
	}
	now := c.now()
	n := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry[V])
		if e.pending.Load() == 0 && c.expired(e, now) {
			c.evictLocked(k.(string), e, ReasonExpired)
			n++
		}
		return true
	})
	return n
}

// evictLRULocked evicts the least recently used entry with no pending sends.
func (c *Cache[V]) evictLRULocked() bool {
	var (
		victimKey string
		victim    *entry[V]
		oldest    int64
	)
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry[V])
		if e.pending.Load() > 0 {
			return true
		}
		if at := e.lastAccess.Load(); victim == nil || at < oldest {
			victimKey, victim, oldest = k.(string), e, at
		}
		return true
	})
	if victim == nil {
		return false
	}
	c.evictLocked(victimKey, victim, ReasonLRU)
	return true
}

func (c *Cache[V]) evictLocked(key string, e *entry[V], reason string) {
	c.entries.Delete(key)
	n := c.size.Add(-1)
	if c.onEvict != nil {
		c.onEvict(key, *e.value.Load(), reason)
	}
	if c.rec != nil {
		c.rec.CacheEvicted(reason)
		c.rec.CacheSize(int(n))
	}
	c.broadcastLocked()
}

func (c *Cache[V]) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}
