// Package cache provides a bounded, TTL-aware LRU map used for process-wide shared
// state such as conversation summaries and provider sessions. Consistency across
// concurrent requests is best-effort: the last Set for a key wins.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultEvictionInterval is the default interval for periodic cache eviction.
const DefaultEvictionInterval = 1 * time.Minute

// Config defines capacity and expiry for an LRU.
type Config struct {
	// MaxSize is the maximum number of entries. Values <= 0 mean 1000.
	MaxSize int `yaml:"max-size" json:"max-size"`
	// TTL is how long an entry stays valid after it was written. 0 disables expiry.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// Stats tracks cache performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// Observer receives hit/miss/size notifications, typically to feed metrics.
type Observer interface {
	Hit()
	Miss()
	Size(n int)
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	createdAt time.Time
}

// LRU is a mutex-guarded least-recently-used map with optional TTL.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	items    map[K]*list.Element
	order    *list.List // front = most recently used
	config   Config
	stats    Stats
	now      func() time.Time
	observer Observer
}

// Option customises an LRU.
type Option[K comparable, V any] func(*LRU[K, V])

// WithClock replaces time.Now, for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *LRU[K, V]) { c.now = now }
}

// WithObserver attaches a metrics observer.
func WithObserver[K comparable, V any](o Observer) Option[K, V] {
	return func(c *LRU[K, V]) { c.observer = o }
}

// New creates an LRU with the given config.
func New[K comparable, V any](cfg Config, opts ...Option[K, V]) *LRU[K, V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	c := &LRU[K, V]{
		items:  make(map[K]*list.Element, cfg.MaxSize),
		order:  list.New(),
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key if present and not expired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		c.notifyMiss()
		return zero, false
	}
	ent := el.Value.(*entry[K, V])
	if c.expiredLocked(ent) {
		c.removeLocked(el)
		c.stats.Evictions++
		c.stats.Misses++
		c.notifyMiss()
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	if c.observer != nil {
		c.observer.Hit()
	}
	return ent.value, true
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[K, V])
		ent.value = value
		ent.createdAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	for len(c.items) >= c.config.MaxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.stats.Evictions++
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, createdAt: c.now()})
	c.notifySize()
}

// Delete removes key if present.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// GetStats returns current cache statistics.
func (c *LRU[K, V]) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}

// Clear removes all entries.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element, c.config.MaxSize)
	c.order.Init()
	c.notifySize()
}

// EvictExpired removes all expired entries and returns how many were dropped.
func (c *LRU[K, V]) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config.TTL <= 0 {
		return 0
	}
	evicted := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expiredLocked(el.Value.(*entry[K, V])) {
			c.removeLocked(el)
			evicted++
		}
		el = prev
	}
	c.stats.Evictions += int64(evicted)
	return evicted
}

// StartJanitor evicts expired entries every interval until ctx is cancelled.
func (c *LRU[K, V]) StartJanitor(ctx context.Context, interval time.Duration, name string) {
	if interval <= 0 {
		interval = DefaultEvictionInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := c.EvictExpired(); evicted > 0 {
					log.Debugf("%s cache: evicted %d expired entries", name, evicted)
				}
			}
		}
	}()
}

func (c *LRU[K, V]) expiredLocked(ent *entry[K, V]) bool {
	return c.config.TTL > 0 && c.now().Sub(ent.createdAt) > c.config.TTL
}

func (c *LRU[K, V]) removeLocked(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	delete(c.items, ent.key)
	c.order.Remove(el)
	c.notifySize()
}

func (c *LRU[K, V]) notifyMiss() {
	if c.observer != nil {
		c.observer.Miss()
	}
}

func (c *LRU[K, V]) notifySize() {
	if c.observer != nil {
		c.observer.Size(len(c.items))
	}
}
