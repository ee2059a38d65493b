package alpaca

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// CacheConfig holds cache configuration.
type CacheConfig struct {
	// MaxSize bounds the number of entries; inserting beyond the bound
	// evicts the least recently used entry.
	MaxSize int

	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL time.Duration

	// SweepInterval is how often expired entries are removed in the
	// background. Zero defaults to 30s; negative disables the sweep, leaving
	// expired entries to lazy removal on Get.
	SweepInterval time.Duration

	// Clock overrides the time source, for tests.
	Clock clock.Clock
}

// CacheMetrics is a point-in-time snapshot of cache counters.
type CacheMetrics struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Size        int
}

type cacheEntry[V any] struct {
	key       string
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Cache is a bounded key/value store with per-entry TTL and LRU eviction.
// An entry is never returned at or past its expiry. It is safe for
// concurrent use.
type Cache[V any] struct {
	config  CacheConfig
	clock   clock.Clock
	metrics *MetricsCollector
	name    string

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	sweepStop chan struct{}
}

// NewCache creates a cache with the given configuration. Zero fields fall
// back to defaults.
func NewCache[V any](config CacheConfig) *Cache[V] {
	if config.MaxSize <= 0 {
		config.MaxSize = 1000
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Minute
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = 30 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	c := &Cache[V]{
		config:  config,
		clock:   clk,
		name:    "default",
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
	if config.SweepInterval > 0 {
		c.startSweep()
	}
	return c
}

// SetObservers attaches an optional metrics collector.
func (c *Cache[V]) SetObservers(metrics *MetricsCollector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
}

// Get returns the live value for key and promotes it to most recently used.
// Expired entries are removed and reported as misses.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		c.metrics.RecordCacheMiss(c.name)
		return zero, false
	}

	entry := elem.Value.(*cacheEntry[V])
	if !c.clock.Now().Before(entry.expiresAt) {
		c.removeLocked(elem)
		c.expirations++
		c.misses++
		c.metrics.RecordCacheEviction(c.name, "ttl")
		c.metrics.RecordCacheMiss(c.name)
		return zero, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	c.metrics.RecordCacheHit(c.name)
	return entry.value, true
}

// Set stores value under key with the given ttl (DefaultTTL when ttl <= 0),
// evicting the least recently used entry once MaxSize is reached.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry[V])
		entry.value = value
		entry.createdAt = now
		entry.expiresAt = now.Add(ttl)
		c.lru.MoveToFront(elem)
		return
	}

	entry := &cacheEntry[V]{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	c.entries[key] = c.lru.PushFront(entry)

	for len(c.entries) > c.config.MaxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
		c.metrics.RecordCacheEviction(c.name, "lru")
	}
	c.metrics.RecordCacheSize(c.name, len(c.entries))
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
		c.metrics.RecordCacheSize(c.name, len(c.entries))
	}
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.metrics.RecordCacheSize(c.name, 0)
}

// Len returns the current number of entries, including not-yet-swept
// expired ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Metrics returns a snapshot of cache counters.
func (c *Cache[V]) Metrics() CacheMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheMetrics{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        len(c.entries),
	}
}

// Close stops the background sweep.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweepStop != nil {
		close(c.sweepStop)
		c.sweepStop = nil
	}
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry[V])
	c.lru.Remove(elem)
	delete(c.entries, entry.key)
}

func (c *Cache[V]) startSweep() {
	stop := make(chan struct{})
	c.sweepStop = stop
	ticker := c.clock.Ticker(c.config.SweepInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepExpired()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Cache[V]) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*cacheEntry[V])
		if !now.Before(entry.expiresAt) {
			c.removeLocked(elem)
			c.expirations++
			c.metrics.RecordCacheEviction(c.name, "ttl")
		}
		elem = prev
	}
	c.metrics.RecordCacheSize(c.name, len(c.entries))
}
