package alpaca

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/albedosehen/alpaca-markets-client-sub000/internal/canonical"
)

// DeduplicatorConfig holds request deduplication configuration.
type DeduplicatorConfig struct {
	// Disabled turns the deduplicator into a pass-through that invokes the
	// operation on every call.
	Disabled bool

	// MaxPendingRequests bounds the number of distinct in-flight keys. New
	// distinct keys beyond the bound fail immediately; existing keys are
	// unaffected.
	MaxPendingRequests int

	// Timeout evicts an entry's bookkeeping if the operation has not settled.
	// The operation itself is not cancelled; a late completion still resolves
	// its waiters but does not revive the key.
	Timeout time.Duration

	// Clock overrides the time source, for tests.
	Clock clock.Clock
}

// DeduplicationMetrics is a point-in-time snapshot of deduplicator counters.
type DeduplicationMetrics struct {
	PendingRequests int
	Hits            int64
	Executed        int64
	Rejected        int64
}

// dedupEntry is one in-flight operation shared between callers. The result
// is broadcast by closing done; once guards against a double close when the
// entry is force-evicted while the owner is still running.
type dedupEntry struct {
	done    chan struct{}
	once    sync.Once
	value   interface{}
	err     error
	waiters int
	timer   *clock.Timer
}

func (e *dedupEntry) settle(value interface{}, err error) {
	e.once.Do(func() {
		e.value = value
		e.err = err
		close(e.done)
	})
}

// Deduplicator collapses concurrent identical logical requests into one
// in-flight execution and shares the single outcome with every caller.
// It is safe for concurrent use.
type Deduplicator struct {
	config  DeduplicatorConfig
	clock   clock.Clock
	metrics *MetricsCollector
	logger  Logger

	mu       sync.Mutex
	entries  map[string]*dedupEntry
	hits     int64
	executed int64
	rejected int64
}

// NewDeduplicator creates a deduplicator with the given configuration.
// Zero fields fall back to defaults.
func NewDeduplicator(config DeduplicatorConfig) *Deduplicator {
	if config.MaxPendingRequests <= 0 {
		config.MaxPendingRequests = 100
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Deduplicator{
		config:  config,
		clock:   clk,
		entries: make(map[string]*dedupEntry),
	}
}

// SetObservers attaches an optional metrics collector and logger.
func (d *Deduplicator) SetObservers(metrics *MetricsCollector, logger Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = metrics
	d.logger = logger
}

// Deduplicate executes fn for the first caller of key and shares the exact
// resolved value or error with every concurrent caller of the same key.
// Sequential (non-overlapping) calls each execute fn again; nothing is
// cached across settled requests.
func (d *Deduplicator) Deduplicate(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if d.config.Disabled {
		return fn(ctx)
	}

	d.mu.Lock()
	if entry, exists := d.entries[key]; exists {
		entry.waiters++
		d.hits++
		d.metrics.RecordDeduplicationHit(key)
		d.mu.Unlock()
		return d.wait(ctx, entry)
	}

	if len(d.entries) >= d.config.MaxPendingRequests {
		d.rejected++
		d.metrics.RecordDeduplicationRejected(key)
		d.mu.Unlock()
		err := newClientError(ErrorTypeRateLimit, "deduplicator pending request limit reached", ErrTooManyPendingRequests)
		err.Component = "deduplicator"
		return nil, err
	}

	entry := &dedupEntry{
		done:    make(chan struct{}),
		waiters: 1,
	}
	d.entries[key] = entry
	d.executed++
	entry.timer = d.clock.AfterFunc(d.config.Timeout, func() {
		d.evict(key, entry)
	})
	d.metrics.RecordDeduplicationPending("default", len(d.entries))
	d.mu.Unlock()

	value, err := fn(ctx)

	entry.settle(value, err)
	d.remove(key, entry)
	return value, err
}

// wait blocks until the owning call settles or the caller's context ends.
func (d *Deduplicator) wait(ctx context.Context, entry *dedupEntry) (interface{}, error) {
	select {
	case <-entry.done:
		return entry.value, entry.err
	case <-ctx.Done():
		return nil, newClientError(ErrorTypeTimeout, "deduplicated request cancelled", ctx.Err())
	}
}

// evict drops bookkeeping for an entry whose operation outlived the timeout.
// Identity is compared so a later entry under the same key is untouched.
func (d *Deduplicator) evict(key string, entry *dedupEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.entries[key]; ok && current == entry {
		delete(d.entries, key)
		d.metrics.RecordDeduplicationPending("default", len(d.entries))
		if d.logger != nil {
			d.logger.Warn("deduplication entry evicted after timeout", "key", key, "waiters", entry.waiters)
		}
	}
}

// remove deletes a settled entry and cancels its eviction timer.
func (d *Deduplicator) remove(key string, entry *dedupEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if current, ok := d.entries[key]; ok && current == entry {
		delete(d.entries, key)
		d.metrics.RecordDeduplicationPending("default", len(d.entries))
	}
}

// Metrics returns a snapshot of deduplicator counters.
func (d *Deduplicator) Metrics() DeduplicationMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeduplicationMetrics{
		PendingRequests: len(d.entries),
		Hits:            d.hits,
		Executed:        d.executed,
		Rejected:        d.rejected,
	}
}

// Clear drops all pending entries. Waiters on a cleared entry receive a
// configuration error; the owning operations keep running but their results
// are no longer shared.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, entry := range d.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.settle(nil, newClientError(ErrorTypeConfiguration, "deduplicator cleared", nil))
		delete(d.entries, key)
	}
	d.metrics.RecordDeduplicationPending("default", 0)
}

// GenerateKey builds a canonical deduplication key from the request method,
// endpoint and optional parameters. Parameter order never produces distinct
// keys for logically identical requests.
func GenerateKey(method, endpoint string, params interface{}) string {
	key := method + ":" + endpoint
	if params != nil {
		if p := canonical.Params(params); p != "" {
			key += ":" + p
		}
	}
	return key
}

// DeduplicateAs is a typed wrapper around Deduplicate for callers that want
// a concrete result type instead of interface{}.
func DeduplicateAs[T any](ctx context.Context, d *Deduplicator, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	value, err := d.Deduplicate(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result, ok := value.(T)
	if !ok {
		var zero T
		return zero, newClientError(ErrorTypeUnknown, "deduplicated result has unexpected type", nil)
	}
	return result, nil
}
