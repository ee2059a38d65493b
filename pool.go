package alpaca

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Connection is one logical pooled connection to a base endpoint.
type Connection struct {
	ID           string
	BaseURL      string
	Active       bool
	CreatedAt    time.Time
	LastUsed     time.Time
	RequestCount int64
}

// ConnectionPoolConfig holds connection pool configuration.
type ConnectionPoolConfig struct {
	// Disabled makes the pool synthesize a fresh connection per acquisition;
	// Release becomes a no-op marker.
	Disabled bool

	// MaxConnections bounds the total number of live connections.
	MaxConnections int

	// MaxIdleTime is how long an idle connection survives before the
	// background sweep removes it. Active connections are never swept.
	MaxIdleTime time.Duration

	// AcquireTimeout bounds how long an acquisition may queue once the pool
	// is at capacity.
	AcquireTimeout time.Duration

	// KeepAlive mirrors the HTTP transport keep-alive preference exposed
	// through IsKeepAliveEnabled.
	KeepAlive bool

	// Clock overrides the time source, for tests.
	Clock clock.Clock
}

// DefaultConnectionPoolConfig returns the documented defaults.
func DefaultConnectionPoolConfig() ConnectionPoolConfig {
	return ConnectionPoolConfig{
		MaxConnections: 10,
		MaxIdleTime:    60 * time.Second,
		AcquireTimeout: 5 * time.Second,
		KeepAlive:      true,
	}
}

// PoolMetrics is a point-in-time snapshot of pool occupancy.
type PoolMetrics struct {
	TotalConnections             int
	ActiveConnections            int
	IdleConnections              int
	PoolUtilization              float64
	WaitingRequests              int
	TotalRequests                int64
	AverageRequestsPerConnection float64
}

// poolWaiter is one queued acquisition. The result channel is buffered so a
// release can hand over a connection without blocking even if the waiter has
// just timed out; the waiter drains the channel and returns the connection
// in that case.
type poolWaiter struct {
	baseURL string
	result  chan *Connection
	failed  chan error
}

// ConnectionPool bounds concurrent logical connections per base endpoint,
// queues acquisitions FIFO under a timeout and evicts idle connections after
// a TTL. It is safe for concurrent use.
type ConnectionPool struct {
	config  ConnectionPoolConfig
	clock   clock.Clock
	metrics *MetricsCollector
	logger  Logger

	mu            sync.Mutex
	conns         map[string]*Connection
	waiters       []*poolWaiter
	totalRequests int64
	closed        bool
	sweepStop     chan struct{}
}

// NewConnectionPool creates a pool with the given configuration. Zero fields
// fall back to defaults and the idle sweep starts immediately.
func NewConnectionPool(config ConnectionPoolConfig) *ConnectionPool {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = 60 * time.Second
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 5 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	p := &ConnectionPool{
		config: config,
		clock:  clk,
		conns:  make(map[string]*Connection),
	}
	if !config.Disabled {
		p.startSweep()
	}
	return p
}

// SetObservers attaches an optional metrics collector and logger.
func (p *ConnectionPool) SetObservers(metrics *MetricsCollector, logger Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = metrics
	p.logger = logger
}

// GetConnection returns an idle connection for baseURL, creates one while
// under the limit, or queues FIFO until a connection is released or the
// acquire timeout elapses.
func (p *ConnectionPool) GetConnection(ctx context.Context, baseURL string) (*Connection, error) {
	if p.config.Disabled {
		now := p.clock.Now()
		return &Connection{
			ID:        uuid.NewString(),
			BaseURL:   baseURL,
			Active:    true,
			CreatedAt: now,
			LastUsed:  now,
		}, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newClientError(ErrorTypeConfiguration, "connection pool is closed", ErrPoolClosed)
	}

	if conn := p.idleForLocked(baseURL); conn != nil {
		conn.Active = true
		conn.LastUsed = p.clock.Now()
		p.recordOccupancyLocked()
		p.mu.Unlock()
		return conn, nil
	}

	if len(p.conns) < p.config.MaxConnections {
		conn := p.newConnectionLocked(baseURL)
		p.recordOccupancyLocked()
		p.mu.Unlock()
		return conn, nil
	}

	waiter := &poolWaiter{
		baseURL: baseURL,
		result:  make(chan *Connection, 1),
		failed:  make(chan error, 1),
	}
	p.waiters = append(p.waiters, waiter)
	p.metrics.RecordPoolWaiters("default", len(p.waiters))
	p.mu.Unlock()

	timer := p.clock.Timer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-waiter.result:
		return conn, nil
	case err := <-waiter.failed:
		return nil, err
	case <-timer.C:
		p.abandonWaiter(waiter)
		p.metrics.RecordPoolAcquireTimeout("default")
		err := newClientError(ErrorTypeTimeout,
			fmt.Sprintf("connection pool acquire timed out after %v (%d connections in use)",
				p.config.AcquireTimeout, p.config.MaxConnections),
			ErrPoolAcquireTimeout)
		err.Component = "connection_pool"
		err.RetryAfter = p.config.AcquireTimeout
		return nil, err
	case <-ctx.Done():
		p.abandonWaiter(waiter)
		return nil, newClientError(ErrorTypeTimeout, "connection pool acquire cancelled", ctx.Err())
	}
}

// abandonWaiter removes a timed-out waiter from the queue. If a release won
// the race and already handed over a connection, that connection is returned
// to the pool so it is not leaked as permanently active.
func (p *ConnectionPool) abandonWaiter(w *poolWaiter) {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.metrics.RecordPoolWaiters("default", len(p.waiters))
	p.mu.Unlock()

	select {
	case conn := <-w.result:
		p.ReleaseConnection(conn.ID)
	default:
	}
}

// ReleaseConnection marks a connection idle and serves the next queued
// waiter. Unknown ids are ignored.
func (p *ConnectionPool) ReleaseConnection(id string) {
	if p.config.Disabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[id]
	if !ok {
		return
	}
	conn.Active = false
	conn.LastUsed = p.clock.Now()
	p.serveWaitersLocked(conn)
	p.recordOccupancyLocked()
}

// serveWaitersLocked hands a newly idle connection to the head of the FIFO
// queue. A waiter for a different base endpoint cannot reuse the object, so
// the idle connection is discarded and a fresh one created in its slot to
// keep admission order fair.
func (p *ConnectionPool) serveWaitersLocked(idle *Connection) {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.metrics.RecordPoolWaiters("default", len(p.waiters))

	if w.baseURL == idle.BaseURL {
		idle.Active = true
		idle.LastUsed = p.clock.Now()
		w.result <- idle
		return
	}

	delete(p.conns, idle.ID)
	w.result <- p.newConnectionLocked(w.baseURL)
}

// RecordRequest attributes one request to a connection. Unknown ids are ignored.
func (p *ConnectionPool) RecordRequest(id string) {
	if p.config.Disabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[id]; ok {
		conn.RequestCount++
		p.totalRequests++
	}
}

// IsKeepAliveEnabled reports the configured keep-alive preference.
func (p *ConnectionPool) IsKeepAliveEnabled() bool {
	return p.config.KeepAlive
}

// Metrics returns a snapshot of pool occupancy and request accounting.
func (p *ConnectionPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := PoolMetrics{
		TotalConnections: len(p.conns),
		WaitingRequests:  len(p.waiters),
		TotalRequests:    p.totalRequests,
	}
	for _, conn := range p.conns {
		if conn.Active {
			m.ActiveConnections++
		} else {
			m.IdleConnections++
		}
	}
	if m.TotalConnections > 0 {
		m.PoolUtilization = float64(m.ActiveConnections) / float64(m.TotalConnections)
		m.AverageRequestsPerConnection = float64(p.totalRequests) / float64(m.TotalConnections)
	}
	return m
}

// Clear synchronously drops all connections and rejects queued waiters.
func (p *ConnectionPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

// Close clears the pool, rejects waiters and stops the idle sweep. The pool
// rejects further acquisitions afterwards.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.clearLocked()
	if p.sweepStop != nil {
		close(p.sweepStop)
		p.sweepStop = nil
	}
}

func (p *ConnectionPool) clearLocked() {
	p.conns = make(map[string]*Connection)
	for _, w := range p.waiters {
		err := newClientError(ErrorTypeConfiguration, "connection pool cleared", ErrPoolClosed)
		err.Component = "connection_pool"
		w.failed <- err
	}
	p.waiters = nil
	p.metrics.RecordPoolWaiters("default", 0)
	p.recordOccupancyLocked()
}

func (p *ConnectionPool) idleForLocked(baseURL string) *Connection {
	for _, conn := range p.conns {
		if !conn.Active && conn.BaseURL == baseURL {
			return conn
		}
	}
	return nil
}

func (p *ConnectionPool) newConnectionLocked(baseURL string) *Connection {
	now := p.clock.Now()
	conn := &Connection{
		ID:        uuid.NewString(),
		BaseURL:   baseURL,
		Active:    true,
		CreatedAt: now,
		LastUsed:  now,
	}
	p.conns[conn.ID] = conn
	return conn
}

func (p *ConnectionPool) recordOccupancyLocked() {
	if p.metrics == nil {
		return
	}
	active, idle := 0, 0
	for _, conn := range p.conns {
		if conn.Active {
			active++
		} else {
			idle++
		}
	}
	p.metrics.RecordPoolConnections(active, idle)
}

// startSweep launches the periodic idle eviction pass. The interval is half
// the idle TTL so an idle connection is removed at most 1.5x the TTL after
// its last use.
func (p *ConnectionPool) startSweep() {
	stop := make(chan struct{})
	p.sweepStop = stop

	interval := p.config.MaxIdleTime / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := p.clock.Ticker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweepIdle()
			case <-stop:
				return
			}
		}
	}()
}

func (p *ConnectionPool) sweepIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	for id, conn := range p.conns {
		if !conn.Active && now.Sub(conn.LastUsed) >= p.config.MaxIdleTime {
			delete(p.conns, id)
			if p.logger != nil {
				p.logger.Debug("idle connection evicted", "id", id, "baseURL", conn.BaseURL)
			}
		}
	}
	p.recordOccupancyLocked()
}
