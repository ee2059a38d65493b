package alpaca

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesIdleConnection(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{MaxConnections: 2})
	defer p.Close()
	ctx := context.Background()

	conn, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)
	p.ReleaseConnection(conn.ID)

	again, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, again.ID, "released connection should be reused")
	assert.Equal(t, 1, p.Metrics().TotalConnections)
}

func TestPoolDistinctEndpointsGetDistinctConnections(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{MaxConnections: 4})
	defer p.Close()
	ctx := context.Background()

	trading, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)
	data, err := p.GetConnection(ctx, "https://data.alpaca.markets")
	require.NoError(t, err)
	assert.NotEqual(t, trading.ID, data.ID)
	assert.Equal(t, 2, p.Metrics().TotalConnections)
}

func TestPoolAcquireTimeout(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{
		MaxConnections: 1,
		AcquireTimeout: 50 * time.Millisecond,
	})
	defer p.Close()
	ctx := context.Background()

	_, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)

	_, err = p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolAcquireTimeout)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeTimeout, clientErr.Type)
	assert.Contains(t, clientErr.Message, "50ms")
	assert.Contains(t, clientErr.Message, "1 connections in use")
	assert.Equal(t, int64(0), p.Metrics().TotalRequests)
}

func TestPoolServesWaitersFIFO(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{
		MaxConnections: 1,
		AcquireTimeout: time.Second,
	})
	defer p.Close()
	ctx := context.Background()
	base := "https://paper-api.alpaca.markets"

	held, err := p.GetConnection(ctx, base)
	require.NoError(t, err)

	order := make(chan int, 2)
	start := func(n int, ready chan struct{}) {
		go func() {
			close(ready)
			conn, err := p.GetConnection(ctx, base)
			if err != nil {
				return
			}
			order <- n
			p.ReleaseConnection(conn.ID)
		}()
	}

	ready1 := make(chan struct{})
	start(1, ready1)
	<-ready1
	waitFor(t, time.Second, func() bool {
		return p.Metrics().WaitingRequests == 1
	}, "first waiter queued")

	ready2 := make(chan struct{})
	start(2, ready2)
	<-ready2
	waitFor(t, time.Second, func() bool {
		return p.Metrics().WaitingRequests == 2
	}, "second waiter queued")

	p.ReleaseConnection(held.ID)
	assert.Equal(t, 1, <-order, "first queued waiter must be served first")
	assert.Equal(t, 2, <-order, "second queued waiter served next")
}

func TestPoolCrossEndpointHandoff(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{
		MaxConnections: 1,
		AcquireTimeout: time.Second,
	})
	defer p.Close()
	ctx := context.Background()

	held, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)

	got := make(chan *Connection, 1)
	go func() {
		conn, err := p.GetConnection(ctx, "https://data.alpaca.markets")
		if err == nil {
			got <- conn
		}
	}()
	waitFor(t, time.Second, func() bool {
		return p.Metrics().WaitingRequests == 1
	}, "waiter queued")

	// The released connection targets a different endpoint; the waiter gets
	// a fresh connection in its slot, keeping the pool at its bound.
	p.ReleaseConnection(held.ID)
	conn := <-got
	assert.Equal(t, "https://data.alpaca.markets", conn.BaseURL)
	assert.NotEqual(t, held.ID, conn.ID)
	assert.Equal(t, 1, p.Metrics().TotalConnections)
}

func TestPoolIdleSweep(t *testing.T) {
	mock := clock.NewMock()
	p := NewConnectionPool(ConnectionPoolConfig{
		MaxConnections: 2,
		MaxIdleTime:    2 * time.Second,
		Clock:          mock,
	})
	defer p.Close()
	ctx := context.Background()

	conn, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)
	active, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)
	p.ReleaseConnection(conn.ID)

	mock.Add(3 * time.Second)
	waitFor(t, time.Second, func() bool {
		return p.Metrics().TotalConnections == 1
	}, "idle connection swept")

	// The active connection is never swept.
	m := p.Metrics()
	assert.Equal(t, 1, m.ActiveConnections)
	assert.Equal(t, 0, m.IdleConnections)
	p.ReleaseConnection(active.ID)
}

func TestPoolReleaseUnknownIDIsNoop(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{MaxConnections: 1})
	defer p.Close()

	p.ReleaseConnection("not-a-real-id")
	assert.Equal(t, 0, p.Metrics().TotalConnections)
}

func TestPoolRecordRequest(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{MaxConnections: 1})
	defer p.Close()

	conn, err := p.GetConnection(context.Background(), "https://paper-api.alpaca.markets")
	require.NoError(t, err)
	p.RecordRequest(conn.ID)
	p.RecordRequest(conn.ID)
	p.RecordRequest("unknown")

	m := p.Metrics()
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, float64(2), m.AverageRequestsPerConnection)
}

func TestPoolClearRejectsWaiters(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{
		MaxConnections: 1,
		AcquireTimeout: time.Second,
	})
	defer p.Close()
	ctx := context.Background()

	_, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool {
		return p.Metrics().WaitingRequests == 1
	}, "waiter queued")

	p.Clear()
	err = <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolClosedRejectsAcquisitions(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{MaxConnections: 1})
	p.Close()

	_, err := p.GetConnection(context.Background(), "https://paper-api.alpaca.markets")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolDisabledSynthesizesConnections(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{Disabled: true, MaxConnections: 1})
	ctx := context.Background()

	a, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)
	b, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	p.ReleaseConnection(a.ID)
	assert.Equal(t, 0, p.Metrics().TotalConnections, "disabled pool tracks nothing")
}

func TestPoolAcquireContextCancel(t *testing.T) {
	p := NewConnectionPool(ConnectionPoolConfig{
		MaxConnections: 1,
		AcquireTimeout: time.Minute,
	})
	defer p.Close()

	_, err := p.GetConnection(context.Background(), "https://paper-api.alpaca.markets")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.GetConnection(ctx, "https://paper-api.alpaca.markets")
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool {
		return p.Metrics().WaitingRequests == 1
	}, "waiter queued")

	cancel()
	err = <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.Metrics().WaitingRequests)
}

func TestPoolCloseStopsIdleSweep(t *testing.T) {
	before := runtime.NumGoroutine()
	mock := clock.NewMock()
	p := NewConnectionPool(ConnectionPoolConfig{
		MaxConnections: 2,
		MaxIdleTime:    10 * time.Second,
		Clock:          mock,
	})

	conn, err := p.GetConnection(context.Background(), "https://paper-api.alpaca.markets")
	require.NoError(t, err)
	p.ReleaseConnection(conn.ID)

	p.Close()
	waitFor(t, time.Second, func() bool {
		return runtime.NumGoroutine() <= before
	}, "idle sweep goroutine exits on Close")

	mock.Add(time.Minute)
	_, err = p.GetConnection(context.Background(), "https://paper-api.alpaca.markets")
	assert.ErrorIs(t, err, ErrPoolClosed, "pool stays closed after time advances")
}
