package alpaca

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Option represents a configuration option for the Client.
type Option func(*Client)

// WithCredentials sets the API key pair.
func WithCredentials(keyID, secretKey string) Option {
	return func(c *Client) {
		c.keyID = keyID
		c.secretKey = secretKey
	}
}

// WithEnvironment selects paper or live trading.
func WithEnvironment(env Environment) Option {
	return func(c *Client) {
		c.env = env
	}
}

// WithBaseURL overrides the trading API host, e.g. for a local test server.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithDataBaseURL overrides the market data API host.
func WithDataBaseURL(url string) Option {
	return func(c *Client) {
		c.dataURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithMaxRetries sets the maximum number of retry attempts per round trip.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryBackoff sets the initial and maximum retry backoff delays.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithRateLimit throttles outgoing requests to r per second with the given
// burst.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithCircuitBreaker replaces the default circuit breaker configuration.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breaker = NewCircuitBreaker(config)
	}
}

// WithDeduplication replaces the default deduplicator configuration.
func WithDeduplication(config DeduplicatorConfig) Option {
	return func(c *Client) {
		c.dedup = NewDeduplicator(config)
	}
}

// WithoutDeduplication disables in-flight request collapsing.
func WithoutDeduplication() Option {
	return func(c *Client) {
		c.dedup = nil
	}
}

// WithConnectionPool replaces the default connection pool configuration.
func WithConnectionPool(config ConnectionPoolConfig) Option {
	return func(c *Client) {
		if c.pool != nil {
			c.pool.Close()
		}
		c.pool = NewConnectionPool(config)
	}
}

// WithResponseCache enables read-through caching of GET responses with the
// given entry TTL.
func WithResponseCache(config CacheConfig, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = NewCache[cachedResponse](config)
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(metrics *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables logging with the console logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		c.logger = NewSimpleLogger()
	}
}

// WithClock overrides the client's time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}
