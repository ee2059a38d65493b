package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Environment selects the trading API host. Paper and live use distinct
// hosts for both REST and the trading stream; market data is shared.
type Environment string

const (
	EnvironmentPaper Environment = "paper"
	EnvironmentLive  Environment = "live"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
	dataBaseURL  = "https://data.alpaca.markets"

	paperTradingStreamURL = "wss://paper-api.alpaca.markets/stream"
	liveTradingStreamURL  = "wss://api.alpaca.markets/stream"
	dataStreamURLPrefix   = "wss://stream.data.alpaca.markets/v2/"
)

// TradingBaseURL returns the REST host for the environment.
func TradingBaseURL(env Environment) string {
	if env == EnvironmentLive {
		return liveBaseURL
	}
	return paperBaseURL
}

// TradingStreamURL returns the order-update stream endpoint for the
// environment. Paper and live intentionally resolve to different hosts.
func TradingStreamURL(env Environment) string {
	if env == EnvironmentLive {
		return liveTradingStreamURL
	}
	return paperTradingStreamURL
}

// DataStreamURL returns the market data stream endpoint for a feed
// ("iex", "sip" or "test"). The data stream host is environment independent.
func DataStreamURL(feed string) string {
	if feed == "" {
		feed = "iex"
	}
	return dataStreamURLPrefix + feed
}

// cachedResponse is the unit shared by the deduplicator and stored in the
// response cache: a fully drained REST response.
type cachedResponse struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Client is a resilient brokerage API client that layers request
// deduplication, circuit breaking, connection pooling, rate limiting,
// retries and response caching around the REST surface. It is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	keyID      string
	secretKey  string
	env        Environment
	baseURL    string
	dataURL    string

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	limiter  *rate.Limiter
	breaker  *CircuitBreaker
	dedup    *Deduplicator
	pool     *ConnectionPool
	cache    *Cache[cachedResponse]
	cacheTTL time.Duration

	metrics *MetricsCollector
	logger  Logger
	clock   clock.Clock

	validationError error
}

// New constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		env:            EnvironmentPaper,
		maxRetries:     3,
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     5 * time.Second,
		breaker:        NewCircuitBreaker(CircuitBreakerConfig{}),
		dedup:          NewDeduplicator(DeduplicatorConfig{}),
		pool:           NewConnectionPool(DefaultConnectionPoolConfig()),
		cacheTTL:       time.Minute,
		clock:          clock.New(),
	}

	for _, option := range options {
		option(c)
	}

	if c.baseURL == "" {
		c.baseURL = TradingBaseURL(c.env)
	}
	if c.dataURL == "" {
		c.dataURL = dataBaseURL
	}

	if c.breaker != nil {
		c.breaker.SetObservers(c.metrics, c.logger)
	}
	if c.dedup != nil {
		c.dedup.SetObservers(c.metrics, c.logger)
	}
	if c.pool != nil {
		c.pool.SetObservers(c.metrics, c.logger)
	}
	if c.cache != nil {
		c.cache.SetObservers(c.metrics)
	}

	c.validationError = c.validate()
	return c
}

func (c *Client) validate() error {
	if c.keyID == "" || c.secretKey == "" {
		return newClientError(ErrorTypeConfiguration, "missing API credentials", nil)
	}
	if c.maxRetries < 0 {
		return newClientError(ErrorTypeConfiguration, "maxRetries must not be negative", nil)
	}
	return nil
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// Environment returns the configured trading environment.
func (c *Client) Environment() Environment {
	return c.env
}

// CircuitBreaker exposes the breaker for metrics and administration.
func (c *Client) CircuitBreaker() *CircuitBreaker {
	return c.breaker
}

// Deduplicator exposes the request deduplicator.
func (c *Client) Deduplicator() *Deduplicator {
	return c.dedup
}

// ConnectionPool exposes the connection pool.
func (c *Client) ConnectionPool() *ConnectionPool {
	return c.pool
}

// Close releases every resource owned by the client: the pool and its
// waiters, the breaker's timers and the cache sweep.
func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
	if c.breaker != nil {
		c.breaker.Close()
	}
	if c.dedup != nil {
		c.dedup.Clear()
	}
	if c.cache != nil {
		c.cache.Close()
	}
}

// NewTradingStream creates a stream session for order updates in the
// client's environment, inheriting credentials, logger and metrics.
func (c *Client) NewTradingStream(opts ...StreamOption) *StreamClient {
	return c.newStream(TradingStreamURL(c.env), opts...)
}

// NewDataStream creates a market data stream session for the given feed,
// inheriting credentials, logger and metrics.
func (c *Client) NewDataStream(feed string, opts ...StreamOption) *StreamClient {
	return c.newStream(DataStreamURL(feed), opts...)
}

func (c *Client) newStream(url string, opts ...StreamOption) *StreamClient {
	base := []StreamOption{}
	if c.logger != nil {
		base = append(base, WithStreamLogger(c.logger))
	}
	if c.metrics != nil {
		base = append(base, WithStreamMetrics(c.metrics))
	}
	return NewStreamClient(StreamConfig{
		URL:       url,
		KeyID:     c.keyID,
		SecretKey: c.secretKey,
	}, append(base, opts...)...)
}

// get performs a GET through the full resilience pipeline.
func (c *Client) get(ctx context.Context, baseURL, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, baseURL, path, query, nil, out)
}

// do executes one REST operation through deduplication, circuit breaking,
// pooled connection acquisition, rate limiting, retries and caching, then
// decodes the response body into out when non-nil.
func (c *Client) do(ctx context.Context, method, baseURL, path string, query url.Values, body, out interface{}) error {
	if c.validationError != nil {
		return c.validationError
	}

	operation := method + " " + path
	start := c.clock.Now()
	c.metrics.RecordRequestStart(method, path)
	defer c.metrics.RecordRequestEnd(method, path)

	fullURL := baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	cacheable := method == http.MethodGet && c.cache != nil
	if cacheable {
		if entry, ok := c.cache.Get(fullURL); ok {
			if c.logger != nil {
				c.logger.Debug("cache hit", "operation", operation)
			}
			c.metrics.RecordRequest(method, path, entry.StatusCode, c.clock.Now().Sub(start))
			return c.decode(entry.Body, out)
		}
	}

	execute := func(ctx context.Context) (cachedResponse, error) {
		return c.execute(ctx, method, baseURL, fullURL, body)
	}

	var resp cachedResponse
	var err error
	if c.dedup != nil && method == http.MethodGet {
		key := GenerateKey(method, fullURL, nil)
		resp, err = DeduplicateAs(ctx, c.dedup, key, execute)
	} else {
		resp, err = execute(ctx)
	}

	if err != nil {
		err = enrich(err, operation, "client", "")
		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			c.metrics.RecordError(clientErr.Type, "client")
		}
		if c.logger != nil {
			c.logger.Warn("request failed", "operation", operation, "error", err)
		}
		return err
	}
	c.metrics.RecordRequest(method, path, resp.StatusCode, c.clock.Now().Sub(start))

	if cacheable {
		c.cache.Set(fullURL, resp, c.cacheTTL)
	}
	return c.decode(resp.Body, out)
}

// execute wraps the network round trip with the circuit breaker and the
// connection pool, in that order: breaker admission happens before a pooled
// connection is held so fast-fail paths never consume pool capacity. The
// response travels over a buffered channel rather than a captured variable
// so a round trip that outlives a breaker timeout or cancellation cannot
// race the caller's return value.
func (c *Client) execute(ctx context.Context, method, baseURL, fullURL string, body interface{}) (cachedResponse, error) {
	results := make(chan cachedResponse, 1)
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		conn, err := c.pool.GetConnection(ctx, baseURL)
		if err != nil {
			return err
		}
		defer c.pool.ReleaseConnection(conn.ID)

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return newClientError(ErrorTypeRateLimit, "rate limiter wait cancelled", err)
			}
		}

		resp, err := c.roundTrip(ctx, method, fullURL, body)
		if err != nil {
			return err
		}
		c.pool.RecordRequest(conn.ID)
		results <- resp
		return nil
	})
	if err != nil {
		return cachedResponse{}, err
	}
	return <-results, nil
}

// roundTrip performs the HTTP exchange with exponential backoff retries on
// transient failures. Non-retryable API errors abort the retry loop.
func (c *Client) roundTrip(ctx context.Context, method, fullURL string, body interface{}) (cachedResponse, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return cachedResponse{}, newClientError(ErrorTypeValidation, "request body marshal failed", err)
		}
		payload = data
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxInterval = c.maxBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx)

	var result cachedResponse
	err := backoff.Retry(func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return backoff.Permanent(newClientError(ErrorTypeValidation, "request build failed", err))
		}
		req.Header.Set("APCA-API-KEY-ID", c.keyID)
		req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return newClientError(ErrorTypeNetwork, "request failed", err)
		}
		defer func() { _ = httpResp.Body.Close() }()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return newClientError(ErrorTypeNetwork, "response read failed", err)
		}

		if httpResp.StatusCode >= 400 {
			apiErr := c.statusError(httpResp.StatusCode, data)
			if !IsRetryable(apiErr) {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}

		result = cachedResponse{
			StatusCode: httpResp.StatusCode,
			Body:       data,
			Header:     httpResp.Header.Clone(),
		}
		return nil
	}, policy)
	if err != nil {
		return cachedResponse{}, err
	}
	return result, nil
}

// statusError maps an API status code to the error taxonomy. The API's own
// message is surfaced when the body carries one.
func (c *Client) statusError(statusCode int, body []byte) *ClientError {
	message := fmt.Sprintf("API returned status %d", statusCode)
	var apiBody struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiBody) == nil && apiBody.Message != "" {
		message = apiBody.Message
	}

	var err *ClientError
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		err = newClientError(ErrorTypeAuthentication, message, ErrNotAuthenticated)
	case statusCode == http.StatusTooManyRequests:
		err = newClientError(ErrorTypeRateLimit, message, nil)
	case statusCode >= 500:
		err = newClientError(ErrorTypeNetwork, message, nil)
	default:
		err = newClientError(ErrorTypeValidation, message, nil)
	}
	err.StatusCode = statusCode
	return err
}

func (c *Client) decode(body []byte, out interface{}) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newClientError(ErrorTypeValidation, "response decode failed", err)
	}
	return nil
}
