// Package alpaca provides a resilient client for the Alpaca brokerage API
// with composable reliability primitives:
//
//   - Circuit breaker (closed / open / half-open states) with timed recovery
//   - Request de-duplication (merges concurrent identical in-flight requests)
//   - Bounded connection pool with idle reclamation and FIFO acquisition
//   - Reconnecting WebSocket sessions with subscription replay
//   - In-memory response caching with TTL expiry and LRU eviction
//   - Retries with exponential backoff, rate limiting and Prometheus metrics
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - Deterministic time handling via an injectable clock for tests
//
// Typical usage:
//
//	client := alpaca.New(
//	    alpaca.WithCredentials(keyID, secretKey),
//	    alpaca.WithEnvironment(alpaca.EnvironmentPaper),
//	    alpaca.WithCircuitBreaker(alpaca.CircuitBreakerConfig{FailureThreshold: 5}),
//	    alpaca.WithResponseCache(alpaca.CacheConfig{MaxSize: 500}, time.Minute),
//	    alpaca.WithSimpleLogger(),
//	)
//	account, err := client.GetAccount(ctx)
//
// Streaming sessions are created from the client and inherit its credentials:
//
//	stream := client.NewDataStream("iex",
//	    alpaca.WithOnMessage(func(msg alpaca.StreamMessage) { ... }),
//	)
//	err := stream.Connect(ctx)
//	err = stream.Subscribe(alpaca.SubscriptionConfig{
//	    Type:    alpaca.SubscriptionTrades,
//	    Symbols: []string{"AAPL"},
//	})
//
// Every blocking operation takes a context.Context; failed operations return a
// *ClientError carrying the error taxonomy used for retry decisions.
package alpaca
