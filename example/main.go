// Minimal example demonstrating a resilient account fetch plus a market data
// stream with automatic reconnection. Credentials come from the environment
// (or a .env file); run against the paper API.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sirupsen/logrus"

	alpaca "github.com/albedosehen/alpaca-markets-client-sub000"
)

func main() {
	keyID, secretKey, err := alpaca.CredentialsFromEnv()
	if err != nil {
		log.Fatalf("credentials: %v", err)
	}

	logrusLogger := logrus.New()
	logrusLogger.SetLevel(logrus.DebugLevel)

	client := alpaca.New(
		alpaca.WithCredentials(keyID, secretKey),
		alpaca.WithEnvironment(alpaca.EnvironmentFromEnv()),
		alpaca.WithMaxRetries(3),
		alpaca.WithRateLimit(10, 5),
		alpaca.WithCircuitBreaker(alpaca.CircuitBreakerConfig{FailureThreshold: 5}),
		alpaca.WithResponseCache(alpaca.CacheConfig{MaxSize: 500}, time.Minute),
		alpaca.WithMetrics(alpaca.NewMetricsCollector()),
		alpaca.WithLogger(alpaca.NewLogrusLogger(logrus.NewEntry(logrusLogger))),
	)
	if !client.IsValid() {
		log.Fatalf("invalid client config: %v", client.ValidationError())
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	account, err := client.GetAccount(ctx)
	if err != nil {
		log.Fatalf("get account: %v", err)
	}
	fmt.Printf("account %s: equity %s, buying power %s\n",
		account.AccountNumber, account.Equity, account.BuyingPower)

	// Concurrent identical GETs collapse into one upstream request.
	quote, err := client.GetLatestQuote(ctx, "AAPL")
	if err != nil {
		log.Fatalf("latest quote: %v", err)
	}
	fmt.Printf("AAPL bid %s ask %s\n", quote.BidPrice, quote.AskPrice)

	// Market data stream with subscription replay across reconnects.
	stream := client.NewDataStream("iex",
		alpaca.WithOnMessage(func(msg alpaca.StreamMessage) {
			fmt.Printf("stream %s: %s\n", msg.Type, msg.Data)
		}),
		alpaca.WithOnStateChange(func(from, to alpaca.StreamState) {
			fmt.Printf("stream state %s -> %s\n", from, to)
		}),
	)
	defer stream.Dispose()

	if err := stream.Connect(ctx); err != nil {
		log.Fatalf("stream connect: %v", err)
	}
	if err := stream.Subscribe(alpaca.SubscriptionConfig{
		Type:    alpaca.SubscriptionTrades,
		Symbols: []string{"AAPL", "MSFT"},
	}); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	time.Sleep(15 * time.Second)
	fmt.Printf("stream metrics: %+v\n", stream.Metrics())
}
