package alpaca

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var mc *MetricsCollector

	// Every record method must tolerate a nil receiver.
	mc.RecordRequest("GET", "/v2/account", 200, time.Millisecond)
	mc.RecordRequestStart("GET", "/v2/account")
	mc.RecordRequestEnd("GET", "/v2/account")
	mc.RecordCircuitBreakerState("default", StateOpen)
	mc.RecordCircuitBreakerFailure("default")
	mc.RecordDeduplicationHit("key")
	mc.RecordDeduplicationRejected("key")
	mc.RecordDeduplicationPending("default", 1)
	mc.RecordPoolConnections(1, 2)
	mc.RecordPoolWaiters("default", 3)
	mc.RecordPoolAcquireTimeout("default")
	mc.RecordCacheHit("default")
	mc.RecordCacheMiss("default")
	mc.RecordCacheEviction("default", "lru")
	mc.RecordCacheSize("default", 5)
	mc.RecordStreamState("default", StreamConnected)
	mc.RecordStreamMessage("default", "received")
	mc.RecordStreamDropped("default")
	mc.RecordStreamReconnect("default")
	mc.RecordStreamQueueSize("default", 2)
	mc.RecordError(ErrorTypeNetwork, "client")
}

func TestCollectorRegistersMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	mc := NewMetricsCollectorWithRegistry(registry)

	mc.RecordRequest("GET", "/v2/account", 200, 50*time.Millisecond)
	mc.RecordCircuitBreakerState("default", StateHalfOpen)
	mc.RecordError(ErrorTypeTimeout, "circuit_breaker")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"alpaca_requests_total",
		"alpaca_request_duration_seconds",
		"alpaca_circuit_breaker_state",
		"alpaca_errors_total",
	} {
		if !found[name] {
			t.Errorf("Expected metric family %s to be registered", name)
		}
	}
}
