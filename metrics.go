package alpaca

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle and
// the reliability layers. All record methods are nil-safe so components can
// carry an optional collector without guarding every call site.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	circuitBreakerState    *prometheus.GaugeVec
	circuitBreakerFailures *prometheus.CounterVec

	deduplicationHits     *prometheus.CounterVec
	deduplicationRejected *prometheus.CounterVec
	deduplicationPending  *prometheus.GaugeVec

	poolConnections     *prometheus.GaugeVec
	poolWaiters         *prometheus.GaugeVec
	poolAcquireTimeouts *prometheus.CounterVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec

	streamState      *prometheus.GaugeVec
	streamMessages   *prometheus.CounterVec
	streamDropped    *prometheus.CounterVec
	streamReconnects *prometheus.CounterVec
	streamQueueSize  *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_requests_total",
				Help: "Total number of REST requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alpaca_request_duration_seconds",
				Help:    "Duration of REST requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alpaca_requests_in_flight",
				Help: "Number of REST requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alpaca_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		circuitBreakerFailures: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_circuit_breaker_failures_total",
				Help: "Total number of failures recorded by the circuit breaker",
			},
			[]string{"name"},
		),
		deduplicationHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_deduplication_hits_total",
				Help: "Total number of requests collapsed onto an in-flight call",
			},
			[]string{"endpoint"},
		),
		deduplicationRejected: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_deduplication_rejected_total",
				Help: "Total number of requests rejected because the pending map was full",
			},
			[]string{"endpoint"},
		),
		deduplicationPending: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alpaca_deduplication_pending",
				Help: "Number of distinct in-flight deduplication keys",
			},
			[]string{"name"},
		),
		poolConnections: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alpaca_pool_connections",
				Help: "Number of pooled connections by state",
			},
			[]string{"state"},
		),
		poolWaiters: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alpaca_pool_waiters",
				Help: "Number of requests queued for a pooled connection",
			},
			[]string{"name"},
		),
		poolAcquireTimeouts: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_pool_acquire_timeouts_total",
				Help: "Total number of pool acquisitions that timed out",
			},
			[]string{"name"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"name"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"name"},
		),
		cacheEvictions: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_cache_evictions_total",
				Help: "Total number of cache entries evicted or expired",
			},
			[]string{"name", "reason"},
		),
		cacheSize: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alpaca_cache_size",
				Help: "Current number of entries in cache",
			},
			[]string{"name"},
		),
		streamState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alpaca_stream_state",
				Help: "Current stream session state (0=disconnected through 5=error)",
			},
			[]string{"name"},
		),
		streamMessages: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_stream_messages_total",
				Help: "Total number of stream messages by direction",
			},
			[]string{"name", "direction"},
		),
		streamDropped: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_stream_dropped_messages_total",
				Help: "Total number of inbound messages dropped because the queue was full",
			},
			[]string{"name"},
		),
		streamReconnects: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_stream_reconnects_total",
				Help: "Total number of reconnect attempts",
			},
			[]string{"name"},
		),
		streamQueueSize: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alpaca_stream_queue_size",
				Help: "Current number of inbound messages awaiting dispatch",
			},
			[]string{"name"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "alpaca_errors_total",
				Help: "Total number of errors encountered by category",
			},
			[]string{"type", "component"},
		),
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	code := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, code, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, code, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordCircuitBreakerState sets the breaker state gauge.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerFailure increments the breaker failure counter.
func (mc *MetricsCollector) RecordCircuitBreakerFailure(name string) {
	if mc == nil {
		return
	}
	mc.circuitBreakerFailures.WithLabelValues(name).Inc()
}

// RecordDeduplicationHit increments the collapse counter for an endpoint.
func (mc *MetricsCollector) RecordDeduplicationHit(endpoint string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(endpoint).Inc()
}

// RecordDeduplicationRejected increments the pending-map-full counter.
func (mc *MetricsCollector) RecordDeduplicationRejected(endpoint string) {
	if mc == nil {
		return
	}
	mc.deduplicationRejected.WithLabelValues(endpoint).Inc()
}

// RecordDeduplicationPending sets the distinct in-flight key gauge.
func (mc *MetricsCollector) RecordDeduplicationPending(name string, pending int) {
	if mc == nil {
		return
	}
	mc.deduplicationPending.WithLabelValues(name).Set(float64(pending))
}

// RecordPoolConnections sets the pooled connection gauges.
func (mc *MetricsCollector) RecordPoolConnections(active, idle int) {
	if mc == nil {
		return
	}
	mc.poolConnections.WithLabelValues("active").Set(float64(active))
	mc.poolConnections.WithLabelValues("idle").Set(float64(idle))
}

// RecordPoolWaiters sets the queued acquisition gauge.
func (mc *MetricsCollector) RecordPoolWaiters(name string, waiters int) {
	if mc == nil {
		return
	}
	mc.poolWaiters.WithLabelValues(name).Set(float64(waiters))
}

// RecordPoolAcquireTimeout increments the acquisition timeout counter.
func (mc *MetricsCollector) RecordPoolAcquireTimeout(name string) {
	if mc == nil {
		return
	}
	mc.poolAcquireTimeouts.WithLabelValues(name).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(name string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(name).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(name string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(name).Inc()
}

// RecordCacheEviction increments the eviction counter; reason is "lru" or "ttl".
func (mc *MetricsCollector) RecordCacheEviction(name, reason string) {
	if mc == nil {
		return
	}
	mc.cacheEvictions.WithLabelValues(name, reason).Inc()
}

// RecordCacheSize sets the cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(name string, size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.WithLabelValues(name).Set(float64(size))
}

// RecordStreamState sets the stream state gauge.
func (mc *MetricsCollector) RecordStreamState(name string, state StreamState) {
	if mc == nil {
		return
	}
	mc.streamState.WithLabelValues(name).Set(float64(state))
}

// RecordStreamMessage increments the message counter; direction is "sent" or "received".
func (mc *MetricsCollector) RecordStreamMessage(name, direction string) {
	if mc == nil {
		return
	}
	mc.streamMessages.WithLabelValues(name, direction).Inc()
}

// RecordStreamDropped increments the dropped message counter.
func (mc *MetricsCollector) RecordStreamDropped(name string) {
	if mc == nil {
		return
	}
	mc.streamDropped.WithLabelValues(name).Inc()
}

// RecordStreamReconnect increments the reconnect attempt counter.
func (mc *MetricsCollector) RecordStreamReconnect(name string) {
	if mc == nil {
		return
	}
	mc.streamReconnects.WithLabelValues(name).Inc()
}

// RecordStreamQueueSize sets the dispatch queue gauge.
func (mc *MetricsCollector) RecordStreamQueueSize(name string, size int) {
	if mc == nil {
		return
	}
	mc.streamQueueSize.WithLabelValues(name).Set(float64(size))
}

// RecordError increments the error counter by category.
func (mc *MetricsCollector) RecordError(errorType, component string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, component).Inc()
}
