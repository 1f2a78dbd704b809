package kueri

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Query lookup outcomes recorded by RecordQuery.
const (
	QueryHit   = "hit"
	QueryStale = "stale"
	QueryMiss  = "miss"
)

// MetricsCollector provides Prometheus metrics for the query cache, its
// fetches and the HTTP requests behind them. It is safe for concurrent use
// and every method is a no-op on a nil collector.
type MetricsCollector struct {
	queriesTotal  *prometheus.CounterVec
	fetchesTotal  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchInFlight prometheus.Gauge

	retriesTotal      *prometheus.CounterVec
	deduplicationHits prometheus.Counter

	invalidationsTotal *prometheus.CounterVec
	evictionsTotal     *prometheus.CounterVec
	cacheSize          prometheus.Gauge

	mutationsTotal *prometheus.CounterVec
	hydratedTotal  *prometheus.CounterVec

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	errorsTotal         *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		queriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kueri_queries_total",
				Help: "Total number of cache lookups by outcome",
			},
			[]string{"result"},
		),
		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kueri_fetches_total",
				Help: "Total number of query fetches by outcome",
			},
			[]string{"outcome"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kueri_fetch_duration_seconds",
				Help:    "Duration of query fetches including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		fetchInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kueri_fetches_in_flight",
				Help: "Number of query fetches currently in flight",
			},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kueri_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"attempt"},
		),
		deduplicationHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kueri_deduplication_hits_total",
				Help: "Total number of queries attached to an in-flight fetch",
			},
		),
		invalidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kueri_invalidations_total",
				Help: "Total number of entries marked stale by invalidation",
			},
			[]string{"kind"},
		),
		evictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kueri_evictions_total",
				Help: "Total number of entries dropped from the cache",
			},
			[]string{"reason"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kueri_cache_size",
				Help: "Current number of entries in the cache",
			},
		),
		mutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kueri_mutations_total",
				Help: "Total number of mutations by outcome",
			},
			[]string{"outcome"},
		),
		hydratedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kueri_hydrated_queries_total",
				Help: "Total number of dehydrated queries processed by hydration",
			},
			[]string{"result"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kueri_http_requests_total",
				Help: "Total number of HTTP requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kueri_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kueri_http_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kueri_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kueri_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"endpoint"},
		),
		registry: registry,
	}
}

// RecordQuery counts one cache lookup. result is QueryHit, QueryStale or QueryMiss.
func (mc *MetricsCollector) RecordQuery(result string) {
	if mc == nil {
		return
	}

	mc.queriesTotal.WithLabelValues(result).Inc()
}

// RecordFetchStart increments the in-flight fetch gauge.
func (mc *MetricsCollector) RecordFetchStart() {
	if mc == nil {
		return
	}

	mc.fetchInFlight.Inc()
}

// RecordFetch records a finished fetch and decrements the in-flight gauge.
func (mc *MetricsCollector) RecordFetch(outcome string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.fetchInFlight.Dec()
	mc.fetchesTotal.WithLabelValues(outcome).Inc()
	mc.fetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit() {
	if mc == nil {
		return
	}

	mc.deduplicationHits.Inc()
}

// RecordInvalidation adds count invalidated entries for a request kind.
func (mc *MetricsCollector) RecordInvalidation(kind string, count int) {
	if mc == nil || count <= 0 {
		return
	}

	mc.invalidationsTotal.WithLabelValues(kind).Add(float64(count))
}

// RecordEviction counts one dropped entry.
func (mc *MetricsCollector) RecordEviction(reason EvictReason) {
	if mc == nil {
		return
	}

	mc.evictionsTotal.WithLabelValues(string(reason)).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.Set(float64(size))
}

// RecordMutation counts a settled mutation.
func (mc *MetricsCollector) RecordMutation(outcome string) {
	if mc == nil {
		return
	}

	mc.mutationsTotal.WithLabelValues(outcome).Inc()
}

// RecordHydration counts dehydrated queries by whether they were applied or skipped.
func (mc *MetricsCollector) RecordHydration(applied, skipped int) {
	if mc == nil {
		return
	}

	if applied > 0 {
		mc.hydratedTotal.WithLabelValues("applied").Add(float64(applied))
	}
	if skipped > 0 {
		mc.hydratedTotal.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// RecordCircuitBreakerState sets the breaker state gauge for an endpoint.
func (mc *MetricsCollector) RecordCircuitBreakerState(endpoint string, state CircuitState) {
	if mc == nil {
		return
	}

	mc.circuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// GetRegistry exposes the underlying prometheus registry, or nil when the
// collector was built on a registerer that is not a *prometheus.Registry.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	reg, _ := mc.registry.(*prometheus.Registry)
	return reg
}
