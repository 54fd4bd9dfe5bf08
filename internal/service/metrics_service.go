package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSnapshot is a lightweight summary of the sync engine for the status endpoint.
type MetricsSnapshot struct {
	CacheHitRatio            float64   `json:"cacheHitRatio"`
	CacheHits                uint64    `json:"cacheHits"`
	CacheMisses              uint64    `json:"cacheMisses"`
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	Invalidations            uint64    `json:"invalidations"`
	ConnectionsOpened        uint64    `json:"connectionsOpened"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}

// MetricsService encapsulates Prometheus instrumentation for HTTP, the read cache and
// the synchronization engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	refetchDuration *prometheus.HistogramVec

	subscriptionsActive *prometheus.GaugeVec
	connectionsOpened   *prometheus.CounterVec
	invalidations       *prometheus.CounterVec
	mutations           *prometheus.CounterVec
	autoApprovals       *prometheus.CounterVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	invalidationCount    uint64
	connectionCount      uint64
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for read cache lookups including read-through fetches",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	refetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cache_refetch_duration_seconds",
		Help:    "Duration of query refetches triggered by invalidation",
		Buckets: prometheus.DefBuckets,
	}, []string{"family"})

	subscriptionsActive := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_subscriptions_active",
		Help: "Observers sharing the live subscription of a topic",
	}, []string{"topic"})

	connectionsOpened := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_connections_opened_total",
		Help: "Change stream connections opened",
	}, []string{"topic"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_invalidations_total",
		Help: "Query invalidations fired by path",
	}, []string{"path"})

	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_mutations_total",
		Help: "Approval mutations by kind and outcome",
	}, []string{"kind", "outcome"})

	autoApprovals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_auto_approvals_total",
		Help: "Job driven approvals by outcome",
	}, []string{"outcome"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHitRatio, cacheHits, cacheMisses,
		refetchDuration, subscriptionsActive, connectionsOpened, invalidations, mutations, autoApprovals, goroutines)

	return &MetricsService{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		cacheLatency:        cacheLatency,
		cacheHitRatio:       cacheHitRatio,
		cacheHits:           cacheHits,
		cacheMisses:         cacheMisses,
		refetchDuration:     refetchDuration,
		subscriptionsActive: subscriptionsActive,
		connectionsOpened:   connectionsOpened,
		invalidations:       invalidations,
		mutations:           mutations,
		autoApprovals:       autoApprovals,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveRefetch records how long a refetch of one family took.
func (m *MetricsService) ObserveRefetch(family string, duration time.Duration) {
	if m == nil {
		return
	}
	m.refetchDuration.WithLabelValues(family).Observe(duration.Seconds())
}

// RecordInvalidation counts a fired invalidation by path.
func (m *MetricsService) RecordInvalidation(path string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(path).Inc()
	atomic.AddUint64(&m.invalidationCount, 1)
}

// RecordConnectionOpened counts a new change stream connection.
func (m *MetricsService) RecordConnectionOpened(topic string) {
	if m == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(topic).Inc()
	atomic.AddUint64(&m.connectionCount, 1)
}

// SetActiveSubscriptions reports the observers currently sharing a topic.
func (m *MetricsService) SetActiveSubscriptions(topic string, observers int) {
	if m == nil {
		return
	}
	m.subscriptionsActive.WithLabelValues(topic).Set(float64(observers))
}

// RecordMutation counts a mutation outcome.
func (m *MetricsService) RecordMutation(kind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
}

// RecordAutoApproval counts a job driven approval outcome.
func (m *MetricsService) RecordAutoApproval(outcome string) {
	if m == nil {
		return
	}
	m.autoApprovals.WithLabelValues(outcome).Inc()
}

// Snapshot returns aggregated metrics for the status endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}
	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		Invalidations:            atomic.LoadUint64(&m.invalidationCount),
		ConnectionsOpened:        atomic.LoadUint64(&m.connectionCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
