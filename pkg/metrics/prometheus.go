// Package metrics provides Prometheus metrics for the rankd leaderboard engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Ingestion queue
	queueSize     prometheus.Gauge
	queueCapacity prometheus.Gauge
	queueEnqueued prometheus.Counter
	queueDropped  prometheus.Counter
	reportsDup    prometheus.Counter

	// Batch drain worker
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
	batchErrors   prometheus.Counter
	updatesApply  prometheus.Counter

	// Durable store
	storeLatency     *prometheus.HistogramVec
	storeErrors      *prometheus.CounterVec
	duplicateRepairs prometheus.Counter
	backfilledRows   prometheus.Counter

	// Distributed cache
	cacheLookups     *prometheus.CounterVec
	cacheAsyncErrors *prometheus.CounterVec
	cacheRebuilt     prometheus.Counter
	cacheRebuildSize prometheus.Histogram

	// Cache synchronizer
	syncPassDuration prometheus.Histogram
	syncPasses       *prometheus.CounterVec
	syncErrors       prometheus.Counter

	// Rank query service
	rankQueries *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // process registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "rankd",
		subsystem:        "leaderboard",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	sizeBuckets := prometheus.ExponentialBuckets(1, 4, 10)

	m.queueSize = m.gauge("queue_size", "Current number of buffered score updates")
	m.queueCapacity = m.gauge("queue_capacity", "Configured ingestion queue capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Score updates accepted by the ingestion queue")
	m.queueDropped = m.counter("queue_dropped_total", "Score updates dropped because the queue was full or closed")
	m.reportsDup = m.counter("reports_duplicate_total", "Score reports ignored as duplicates")

	m.batchSize = m.histogram("drain_batch_size", "Number of updates applied per chunk", sizeBuckets)
	m.batchDuration = m.histogram("drain_batch_duration_seconds", "Time spent applying one chunk", m.histogramBuckets)
	m.batchErrors = m.counter("drain_batch_errors_total", "Chunks that failed to apply")
	m.updatesApply = m.counter("updates_applied_total", "Score updates applied to the durable store")

	m.storeLatency = m.histogramVec("store_latency_seconds", "Durable store operation latency", "op")
	m.storeErrors = m.counterVec("store_errors_total", "Durable store operation errors", "op")
	m.duplicateRepairs = m.counter("store_duplicate_rows_deleted_total", "Duplicate ranking rows removed by repair")
	m.backfilledRows = m.counter("store_backfilled_rows_total", "Interval rows synthesized by backfill")

	m.cacheLookups = m.counterVec("cache_lookups_total", "Cache lookups by outcome", "outcome")
	m.cacheAsyncErrors = m.counterVec("cache_async_errors_total", "Fire-and-forget cache operations that failed", "job")
	m.cacheRebuilt = m.counter("cache_rebuilds_total", "Sorted sets rebuilt by the synchronizer")
	m.cacheRebuildSize = m.histogram("cache_rebuild_entries", "Entries written per cache rebuild", sizeBuckets)

	m.syncPassDuration = m.histogram("sync_pass_duration_seconds", "Duration of cache synchronizer passes", m.histogramBuckets)
	m.syncPasses = m.counterVec("sync_passes_total", "Synchronizer passes by trigger", "trigger")
	m.syncErrors = m.counter("sync_errors_total", "Per-key synchronizer failures")

	m.rankQueries = m.counterVec("rank_queries_total", "Rank queries by backend and result", "backend", "result")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_seconds", "HTTP request duration", "endpoint", "method", "status_code")
}

// UpdateQueueSize sets the buffered update gauge.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the queue capacity gauge.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueEnqueued counts accepted updates.
func RecordQueueEnqueued(n int) { globalManager.queueEnqueued.Add(float64(n)) }

// RecordQueueDropped counts dropped updates.
func RecordQueueDropped(n int) { globalManager.queueDropped.Add(float64(n)) }

// RecordReportDuplicate counts duplicate score reports.
func RecordReportDuplicate() { globalManager.reportsDup.Inc() }

// RecordBatch observes one applied chunk.
func RecordBatch(size int, seconds float64) {
	globalManager.batchSize.Observe(float64(size))
	globalManager.batchDuration.Observe(seconds)
}

// RecordBatchError counts a failed chunk.
func RecordBatchError() { globalManager.batchErrors.Inc() }

// RecordUpdatesApplied counts updates written to the store.
func RecordUpdatesApplied(n int) { globalManager.updatesApply.Add(float64(n)) }

// RecordStoreLatency observes a store operation.
func RecordStoreLatency(op string, seconds float64) {
	globalManager.storeLatency.WithLabelValues(op).Observe(seconds)
}

// RecordStoreError counts a store failure.
func RecordStoreError(op string) { globalManager.storeErrors.WithLabelValues(op).Inc() }

// RecordDuplicateRepairs counts deleted duplicate rows.
func RecordDuplicateRepairs(n int) { globalManager.duplicateRepairs.Add(float64(n)) }

// RecordBackfilledRows counts synthesized interval rows.
func RecordBackfilledRows(n int) { globalManager.backfilledRows.Add(float64(n)) }

// RecordCacheLookup counts a cache lookup; outcome is hit, miss, cold or error.
func RecordCacheLookup(outcome string) { globalManager.cacheLookups.WithLabelValues(outcome).Inc() }

// RecordCacheAsyncError counts a failed fire-and-forget job.
func RecordCacheAsyncError(job string) { globalManager.cacheAsyncErrors.WithLabelValues(job).Inc() }

// RecordCacheRebuild observes one sorted set rebuild.
func RecordCacheRebuild(entries int) {
	globalManager.cacheRebuilt.Inc()
	globalManager.cacheRebuildSize.Observe(float64(entries))
}

// RecordSyncPass observes one synchronizer pass.
func RecordSyncPass(trigger string, seconds float64) {
	globalManager.syncPasses.WithLabelValues(trigger).Inc()
	globalManager.syncPassDuration.Observe(seconds)
}

// RecordSyncError counts a failed key within a pass.
func RecordSyncError() { globalManager.syncErrors.Inc() }

// RecordRankQuery counts a rank query by serving backend and result.
func RecordRankQuery(backend, result string) {
	globalManager.rankQueries.WithLabelValues(backend, result).Inc()
}

// RecordHTTPRequest observes one HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string, seconds float64) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(seconds)
}

// GetRegistry returns the process registry served on /metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
