package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/faceattend-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	dbQueryDuration *prometheus.HistogramVec

	enrollmentOutcomes   *prometheus.CounterVec
	enrollmentDuration   prometheus.Observer
	verificationOutcomes *prometheus.CounterVec
	providerLatency      *prometheus.HistogramVec
	duplicateScan        prometheus.Observer
	attendanceEvents     *prometheus.CounterVec
	notificationFailures prometheus.Counter

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	dbQueryCount         uint64
	dbQueryDurationTotal uint64
	enrollmentCount      uint64
	verificationCount    uint64
	notifyFailureCount   uint64
}

// NewMetricsService registers core Prometheus collectors.
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
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
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

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	enrollmentOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollments_total",
		Help: "Enrollment attempts by final state",
	}, []string{"state"})

	enrollmentDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "enrollment_duration_seconds",
		Help:    "End to end enrollment processing time",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	})

	verificationOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verifications_total",
		Help: "Verification decisions by outcome",
	}, []string{"outcome"})

	providerLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "face_provider_latency_seconds",
		Help:    "Latency of face provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op", "result"})

	duplicateScan := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duplicate_scan_duration_seconds",
		Help:    "Duration of duplicate enrollment scans",
		Buckets: prometheus.DefBuckets,
	})

	attendanceEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_transitions_total",
		Help: "Attendance transitions by operation and result",
	}, []string{"op", "result"})

	notificationFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notification_failures_total",
		Help: "Notifications dropped after retries or rejected by a full queue",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses, dbQueryDuration,
		enrollmentOutcomes, enrollmentDuration, verificationOutcomes, providerLatency, duplicateScan, attendanceEvents, notificationFailures, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:             registry,
		handler:              handler,
		requestDuration:      requestDuration,
		requestTotal:         requestTotal,
		cacheLatency:         cacheLatency,
		cacheWrite:           cacheWrite,
		cacheHitRatio:        cacheHitRatio,
		cacheHits:            cacheHits,
		cacheMisses:          cacheMisses,
		dbQueryDuration:      dbQueryDuration,
		enrollmentOutcomes:   enrollmentOutcomes,
		enrollmentDuration:   enrollmentDuration,
		verificationOutcomes: verificationOutcomes,
		providerLatency:      providerLatency,
		duplicateScan:        duplicateScan,
		attendanceEvents:     attendanceEvents,
		notificationFailures: notificationFailures,
	}
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

// Registry exposes the underlying registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
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
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
	atomic.AddUint64(&m.dbQueryCount, 1)
	atomic.AddUint64(&m.dbQueryDurationTotal, uint64(duration.Nanoseconds()))
}

// ObserveEnrollment counts an enrollment by its final state.
func (m *MetricsService) ObserveEnrollment(state models.EnrollmentState, duration time.Duration) {
	if m == nil {
		return
	}
	m.enrollmentOutcomes.WithLabelValues(string(state)).Inc()
	m.enrollmentDuration.Observe(duration.Seconds())
	atomic.AddUint64(&m.enrollmentCount, 1)
}

// ObserveVerification counts a verification decision. outcome is one of the
// face outcomes, "verified", "rejected" or "unavailable".
func (m *MetricsService) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.verificationOutcomes.WithLabelValues(outcome).Inc()
	atomic.AddUint64(&m.verificationCount, 1)
}

// ObserveProvider records the latency of one provider call.
func (m *MetricsService) ObserveProvider(provider, op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerLatency.WithLabelValues(provider, op, result).Observe(duration.Seconds())
}

// ObserveDuplicateScan records how long a duplicate scan took.
func (m *MetricsService) ObserveDuplicateScan(duration time.Duration) {
	if m == nil {
		return
	}
	m.duplicateScan.Observe(duration.Seconds())
}

// ObserveAttendance counts an attendance transition attempt.
func (m *MetricsService) ObserveAttendance(op, result string) {
	if m == nil {
		return
	}
	m.attendanceEvents.WithLabelValues(op, result).Inc()
}

// RecordNotificationFailure counts a notification that was not delivered.
func (m *MetricsService) RecordNotificationFailure() {
	if m == nil {
		return
	}
	m.notificationFailures.Inc()
	atomic.AddUint64(&m.notifyFailureCount, 1)
}

// Snapshot returns aggregated metrics suitable for the metrics summary endpoint.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)
	dbCount := atomic.LoadUint64(&m.dbQueryCount)
	dbDuration := atomic.LoadUint64(&m.dbQueryDurationTotal)

	var cacheRatio float64
	totalLookups := hits + misses
	if totalLookups > 0 {
		cacheRatio = float64(hits) / float64(totalLookups)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	var avgDBMs float64
	if dbCount > 0 {
		avgDBMs = float64(dbDuration) / float64(dbCount) / float64(time.Millisecond)
	}

	return models.SystemMetrics{
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		DBQueryCount:             dbCount,
		AverageDBQueryDurationMs: avgDBMs,
		EnrollmentsTotal:         atomic.LoadUint64(&m.enrollmentCount),
		VerificationsTotal:       atomic.LoadUint64(&m.verificationCount),
		NotificationFailures:     atomic.LoadUint64(&m.notifyFailureCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
