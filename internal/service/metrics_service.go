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

// Outcome labels shared by broadcast and notification metrics.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
	OutcomeSkipped = "skipped"
)

// MetricsSnapshot is a compact view of the counters for the JSON endpoint.
type MetricsSnapshot struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	BroadcastsTotal          uint64    `json:"broadcasts_total"`
	BroadcastFailures        uint64    `json:"broadcast_failures"`
	NotificationsSent        uint64    `json:"notifications_sent"`
	NotificationsFailed      uint64    `json:"notifications_failed"`
	RealtimeDrops            uint64    `json:"realtime_drops"`
	RosterCacheHitRatio      float64   `json:"roster_cache_hit_ratio"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	broadcastRooms  prometheus.Histogram
	notifications   *prometheus.CounterVec
	realtimeDrops   prometheus.Counter
	cacheLatency    prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	requestCount         uint64
	requestDurationTotal uint64
	broadcastCount       uint64
	broadcastFailures    uint64
	notificationsSent    uint64
	notificationsFailed  uint64
	dropCount            uint64
	cacheHitCount        uint64
	cacheMissCount       uint64
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

	broadcasts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nb_broadcast_emits_total",
		Help: "Room emissions of thread events by event and outcome",
	}, []string{"event", "outcome"})

	broadcastRooms := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nb_broadcast_rooms",
		Help:    "Number of rooms selected per thread event",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
	})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nb_reply_notifications_total",
		Help: "Reply notification emails by outcome",
	}, []string{"outcome"})

	realtimeDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nb_realtime_dropped_messages_total",
		Help: "Messages dropped because a subscriber buffer was full",
	})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roster_cache_latency_seconds",
		Help:    "Latency for roster cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roster_cache_hits_total",
		Help: "Total roster cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roster_cache_misses_total",
		Help: "Total roster cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, broadcasts, broadcastRooms, notifications, realtimeDrops, cacheLatency, cacheHits, cacheMisses, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		broadcasts:      broadcasts,
		broadcastRooms:  broadcastRooms,
		notifications:   notifications,
		realtimeDrops:   realtimeDrops,
		cacheLatency:    cacheLatency,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
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

// ObserveBroadcastPlan records how many rooms one event fanned out to.
func (m *MetricsService) ObserveBroadcastPlan(rooms int) {
	if m == nil {
		return
	}
	m.broadcastRooms.Observe(float64(rooms))
}

// RecordBroadcast counts one room emission.
func (m *MetricsService) RecordBroadcast(event, outcome string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(event, outcome).Inc()
	atomic.AddUint64(&m.broadcastCount, 1)
	if outcome == OutcomeFailed {
		atomic.AddUint64(&m.broadcastFailures, 1)
	}
}

// RecordNotification counts one reply email outcome.
func (m *MetricsService) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeSent:
		atomic.AddUint64(&m.notificationsSent, 1)
	case OutcomeFailed, OutcomeDropped:
		atomic.AddUint64(&m.notificationsFailed, 1)
	}
}

// RecordRealtimeDrop counts a message a slow subscriber never received.
func (m *MetricsService) RecordRealtimeDrop() {
	if m == nil {
		return
	}
	m.realtimeDrops.Inc()
	atomic.AddUint64(&m.dropCount, 1)
}

// RecordCacheOperation records roster cache hit/miss metrics.
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
}

// Snapshot returns aggregated metrics suitable for the summary endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}

	return MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		BroadcastsTotal:          atomic.LoadUint64(&m.broadcastCount),
		BroadcastFailures:        atomic.LoadUint64(&m.broadcastFailures),
		NotificationsSent:        atomic.LoadUint64(&m.notificationsSent),
		NotificationsFailed:      atomic.LoadUint64(&m.notificationsFailed),
		RealtimeDrops:            atomic.LoadUint64(&m.dropCount),
		RosterCacheHitRatio:      cacheRatio,
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
