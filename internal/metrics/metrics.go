// Package metrics tracks mediated-call outcomes, both as Prometheus series
// and as an in-memory summary for the dashboard.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Mediated calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_request_duration_seconds",
			Help:    "Mediated call latency by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_cache_events_total",
			Help: "Response cache hits and misses.",
		},
		[]string{"event"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_rate_limited_total",
			Help: "Calls rejected by the token bucket.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, cacheEvents, rateLimitedTotal)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// OperationStats is the dashboard view of one operation's history.
type OperationStats struct {
	Count   int64   `json:"count"`
	Errors  int64   `json:"errors"`
	AvgMS   float64 `json:"avg_ms"`
	totalMS float64
}

// Summary is a point-in-time snapshot for the dashboard metrics endpoint.
type Summary struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Requests      int64                     `json:"requests"`
	Errors        int64                     `json:"errors"`
	RateLimited   int64                     `json:"rate_limited"`
	CacheHits     int64                     `json:"cache_hits"`
	CacheMisses   int64                     `json:"cache_misses"`
	Operations    map[string]OperationStats `json:"operations"`
}

// Recorder accumulates the in-memory summary alongside the Prometheus series.
type Recorder struct {
	mu          sync.Mutex
	started     time.Time
	perOp       map[string]*OperationStats
	rateLimited int64
	cacheHits   int64
	cacheMisses int64
}

// NewRecorder starts the uptime clock.
func NewRecorder() *Recorder {
	return &Recorder{
		started: time.Now(),
		perOp:   make(map[string]*OperationStats),
	}
}

// Observe records one completed call.
func (r *Recorder) Observe(operation string, d time.Duration, failed bool) {
	outcome := "success"
	if failed {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(operation, outcome).Inc()
	requestDuration.WithLabelValues(operation).Observe(d.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.perOp[operation]
	if !ok {
		stats = &OperationStats{}
		r.perOp[operation] = stats
	}
	stats.Count++
	if failed {
		stats.Errors++
	}
	stats.totalMS += float64(d.Microseconds()) / 1000
}

// CacheHit records a response served from the cache.
func (r *Recorder) CacheHit() {
	cacheEvents.WithLabelValues("hit").Inc()

	r.mu.Lock()
	r.cacheHits++
	r.mu.Unlock()
}

// CacheMiss records a cacheable call that had to run.
func (r *Recorder) CacheMiss() {
	cacheEvents.WithLabelValues("miss").Inc()

	r.mu.Lock()
	r.cacheMisses++
	r.mu.Unlock()
}

// RateLimited records a call rejected by the token bucket.
func (r *Recorder) RateLimited() {
	rateLimitedTotal.Inc()

	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

// Snapshot returns the dashboard summary.
func (r *Recorder) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Summary{
		UptimeSeconds: time.Since(r.started).Seconds(),
		RateLimited:   r.rateLimited,
		CacheHits:     r.cacheHits,
		CacheMisses:   r.cacheMisses,
		Operations:    make(map[string]OperationStats, len(r.perOp)),
	}
	for op, stats := range r.perOp {
		s := *stats
		if s.Count > 0 {
			s.AvgMS = s.totalMS / float64(s.Count)
		}
		out.Operations[op] = s
		out.Requests += s.Count
		out.Errors += s.Errors
	}
	return out
}
