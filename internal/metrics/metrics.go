// Package metrics exposes Prometheus collectors for the permit pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	listingRecordsTotal        *prometheus.CounterVec
	jobTransitionsTotal        *prometheus.CounterVec
	attemptDurationSeconds     *prometheus.HistogramVec
	jobConfidence              prometheus.Histogram
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permits_fetches_total",
				Help: "Fetch attempts, labeled by site and outcome kind.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permits_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		listingRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permits_listing_records_total",
				Help: "Normalized records extracted from listing pages and exports.",
			},
			[]string{"source"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permits_job_transitions_total",
				Help: "Parse job results, labeled by resulting state and strategy used.",
			},
			[]string{"state", "strategy"},
		)

		attemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permits_attempt_duration_seconds",
				Help:    "Duration of one enrichment attempt, labeled by strategy.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"strategy"},
		)

		jobConfidence = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "permits_job_confidence",
				Help:    "Confidence score of scored enrichment candidates.",
				Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permits_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite reduces a URL to a lowercase hostname, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt. Outcome is "ok" or a failure kind.
func ObserveFetch(site, outcome string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveListingRecords counts normalized records by source ("listing" or "export").
func ObserveListingRecords(source string, n int) {
	Init()
	listingRecordsTotal.WithLabelValues(source).Add(float64(n))
}

// ObserveJobResult records a job transition and the attempt that produced it.
func ObserveJobResult(state, strategy string, duration time.Duration) {
	Init()
	jobTransitionsTotal.WithLabelValues(state, strategy).Inc()
	attemptDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveConfidence records a candidate score.
func ObserveConfidence(score float64) {
	Init()
	jobConfidence.Observe(score)
}

// ObserveRateLimitDelay records time spent waiting on the politeness limiter.
func ObserveRateLimitDelay(domain string, delay time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(delay.Seconds())
}

// ObserveHTTPRequest records a status-server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
