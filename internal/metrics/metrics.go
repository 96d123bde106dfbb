// Package metrics exposes Prometheus collectors for the downloader service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	granulesIngestedTotal   prometheus.Counter
	granulesDuplicateTotal  prometheus.Counter
	resultsFilteredTotal    prometheus.Counter
	searchPagesTotal        *prometheus.CounterVec
	downloadsTotal          *prometheus.CounterVec
	downloadBytesTotal      prometheus.Counter
	notificationsTotal      *prometheus.CounterVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		granulesIngestedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "s2_granules_ingested_total",
				Help: "Total number of granules inserted into the registry and enqueued.",
			},
		)

		granulesDuplicateTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "s2_granules_duplicate_total",
				Help: "Total number of ingestion attempts absorbed by the uniqueness constraint.",
			},
		)

		resultsFilteredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "s2_results_filtered_total",
				Help: "Total number of search results rejected by the tile filter.",
			},
		)

		searchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s2_search_pages_total",
				Help: "Total number of catalog pages fetched, labeled by platform.",
			},
			[]string{"platform"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s2_downloads_total",
				Help: "Total number of download attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "s2_download_bytes_total",
				Help: "Total number of granule bytes uploaded to the blob store.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s2_notifications_total",
				Help: "Total number of push notifications received, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GranuleIngested records one new granule inserted and enqueued.
func GranuleIngested() {
	if granulesIngestedTotal != nil {
		granulesIngestedTotal.Inc()
	}
}

// GranuleDuplicate records one insert absorbed by the uniqueness constraint.
func GranuleDuplicate() {
	if granulesDuplicateTotal != nil {
		granulesDuplicateTotal.Inc()
	}
}

// ResultsFiltered records search results rejected by the tile filter.
func ResultsFiltered(n int) {
	if resultsFilteredTotal != nil && n > 0 {
		resultsFilteredTotal.Add(float64(n))
	}
}

// SearchPage records one catalog page fetched for a platform.
func SearchPage(platform string) {
	if searchPagesTotal != nil {
		searchPagesTotal.WithLabelValues(platform).Inc()
	}
}

// Download records one download attempt outcome
// (success, not_found, duplicate, retry_limit, failure).
func Download(outcome string) {
	if downloadsTotal != nil {
		downloadsTotal.WithLabelValues(outcome).Inc()
	}
}

// DownloadBytes records granule bytes uploaded to the blob store.
func DownloadBytes(n int) {
	if downloadBytesTotal != nil && n > 0 {
		downloadBytesTotal.Add(float64(n))
	}
}

// Notification records one push notification disposition
// (accepted, stale, filtered, malformed, unauthorized, error).
func Notification(disposition string) {
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(disposition).Inc()
	}
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
	if httpRequestDurationSecs != nil {
		httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
	}
}
