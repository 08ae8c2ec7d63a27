// Package metrics exposes Prometheus collectors for the image processor.
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
	normalizeTotal             *prometheus.CounterVec
	normalizeDurationSeconds   *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitRejectionsTotal   *prometheus.CounterVec
	sweepFilesTotal            *prometheus.CounterVec
	proxyRequestsTotal         *prometheus.CounterVec
	proxyBytesTotal            *prometheus.CounterVec
	scrapePagesTotal           *prometheus.CounterVec
	storedBytesTotal           prometheus.Counter
	activeWorkers              prometheus.Gauge
	hostDelaySeconds           *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		normalizeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageproc_normalize_total",
				Help: "Total number of normalized images, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		normalizeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imageproc_normalize_duration_seconds",
				Help:    "Histogram of normalization latencies, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageproc_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imageproc_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageproc_ratelimit_rejections_total",
				Help: "Total number of requests rejected by a rate limiter.",
			},
			[]string{"limiter"},
		)

		sweepFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageproc_sweep_files_total",
				Help: "Files handled by the upload sweeper, labeled by result.",
			},
			[]string{"result"},
		)

		proxyRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageproc_proxy_requests_total",
				Help: "Total number of proxied image fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		proxyBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageproc_proxy_bytes_total",
				Help: "Total number of bytes relayed by the image proxy, labeled by site.",
			},
			[]string{"site"},
		)

		scrapePagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageproc_scrape_pages_total",
				Help: "Total number of scraped pages, labeled by site and fetch mode.",
			},
			[]string{"site", "mode"},
		)

		storedBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "imageproc_stored_bytes_total",
				Help: "Total number of bytes written to upload storage.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "imageproc_active_workers",
				Help: "Number of normalization workers currently rendering.",
			},
		)

		hostDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imageproc_host_limit_delay_seconds",
				Help:    "Histogram of per-host outbound rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "imageproc_robots_fallback_total",
				Help: "Total robots.txt lookups answered allow-all after repeated timeouts.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// ObserveNormalize records one normalization and its latency.
func ObserveNormalize(outcome string, duration time.Duration) {
	Init()
	normalizeTotal.WithLabelValues(outcome).Inc()
	normalizeDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitRejection counts a request turned away by the named limiter.
func ObserveRateLimitRejection(limiter string) {
	Init()
	rateLimitRejectionsTotal.WithLabelValues(limiter).Inc()
}

// ObserveSweep records the totals of one sweeper pass.
func ObserveSweep(deleted, errored int) {
	Init()
	sweepFilesTotal.WithLabelValues("deleted").Add(float64(deleted))
	sweepFilesTotal.WithLabelValues("error").Add(float64(errored))
}

// ObserveProxy records one proxied fetch.
func ObserveProxy(site string, status string, bytesRelayed int64) {
	Init()
	sanitizedSite := SanitizeSite(site)
	proxyRequestsTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesRelayed > 0 {
		proxyBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesRelayed))
	}
}

// ObserveScrape records one scraped page and whether the headless browser rendered it.
func ObserveScrape(site string, headless bool) {
	Init()
	mode := "http"
	if headless {
		mode = "headless"
	}
	scrapePagesTotal.WithLabelValues(SanitizeSite(site), mode).Inc()
}

// AddStoredBytes adds n to the stored bytes counter.
func AddStoredBytes(n int64) {
	Init()
	if n > 0 {
		storedBytesTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHostDelay records the duration of a per-host rate limit wait.
func ObserveHostDelay(site string, duration time.Duration) {
	Init()
	hostDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveRobotsFallback increments the robots.txt allow-all fallback counter.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}
