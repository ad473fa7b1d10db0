// Package metrics exposes Prometheus collectors for the crawl engine.
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
	crawlerFetchesTotal          *prometheus.CounterVec
	crawlerBytesTotal            *prometheus.CounterVec
	crawlerFetchDurationSeconds  *prometheus.HistogramVec
	crawlerReportsTotal          *prometheus.CounterVec
	crawlerSinkErrorsTotal       prometheus.Counter
	crawlerRetriesTotal          prometheus.Counter
	crawlerPolitenessDeferrals   *prometheus.CounterVec
	crawlerFrontierEntries       *prometheus.GaugeVec
	crawlerSessionsCheckedOut    prometheus.Gauge
	crawlerSessionRecreations    prometheus.Counter
	crawlerDiscoveredLinksTotal  *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	crawlerRobotsFetchErrorTotal prometheus.Counter
	crawlerRevisitsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total render attempts, labeled by host and outcome class.",
			},
			[]string{"host", "class"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of rendered bytes, labeled by host.",
			},
			[]string{"host"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of render durations, labeled by outcome class.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"class"},
		)

		crawlerReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_reports_total",
				Help: "Terminal reports delivered to the result sink, labeled by state.",
			},
			[]string{"state"},
		)

		crawlerSinkErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_sink_errors_total",
				Help: "Total result sink failures.",
			},
		)

		crawlerRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total transient failures rescheduled for another attempt.",
			},
		)

		crawlerPolitenessDeferrals = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_politeness_deferrals_total",
				Help: "Dispatches refused by the politeness gate, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerFrontierEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_entries",
				Help: "Frontier entries, labeled by state.",
			},
			[]string{"state"},
		)

		crawlerSessionsCheckedOut = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_sessions_checked_out",
				Help: "Number of browser sessions currently lent to workers.",
			},
		)

		crawlerSessionRecreations = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_session_recreations_total",
				Help: "Total browser sessions discarded as unusable.",
			},
		)

		crawlerDiscoveredLinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_discovered_links_total",
				Help: "Links found in rendered content, labeled by whether they were admitted.",
			},
			[]string{"admitted"},
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

		crawlerRobotsFetchErrorTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fetch_errors_total",
				Help: "Total robots.txt fetches that failed and were treated as allow-all.",
			},
		)

		crawlerRevisitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_revisits_total",
				Help: "Successful refetches of a known page, labeled by whether its content changed.",
			},
			[]string{"changed"},
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

// ObserveFetch records one render attempt.
func ObserveFetch(host, class string, bytesFetched int, duration time.Duration) {
	Init()
	site := SanitizeSite(host)
	crawlerFetchesTotal.WithLabelValues(site, class).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	crawlerFetchDurationSeconds.WithLabelValues(class).Observe(duration.Seconds())
}

// ObserveReport counts a terminal report and whether the sink accepted it.
func ObserveReport(state string, sinkErr error) {
	Init()
	crawlerReportsTotal.WithLabelValues(state).Inc()
	if sinkErr != nil {
		crawlerSinkErrorsTotal.Inc()
	}
}

// ObserveRetry counts a rescheduled transient failure.
func ObserveRetry() {
	Init()
	crawlerRetriesTotal.Inc()
}

// ObserveDeferral counts a politeness refusal ("interval" or "concurrency").
func ObserveDeferral(reason string) {
	Init()
	crawlerPolitenessDeferrals.WithLabelValues(reason).Inc()
}

// SetFrontierEntries publishes the frontier gauge for one state.
func SetFrontierEntries(state string, n int) {
	Init()
	crawlerFrontierEntries.WithLabelValues(state).Set(float64(n))
}

// SetSessionsCheckedOut publishes how many sessions are lent out.
func SetSessionsCheckedOut(n int) {
	Init()
	crawlerSessionsCheckedOut.Set(float64(n))
}

// ObserveSessionRecreated counts a discarded browser session.
func ObserveSessionRecreated() {
	Init()
	crawlerSessionRecreations.Inc()
}

// ObserveDiscoveredLink counts a link offered to the frontier.
func ObserveDiscoveredLink(admitted bool) {
	Init()
	crawlerDiscoveredLinksTotal.WithLabelValues(strconv.FormatBool(admitted)).Inc()
}

// ObserveRobotsFetchError counts a robots.txt fetch failure.
func ObserveRobotsFetchError() {
	Init()
	crawlerRobotsFetchErrorTotal.Inc()
}

// ObserveRevisit counts a successful refetch and whether its digest moved.
func ObserveRevisit(changed bool) {
	Init()
	crawlerRevisitsTotal.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
