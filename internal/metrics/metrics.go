// Package metrics exposes Prometheus collectors for the harvester service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeDownloads            prometheus.Gauge
	throttleDelaySeconds       *prometheus.HistogramVec
	circuitState               *prometheus.GaugeVec
	fetchErrorsTotal           *prometheus.CounterVec

	once sync.Once
)

// Circuit state gauge values.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_finished_total",
				Help: "Total number of jobs that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		activeDownloads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_downloads",
				Help: "Number of download workers currently processing a candidate.",
			},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_throttle_delay_seconds",
				Help:    "Histogram of per-host politeness waits.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		circuitState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_circuit_state",
				Help: "Circuit breaker state per source (0 closed, 1 half-open, 2 open).",
			},
			[]string{"source"},
		)

		fetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_errors_total",
				Help: "Total failed fetch attempts, labeled by source and error kind.",
			},
			[]string{"source", "kind"},
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
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveDownloads increments the active downloads gauge.
func IncActiveDownloads() {
	Init()
	activeDownloads.Inc()
}

// DecActiveDownloads decrements the active downloads gauge.
func DecActiveDownloads() {
	Init()
	activeDownloads.Dec()
}

// ObserveThrottleDelay records how long a request waited for its host slot.
func ObserveThrottleDelay(host string, duration time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// SetCircuitState records a breaker transition for source.
func SetCircuitState(source string, state int) {
	Init()
	circuitState.WithLabelValues(source).Set(float64(state))
}

// ObserveFetchError counts a failed attempt.
func ObserveFetchError(source, kind string) {
	Init()
	fetchErrorsTotal.WithLabelValues(source, kind).Inc()
}
