// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal              *prometheus.CounterVec
	requestsTotal          prometheus.Counter
	responsesTotal         *prometheus.CounterVec
	responseBytesTotal     prometheus.Counter
	itemsTotal             *prometheus.CounterVec
	duplicateRequestsTotal prometheus.Counter
	activeWorkers          prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spindle_runs_total",
				Help: "Total number of spider runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		requestsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spindle_requests_total",
				Help: "Total number of fetch requests dispatched.",
			},
		)

		responsesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spindle_responses_total",
				Help: "Total number of fetch responses received, labeled by status code.",
			},
			[]string{"code"},
		)

		responseBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spindle_response_bytes_total",
				Help: "Total number of response body bytes fetched.",
			},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spindle_items_total",
				Help: "Total number of pipeline items, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		duplicateRequestsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spindle_duplicate_requests_total",
				Help: "Total number of requests skipped by the dedup gate.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spindle_active_workers",
				Help: "Number of parallel workers currently executing.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun increments the run counter for the given terminal status.
func ObserveRun(status string) {
	if runsTotal == nil {
		return
	}
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveRequest increments the dispatched request counter.
func ObserveRequest() {
	if requestsTotal == nil {
		return
	}
	requestsTotal.Inc()
}

// ObserveResponse increments the response metrics.
func ObserveResponse(code int, bytesFetched int) {
	if responsesTotal == nil {
		return
	}
	responsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	if bytesFetched > 0 {
		responseBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveItem increments the item counter for the given outcome.
func ObserveItem(outcome string) {
	if itemsTotal == nil {
		return
	}
	itemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDuplicateRequest increments the dedup skip counter.
func ObserveDuplicateRequest() {
	if duplicateRequestsTotal == nil {
		return
	}
	duplicateRequestsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}
