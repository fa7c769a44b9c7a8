// Package metrics defines the Prometheus collectors exported by the service.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "archivist"

// Metrics holds the service collectors.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	dispatchInFlight prometheus.Gauge
	dispatchDuration *prometheus.HistogramVec
	dispatchErrors   *prometheus.CounterVec

	ingestions    *prometheus.CounterVec
	ingestedBytes prometheus.Counter

	searchRetries   prometheus.Counter
	unreadableItems *prometheus.CounterVec
	cacheCleans     *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method", "route"}),
		dispatchInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Blocking archive operations currently running.",
		}),
		dispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Duration of blocking archive operations, including queueing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		dispatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "errors_total",
			Help:      "Blocking archive operations that returned an error.",
		}, []string{"op"}),
		ingestions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "total",
			Help:      "Completed ingestions by outcome.",
		}, []string{"outcome"}),
		ingestedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Bytes received by ingestions.",
		}),
		searchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "lowercase_retries_total",
			Help:      "Searches retried with a lower-cased query.",
		}),
		unreadableItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "unreadable_entries_total",
			Help:      "Entries skipped because they could not be resolved.",
		}, []string{"op"}),
		cacheCleans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "cleans_total",
			Help:      "Cache maintenance runs by result.",
		}, []string{"result"}),
	}
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// DispatchStarted marks a blocking operation as running.
func (m *Metrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.dispatchInFlight.Inc()
}

// DispatchFinished records the end of a blocking operation.
func (m *Metrics) DispatchFinished(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.dispatchInFlight.Dec()
	m.dispatchDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.dispatchErrors.WithLabelValues(op).Inc()
	}
}

// Ingested records a completed ingestion of n bytes.
func (m *Metrics) Ingested(outcome string, n int64) {
	if m == nil {
		return
	}
	m.ingestions.WithLabelValues(outcome).Inc()
	if n > 0 {
		m.ingestedBytes.Add(float64(n))
	}
}

// SearchRetried records a lower-cased search retry.
func (m *Metrics) SearchRetried() {
	if m == nil {
		return
	}
	m.searchRetries.Inc()
}

// Unreadable records n entries skipped by op.
func (m *Metrics) Unreadable(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.unreadableItems.WithLabelValues(op).Add(float64(n))
}

// CacheCleaned records a maintenance run.
func (m *Metrics) CacheCleaned(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cacheCleans.WithLabelValues(result).Inc()
}
