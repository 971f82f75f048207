// Package telemetry holds the Prometheus collectors for the server.
package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the server exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	registrations  *prometheus.CounterVec
	ingested       prometheus.Counter
	rejected       *prometheus.CounterVec
	historyLatency prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetmon",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetmon",
			Name:      "http_request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetmon",
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests being served",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetmon",
			Name:      "machine_registrations_total",
			Help:      "Machine registrations by outcome",
		}, []string{"result"}),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetmon",
			Name:      "samples_ingested_total",
			Help:      "Metric samples stored",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetmon",
			Name:      "samples_rejected_total",
			Help:      "Metric submissions rejected by reason",
		}, []string{"reason"}),
		historyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetmon",
			Name:      "history_query_duration_seconds",
			Help:      "History query latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.inFlight, m.registrations, m.ingested, m.rejected, m.historyLatency)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Registration counts one registration. created distinguishes inserts from updates.
func (m *Metrics) Registration(created bool) {
	if m == nil {
		return
	}
	result := "updated"
	if created {
		result = "created"
	}
	m.registrations.WithLabelValues(result).Inc()
}

// Ingested counts one stored sample.
func (m *Metrics) Ingested() {
	if m != nil {
		m.ingested.Inc()
	}
}

// Rejected counts one refused submission.
func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

// ObserveHistory records the latency of one history query.
func (m *Metrics) ObserveHistory(d time.Duration) {
	if m != nil {
		m.historyLatency.Observe(d.Seconds())
	}
}

// Middleware instruments next. It must wrap the ServeMux directly so the
// matched route pattern is visible after the call.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack passes through to the underlying writer for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}
