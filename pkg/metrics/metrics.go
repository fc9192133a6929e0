// Package metrics exposes Prometheus collectors for the gateway: inbound
// HTTP traffic, calls to the remote catalog and token exchanges.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"sharebucket/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sharebucket"

// Metrics provides a self-contained Prometheus registry, common HTTP metrics,
// and observers for the catalog client and the credential broker.
type Metrics struct {
	reg      *prometheus.Registry
	inflight prometheus.Gauge
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	remoteCalls   *prometheus.CounterVec
	remoteLatency *prometheus.HistogramVec

	tokenExchanges *prometheus.CounterVec
	tokenLatency   prometheus.Histogram
}

// New creates a Metrics instance with a fresh registry and registers collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of inflight HTTP requests.",
	})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed, partitioned by status code and method.",
	}, []string{"code", "method"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Histogram of latencies for HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"code", "method"})

	remoteCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "calls_total",
		Help:      "Total number of remote catalog calls by operation and result.",
	}, []string{"op", "result"}) // result = "ok" | "not_found" | "error"
	remoteLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "call_duration_seconds",
		Help:      "Histogram of remote catalog call durations in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	tokenExchanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "credentials",
		Name:      "token_exchanges_total",
		Help:      "Total number of client credentials token exchanges by result.",
	}, []string{"result"})
	tokenLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "credentials",
		Name:      "token_exchange_duration_seconds",
		Help:      "Histogram of token exchange durations in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	_ = reg.Register(collectors.NewGoCollector())
	_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	_ = reg.Register(inflight)
	_ = reg.Register(requests)
	_ = reg.Register(latency)
	_ = reg.Register(remoteCalls)
	_ = reg.Register(remoteLatency)
	_ = reg.Register(tokenExchanges)
	_ = reg.Register(tokenLatency)

	return &Metrics{
		reg:            reg,
		inflight:       inflight,
		requests:       requests,
		latency:        latency,
		remoteCalls:    remoteCalls,
		remoteLatency:  remoteLatency,
		tokenExchanges: tokenExchanges,
		tokenLatency:   tokenLatency,
	}
}

// Handler returns an http.Handler that serves Prometheus metrics using the internal registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// statusRecorder captures the HTTP status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to collect basic HTTP metrics:
// - inflight gauge
// - requests_total counter (labels: method, code)
// - request_duration_seconds histogram (labels: method, code)
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		method := r.Method
		code := strconv.Itoa(rec.status)
		elapsed := time.Since(start).Seconds()

		m.requests.WithLabelValues(code, method).Inc()
		m.latency.WithLabelValues(code, method).Observe(elapsed)
	})
}

// ObserveRemoteCall records one catalog call. It satisfies graph.Observer.
func (m *Metrics) ObserveRemoteCall(op string, err error, elapsed time.Duration) {
	m.remoteCalls.WithLabelValues(op, remoteResult(err)).Inc()
	m.remoteLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// remoteResult classifies a catalog error for the result label. A missing
// item is a normal outcome for HEAD probes and is kept apart from failures.
func remoteResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case storage.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}

// ObserveTokenExchange records one token exchange. It satisfies
// credentials.Observer.
func (m *Metrics) ObserveTokenExchange(err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.tokenExchanges.WithLabelValues(result).Inc()
	m.tokenLatency.Observe(elapsed.Seconds())
}

// Registry returns the underlying Prometheus registry, for gathering or
// registering further collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
