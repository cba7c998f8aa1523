package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics
)

// RPCMetrics returns the lazily-initialised metrics registry used to record
// JSON-RPC activity.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gift",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gift",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gift",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
		)
	})
	return rpcRegistry
}

// ObserveSuccess records a completed request.
func (m *rpcMetrics) ObserveSuccess(method string, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, "ok").Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveError records a failed request with its JSON-RPC error code.
func (m *rpcMetrics) ObserveError(method, code string, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, "error").Inc()
	m.errors.WithLabelValues(method, code).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}
