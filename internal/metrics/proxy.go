package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProxyMetrics are the labelled collectors recorded by the proxy engine and
// the circuit breakers.
type ProxyMetrics struct {
	// Requests counts completed proxied requests by route, method and the
	// status code written to the client.
	Requests *prometheus.CounterVec
	// Duration observes end-to-end proxy latency in seconds.
	Duration *prometheus.HistogramVec
	// Errors counts failed proxy calls by error type ("circuit_open",
	// "timeout", "transport", "canceled", "upstream_status").
	Errors *prometheus.CounterVec
	// BreakerState is 0 = closed, 1 = open, 2 = half_open.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitions counts committed breaker transitions.
	BreakerTransitions *prometheus.CounterVec
}

// Proxy returns the registry's ProxyMetrics, registering them on first use.
func (r *Registry) Proxy() *ProxyMetrics {
	r.proxyOnce.Do(func() {
		labels := r.constLabels()
		pm := &ProxyMetrics{
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name:        "edgegw_proxy_requests_total",
				Help:        "Total number of proxied requests.",
				ConstLabels: labels,
			}, []string{"route", "method", "code"}),
			Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:        "edgegw_proxy_request_duration_seconds",
				Help:        "Proxied request duration in seconds.",
				ConstLabels: labels,
				Buckets:     DurationBuckets,
			}, []string{"route"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name:        "edgegw_proxy_errors_total",
				Help:        "Total proxy errors by type.",
				ConstLabels: labels,
			}, []string{"route", "error_type"}),
			BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name:        "edgegw_circuit_breaker_state",
				Help:        "Circuit breaker state (0=closed 1=open 2=half_open).",
				ConstLabels: labels,
			}, []string{"breaker"}),
			BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name:        "edgegw_circuit_breaker_transitions_total",
				Help:        "Total circuit breaker state transitions.",
				ConstLabels: labels,
			}, []string{"breaker", "from", "to"}),
		}
		r.reg.MustRegister(pm.Requests, pm.Duration, pm.Errors, pm.BreakerState, pm.BreakerTransitions)
		r.proxy = pm
	})
	return r.proxy
}
