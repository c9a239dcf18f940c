package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Well-known metric set names.
const (
	// OpHealthCheck backs health_check_{requests,success,failure}_total and
	// health_check_duration_seconds.
	OpHealthCheck = "health_check"
	// OpMetrics is the shared aggregate every self-observability handler
	// increments; the metrics handler also times itself with it.
	OpMetrics = "metrics"
	// KindRead is the aggregate for read-only requests.
	KindRead = "read"
)

// MetricSet is the counter/timer bundle for one logical operation.
// Duration is nil for per-kind aggregates.
type MetricSet struct {
	Requests prometheus.Counter
	Success  prometheus.Counter
	Failure  prometheus.Counter
	Duration prometheus.Histogram
}

// Set returns the MetricSet for op: <op>_requests_total,
// <op>_success_total, <op>_failure_total and <op>_duration_seconds. desc is
// the human-readable operation name used in help strings.
func (r *Registry) Set(op, desc string) *MetricSet {
	return &MetricSet{
		Requests: r.Counter(op+"_requests_total", "Total number of "+desc+" requests"),
		Success:  r.Counter(op+"_success_total", "Total number of successful "+desc+" requests"),
		Failure:  r.Counter(op+"_failure_total", "Total number of failed "+desc+" requests"),
		Duration: r.Timer(op+"_duration_seconds", desc+" request duration"),
	}
}

// KindSet returns the per-kind aggregate: metrics_<kind>_requests_total,
// metrics_success_<kind>_requests_total and metrics_failure_<kind>_requests_total.
func (r *Registry) KindSet(kind string) *MetricSet {
	return &MetricSet{
		Requests: r.Counter("metrics_"+kind+"_requests_total", "Total number of "+kind+" requests"),
		Success:  r.Counter("metrics_success_"+kind+"_requests_total", "Total number of successful "+kind+" requests"),
		Failure:  r.Counter("metrics_failure_"+kind+"_requests_total", "Total number of failed "+kind+" requests"),
	}
}

// Time runs fn and records its duration when the set has a timer.
func (m *MetricSet) Time(fn func() error) error {
	if m.Duration == nil {
		return fn()
	}
	timer := prometheus.NewTimer(m.Duration)
	defer timer.ObserveDuration()
	return fn()
}

// Sets fans one event out to several layered metric sets, e.g. an
// operation's own set plus the shared aggregates.
type Sets []*MetricSet

// Request increments every request counter.
func (s Sets) Request() {
	for _, m := range s {
		m.Requests.Inc()
	}
}

// Succeeded increments every success counter.
func (s Sets) Succeeded() {
	for _, m := range s {
		m.Success.Inc()
	}
}

// Failed increments every failure counter.
func (s Sets) Failed() {
	for _, m := range s {
		m.Failure.Inc()
	}
}
