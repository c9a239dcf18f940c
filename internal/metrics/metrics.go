// Package metrics owns the gateway's Prometheus registry. Counters and timers
// are resolved by name at call time, so every handler that touches a metric
// shares the same collector and the rendered snapshot is always consistent.
//
// Every collector carries a constant "service" label.
package metrics

import (
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// ContentType is the media type of the text exposition format.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// DurationBuckets are the histogram buckets used by every timer.
var DurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Registry is a named-metric registry backed by a prometheus.Registry.
type Registry struct {
	reg     *prometheus.Registry
	service string

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	timers   map[string]prometheus.Histogram

	proxyOnce sync.Once
	proxy     *ProxyMetrics
}

// NewRegistry creates a registry whose collectors are tagged with service.
// Go runtime and process collectors are registered up front.
func NewRegistry(service string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:      reg,
		service:  service,
		counters: make(map[string]prometheus.Counter),
		timers:   make(map[string]prometheus.Histogram),
	}
}

// Service returns the value of the service label.
func (r *Registry) Service() string { return r.service }

// Register adds an extra collector to the registry.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

func (r *Registry) constLabels() prometheus.Labels {
	return prometheus.Labels{"service": r.service}
}

// Counter returns the counter registered under name, creating it on first use.
func (r *Registry) Counter(name, help string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: r.constLabels(),
	})
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// Timer returns the duration histogram registered under name, creating it on
// first use. Observations are in seconds.
func (r *Registry) Timer(name, help string) prometheus.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.timers[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        name,
		Help:        help,
		ConstLabels: r.constLabels(),
		Buckets:     DurationBuckets,
	})
	r.reg.MustRegister(h)
	r.timers[name] = h
	return h
}

// Gather returns the current snapshot of all registered metric families.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.reg.Gather()
}

// Render writes the current snapshot in the text exposition format.
func (r *Registry) Render(w io.Writer) error {
	mfs, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
