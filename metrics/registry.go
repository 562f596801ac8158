// Package metrics is the gateway's instrumentation registry. It mirrors
// the teacher's go-metrics calling convention (components register named
// counters/gauges/histograms at construction time) while backing them with
// github.com/prometheus/client_golang so metrics/prometheusexp can expose
// the registry verbatim via promhttp, without a second translation layer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is a named set of metrics every component registers into on
// construction, matching the teacher's "one registry per subsystem,
// exported at the top" pattern (e.g. client/eth/ethconfig and friends each
// carry package-level metrics.NewRegisteredCounter calls).
type Registry struct {
	mu  sync.Mutex
	reg *prometheus.Registry
}

// NewRegistry returns an empty registry ready for component registration.
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// Prometheus exposes the underlying *prometheus.Registry for
// metrics/prometheusexp.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Counter registers (or reuses) a monotonic counter under name.
func (r *Registry) Counter(name, help string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if err := r.reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

// Gauge registers (or reuses) a gauge under name.
func (r *Registry) Gauge(name, help string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	if err := r.reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return g
}

// Histogram registers (or reuses) a histogram under name with the given
// bucket boundaries.
func (r *Registry) Histogram(name, help string, buckets []float64) prometheus.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	if err := r.reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Histogram)
		}
	}
	return h
}

// CounterVec registers (or reuses) a labeled counter family under name.
func (r *Registry) CounterVec(name, help string, labels []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	if err := r.reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}
