package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Registry keeps the name-based recording API used across the control
// plane on top of a prometheus registry. Unknown names and label sets that
// do not match the registered label names are dropped.
type Registry struct {
	mu         sync.RWMutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
	r.registerDefaults()
	return r
}

var latencyBuckets = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("proctor_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("proctor_job_duration_ms", "Background job duration in milliseconds by job.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}, "job")
	r.RegisterCounter("proctor_pool_allocations_total", "Machine allocation attempts by result.", "result")
	r.RegisterCounter("proctor_pool_releases_total", "Machine releases by result.", "result")
	r.RegisterCounter("proctor_pool_cas_conflicts_total", "Owner swaps lost to a concurrent writer.")
	r.RegisterCounter("proctor_session_transitions_total", "Committed session state transitions.", "from", "to")
	r.RegisterCounter("proctor_session_events_total", "Client events by kind and outcome.", "kind", "outcome")
	r.RegisterCounter("proctor_hypervisor_stop_total", "Machine stop requests by provider and status.", "provider", "status")
	r.RegisterHistogram("proctor_hypervisor_stop_latency_ms", "Machine stop latency in milliseconds by provider and status.", latencyBuckets, "provider", "status")
	r.RegisterCounter("proctor_aws_retries_total", "Total AWS retries by operation and error code.", "op", "reason")
	r.RegisterCounter("proctor_aws_retry_exhausted_total", "AWS operations that exhausted retry attempts.", "op")
	r.RegisterCounter("proctor_aws_operations_total", "AWS operation attempts by operation and status.", "op", "status")
	r.RegisterHistogram("proctor_aws_operation_latency_ms", "AWS operation latency in milliseconds by operation and status.", latencyBuckets, "op", "status")
	r.RegisterCounter("proctor_release_publish_total", "Machine release notifications by status.", "status")
	r.RegisterCounter("proctor_snapshot_builds_total", "Monitoring snapshot reads by source.", "source")
	r.RegisterGauge("proctor_pool_free_machines", "Free machines seen by the last reconcile pass.")
	r.reg.MustRegister(collectors.NewGoCollector())
}

func (r *Registry) RegisterCounter(name, help string, labelNames ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; ok {
		return
	}
	if err := r.reg.Register(vec); err != nil {
		return
	}
	r.counters[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: cp}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histograms[name]; ok {
		return
	}
	if err := r.reg.Register(vec); err != nil {
		return
	}
	r.histograms[name] = vec
}

func (r *Registry) RegisterGauge(name, help string, labelNames ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gauges[name]; ok {
		return
	}
	if err := r.reg.Register(vec); err != nil {
		return
	}
	r.gauges[name] = vec
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	g.Set(value)
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Inc()
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Render returns the text exposition of every family with samples.
func (r *Registry) Render() string {
	families, err := r.reg.Gather()
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&b, mf); err != nil {
			return b.String()
		}
	}
	return b.String()
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
