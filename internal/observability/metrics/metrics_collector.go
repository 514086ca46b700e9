// Package metrics provides metrics collection and exposition for halotrain.
// It integrates Prometheus SDK to define and collect core training metrics
// including step throughput, loss values, gradient norms, and cache hit rates.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// Metrics Collector
// ============================================================================

// MetricsCollector manages Prometheus metrics collection
type MetricsCollector struct {
	// Prometheus registry
	registry *prometheus.Registry

	// Namespace for metrics
	namespace string

	// Subsystem for metrics
	subsystem string

	// Registered metrics
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	// Mutex for thread-safe operations
	mu sync.RWMutex
}

// CollectorConfig defines metrics collector configuration
type CollectorConfig struct {
	// Namespace for all metrics
	Namespace string

	// Subsystem for metrics grouping
	Subsystem string

	// Enable default Go metrics
	EnableGoMetrics bool

	// Enable process metrics
	EnableProcessMetrics bool

	// Custom registry (optional)
	Registry *prometheus.Registry
}

// ============================================================================
// Collector Initialization
// ============================================================================

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg CollectorConfig) *MetricsCollector {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	// Register default collectors if enabled
	if cfg.EnableGoMetrics {
		registry.MustRegister(prometheus.NewGoCollector())
	}

	if cfg.EnableProcessMetrics {
		registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	collector := &MetricsCollector{
		registry:   registry,
		namespace:  cfg.Namespace,
		subsystem:  cfg.Subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	// Register core training metrics
	collector.registerCoreMetrics()

	return collector
}

// ============================================================================
// Core Training Metrics Registration
// ============================================================================

// registerCoreMetrics registers all core training metrics
func (c *MetricsCollector) registerCoreMetrics() {
	// Trainer loop metrics
	c.RegisterCounter("examples_seen_total", "Total training examples consumed", []string{"split"})
	c.RegisterCounter("optimizer_steps_total", "Total optimizer updates applied", nil)
	c.RegisterCounter("microbatches_total", "Total microbatches processed", []string{"split"})
	c.RegisterHistogram("step_duration_seconds", "Optimizer step wall time", nil, prometheus.DefBuckets)
	c.RegisterGauge("examples_per_second", "Training throughput", nil)
	c.RegisterGauge("learning_rate", "Current scheduled learning rate", nil)

	// Loss metrics
	c.RegisterGauge("loss_value", "Mean loss of the most recent step", []string{"loss", "split"})
	c.RegisterGauge("grad_norm", "Pre-clip global gradient norm", nil)
	c.RegisterCounter("nonfinite_steps_total", "Steps skipped for non-finite values", nil)

	// Data pipeline metrics
	c.RegisterCounter("batches_assembled_total", "Total batches produced by the assembler", []string{"loader"})
	c.RegisterCounter("data_errors_total", "Defective batches surfaced by the pipeline", []string{"code"})
	c.RegisterCounter("cache_hits_total", "Tokenized example cache hits", []string{"tier"})
	c.RegisterCounter("cache_misses_total", "Tokenized example cache misses", []string{"tier"})

	// Checkpoint metrics
	c.RegisterCounter("checkpoints_written_total", "Checkpoints committed to disk", []string{"kind"})
	c.RegisterCounter("checkpoint_failures_total", "Checkpoint write failures", nil)
	c.RegisterHistogram("checkpoint_duration_seconds", "Checkpoint write wall time", nil, prometheus.DefBuckets)

	// Collective metrics
	c.RegisterHistogram("collective_duration_seconds", "Collective operation wall time", []string{"op"}, prometheus.DefBuckets)
	c.RegisterGauge("worker_alive", "Liveness flag per worker rank", []string{"rank"})

	// Tracking sink metrics
	c.RegisterCounter("tracking_events_total", "Metric events emitted to the tracking sink", []string{"sink"})
	c.RegisterCounter("tracking_errors_total", "Tracking sink emission failures", []string{"sink"})
}

// ============================================================================
// Counter Operations
// ============================================================================

// RegisterCounter registers a new counter metric
func (c *MetricsCollector) RegisterCounter(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.counters[name]; exists {
		return
	}

	counter := promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)

	c.counters[name] = counter
}

// IncrementCounter increments a counter by 1
func (c *MetricsCollector) IncrementCounter(name string, labels prometheus.Labels) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	counter.With(labels).Inc()
}

// AddCounter adds a value to a counter
func (c *MetricsCollector) AddCounter(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	counter.With(labels).Add(value)
}

// ============================================================================
// Gauge Operations
// ============================================================================

// RegisterGauge registers a new gauge metric
func (c *MetricsCollector) RegisterGauge(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.gauges[name]; exists {
		return
	}

	gauge := promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)

	c.gauges[name] = gauge
}

// SetGauge sets a gauge value
func (c *MetricsCollector) SetGauge(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	gauge.With(labels).Set(value)
}

// IncrementGauge increments a gauge by 1
func (c *MetricsCollector) IncrementGauge(name string, labels prometheus.Labels) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	gauge.With(labels).Inc()
}

// DecrementGauge decrements a gauge by 1
func (c *MetricsCollector) DecrementGauge(name string, labels prometheus.Labels) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	gauge.With(labels).Dec()
}

// ============================================================================
// Histogram Operations
// ============================================================================

// RegisterHistogram registers a new histogram metric
func (c *MetricsCollector) RegisterHistogram(name, help string, labels []string, buckets []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.histograms[name]; exists {
		return
	}

	histogram := promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)

	c.histograms[name] = histogram
}

// ObserveHistogram records a value in histogram
func (c *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	histogram, exists := c.histograms[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	histogram.With(labels).Observe(value)
}

// ObserveDuration records duration in histogram
func (c *MetricsCollector) ObserveDuration(name string, start time.Time, labels prometheus.Labels) {
	duration := time.Since(start).Seconds()
	c.ObserveHistogram(name, duration, labels)
}

// ============================================================================
// HTTP Handler
// ============================================================================

// Handler returns HTTP handler for metrics exposition
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeHTTP implements http.Handler interface
func (c *MetricsCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.Handler().ServeHTTP(w, r)
}

// ============================================================================
// Utility Methods
// ============================================================================

// RecordTrainStep records metrics for one completed optimizer step
func (c *MetricsCollector) RecordTrainStep(lossName string, lossValue, gradNorm, lr float64, examples int, duration time.Duration) {
	c.AddCounter("examples_seen_total", float64(examples), prometheus.Labels{"split": "train"})
	c.IncrementCounter("optimizer_steps_total", nil)
	c.ObserveHistogram("step_duration_seconds", duration.Seconds(), nil)
	c.SetGauge("loss_value", lossValue, prometheus.Labels{"loss": lossName, "split": "train"})
	c.SetGauge("grad_norm", gradNorm, nil)
	c.SetGauge("learning_rate", lr, nil)
	if duration > 0 {
		c.SetGauge("examples_per_second", float64(examples)/duration.Seconds(), nil)
	}
}

// RecordEval records metrics for one evaluation pass
func (c *MetricsCollector) RecordEval(lossName string, lossValue float64, examples int) {
	c.AddCounter("examples_seen_total", float64(examples), prometheus.Labels{"split": "eval"})
	c.SetGauge("loss_value", lossValue, prometheus.Labels{"loss": lossName, "split": "eval"})
}

// RecordCacheHit records a tokenized example cache hit
func (c *MetricsCollector) RecordCacheHit(tier string) {
	c.IncrementCounter("cache_hits_total", prometheus.Labels{"tier": tier})
}

// RecordCacheMiss records a tokenized example cache miss
func (c *MetricsCollector) RecordCacheMiss(tier string) {
	c.IncrementCounter("cache_misses_total", prometheus.Labels{"tier": tier})
}

// RecordCheckpoint records a checkpoint write result
func (c *MetricsCollector) RecordCheckpoint(kind string, duration time.Duration, err error) {
	if err != nil {
		c.IncrementCounter("checkpoint_failures_total", nil)
		return
	}
	c.IncrementCounter("checkpoints_written_total", prometheus.Labels{"kind": kind})
	c.ObserveHistogram("checkpoint_duration_seconds", duration.Seconds(), nil)
}

// RecordDataError records a defective batch by error code
func (c *MetricsCollector) RecordDataError(code string) {
	c.IncrementCounter("data_errors_total", prometheus.Labels{"code": code})
}

// ============================================================================
// Global Collector
// ============================================================================

var globalCollector *MetricsCollector
var once sync.Once

// GetGlobalCollector returns the global metrics collector
func GetGlobalCollector() *MetricsCollector {
	once.Do(func() {
		globalCollector = NewMetricsCollector(CollectorConfig{
			Namespace:            "halotrain",
			EnableGoMetrics:      true,
			EnableProcessMetrics: true,
		})
	})
	return globalCollector
}

// SetGlobalCollector sets the global metrics collector
func SetGlobalCollector(collector *MetricsCollector) {
	globalCollector = collector
}

//Personal.AI order the ending
