// Package tracking streams experiment metrics to a configured sink. The
// trainer emits events through an explicit Tracker handle; there is no
// ambient global. Sinks: structured log (default), kafka topic, postgres
// run registry.
package tracking

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/internal/observability/metrics"
	"github.com/halotrain/halotrain/pkg/config"
	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

// ============================================================================
// Contract
// ============================================================================

// Event is one metric emission from the training loop
type Event struct {
	// RunID identifies the run across all sinks
	RunID string `json:"run_id"`

	// ExpName is the configured experiment name
	ExpName string `json:"exp_name"`

	// Split is the data split the metrics were computed on (train, test)
	Split string `json:"split"`

	// Step is the optimizer step count at emission time
	Step int `json:"step"`

	// ExampleCounter is the cumulative train example count
	ExampleCounter int `json:"example_counter"`

	// Metrics holds the named scalar values
	Metrics map[string]float64 `json:"metrics"`

	// Timestamp is the emission time
	Timestamp time.Time `json:"timestamp"`
}

// RunMeta describes a run for sinks that keep a registry
type RunMeta struct {
	RunID    string
	ExpName  string
	LossName string
	Mode     string
	Config   string
}

// Tracker receives metric events for one run
type Tracker interface {
	// StartRun registers the run before the first event
	StartRun(ctx context.Context, meta RunMeta) error

	// Emit records one metric event
	Emit(ctx context.Context, ev Event) error

	// FinishRun marks the run's terminal status (done, failed, stopped)
	FinishRun(ctx context.Context, status string) error

	// Close flushes and releases the sink
	Close() error
}

// ============================================================================
// Construction
// ============================================================================

// New builds the configured tracker. Disabled tracking yields a no-op sink
// so callers never branch.
func New(cfg config.TrackingConfig, logger logging.Logger, collector *metrics.MetricsCollector) (Tracker, error) {
	if !cfg.Enabled {
		return &noopTracker{}, nil
	}

	switch types.TrackerKind(cfg.Kind) {
	case types.TrackerLog:
		return newLogTracker(logger, collector), nil
	case types.TrackerKafka:
		return newKafkaTracker(cfg.Kafka, logger, collector)
	case types.TrackerPostgres:
		return newPostgresTracker(cfg.Postgres, logger, collector)
	default:
		return nil, errors.ConfigErrorf("unknown tracking kind: %s", cfg.Kind)
	}
}

// ============================================================================
// No-op Sink
// ============================================================================

type noopTracker struct{}

func (n *noopTracker) StartRun(ctx context.Context, meta RunMeta) error { return nil }
func (n *noopTracker) Emit(ctx context.Context, ev Event) error         { return nil }
func (n *noopTracker) FinishRun(ctx context.Context, status string) error {
	return nil
}
func (n *noopTracker) Close() error { return nil }

// ============================================================================
// Log Sink
// ============================================================================

// logTracker writes events into the structured log; the default sink
type logTracker struct {
	logger    logging.Logger
	collector *metrics.MetricsCollector
}

func newLogTracker(logger logging.Logger, collector *metrics.MetricsCollector) *logTracker {
	return &logTracker{logger: logger, collector: collector}
}

func (l *logTracker) StartRun(ctx context.Context, meta RunMeta) error {
	l.logger.Info("run started",
		logging.String("run_id", meta.RunID),
		logging.String("exp_name", meta.ExpName),
		logging.String("loss", meta.LossName),
		logging.String("mode", meta.Mode),
	)
	return nil
}

func (l *logTracker) Emit(ctx context.Context, ev Event) error {
	fields := []logging.Field{
		logging.String("run_id", ev.RunID),
		logging.String("split", ev.Split),
		logging.Int("step", ev.Step),
		logging.Int("example_counter", ev.ExampleCounter),
	}
	for name, value := range ev.Metrics {
		fields = append(fields, logging.Float64(name, value))
	}
	l.logger.Info("metrics", fields...)

	if l.collector != nil {
		l.collector.IncrementCounter("tracking_events_total", prometheus.Labels{"sink": "log"})
	}
	return nil
}

func (l *logTracker) FinishRun(ctx context.Context, status string) error {
	l.logger.Info("run finished", logging.String("status", status))
	return nil
}

func (l *logTracker) Close() error { return nil }

//Personal.AI order the ending
