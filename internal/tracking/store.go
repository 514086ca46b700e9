package tracking

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/internal/observability/metrics"
	"github.com/halotrain/halotrain/pkg/config"
	"github.com/halotrain/halotrain/pkg/errors"
)

// ============================================================================
// Run Registry Models
// ============================================================================

// RunRecord is one training run in the registry
type RunRecord struct {
	RunID      string `gorm:"primaryKey;size:64"`
	ExpName    string `gorm:"size:255;index"`
	LossName   string `gorm:"size:32"`
	Mode       string `gorm:"size:16"`
	Config     string `gorm:"type:text"`
	Status     string `gorm:"size:32"`
	StartedAt  time.Time
	FinishedAt *time.Time
}

// TableName maps RunRecord to its table
func (RunRecord) TableName() string { return "runs" }

// MetricPoint is one scalar metric value at a point in the run
type MetricPoint struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	RunID          string `gorm:"size:64;index"`
	Split          string `gorm:"size:16"`
	Step           int
	ExampleCounter int
	Name           string `gorm:"size:128"`
	Value          float64
	CreatedAt      time.Time
}

// TableName maps MetricPoint to its table
func (MetricPoint) TableName() string { return "metric_points" }

// ============================================================================
// Postgres Sink
// ============================================================================

// postgresTracker persists runs and metric points to a postgres registry
type postgresTracker struct {
	db        *gorm.DB
	runID     string
	logger    logging.Logger
	collector *metrics.MetricsCollector
}

func newPostgresTracker(cfg config.PostgresSinkConfig, logger logging.Logger, collector *metrics.MetricsCollector) (*postgresTracker, error) {
	if cfg.DSN == "" {
		return nil, errors.ConfigError("postgres tracking sink requires a dsn")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.InfrastructureError("postgres", err)
	}

	if err := db.AutoMigrate(&RunRecord{}, &MetricPoint{}); err != nil {
		return nil, errors.InfrastructureError("postgres", err)
	}

	return &postgresTracker{
		db:        db,
		logger:    logger,
		collector: collector,
	}, nil
}

func (p *postgresTracker) StartRun(ctx context.Context, meta RunMeta) error {
	p.runID = meta.RunID

	rec := RunRecord{
		RunID:     meta.RunID,
		ExpName:   meta.ExpName,
		LossName:  meta.LossName,
		Mode:      meta.Mode,
		Config:    meta.Config,
		Status:    "running",
		StartedAt: time.Now(),
	}
	if err := p.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return errors.InfrastructureError("postgres", err)
	}
	return nil
}

func (p *postgresTracker) Emit(ctx context.Context, ev Event) error {
	points := make([]MetricPoint, 0, len(ev.Metrics))
	for name, value := range ev.Metrics {
		points = append(points, MetricPoint{
			RunID:          ev.RunID,
			Split:          ev.Split,
			Step:           ev.Step,
			ExampleCounter: ev.ExampleCounter,
			Name:           name,
			Value:          value,
			CreatedAt:      ev.Timestamp,
		})
	}

	if err := p.db.WithContext(ctx).Create(&points).Error; err != nil {
		if p.collector != nil {
			p.collector.IncrementCounter("tracking_errors_total", prometheus.Labels{"sink": "postgres"})
		}
		p.logger.Warn("postgres tracking emission failed", logging.Error(err))
		return errors.InfrastructureError("postgres", err)
	}

	if p.collector != nil {
		p.collector.IncrementCounter("tracking_events_total", prometheus.Labels{"sink": "postgres"})
	}
	return nil
}

func (p *postgresTracker) FinishRun(ctx context.Context, status string) error {
	now := time.Now()
	err := p.db.WithContext(ctx).
		Model(&RunRecord{}).
		Where("run_id = ?", p.runID).
		Updates(map[string]interface{}{"status": status, "finished_at": &now}).Error
	if err != nil {
		return errors.InfrastructureError("postgres", err)
	}
	return nil
}

func (p *postgresTracker) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

//Personal.AI order the ending
