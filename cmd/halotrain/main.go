// Command halotrain runs HALO alignment training: train, eval, and sample
// modes over the configured datasets, with the status API, metric tracking,
// and artifact mirroring wired around the trainer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	api "github.com/halotrain/halotrain/internal/api/http"
	"github.com/halotrain/halotrain/internal/data"
	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/internal/observability/metrics"
	"github.com/halotrain/halotrain/internal/observability/trace"
	"github.com/halotrain/halotrain/internal/storage"
	"github.com/halotrain/halotrain/internal/tracking"
	"github.com/halotrain/halotrain/internal/trainer"
	"github.com/halotrain/halotrain/pkg/config"
)

// version is stamped at build time
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ============================================================================
// Command Tree
// ============================================================================

type rootFlags struct {
	configFile string

	expName   string
	seed      int64
	outputDir string
	datasets  []string
	lossName  string
	nEpochs   int
	nExamples int
	lr        float64
	batchSize int
	worldSize int
	debug     bool
	resume    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "halotrain",
		Short:         "Human-aware loss training orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "configuration file path")
	root.PersistentFlags().StringVar(&flags.expName, "exp-name", "", "experiment name")
	root.PersistentFlags().Int64Var(&flags.seed, "seed", 0, "random seed")
	root.PersistentFlags().StringVar(&flags.outputDir, "output-dir", "", "run artifact directory root")
	root.PersistentFlags().StringSliceVar(&flags.datasets, "dataset", nil, "dataset file, repeatable")
	root.PersistentFlags().StringVar(&flags.lossName, "loss", "", "loss name (sft, dpo, slic, kto, kto-simple, kto-zero)")
	root.PersistentFlags().IntVar(&flags.nEpochs, "n-epochs", 0, "epoch budget")
	root.PersistentFlags().IntVar(&flags.nExamples, "n-examples", 0, "example budget")
	root.PersistentFlags().Float64Var(&flags.lr, "lr", 0, "learning rate")
	root.PersistentFlags().IntVar(&flags.batchSize, "batch-size", 0, "train batch size")
	root.PersistentFlags().IntVar(&flags.worldSize, "world-size", 0, "data-parallel worker count")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "skip checkpoint writes")

	train := &cobra.Command{
		Use:   "train",
		Short: "Train the policy against the configured loss",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, "train")
		},
	}
	train.Flags().BoolVar(&flags.resume, "resume", false, "continue from the LATEST checkpoint")

	eval := &cobra.Command{
		Use:   "eval",
		Short: "Score the test split without training",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, "eval")
		},
	}

	sample := &cobra.Command{
		Use:   "sample",
		Short: "Draw top-p policy samples for every test prompt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, "sample")
		},
	}

	root.AddCommand(train, eval, sample)
	return root
}

// overrides maps changed flags onto configuration keys so they win over the
// file and environment
func (f *rootFlags) overrides(cmd *cobra.Command, mode string) map[string]interface{} {
	out := map[string]interface{}{"run.mode": mode}

	set := func(flag, key string, value interface{}) {
		if cmd.Flags().Changed(flag) {
			out[key] = value
		}
	}
	set("exp-name", "run.exp_name", f.expName)
	set("seed", "run.seed", f.seed)
	set("output-dir", "run.output_dir", f.outputDir)
	set("dataset", "data.datasets", f.datasets)
	set("loss", "loss.name", f.lossName)
	set("n-epochs", "run.n_epochs", f.nEpochs)
	set("n-examples", "run.n_examples", f.nExamples)
	set("lr", "run.lr", f.lr)
	set("batch-size", "model.batch_size", f.batchSize)
	set("world-size", "distributed.world_size", f.worldSize)
	set("debug", "run.debug", f.debug)
	return out
}

// ============================================================================
// Run Wiring
// ============================================================================

func run(cmd *cobra.Command, flags *rootFlags, mode string) error {
	loader, err := config.NewLoader(config.LoaderOptions{
		ConfigFile: flags.configFile,
		EnvPrefix:  "HALOTRAIN",
		Overrides:  flags.overrides(cmd, mode),
	})
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logging.SetGlobalLogger(logger)

	logger.Info("halotrain starting",
		logging.String("version", version),
		logging.String("mode", mode),
		logging.String("loss", cfg.Loss.Name),
		logging.String("exp_name", cfg.Run.ExpName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := newTracer(cfg.Observability.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())
	trace.SetGlobalTracer(tracer)

	collector := metrics.NewMetricsCollector(metrics.CollectorConfig{
		Namespace:            cfg.Observability.Metrics.Namespace,
		Subsystem:            cfg.Observability.Metrics.Subsystem,
		EnableGoMetrics:      true,
		EnableProcessMetrics: true,
	})
	metrics.SetGlobalCollector(collector)

	tracker, err := tracking.New(cfg.Tracking, logger, collector)
	if err != nil {
		return err
	}
	defer tracker.Close()

	mirror, err := storage.New(ctx, cfg.Storage.Mirror, logger, collector)
	if err != nil {
		return err
	}

	t, err := trainer.New(cfg, trainer.Options{
		Logger:    logger,
		Collector: collector,
		Tracer:    tracer,
		Tracker:   tracker,
		Cache:     newCache(cfg.Cache, logger, collector),
		Resume:    flags.resume,
	})
	if err != nil {
		return err
	}

	// Snapshot the effective configuration into the run directory so a
	// finished run stays reproducible
	if !cfg.Run.Debug {
		if err := os.MkdirAll(cfg.Run.RunDir(), 0o755); err != nil {
			return err
		}
		snapshot := filepath.Join(cfg.Run.RunDir(), "config.yaml")
		if err := loader.SaveToFile(snapshot); err != nil {
			logger.Warn("config snapshot failed", logging.String("path", snapshot), logging.Error(err))
		}
	}

	if cfg.Server.Enabled {
		srv := api.New(cfg.Server, t.Status(), collector, logger)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	runErr := t.Run(ctx)

	if mirror.Enabled() && !cfg.Run.Debug {
		// Artifacts are mirrored even for failed runs; the LATEST
		// checkpoint is what a post-mortem needs
		mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := mirror.MirrorDirectory(mirrorCtx, cfg.Run.RunDir(), cfg.Run.ExpName); err != nil {
			logger.Warn("artifact mirroring failed", logging.Error(err))
		}
	}

	if runErr != nil {
		logger.Error("run failed", logging.Error(runErr))
		return runErr
	}
	logger.Info("run complete", logging.String("run_id", t.RunID()))
	return nil
}

// ============================================================================
// Infrastructure Construction
// ============================================================================

func newLogger(cfg config.LoggingConfig) (logging.Logger, error) {
	logCfg := logging.LogConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	if cfg.Output == "file" && cfg.FilePath != "" {
		return logging.NewZapLoggerWithRotation(logCfg)
	}
	return logging.NewZapLogger(logCfg)
}

func newTracer(cfg config.TracingConfig) (trace.Tracer, error) {
	if !cfg.Enabled {
		return trace.NewNoopTracer(), nil
	}
	return trace.NewTracer(trace.TracerConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Provider:       cfg.ExporterType,
		Endpoint:       cfg.Endpoint,
		SamplingRate:   cfg.SamplingRate,
	})
}

// newCache builds the tokenized sequence cache: an in-process LRU, tiered
// over redis when configured
func newCache(cfg config.CacheConfig, logger logging.Logger, collector *metrics.MetricsCollector) data.SequenceCache {
	local := data.NewLocalCache(1<<16, collector)
	if !cfg.Redis.Enabled {
		return local
	}

	remote := data.NewRedisCache(data.RedisCacheOptions{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	}, logger, collector)
	return data.NewTieredCache(local, remote)
}

//Personal.AI order the ending
