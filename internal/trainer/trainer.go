package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/halotrain/halotrain/internal/collective"
	"github.com/halotrain/halotrain/internal/data"
	"github.com/halotrain/halotrain/internal/halo"
	"github.com/halotrain/halotrain/internal/model"
	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/internal/observability/metrics"
	"github.com/halotrain/halotrain/internal/observability/trace"
	"github.com/halotrain/halotrain/internal/tracking"
	"github.com/halotrain/halotrain/pkg/config"
	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

// ============================================================================
// Trainer
// ============================================================================

// Options carries the trainer's injected infrastructure. Every field is
// optional; missing pieces fall back to no-op implementations.
type Options struct {
	Logger    logging.Logger
	Collector *metrics.MetricsCollector
	Tracer    trace.Tracer
	Tracker   tracking.Tracker
	Cache     data.SequenceCache
	Status    *StatusBoard

	// Resume continues from <run_dir>/LATEST when a checkpoint exists
	Resume bool
}

// Trainer drives one run: it owns the worker group and the run-level
// lifecycle around it
type Trainer struct {
	cfg       *config.Config
	logger    logging.Logger
	collector *metrics.MetricsCollector
	tracer    trace.Tracer
	tracker   tracking.Tracker
	cache     data.SequenceCache
	status    *StatusBoard
	resume    bool

	runID string
}

// New creates a trainer for a validated configuration
func New(cfg *config.Config, opts Options) (*Trainer, error) {
	if cfg == nil {
		return nil, errors.ConfigError("trainer requires a configuration")
	}

	t := &Trainer{
		cfg:       cfg,
		logger:    opts.Logger,
		collector: opts.Collector,
		tracer:    opts.Tracer,
		tracker:   opts.Tracker,
		cache:     opts.Cache,
		status:    opts.Status,
		resume:    opts.Resume,
		runID:     uuid.New().String(),
	}
	if t.logger == nil {
		t.logger = logging.NewNoopLogger()
	}
	if t.tracer == nil {
		t.tracer = trace.NewNoopTracer()
	}
	if t.tracker == nil {
		t.tracker = mustNoopTracker()
	}
	if t.status == nil {
		t.status = NewStatusBoard()
	}
	return t, nil
}

func mustNoopTracker() tracking.Tracker {
	tracker, _ := tracking.New(config.TrackingConfig{}, logging.NewNoopLogger(), nil)
	return tracker
}

// RunID returns the run identifier shared with tracking sinks
func (t *Trainer) RunID() string {
	return t.runID
}

// Status returns the live status board for the status API
func (t *Trainer) Status() *StatusBoard {
	return t.status
}

// Run executes the configured mode to completion. Cancellation lets the
// current step finish, writes a final checkpoint, and returns nil.
func (t *Trainer) Run(ctx context.Context) error {
	ctx = logging.WithRunID(ctx, t.runID)
	mode := types.Mode(t.cfg.Run.Mode)

	t.status.Update(func(s *Status) {
		s.RunID = t.runID
		s.ExpName = t.cfg.Run.ExpName
		s.LossName = t.cfg.Loss.Name
	})

	cfgJSON, _ := json.Marshal(t.cfg)
	if err := t.tracker.StartRun(ctx, tracking.RunMeta{
		RunID:    t.runID,
		ExpName:  t.cfg.Run.ExpName,
		LossName: t.cfg.Loss.Name,
		Mode:     t.cfg.Run.Mode,
		Config:   string(cfgJSON),
	}); err != nil {
		return err
	}

	err := trace.TraceFunc(ctx, t.tracer, "trainer.run", func(ctx context.Context) error {
		trace.SetSpanAttributes(ctx,
			trace.RunIDAttr(t.runID),
			trace.LossNameAttr(t.cfg.Loss.Name),
		)
		return t.runWorkers(ctx, mode)
	})

	finish := context.WithoutCancel(ctx)
	if err != nil {
		t.status.Update(func(s *Status) {
			s.Phase = PhaseFailed
			s.Error = err.Error()
		})
		_ = t.tracker.FinishRun(finish, "failed")
		return err
	}

	t.status.Update(func(s *Status) { s.Phase = PhaseDone })
	return t.tracker.FinishRun(finish, "done")
}

// runWorkers spawns one lockstep goroutine per rank and waits for the group
func (t *Trainer) runWorkers(ctx context.Context, mode types.Mode) error {
	group, err := collective.NewGroup(t.cfg.Distributed.WorldSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < group.WorldSize(); rank++ {
		member, err := group.Member(rank)
		if err != nil {
			return err
		}
		g.Go(func() error {
			w, err := t.newWorker(gctx, member)
			if err != nil {
				return err
			}
			return w.run(logging.WithRank(gctx, member.Rank()), mode)
		})
	}
	return g.Wait()
}

// ============================================================================
// Worker
// ============================================================================

// worker is one rank's view of the run. All workers consume identical batch
// streams (same seed, same assembler) and process disjoint slices of every
// batch, so control-flow decisions stay in lockstep without coordination.
type worker struct {
	t      *Trainer
	cfg    *config.Config
	member *collective.Member
	logger logging.Logger

	pair   *model.Pair
	strat  halo.Strategy
	source data.Source
	state  *State

	limiter    *rate.Limiter
	accumSteps int

	microInStep int
	lastLoss    float64
	lastNorm    float64
	stepStart   time.Time
}

// newWorker builds the per-rank pipeline: tokenizer, source, strategy, pair,
// and restored state when resuming
func (t *Trainer) newWorker(ctx context.Context, member *collective.Member) (*worker, error) {
	cfg := t.cfg

	tok, err := data.NewTokenizer(data.TokenizerConfig{
		VocabSize:       cfg.Model.VocabSize,
		ModelName:       cfg.Model.NameOrPath,
		HumanPrefix:     cfg.Run.HumanPrefix,
		HumanSuffix:     cfg.Run.HumanSuffix,
		AssistantPrefix: cfg.Run.AssistantPrefix,
		AssistantSuffix: cfg.Run.AssistantSuffix,
		MaxLength:       cfg.Model.MaxLength,
		MaxPromptLength: cfg.Model.MaxPromptLength,
	})
	if err != nil {
		return nil, err
	}

	source, err := data.NewSource(types.LoaderKind(cfg.Loss.DataLoader), data.SourceConfig{
		Paths:     cfg.Data.Datasets,
		Seed:      cfg.Run.Seed,
		Tokenizer: tok,
		Cache:     t.cache,
		Logger:    t.logger,
	})
	if err != nil {
		return nil, err
	}

	strat, err := halo.Resolve(types.LossName(cfg.Loss.Name), halo.Params{
		Beta:              cfg.Loss.Beta,
		Margin:            cfg.Loss.Margin,
		SFTCoef:           cfg.Loss.SFTCoef,
		DesirableWeight:   cfg.Loss.DesirableWeight,
		UndesirableWeight: cfg.Loss.UndesirableWeight,
		UseReference:      cfg.Loss.UseReferenceModel,
	})
	if err != nil {
		return nil, err
	}

	pair, err := model.NewPair(model.Options{
		NameOrPath:          cfg.Model.NameOrPath,
		LoadFrom:            cfg.Model.LoadFrom,
		VocabSize:           cfg.Model.VocabSize,
		PolicyDType:         types.DType(cfg.Model.PolicyDType),
		ReferenceDType:      types.DType(cfg.Model.ReferenceDType),
		MaxGradNorm:         cfg.Model.MaxGradNorm,
		ActivationRecompute: cfg.Model.ActivationRecompute,
		UseReference:        cfg.Loss.UseReferenceModel,
		Seed:                cfg.Run.Seed,
		Optimizer:           types.OptimizerName(cfg.Run.Optimizer),
		LR:                  cfg.Run.LR,
		WarmupSteps:         cfg.Run.WarmupSteps,
	}, member)
	if err != nil {
		return nil, err
	}

	state := &State{
		RunID:          t.runID,
		ExpName:        cfg.Run.ExpName,
		LossName:       cfg.Loss.Name,
		LastEvalBucket: -1,
	}

	latest := filepath.Join(cfg.Run.RunDir(), LatestDirName)
	if t.resume && HasCheckpoint(latest) {
		restored, err := LoadState(latest)
		if err != nil {
			return nil, err
		}
		if err := pair.Restore(latest); err != nil {
			return nil, err
		}
		restored.RunID = t.runID
		state = restored

		if member.IsCoordinator() {
			t.logger.Info("resumed from checkpoint",
				logging.String("path", latest),
				logging.Int("epoch", state.Epoch),
				logging.Int("example_counter", state.ExampleCounter),
			)
		}
	}

	interval := cfg.Run.MinimumLogInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &worker{
		t:          t,
		cfg:        cfg,
		member:     member,
		logger:     t.logger.With(logging.Int("rank", member.Rank())),
		pair:       pair,
		strat:      strat,
		source:     source,
		state:      state,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		accumSteps: cfg.Model.GradientAccumulationSteps,
	}, nil
}

// run dispatches the worker by mode
func (w *worker) run(ctx context.Context, mode types.Mode) error {
	switch mode {
	case types.ModeTrain:
		return w.trainLoop(ctx)
	case types.ModeEval:
		_, err := w.runEval(ctx)
		return err
	case types.ModeSample:
		return w.runSample(ctx)
	default:
		return errors.ConfigErrorf("unknown mode: %s", mode)
	}
}

// ============================================================================
// Training Loop
// ============================================================================

// trainLoop consumes epochs until a budget is exhausted or the context is
// cancelled, then writes the final checkpoint
func (w *worker) trainLoop(ctx context.Context) error {
	w.setPhase(PhaseWarmup)
	w.stepStart = time.Now()

	// stopped marks a mid-epoch exit; the saved state then points into the
	// current epoch so resume replays the remaining batches
	stopped := false

epochs:
	for epoch := w.state.Epoch; w.epochWithinBudget(epoch); epoch++ {
		w.state.Epoch = epoch

		ep, err := w.source.Open(ctx, "train", epoch)
		if err != nil {
			return err
		}
		asm, err := data.NewAssembler(w.assemblerConfig(), ep)
		if err != nil {
			return err
		}

		// A restored run replays the recorded number of batches so the
		// next fresh batch is exactly the one after the checkpoint
		if w.state.BatchesInEpoch > 0 {
			if err := w.replayBatches(ctx, asm, w.state.BatchesInEpoch); err != nil {
				return err
			}
		}

		for {
			if ctx.Err() != nil {
				stopped = true
				break epochs
			}
			if w.cfg.Run.NExamples > 0 && w.state.ExampleCounter >= w.cfg.Run.NExamples {
				stopped = true
				break epochs
			}

			if w.evalDue() {
				if err := w.evalAndCheckpoint(ctx); err != nil {
					return err
				}
			}

			batch, err := asm.Next(ctx)
			if err == data.ErrEndOfEpoch {
				break
			}
			if err != nil {
				if handled, herr := w.handleDataError(err); handled {
					if herr != nil {
						return herr
					}
					w.state.BatchesInEpoch++
					continue
				}
				return err
			}
			w.state.BatchesInEpoch++

			// Trailing partial batches cannot be divided across the
			// worker group and are dropped
			if batch.Size() < w.cfg.Model.BatchSize {
				continue
			}

			if err := w.processMicrobatch(ctx, batch); err != nil {
				return err
			}
		}

		w.state.BatchesInEpoch = 0
	}

	if !stopped {
		w.state.Epoch++
	}
	return w.finish(ctx)
}

// epochWithinBudget reports whether another epoch may start
func (w *worker) epochWithinBudget(epoch int) bool {
	if w.cfg.Run.NEpochs > 0 && epoch >= w.cfg.Run.NEpochs {
		return false
	}
	if w.cfg.Run.NExamples > 0 && w.state.ExampleCounter >= w.cfg.Run.NExamples {
		return false
	}
	// With only an example budget, epochs repeat until it is reached
	return w.cfg.Run.NEpochs > 0 || w.cfg.Run.NExamples > 0
}

// finish writes the final checkpoint and marks the run done
func (w *worker) finish(ctx context.Context) error {
	// The final checkpoint must complete even when the run was cancelled
	ctx = context.WithoutCancel(ctx)

	if err := w.writeCheckpoint(ctx, "final"); err != nil {
		return err
	}

	if w.member.IsCoordinator() {
		w.logger.Info("training finished",
			logging.Int("epochs", w.state.Epoch),
			logging.Int("examples", w.state.ExampleCounter),
			logging.Int("optimizer_steps", w.state.OptimizerSteps),
		)
	}
	return nil
}

// replayBatches advances the assembler past already-trained batches
func (w *worker) replayBatches(ctx context.Context, asm *data.Assembler, n int) error {
	for seen := 0; seen < n; {
		_, err := asm.Next(ctx)
		if err == data.ErrEndOfEpoch {
			return nil
		}
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeData) {
				seen++
				continue
			}
			return err
		}
		seen++
	}
	return nil
}

// assemblerConfig builds the train-split assembler parameters
func (w *worker) assemblerConfig() data.AssemblerConfig {
	return data.AssemblerConfig{
		BatchSize:             w.cfg.Model.BatchSize,
		Loss:                  types.LossName(w.cfg.Loss.Name),
		Loader:                types.LoaderKind(w.cfg.Loss.DataLoader),
		FracUniqueDesirable:   w.cfg.Data.FracUniqueDesirable,
		FracUniqueUndesirable: w.cfg.Data.FracUniqueUndesirable,
		Seed:                  w.cfg.Run.Seed,
	}
}

// ============================================================================
// Microbatch Processing
// ============================================================================

// processMicrobatch runs forward, loss, and backward for this rank's slice
// of one batch, and completes the optimizer step on accumulation boundaries
func (w *worker) processMicrobatch(ctx context.Context, batch *data.Batch) error {
	w.setPhase(w.currentPhase())

	items := w.slice(batch.Items)

	// Class balance is checked before the loss so every rank skips the
	// same defective batches and collective calls stay aligned
	defect, err := w.anyRank(ctx, w.classDefect(items))
	if err != nil {
		return err
	}
	if defect {
		if handled, herr := w.handleDataError(errors.NewCoded(errors.ErrDataEmptyClass).
			WithDetails("batch_index", batch.Index).
			WithDetails("example_ids", batch.ExampleIDs())); handled && herr != nil {
			return herr
		}
		return nil
	}

	lp, err := w.pair.Forward(ctx, batch.Index, items)
	if err != nil {
		return err
	}
	res, err := w.strat.Compute(ctx, halo.LossInputs{LogProbs: lp, Member: w.member})
	if err != nil {
		return err
	}

	nonFinite, err := w.anyRank(ctx, math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0))
	if err != nil {
		return err
	}
	if nonFinite {
		return w.recordNonFinite("non-finite loss", batch.Index)
	}

	if err := w.pair.Backward(ctx, batch.Index, items, res, 1/float64(w.accumSteps)); err != nil {
		return err
	}

	w.lastLoss = res.Loss
	w.state.ExampleCounter += batch.Size()
	w.microInStep++

	if w.member.IsCoordinator() && w.t.collector != nil {
		w.t.collector.IncrementCounter("microbatches_total", prometheus.Labels{"split": "train"})
		w.t.collector.IncrementCounter("batches_assembled_total", prometheus.Labels{"loader": batch.Loader.String()})
	}

	if w.microInStep >= w.accumSteps {
		return w.completeStep(ctx, res)
	}
	return nil
}

// completeStep clips, updates, and reports one optimizer step
func (w *worker) completeStep(ctx context.Context, res *halo.LossResult) error {
	w.microInStep = 0

	norm, err := w.pair.ClipGradients(ctx)
	if err != nil {
		return err
	}
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		w.pair.ZeroGrad()
		return w.recordNonFinite("non-finite gradient", -1)
	}

	lr := w.pair.Step()
	w.state.OptimizerSteps = w.pair.OptimizerSteps()
	w.lastNorm = norm

	if w.member.IsCoordinator() {
		elapsed := time.Since(w.stepStart)
		w.stepStart = time.Now()

		if w.t.collector != nil {
			w.t.collector.RecordTrainStep(w.strat.Name().String(), res.Loss, norm, lr,
				w.cfg.Model.BatchSize*w.accumSteps, elapsed)
		}
		w.t.status.Update(func(s *Status) {
			s.Epoch = w.state.Epoch
			s.ExampleCounter = w.state.ExampleCounter
			s.OptimizerSteps = w.state.OptimizerSteps
			s.TrainLoss = res.Loss
			s.GradNorm = norm
			s.LearningRate = lr
		})

		if w.limiter.Allow() {
			w.logger.Info("train step",
				logging.Int("step", w.state.OptimizerSteps),
				logging.Int("example_counter", w.state.ExampleCounter),
				logging.Float64("loss", res.Loss),
				logging.Float64("grad_norm", norm),
				logging.Float64("lr", lr),
			)
			w.emit(ctx, "train", map[string]float64{
				"loss":      res.Loss,
				"grad_norm": norm,
				"lr":        lr,
				"kl":        res.KL,
			})
		}
	}
	return nil
}

// ============================================================================
// Evaluation
// ============================================================================

// evalDue reports whether the example counter crossed an evaluation boundary
func (w *worker) evalDue() bool {
	c := w.state.ExampleCounter
	if c == 0 {
		return w.cfg.Run.DoFirstEval && w.state.LastEvalBucket < 0
	}
	bucket := c / w.cfg.Run.EvalEvery
	return bucket >= 1 && bucket > w.state.LastEvalBucket
}

// evalAndCheckpoint runs one evaluation pass and writes checkpoints
func (w *worker) evalAndCheckpoint(ctx context.Context) error {
	if w.state.ExampleCounter == 0 {
		w.state.LastEvalBucket = 0
	} else {
		w.state.LastEvalBucket = w.state.ExampleCounter / w.cfg.Run.EvalEvery
	}

	if _, err := w.runEval(ctx); err != nil {
		return err
	}

	// The first eval precedes any update; nothing worth persisting yet
	if w.state.OptimizerSteps == 0 {
		return nil
	}
	return w.writeCheckpoint(ctx, "intermediate")
}

// runEval scores the test split without gradients and aggregates mean loss
// and per-category log probabilities across the worker group
func (w *worker) runEval(ctx context.Context) (float64, error) {
	w.setPhase(PhaseEval)
	defer w.setPhase(w.currentPhase())

	ep, err := w.source.Open(ctx, "test", 0)
	if err != nil {
		return 0, err
	}

	batchSize := w.cfg.Model.EvalBatchSize
	if batchSize <= 0 {
		batchSize = w.cfg.Model.BatchSize
	}
	asm, err := data.NewAssembler(data.AssemblerConfig{
		BatchSize:             batchSize,
		Loss:                  types.LossName(w.cfg.Loss.Name),
		Loader:                types.LoaderKind(w.cfg.Loss.DataLoader),
		FracUniqueDesirable:   1,
		FracUniqueUndesirable: 1,
		Seed:                  w.cfg.Run.Seed,
	}, ep)
	if err != nil {
		return 0, err
	}

	var lossSum, rows float64
	var chosenSum, chosenRows, rejectedSum, rejectedRows float64
	consumed := 0

	for {
		if w.cfg.Run.NEvalExamples > 0 && consumed >= w.cfg.Run.NEvalExamples {
			break
		}

		batch, err := asm.Next(ctx)
		if err == data.ErrEndOfEpoch {
			break
		}
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeData) {
				w.logger.Warn("skipping defective eval batch", logging.Error(err))
				continue
			}
			return 0, err
		}
		if batch.Size() < batchSize {
			break
		}
		consumed += batch.Size()

		items := w.slice(batch.Items)
		defect, err := w.anyRank(ctx, w.classDefect(items))
		if err != nil {
			return 0, err
		}
		if defect {
			continue
		}

		lp, err := w.pair.Forward(ctx, batch.Index, items)
		if err != nil {
			return 0, err
		}
		res, err := w.strat.Compute(ctx, halo.LossInputs{LogProbs: lp, Member: w.member})
		if err != nil {
			return 0, err
		}

		n := float64(lp.Rows())
		lossSum += res.Loss * n
		rows += n
		for _, v := range lp.PolicyChosen {
			chosenSum += v
			chosenRows++
		}
		for _, v := range lp.PolicyRejected {
			rejectedSum += v
			rejectedRows++
		}
	}

	agg, err := w.member.AllReduceSum(ctx, []float64{
		lossSum, rows, chosenSum, chosenRows, rejectedSum, rejectedRows,
	})
	if err != nil {
		return 0, err
	}

	meanLoss := 0.0
	if agg[1] > 0 {
		meanLoss = agg[0] / agg[1]
	}

	if w.member.IsCoordinator() {
		evalMetrics := map[string]float64{"loss": meanLoss}
		if agg[3] > 0 {
			evalMetrics["logp_chosen"] = agg[2] / agg[3]
		}
		if agg[5] > 0 {
			evalMetrics["logp_rejected"] = agg[4] / agg[5]
		}

		w.logger.Info("eval",
			logging.Int("example_counter", w.state.ExampleCounter),
			logging.Float64("loss", meanLoss),
			logging.Int("examples", int(agg[1])),
		)
		if w.t.collector != nil {
			w.t.collector.RecordEval(w.strat.Name().String(), meanLoss, int(agg[1]))
		}
		w.t.status.Update(func(s *Status) { s.EvalLoss = meanLoss })
		w.emit(ctx, "test", evalMetrics)
	}

	return meanLoss, nil
}

// ============================================================================
// Checkpointing
// ============================================================================

// writeCheckpoint persists the pair and trainer state to LATEST and, for
// intermediate checkpoints when configured, a step-<counter> directory
func (w *worker) writeCheckpoint(ctx context.Context, kind string) error {
	if w.cfg.Run.Debug {
		return nil
	}
	w.setPhase(PhaseCheckpoint)
	defer w.setPhase(w.currentPhase())

	dirs := []string{filepath.Join(w.cfg.Run.RunDir(), LatestDirName)}
	if kind == "intermediate" && w.cfg.Run.IntermediateCheckpoints {
		dirs = append(dirs, filepath.Join(w.cfg.Run.RunDir(),
			fmt.Sprintf("step-%d", w.state.ExampleCounter)))
	}

	for _, dir := range dirs {
		start := time.Now()
		err := w.pair.Checkpoint(ctx, dir)

		if w.member.IsCoordinator() {
			if err == nil {
				err = w.state.Save(dir)
			}
			if w.t.collector != nil {
				w.t.collector.RecordCheckpoint(kind, time.Since(start), err)
			}
			if err != nil {
				w.logger.Error("checkpoint failed",
					logging.String("path", dir), logging.Error(err))
				return err
			}
			w.logger.Info("checkpoint written",
				logging.String("path", dir),
				logging.Int("example_counter", w.state.ExampleCounter),
			)
			w.t.status.Update(func(s *Status) { s.LastCheckpoint = dir })
		} else if err != nil {
			return err
		}

		// Training resumes only after every rank has passed the write
		if err := w.member.Barrier(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Error Accounting
// ============================================================================

// handleDataError absorbs a defective-batch error within the configured
// budget. It returns handled=false for non-DATA errors.
func (w *worker) handleDataError(err error) (bool, error) {
	if !errors.IsType(err, errors.ErrorTypeData) {
		return false, nil
	}

	w.state.DataErrors++
	if w.member.IsCoordinator() {
		w.logger.Warn("defective batch skipped",
			logging.Error(err),
			logging.Int("data_errors", w.state.DataErrors),
		)
		if w.t.collector != nil {
			w.t.collector.RecordDataError(errors.GetCode(err))
		}
		w.t.status.Update(func(s *Status) { s.DataErrors = w.state.DataErrors })
	}

	if w.state.DataErrors > w.cfg.Run.MaxDataErrors {
		return true, errors.NewCoded(errors.ErrTrainDataBudget).
			WithDetails("data_errors", w.state.DataErrors).
			WithCause(err)
	}
	return true, nil
}

// recordNonFinite counts a skipped non-finite step against its budget
func (w *worker) recordNonFinite(reason string, batchIndex int) error {
	w.pair.ZeroGrad()
	w.microInStep = 0
	w.state.NonFiniteSteps++

	if w.member.IsCoordinator() {
		w.logger.Warn("skipping update",
			logging.String("reason", reason),
			logging.Int("batch_index", batchIndex),
			logging.Int("nonfinite_steps", w.state.NonFiniteSteps),
		)
		if w.t.collector != nil {
			w.t.collector.IncrementCounter("nonfinite_steps_total", nil)
		}
		w.t.status.Update(func(s *Status) { s.NonFiniteSteps = w.state.NonFiniteSteps })
	}

	if w.state.NonFiniteSteps > w.cfg.Run.MaxNonFiniteSteps {
		return errors.NewCoded(errors.ErrTrainNonFiniteBudget).
			WithDetails("nonfinite_steps", w.state.NonFiniteSteps)
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

// slice returns this rank's contiguous share of a batch
func (w *worker) slice(items []data.BatchItem) []data.BatchItem {
	per := len(items) / w.member.WorldSize()
	lo := w.member.Rank() * per
	return items[lo : lo+per]
}

// classDefect reports whether this rank's slice lacks a class the loss needs
func (w *worker) classDefect(items []data.BatchItem) bool {
	switch w.strat.Name() {
	case types.LossKTO, types.LossKTOSimple:
		var desirable, undesirable bool
		for _, item := range items {
			if item.Desirable {
				desirable = true
			} else {
				undesirable = true
			}
		}
		return !desirable || !undesirable
	default:
		return false
	}
}

// anyRank is a group-wide OR so every rank takes the same branch
func (w *worker) anyRank(ctx context.Context, flag bool) (bool, error) {
	v := 0.0
	if flag {
		v = 1
	}
	sum, err := w.member.AllReduceSum(ctx, []float64{v})
	if err != nil {
		return false, err
	}
	return sum[0] > 0, nil
}

// currentPhase distinguishes warmup from steady-state training
func (w *worker) currentPhase() Phase {
	if w.pair.OptimizerSteps() < w.cfg.Run.WarmupSteps {
		return PhaseWarmup
	}
	return PhaseTrainStep
}

// setPhase updates the status board; coordinator only
func (w *worker) setPhase(phase Phase) {
	if w.member.IsCoordinator() {
		w.t.status.Update(func(s *Status) { s.Phase = phase })
	}
}

// emit sends one tracking event; coordinator only, failures are logged
func (w *worker) emit(ctx context.Context, split string, values map[string]float64) {
	err := w.t.tracker.Emit(ctx, tracking.Event{
		RunID:          w.t.runID,
		ExpName:        w.cfg.Run.ExpName,
		Split:          split,
		Step:           w.state.OptimizerSteps,
		ExampleCounter: w.state.ExampleCounter,
		Metrics:        values,
		Timestamp:      time.Now(),
	})
	if err != nil {
		w.logger.Warn("tracking emission failed", logging.Error(err))
	}
}

//Personal.AI order the ending
