package model

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halotrain/halotrain/internal/collective"
	"github.com/halotrain/halotrain/internal/data"
	"github.com/halotrain/halotrain/internal/halo"
	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

// PolicyFileName and OptimizerFileName are the checkpoint artifacts managed
// by the pair; the trainer adds its own state file alongside them.
const (
	PolicyFileName    = "policy.json"
	OptimizerFileName = "optimizer.json"
)

// checkpointRetryBackoff is the pause before the single write retry
const checkpointRetryBackoff = 500 * time.Millisecond

// ============================================================================
// Options
// ============================================================================

// Options configures a model pair for one worker rank
type Options struct {
	// NameOrPath identifies the base model; it seeds parameter
	// initialization and the tokenizer hash space
	NameOrPath string

	// LoadFrom optionally points at a checkpoint directory whose policy
	// weights replace the base initialization (weights only)
	LoadFrom string

	// VocabSize is the hashed vocabulary size
	VocabSize int

	// PolicyDType / ReferenceDType are the numeric precision policies,
	// applied independently to each side of the pair
	PolicyDType    types.DType
	ReferenceDType types.DType

	// MaxGradNorm caps the global gradient norm; zero disables clipping
	MaxGradNorm float64

	// ActivationRecompute drops forward token statistics and re-derives
	// them during backward instead of retaining them
	ActivationRecompute bool

	// UseReference loads a frozen reference twin of the policy
	UseReference bool

	// Seed drives parameter initialization, identical across ranks
	Seed int64

	// Optimizer, LR, and WarmupSteps configure the update rule
	Optimizer   types.OptimizerName
	LR          float64
	WarmupSteps int
}

// ============================================================================
// Pair
// ============================================================================

// Pair holds one rank's shard of the trainable policy and, optionally, of a
// frozen reference model with the same shape. Parameters are split into
// contiguous equal ranges across the worker group; the full vector exists
// only transiently, reconstructed by all-gather inside a scoped helper that
// releases the buffer on every exit path.
type Pair struct {
	opts   Options
	member *collective.Member

	vocab     int
	shardSize int
	lo, hi    int

	policyShard []float64
	refShard    []float64
	gradShard   []float64

	opt   Optimizer
	sched *Scheduler
	steps int

	fullPool sync.Pool

	// retained holds forward token statistics for the backward pass when
	// activation recompute is off
	retained *retainedStats
}

type retainedStats struct {
	batchIndex int
	stats      *batchStats
}

// batchStats caches per-item sequence statistics for one microbatch slice
type batchStats struct {
	chosen   []SequenceStats
	rejected []SequenceStats
	kl       []SequenceStats
}

// NewPair initializes a rank's shard of the policy/reference pair. Every
// rank derives the same full initialization from the seed and keeps only its
// own contiguous slice, so no collective traffic is needed at startup.
func NewPair(opts Options, member *collective.Member) (*Pair, error) {
	if opts.VocabSize < 2 {
		return nil, errors.ConfigErrorf("vocab size must be at least 2, got %d", opts.VocabSize)
	}

	world := member.WorldSize()
	shardSize := (opts.VocabSize + world - 1) / world

	p := &Pair{
		opts:      opts,
		member:    member,
		vocab:     opts.VocabSize,
		shardSize: shardSize,
		lo:        member.Rank() * shardSize,
		hi:        (member.Rank() + 1) * shardSize,
		gradShard: make([]float64, shardSize),
	}
	p.fullPool.New = func() interface{} {
		return make([]float64, shardSize*world)
	}

	base := initParams(opts.NameOrPath, opts.Seed, opts.VocabSize)

	if opts.LoadFrom != "" {
		loaded, err := readPolicyParams(opts.LoadFrom, opts.VocabSize)
		if err != nil {
			return nil, err
		}
		p.policyShard = p.sliceShard(loaded)
	} else {
		p.policyShard = p.sliceShard(base)
	}
	roundShard(p.policyShard, opts.PolicyDType)

	if opts.UseReference {
		p.refShard = p.sliceShard(base)
		roundShard(p.refShard, opts.ReferenceDType)
	}

	opt, err := NewOptimizer(opts.Optimizer, shardSize)
	if err != nil {
		return nil, err
	}
	p.opt = opt
	p.sched = NewScheduler(opts.LR, opts.WarmupSteps)

	return p, nil
}

// initParams derives the full base parameter vector from the model name and
// seed; identical on every rank
func initParams(nameOrPath string, seed int64, vocab int) []float64 {
	h := fnv.New64a()
	h.Write([]byte(nameOrPath))
	rng := rand.New(rand.NewSource(seed ^ int64(h.Sum64())))

	params := make([]float64, vocab)
	for i := range params {
		params[i] = rng.NormFloat64() * 0.02
	}
	return params
}

// sliceShard copies this rank's contiguous range out of a full vector,
// zero-padding the tail shard past the vocabulary end
func (p *Pair) sliceShard(full []float64) []float64 {
	shard := make([]float64, p.shardSize)
	for i := p.lo; i < p.hi && i < p.vocab; i++ {
		shard[i-p.lo] = full[i]
	}
	return shard
}

// roundShard applies a precision policy in place
func roundShard(shard []float64, dt types.DType) {
	for i, v := range shard {
		shard[i] = dt.Round(v)
	}
}

// OptimizerSteps returns the number of optimizer steps taken
func (p *Pair) OptimizerSteps() int {
	return p.steps
}

// LR returns the learning rate the next optimizer step will use
func (p *Pair) LR() float64 {
	return p.sched.LR(p.steps)
}

// HasReference reports whether a frozen reference model is loaded
func (p *Pair) HasReference() bool {
	return p.refShard != nil
}

// ============================================================================
// Scoped Full-Vector Reconstruction
// ============================================================================

// withFullParams reconstructs the full parameter vector for one shard via
// all-gather, runs fn over it, and returns the buffer to the pool regardless
// of how fn exits
func (p *Pair) withFullParams(ctx context.Context, shard []float64, fn func(params []float64) error) error {
	parts, err := p.member.AllGather(ctx, shard)
	if err != nil {
		return err
	}

	buf := p.fullPool.Get().([]float64)
	defer p.fullPool.Put(buf)

	for rank, part := range parts {
		copy(buf[rank*p.shardSize:], part)
	}
	return fn(buf[:p.vocab])
}

// ============================================================================
// Forward
// ============================================================================

// Forward scores one microbatch slice under the policy and, when loaded, the
// reference model. KL slots are scored only for items that carry them.
func (p *Pair) Forward(ctx context.Context, batchIndex int, items []data.BatchItem) (*halo.LogProbs, error) {
	st := collectBatchStats(items)
	if p.opts.ActivationRecompute {
		p.retained = nil
	} else {
		p.retained = &retainedStats{batchIndex: batchIndex, stats: st}
	}

	lp := &halo.LogProbs{
		BatchIndex: batchIndex,
		ExampleIDs: make([]string, len(items)),
		Desirable:  make([]bool, len(items)),
	}
	for i, item := range items {
		lp.ExampleIDs[i] = item.ExampleID
		lp.Desirable[i] = item.Desirable
	}

	err := p.withFullParams(ctx, p.policyShard, func(params []float64) error {
		scoreInto(params, st, &lp.PolicyChosen, &lp.PolicyRejected, &lp.PolicyKL)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if p.refShard != nil {
		err = p.withFullParams(ctx, p.refShard, func(params []float64) error {
			scoreInto(params, st, &lp.ReferenceChosen, &lp.ReferenceRejected, &lp.ReferenceKL)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return lp, nil
}

// collectBatchStats derives token statistics for every sequence role present
// in the items
func collectBatchStats(items []data.BatchItem) *batchStats {
	st := &batchStats{chosen: make([]SequenceStats, len(items))}

	for i, item := range items {
		response := item.Chosen
		if response == nil {
			response = item.Target
		}
		st.chosen[i] = CollectStats(response)

		if item.Rejected != nil {
			if st.rejected == nil {
				st.rejected = make([]SequenceStats, len(items))
			}
			st.rejected[i] = CollectStats(item.Rejected)
		}
		if item.KLTarget != nil {
			if st.kl == nil {
				st.kl = make([]SequenceStats, len(items))
			}
			st.kl[i] = CollectStats(item.KLTarget)
		}
	}
	return st
}

// scoreInto fills the per-role logp slices for one parameter vector
func scoreInto(params []float64, st *batchStats, chosen, rejected, kl *[]float64) {
	logZ := LogSumExp(params)

	*chosen = make([]float64, len(st.chosen))
	for i, s := range st.chosen {
		(*chosen)[i] = SequenceLogProb(params, logZ, s)
	}
	if st.rejected != nil {
		*rejected = make([]float64, len(st.rejected))
		for i, s := range st.rejected {
			(*rejected)[i] = SequenceLogProb(params, logZ, s)
		}
	}
	if st.kl != nil {
		*kl = make([]float64, len(st.kl))
		for i, s := range st.kl {
			(*kl)[i] = SequenceLogProb(params, logZ, s)
		}
	}
}

// ============================================================================
// Backward
// ============================================================================

// Backward turns per-item loss gradients into parameter gradients, averages
// them across the worker group, and accumulates this rank's shard scaled by
// scale (1/accumulation_steps). Each rank's loss is a mean over its own
// slice, so averaging keeps the update independent of world size. KL slots
// never receive gradient.
func (p *Pair) Backward(ctx context.Context, batchIndex int, items []data.BatchItem, res *halo.LossResult, scale float64) error {
	st := p.statsFor(batchIndex, items)

	grad := make([]float64, p.shardSize*p.member.WorldSize())
	var denseWeight float64

	err := p.withFullParams(ctx, p.policyShard, func(params []float64) error {
		soft := make([]float64, p.vocab)
		Softmax(params, soft)

		for i := range items {
			if res.DPolicyChosen != nil {
				denseWeight += AccumulateGrad(grad, st.chosen[i], res.DPolicyChosen[i])
			}
			if res.DPolicyRejected != nil && st.rejected != nil {
				denseWeight += AccumulateGrad(grad, st.rejected[i], res.DPolicyRejected[i])
			}
		}
		ApplyDenseGrad(grad[:p.vocab], soft, denseWeight)
		return nil
	})
	if err != nil {
		return err
	}

	reduced, err := p.member.AllReduceSum(ctx, grad)
	if err != nil {
		return err
	}

	factor := scale / float64(p.member.WorldSize())
	for i := range p.gradShard {
		p.gradShard[i] += factor * reduced[p.lo+i]
	}
	return nil
}

// statsFor returns retained forward statistics when they match the batch,
// re-deriving them otherwise
func (p *Pair) statsFor(batchIndex int, items []data.BatchItem) *batchStats {
	if p.retained != nil && p.retained.batchIndex == batchIndex {
		return p.retained.stats
	}
	return collectBatchStats(items)
}

// GradFinite reports whether the accumulated gradient shard is finite
func (p *Pair) GradFinite() bool {
	return IsFinite(p.gradShard)
}

// ZeroGrad discards the accumulated gradient
func (p *Pair) ZeroGrad() {
	for i := range p.gradShard {
		p.gradShard[i] = 0
	}
}

// ClipGradients scales the accumulated gradient so its global (cross-rank)
// norm does not exceed the configured cap, and returns the pre-clip norm
func (p *Pair) ClipGradients(ctx context.Context) (float64, error) {
	var sq float64
	for _, g := range p.gradShard {
		sq += g * g
	}

	total, err := p.member.AllReduceSum(ctx, []float64{sq})
	if err != nil {
		return 0, err
	}
	norm := math.Sqrt(total[0])

	if p.opts.MaxGradNorm > 0 && norm > p.opts.MaxGradNorm {
		factor := p.opts.MaxGradNorm / norm
		for i := range p.gradShard {
			p.gradShard[i] *= factor
		}
	}
	return norm, nil
}

// Step applies one optimizer update to this rank's shard at the scheduled
// learning rate, re-applies the policy precision, and clears the gradient.
// Returns the learning rate used. Every rank sees identical gradients, so
// shards stay consistent without further synchronization.
func (p *Pair) Step() float64 {
	lr := p.sched.LR(p.steps)
	p.opt.Step(p.policyShard, p.gradShard, lr)
	roundShard(p.policyShard, p.opts.PolicyDType)
	p.ZeroGrad()
	p.steps++
	return lr
}

// ============================================================================
// Checkpointing
// ============================================================================

// policyCheckpoint is the serialized policy artifact
type policyCheckpoint struct {
	Name      string    `json:"name"`
	VocabSize int       `json:"vocab_size"`
	DType     string    `json:"dtype"`
	Params    []float64 `json:"params"`
}

// Checkpoint gathers the full policy and optimizer state at rank 0 and
// writes them into dir. Files are written to a temp name and renamed, so an
// interrupted write never corrupts the previous checkpoint. One retry with
// backoff, then the error is returned for the trainer to treat as fatal.
// Every rank must call Checkpoint; non-coordinators return after the
// gathers.
func (p *Pair) Checkpoint(ctx context.Context, dir string) error {
	paramParts, err := p.member.Gather(ctx, 0, p.policyShard)
	if err != nil {
		return err
	}

	optState := p.opt.State()
	mParts, err := p.member.Gather(ctx, 0, optState.M)
	if err != nil {
		return err
	}
	vParts, err := p.member.Gather(ctx, 0, optState.V)
	if err != nil {
		return err
	}

	if !p.member.IsCoordinator() {
		return nil
	}

	ckpt := policyCheckpoint{
		Name:      p.opts.NameOrPath,
		VocabSize: p.vocab,
		DType:     p.opts.PolicyDType.String(),
		Params:    concatShards(paramParts, p.vocab),
	}
	fullState := &OptimizerState{
		Name:  optState.Name,
		Steps: optState.Steps,
		M:     concatShards(mParts, p.vocab),
		V:     concatShards(vParts, p.vocab),
	}

	write := func() error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := writeJSONAtomic(filepath.Join(dir, PolicyFileName), ckpt); err != nil {
			return err
		}
		return writeJSONAtomic(filepath.Join(dir, OptimizerFileName), fullState)
	}

	if err := write(); err != nil {
		time.Sleep(checkpointRetryBackoff)
		if err = write(); err != nil {
			return errors.WrapCoded(err, errors.ErrCheckpointWrite).
				WithDetails("path", dir)
		}
	}
	return nil
}

// Restore loads a checkpoint written by Checkpoint. Every rank reads the
// files independently and keeps its own shard.
func (p *Pair) Restore(dir string) error {
	params, err := readPolicyParams(dir, p.vocab)
	if err != nil {
		return err
	}
	p.policyShard = p.sliceShard(params)
	roundShard(p.policyShard, p.opts.PolicyDType)

	var fullState OptimizerState
	if err := readJSON(filepath.Join(dir, OptimizerFileName), &fullState); err != nil {
		return errors.WrapCoded(err, errors.ErrCheckpointRestore).
			WithDetails("path", dir)
	}

	shardState := &OptimizerState{
		Name:  fullState.Name,
		Steps: fullState.Steps,
	}
	if fullState.M != nil {
		shardState.M = p.sliceShard(fullState.M)
		shardState.V = p.sliceShard(fullState.V)
	}
	if err := p.opt.LoadState(shardState); err != nil {
		return err
	}
	p.steps = fullState.Steps
	return nil
}

// readPolicyParams loads and validates the policy artifact from a
// checkpoint directory
func readPolicyParams(dir string, vocab int) ([]float64, error) {
	var ckpt policyCheckpoint
	if err := readJSON(filepath.Join(dir, PolicyFileName), &ckpt); err != nil {
		return nil, errors.WrapCoded(err, errors.ErrCheckpointRestore).
			WithDetails("path", dir)
	}
	if ckpt.VocabSize != vocab {
		return nil, errors.NewCoded(errors.ErrCheckpointRestore).
			WithDetails("path", dir).
			WithDetails("expected_vocab", vocab).
			WithDetails("found_vocab", ckpt.VocabSize)
	}
	return ckpt.Params, nil
}

// concatShards rebuilds a full vector from rank-ordered shards
func concatShards(parts [][]float64, vocab int) []float64 {
	if len(parts) == 0 || len(parts[0]) == 0 {
		return nil
	}
	full := make([]float64, 0, vocab)
	for _, part := range parts {
		full = append(full, part...)
	}
	return full[:vocab]
}

// writeJSONAtomic writes v to path via a temp file and rename
func writeJSONAtomic(path string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readJSON reads a JSON file into v
func readJSON(path string, v interface{}) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// ============================================================================
// Sampling
// ============================================================================

// Sample draws maxTokens tokens from the policy's top-p nucleus. The rng is
// caller-owned so sampling stays deterministic per seed.
func (p *Pair) Sample(ctx context.Context, rng *rand.Rand, topP float64, maxTokens int) ([]int, error) {
	tokens := make([]int, 0, maxTokens)

	err := p.withFullParams(ctx, p.policyShard, func(params []float64) error {
		soft := make([]float64, p.vocab)
		Softmax(params, soft)
		for i := 0; i < maxTokens; i++ {
			tokens = append(tokens, SampleTopP(soft, topP, rng))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

//Personal.AI order the ending
