package model_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halotrain/halotrain/internal/collective"
	"github.com/halotrain/halotrain/internal/data"
	"github.com/halotrain/halotrain/internal/halo"
	"github.com/halotrain/halotrain/internal/model"
	"github.com/halotrain/halotrain/pkg/types"
)

func testOptions() model.Options {
	return model.Options{
		NameOrPath:     "test-model",
		VocabSize:      16,
		PolicyDType:    types.DTypeFloat64,
		ReferenceDType: types.DTypeFloat64,
		MaxGradNorm:    10,
		UseReference:   true,
		Seed:           42,
		Optimizer:      types.OptimizerSGD,
		LR:             0.5,
	}
}

func singleMember(t *testing.T) *collective.Member {
	t.Helper()
	group, err := collective.NewGroup(1)
	require.NoError(t, err)
	member, err := group.Member(0)
	require.NoError(t, err)
	return member
}

func newTestPair(t *testing.T, opts model.Options) *model.Pair {
	t.Helper()
	pair, err := model.NewPair(opts, singleMember(t))
	require.NoError(t, err)
	return pair
}

func makeItems(n int, seed int64) []data.BatchItem {
	rng := rand.New(rand.NewSource(seed))
	items := make([]data.BatchItem, n)
	for i := range items {
		target := make([]int, 6)
		for j := range target {
			target[j] = 1 + rng.Intn(15)
		}
		items[i] = data.BatchItem{
			ExampleID: fmt.Sprintf("ex-%d", i),
			Target:    target,
			Desirable: true,
		}
	}
	return items
}

func sftStrategy(t *testing.T) halo.Strategy {
	t.Helper()
	s, err := halo.Resolve(types.LossSFT, halo.Params{})
	require.NoError(t, err)
	return s
}

// trainStep runs one full forward/backward/update cycle and returns the loss
func trainStep(t *testing.T, pair *model.Pair, strat halo.Strategy, batchIndex int, items []data.BatchItem) float64 {
	t.Helper()
	ctx := context.Background()

	lp, err := pair.Forward(ctx, batchIndex, items)
	require.NoError(t, err)

	res, err := strat.Compute(ctx, halo.LossInputs{LogProbs: lp})
	require.NoError(t, err)

	require.NoError(t, pair.Backward(ctx, batchIndex, items, res, 1.0))
	_, err = pair.ClipGradients(ctx)
	require.NoError(t, err)
	pair.Step()

	return res.Loss
}

// TestPairForward tests initial scoring of the policy/reference pair
func TestPairForward(t *testing.T) {
	t.Run("ReferenceMatchesPolicyAtInit", func(t *testing.T) {
		pair := newTestPair(t, testOptions())
		items := makeItems(4, 1)

		lp, err := pair.Forward(context.Background(), 0, items)
		require.NoError(t, err)

		require.True(t, lp.HasReference())
		assert.Equal(t, lp.PolicyChosen, lp.ReferenceChosen)
	})

	t.Run("NoReferenceWhenDisabled", func(t *testing.T) {
		opts := testOptions()
		opts.UseReference = false
		pair := newTestPair(t, opts)
		require.False(t, pair.HasReference())

		lp, err := pair.Forward(context.Background(), 0, makeItems(4, 1))
		require.NoError(t, err)
		assert.Nil(t, lp.ReferenceChosen)
	})

	t.Run("PairedItemsScoreBothResponses", func(t *testing.T) {
		pair := newTestPair(t, testOptions())
		items := []data.BatchItem{{
			ExampleID: "p-0",
			Chosen:    []int{1, 2, 3},
			Rejected:  []int{4, 5, 6, 7},
		}}

		lp, err := pair.Forward(context.Background(), 0, items)
		require.NoError(t, err)
		require.Len(t, lp.PolicyRejected, 1)
		// The longer response accumulates more negative log mass
		assert.Less(t, lp.PolicyRejected[0], lp.PolicyChosen[0])
	})

	t.Run("KLSlotsScoredWhenPresent", func(t *testing.T) {
		pair := newTestPair(t, testOptions())
		items := makeItems(2, 1)
		items[0].KLTarget = items[1].Target
		items[1].KLTarget = items[0].Target

		lp, err := pair.Forward(context.Background(), 0, items)
		require.NoError(t, err)
		require.Len(t, lp.PolicyKL, 2)
		require.Len(t, lp.ReferenceKL, 2)
	})
}

// TestTrainingReducesLoss tests that repeated updates improve likelihood
func TestTrainingReducesLoss(t *testing.T) {
	pair := newTestPair(t, testOptions())
	strat := sftStrategy(t)
	items := makeItems(4, 1)

	first := trainStep(t, pair, strat, 0, items)
	var last float64
	for i := 1; i < 20; i++ {
		last = trainStep(t, pair, strat, i, items)
	}
	assert.Less(t, last, first)
	assert.Equal(t, 20, pair.OptimizerSteps())
}

// TestReferenceStaysFrozen tests that updates never touch the reference
func TestReferenceStaysFrozen(t *testing.T) {
	pair := newTestPair(t, testOptions())
	strat := sftStrategy(t)
	items := makeItems(4, 1)

	before, err := pair.Forward(context.Background(), 0, items)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		trainStep(t, pair, strat, i, items)
	}

	after, err := pair.Forward(context.Background(), 99, items)
	require.NoError(t, err)
	assert.Equal(t, before.ReferenceChosen, after.ReferenceChosen)
	assert.NotEqual(t, before.PolicyChosen, after.PolicyChosen)
}

// TestGradientAccumulation tests that k scaled microbatches match one batch
func TestGradientAccumulation(t *testing.T) {
	ctx := context.Background()
	strat := sftStrategy(t)

	accum := newTestPair(t, testOptions())
	whole := newTestPair(t, testOptions())

	itemsA := makeItems(2, 1)
	itemsB := makeItems(2, 2)
	combined := append(append([]data.BatchItem{}, itemsA...), itemsB...)

	// Two half-batches at scale 1/2
	for i, items := range [][]data.BatchItem{itemsA, itemsB} {
		lp, err := accum.Forward(ctx, i, items)
		require.NoError(t, err)
		res, err := strat.Compute(ctx, halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		require.NoError(t, accum.Backward(ctx, i, items, res, 0.5))
	}
	accum.Step()

	// One full batch at scale 1
	lp, err := whole.Forward(ctx, 0, combined)
	require.NoError(t, err)
	res, err := strat.Compute(ctx, halo.LossInputs{LogProbs: lp})
	require.NoError(t, err)
	require.NoError(t, whole.Backward(ctx, 0, combined, res, 1.0))
	whole.Step()

	lpAccum, err := accum.Forward(ctx, 100, combined)
	require.NoError(t, err)
	lpWhole, err := whole.Forward(ctx, 100, combined)
	require.NoError(t, err)

	for i := range lpAccum.PolicyChosen {
		assert.InDelta(t, lpWhole.PolicyChosen[i], lpAccum.PolicyChosen[i], 1e-9, "item %d", i)
	}
}

// TestClipGradients tests the global norm cap
func TestClipGradients(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.MaxGradNorm = 1e-3
	pair := newTestPair(t, opts)
	strat := sftStrategy(t)
	items := makeItems(4, 1)

	lp, err := pair.Forward(ctx, 0, items)
	require.NoError(t, err)
	res, err := strat.Compute(ctx, halo.LossInputs{LogProbs: lp})
	require.NoError(t, err)
	require.NoError(t, pair.Backward(ctx, 0, items, res, 1.0))

	norm, err := pair.ClipGradients(ctx)
	require.NoError(t, err)
	assert.Greater(t, norm, opts.MaxGradNorm)

	clipped, err := pair.ClipGradients(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, clipped, opts.MaxGradNorm*(1+1e-9))
}

// TestActivationRecompute tests that recomputed statistics give identical
// updates to retained ones
func TestActivationRecompute(t *testing.T) {
	retainOpts := testOptions()
	recomputeOpts := testOptions()
	recomputeOpts.ActivationRecompute = true

	retain := newTestPair(t, retainOpts)
	recompute := newTestPair(t, recomputeOpts)
	strat := sftStrategy(t)
	items := makeItems(4, 1)

	trainStep(t, retain, strat, 0, items)
	trainStep(t, recompute, strat, 0, items)

	a, err := retain.Forward(context.Background(), 1, items)
	require.NoError(t, err)
	b, err := recompute.Forward(context.Background(), 1, items)
	require.NoError(t, err)
	assert.Equal(t, a.PolicyChosen, b.PolicyChosen)
}

// TestCheckpointRoundtrip tests restore fidelity including optimizer state
func TestCheckpointRoundtrip(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.Optimizer = types.OptimizerAdamW
	opts.LR = 0.1
	strat := sftStrategy(t)
	items := makeItems(4, 1)
	dir := t.TempDir()

	trained := newTestPair(t, opts)
	for i := 0; i < 3; i++ {
		trainStep(t, trained, strat, i, items)
	}
	require.NoError(t, trained.Checkpoint(ctx, dir))

	restored := newTestPair(t, opts)
	require.NoError(t, restored.Restore(dir))
	assert.Equal(t, trained.OptimizerSteps(), restored.OptimizerSteps())

	a, err := trained.Forward(ctx, 10, items)
	require.NoError(t, err)
	b, err := restored.Forward(ctx, 10, items)
	require.NoError(t, err)
	assert.Equal(t, a.PolicyChosen, b.PolicyChosen)

	// Trajectories stay aligned after restore because moments came back too
	trainStep(t, trained, strat, 11, items)
	trainStep(t, restored, strat, 11, items)

	a, err = trained.Forward(ctx, 12, items)
	require.NoError(t, err)
	b, err = restored.Forward(ctx, 12, items)
	require.NoError(t, err)
	assert.Equal(t, a.PolicyChosen, b.PolicyChosen)
}

// TestLoadFromWeights tests weights-only loading into a fresh run
func TestLoadFromWeights(t *testing.T) {
	ctx := context.Background()
	strat := sftStrategy(t)
	items := makeItems(4, 1)
	dir := t.TempDir()

	trained := newTestPair(t, testOptions())
	for i := 0; i < 3; i++ {
		trainStep(t, trained, strat, i, items)
	}
	require.NoError(t, trained.Checkpoint(ctx, dir))

	opts := testOptions()
	opts.LoadFrom = dir
	fresh := newTestPair(t, opts)

	// Weights carry over, optimizer position does not
	assert.Zero(t, fresh.OptimizerSteps())

	a, err := trained.Forward(ctx, 10, items)
	require.NoError(t, err)
	b, err := fresh.Forward(ctx, 10, items)
	require.NoError(t, err)
	assert.Equal(t, a.PolicyChosen, b.PolicyChosen)
}

// TestRestoreRejectsMismatchedVocab tests checkpoint shape validation
func TestRestoreRejectsMismatchedVocab(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	trained := newTestPair(t, testOptions())
	require.NoError(t, trained.Checkpoint(ctx, dir))

	opts := testOptions()
	opts.VocabSize = 32
	other := newTestPair(t, opts)
	assert.Error(t, other.Restore(dir))
}

// TestMultiRankConsistency tests that sharded updates keep every rank's view
// of the policy identical
func TestMultiRankConsistency(t *testing.T) {
	const worldSize = 2
	ctx := context.Background()
	group, err := collective.NewGroup(worldSize)
	require.NoError(t, err)

	items := makeItems(4, 1)
	perRank := len(items) / worldSize

	results := make([]*halo.LogProbs, worldSize)
	errs := make([]error, worldSize)
	done := make(chan struct{}, worldSize)

	for rank := 0; rank < worldSize; rank++ {
		member, merr := group.Member(rank)
		require.NoError(t, merr)

		go func(rank int, member *collective.Member) {
			defer func() { done <- struct{}{} }()

			run := func() error {
				pair, err := model.NewPair(testOptions(), member)
				if err != nil {
					return err
				}
				strat, err := halo.Resolve(types.LossSFT, halo.Params{})
				if err != nil {
					return err
				}

				slice := items[rank*perRank : (rank+1)*perRank]
				lp, err := pair.Forward(ctx, 0, slice)
				if err != nil {
					return err
				}
				res, err := strat.Compute(ctx, halo.LossInputs{LogProbs: lp})
				if err != nil {
					return err
				}
				if err := pair.Backward(ctx, 0, slice, res, 1.0); err != nil {
					return err
				}
				if _, err := pair.ClipGradients(ctx); err != nil {
					return err
				}
				pair.Step()

				results[rank], err = pair.Forward(ctx, 1, items)
				return err
			}
			errs[rank] = run()
		}(rank, member)
	}
	for i := 0; i < worldSize; i++ {
		<-done
	}

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].PolicyChosen, results[1].PolicyChosen)
}

// TestSample tests deterministic top-p sampling
func TestSample(t *testing.T) {
	pair := newTestPair(t, testOptions())

	a, err := pair.Sample(context.Background(), rand.New(rand.NewSource(7)), 0.95, 8)
	require.NoError(t, err)
	b, err := pair.Sample(context.Background(), rand.New(rand.NewSource(7)), 0.95, 8)
	require.NoError(t, err)

	assert.Len(t, a, 8)
	assert.Equal(t, a, b)
	for _, tok := range a {
		assert.GreaterOrEqual(t, tok, 0)
		assert.Less(t, tok, 16)
	}
}

//Personal.AI order the ending
