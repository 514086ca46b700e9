package model_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halotrain/halotrain/internal/data"
	"github.com/halotrain/halotrain/internal/model"
	"github.com/halotrain/halotrain/pkg/types"
)

// TestCollectStats tests token statistics extraction
func TestCollectStats(t *testing.T) {
	t.Run("CountsAndLength", func(t *testing.T) {
		st := model.CollectStats([]int{3, 5, 3, 7})
		assert.Equal(t, 4, st.Length)
		assert.Equal(t, 2, st.Counts[3])
		assert.Equal(t, 1, st.Counts[5])
		assert.Equal(t, 1, st.Counts[7])
	})

	t.Run("PaddingIgnored", func(t *testing.T) {
		st := model.CollectStats([]int{3, data.PadID, data.PadID, 3})
		assert.Equal(t, 2, st.Length)
		assert.Equal(t, 2, st.Counts[3])
		assert.NotContains(t, st.Counts, data.PadID)
	})
}

// TestLogSumExp tests the stabilized normalizer
func TestLogSumExp(t *testing.T) {
	t.Run("MatchesDirectComputation", func(t *testing.T) {
		v := []float64{0.1, -0.3, 0.7}
		var direct float64
		for _, x := range v {
			direct += math.Exp(x)
		}
		assert.InDelta(t, math.Log(direct), model.LogSumExp(v), 1e-12)
	})

	t.Run("LargeValuesDoNotOverflow", func(t *testing.T) {
		got := model.LogSumExp([]float64{1000, 1000})
		assert.InDelta(t, 1000+math.Log(2), got, 1e-9)
	})
}

// TestSequenceLogProb tests scoring against a direct per-token sum
func TestSequenceLogProb(t *testing.T) {
	params := []float64{0.0, 0.5, -0.5, 1.0}
	logZ := model.LogSumExp(params)
	tokens := []int{1, 3, 3, 2}

	var direct float64
	for _, tok := range tokens {
		direct += params[tok] - logZ
	}

	st := model.CollectStats(tokens)
	assert.InDelta(t, direct, model.SequenceLogProb(params, logZ, st), 1e-12)
}

// TestGradient tests the closed-form gradient against finite differences
func TestGradient(t *testing.T) {
	params := []float64{0.2, -0.1, 0.4, 0.0, -0.3}
	tokens := []int{1, 2, 2, 4}
	st := model.CollectStats(tokens)

	// dLoss/dlogp for a mean NLL over a single sequence
	const dLdLogp = -1.0

	grad := make([]float64, len(params))
	soft := make([]float64, len(params))
	model.Softmax(params, soft)
	weight := model.AccumulateGrad(grad, st, dLdLogp)
	model.ApplyDenseGrad(grad, soft, weight)

	loss := func(p []float64) float64 {
		return -model.SequenceLogProb(p, model.LogSumExp(p), st)
	}

	const h = 1e-7
	for v := range params {
		bumped := append([]float64(nil), params...)
		bumped[v] += h
		numeric := (loss(bumped) - loss(params)) / h
		assert.InDelta(t, numeric, grad[v], 1e-5, "param %d", v)
	}
}

// TestSampleTopP tests nucleus truncation
func TestSampleTopP(t *testing.T) {
	// Token 2 holds 90% of the mass; a tight nucleus should never leave it
	soft := []float64{0.05, 0.05, 0.90}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 100; i++ {
		assert.Equal(t, 2, model.SampleTopP(soft, 0.5, rng))
	}
}

// TestOptimizers tests the update rules and their snapshots
func TestOptimizers(t *testing.T) {
	t.Run("SGDStep", func(t *testing.T) {
		opt, err := model.NewOptimizer(types.OptimizerSGD, 2)
		require.NoError(t, err)

		params := []float64{1.0, -1.0}
		opt.Step(params, []float64{0.5, -0.5}, 0.1)
		assert.InDelta(t, 0.95, params[0], 1e-12)
		assert.InDelta(t, -0.95, params[1], 1e-12)
	})

	t.Run("AdamWMovesAgainstGradient", func(t *testing.T) {
		opt, err := model.NewOptimizer(types.OptimizerAdamW, 2)
		require.NoError(t, err)

		params := []float64{1.0, -1.0}
		opt.Step(params, []float64{0.5, -0.5}, 0.1)
		assert.Less(t, params[0], 1.0)
		assert.Greater(t, params[1], -1.0)
	})

	t.Run("UnknownOptimizer", func(t *testing.T) {
		_, err := model.NewOptimizer(types.OptimizerName("lamb"), 2)
		assert.Error(t, err)
	})

	t.Run("SnapshotRestoresTrajectory", func(t *testing.T) {
		a, err := model.NewOptimizer(types.OptimizerAdamW, 2)
		require.NoError(t, err)
		b, err := model.NewOptimizer(types.OptimizerAdamW, 2)
		require.NoError(t, err)

		paramsA := []float64{1.0, -1.0}
		a.Step(paramsA, []float64{0.3, -0.2}, 0.1)

		require.NoError(t, b.LoadState(a.State()))
		paramsB := append([]float64(nil), paramsA...)

		a.Step(paramsA, []float64{0.1, 0.1}, 0.1)
		b.Step(paramsB, []float64{0.1, 0.1}, 0.1)
		assert.Equal(t, paramsA, paramsB)
	})

	t.Run("MismatchedSnapshotRejected", func(t *testing.T) {
		adam, err := model.NewOptimizer(types.OptimizerAdamW, 2)
		require.NoError(t, err)
		sgd, err := model.NewOptimizer(types.OptimizerSGD, 2)
		require.NoError(t, err)

		assert.Error(t, adam.LoadState(sgd.State()))
	})
}

// TestScheduler tests the warmup-then-flat schedule
func TestScheduler(t *testing.T) {
	s := model.NewScheduler(1.0, 4)

	assert.InDelta(t, 0.2, s.LR(0), 1e-12)
	assert.InDelta(t, 0.4, s.LR(1), 1e-12)
	assert.InDelta(t, 0.8, s.LR(3), 1e-12)
	assert.InDelta(t, 1.0, s.LR(4), 1e-12)
	assert.InDelta(t, 1.0, s.LR(100), 1e-12)

	t.Run("NoWarmup", func(t *testing.T) {
		flat := model.NewScheduler(0.5, 0)
		assert.InDelta(t, 0.5, flat.LR(0), 1e-12)
	})
}

//Personal.AI order the ending
