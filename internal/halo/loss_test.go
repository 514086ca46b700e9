package halo_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halotrain/halotrain/internal/collective"
	"github.com/halotrain/halotrain/internal/halo"
	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

func defaultParams() halo.Params {
	return halo.Params{
		Beta:              0.1,
		Margin:            1.0,
		SFTCoef:           0.0,
		DesirableWeight:   1.0,
		UndesirableWeight: 1.0,
		UseReference:      true,
	}
}

func resolve(t *testing.T, name types.LossName, p halo.Params) halo.Strategy {
	t.Helper()
	s, err := halo.Resolve(name, p)
	require.NoError(t, err)
	return s
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// TestResolve tests strategy resolution and its configuration errors
func TestResolve(t *testing.T) {
	t.Run("AllVariantsRegistered", func(t *testing.T) {
		assert.ElementsMatch(t, []types.LossName{
			types.LossSFT, types.LossDPO, types.LossSLiC,
			types.LossKTO, types.LossKTOSimple, types.LossKTOZero,
		}, halo.Registered())
	})

	t.Run("UnknownLoss", func(t *testing.T) {
		_, err := halo.Resolve(types.LossName("ppo"), defaultParams())
		require.Error(t, err)
		assert.Equal(t, errors.ErrConfigUnknownLoss.Code, errors.GetCode(err))
	})

	t.Run("ReferenceRequired", func(t *testing.T) {
		p := defaultParams()
		p.UseReference = false

		for _, name := range []types.LossName{types.LossDPO, types.LossSLiC, types.LossKTO} {
			_, err := halo.Resolve(name, p)
			require.Error(t, err, "loss %s", name)
			assert.Equal(t, errors.ErrConfigReferenceRequired.Code, errors.GetCode(err))
		}
	})

	t.Run("SFTWithoutReference", func(t *testing.T) {
		p := defaultParams()
		p.UseReference = false

		s, err := halo.Resolve(types.LossSFT, p)
		require.NoError(t, err)
		assert.Equal(t, types.LossSFT, s.Name())
		assert.False(t, s.NeedsReference())
	})
}

// TestSFTLoss tests the supervised objective
func TestSFTLoss(t *testing.T) {
	s := resolve(t, types.LossSFT, defaultParams())

	lp := &halo.LogProbs{
		PolicyChosen: []float64{-2.0, -4.0},
	}

	res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
	require.NoError(t, err)

	assert.InDelta(t, 3.0, res.Loss, 1e-12)
	assert.Equal(t, []float64{2.0, 4.0}, res.Losses)

	t.Run("GradientIsUniform", func(t *testing.T) {
		for _, g := range res.DPolicyChosen {
			assert.InDelta(t, -0.5, g, 1e-12)
		}
		assert.Nil(t, res.DPolicyRejected)
	})

	t.Run("IgnoresRejectedAndReference", func(t *testing.T) {
		withExtras := &halo.LogProbs{
			PolicyChosen:      []float64{-2.0, -4.0},
			PolicyRejected:    []float64{-9.0, -9.0},
			ReferenceChosen:   []float64{-1.0, -1.0},
			ReferenceRejected: []float64{-1.0, -1.0},
		}
		res2, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: withExtras})
		require.NoError(t, err)
		assert.Equal(t, res.Loss, res2.Loss)
	})
}

// TestDPOLoss tests direct preference optimization
func TestDPOLoss(t *testing.T) {
	s := resolve(t, types.LossDPO, defaultParams())

	t.Run("EqualRatiosGiveLogTwo", func(t *testing.T) {
		lp := &halo.LogProbs{
			PolicyChosen:      []float64{-3.0},
			PolicyRejected:    []float64{-3.0},
			ReferenceChosen:   []float64{-3.0},
			ReferenceRejected: []float64{-3.0},
		}
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		assert.InDelta(t, math.Log(2), res.Loss, 1e-12)
	})

	t.Run("LabelSwapMirrorsGradients", func(t *testing.T) {
		lp := &halo.LogProbs{
			PolicyChosen:      []float64{-1.0},
			PolicyRejected:    []float64{-5.0},
			ReferenceChosen:   []float64{-2.0},
			ReferenceRejected: []float64{-2.0},
		}
		swapped := &halo.LogProbs{
			PolicyChosen:      lp.PolicyRejected,
			PolicyRejected:    lp.PolicyChosen,
			ReferenceChosen:   lp.ReferenceRejected,
			ReferenceRejected: lp.ReferenceChosen,
		}

		a, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		b, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: swapped})
		require.NoError(t, err)

		assert.InDelta(t, a.DPolicyChosen[0], b.DPolicyRejected[0], 1e-12)
		assert.InDelta(t, a.DPolicyRejected[0], b.DPolicyChosen[0], 1e-12)
		assert.Greater(t, b.Loss, a.Loss)
	})

	t.Run("GradientMatchesFiniteDifference", func(t *testing.T) {
		base := &halo.LogProbs{
			PolicyChosen:      []float64{-1.5},
			PolicyRejected:    []float64{-2.5},
			ReferenceChosen:   []float64{-2.0},
			ReferenceRejected: []float64{-2.0},
		}
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: base})
		require.NoError(t, err)

		const h = 1e-6
		bumped := &halo.LogProbs{
			PolicyChosen:      []float64{base.PolicyChosen[0] + h},
			PolicyRejected:    base.PolicyRejected,
			ReferenceChosen:   base.ReferenceChosen,
			ReferenceRejected: base.ReferenceRejected,
		}
		bumpedRes, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: bumped})
		require.NoError(t, err)

		numeric := (bumpedRes.Loss - res.Loss) / h
		assert.InDelta(t, numeric, res.DPolicyChosen[0], 1e-6)
	})

	t.Run("RewardsAreScaledRatios", func(t *testing.T) {
		lp := &halo.LogProbs{
			PolicyChosen:      []float64{-1.0},
			PolicyRejected:    []float64{-5.0},
			ReferenceChosen:   []float64{-2.0},
			ReferenceRejected: []float64{-3.0},
		}
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		assert.InDelta(t, 0.1*1.0, res.ChosenRewards[0], 1e-12)
		assert.InDelta(t, 0.1*-2.0, res.RejectedRewards[0], 1e-12)
	})
}

// TestSLiCLoss tests the hinge calibration objective
func TestSLiCLoss(t *testing.T) {
	t.Run("SatisfiedMarginGivesZero", func(t *testing.T) {
		p := defaultParams()
		p.Beta = 1.0
		s := resolve(t, types.LossSLiC, p)

		lp := &halo.LogProbs{
			PolicyChosen:      []float64{0.0},
			PolicyRejected:    []float64{-5.0},
			ReferenceChosen:   []float64{0.0},
			ReferenceRejected: []float64{0.0},
		}
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		assert.Zero(t, res.Loss)
		assert.Zero(t, res.DPolicyChosen[0])
		assert.Zero(t, res.DPolicyRejected[0])
	})

	t.Run("ActiveHingeIsLinear", func(t *testing.T) {
		p := defaultParams()
		p.Beta = 1.0
		s := resolve(t, types.LossSLiC, p)

		lp := &halo.LogProbs{
			PolicyChosen:      []float64{-2.0},
			PolicyRejected:    []float64{-1.0},
			ReferenceChosen:   []float64{0.0},
			ReferenceRejected: []float64{0.0},
		}
		// margin 1 - (-2 - -1) = 2
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		assert.InDelta(t, 2.0, res.Loss, 1e-12)
		assert.InDelta(t, -1.0, res.DPolicyChosen[0], 1e-12)
		assert.InDelta(t, 1.0, res.DPolicyRejected[0], 1e-12)
	})

	t.Run("SFTRegularizerAddsLikelihoodTerm", func(t *testing.T) {
		p := defaultParams()
		p.Beta = 1.0
		p.SFTCoef = 0.5
		s := resolve(t, types.LossSLiC, p)

		lp := &halo.LogProbs{
			PolicyChosen:      []float64{-2.0},
			PolicyRejected:    []float64{-1.0},
			ReferenceChosen:   []float64{0.0},
			ReferenceRejected: []float64{0.0},
		}
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		assert.InDelta(t, 2.0+0.5*2.0, res.Loss, 1e-12)
		assert.InDelta(t, -1.0-0.5, res.DPolicyChosen[0], 1e-12)
	})
}

func unpairedLogProbs() *halo.LogProbs {
	return &halo.LogProbs{
		BatchIndex:      7,
		ExampleIDs:      []string{"a", "b", "c", "d"},
		PolicyChosen:    []float64{-1.0, -2.0, -3.0, -4.0},
		ReferenceChosen: []float64{-1.5, -1.5, -2.5, -2.5},
		Desirable:       []bool{true, true, false, false},
	}
}

// TestKTOSimpleLoss tests the within-batch class-mean variant
func TestKTOSimpleLoss(t *testing.T) {
	s := resolve(t, types.LossKTOSimple, defaultParams())

	t.Run("ReferencePointIsOppositeClassMean", func(t *testing.T) {
		lp := &halo.LogProbs{
			PolicyChosen:    []float64{1.0, 2.0, 0.5, 1.5},
			ReferenceChosen: []float64{0.0, 0.0, 0.0, 0.0},
			Desirable:       []bool{true, true, false, false},
		}
		// desirable mean 1.5, undesirable mean 1.0
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)

		beta := 0.1
		want := (1 - sigmoid(beta*(1.0-1.0))) +
			(1 - sigmoid(beta*(2.0-1.0))) +
			(1 - sigmoid(beta*(1.5-0.5))) +
			(1 - sigmoid(beta*(1.5-1.5)))
		assert.InDelta(t, want/4, res.Loss, 1e-12)
	})

	t.Run("NegativeClassMeanClampedToZero", func(t *testing.T) {
		lp := &halo.LogProbs{
			PolicyChosen:    []float64{-2.0, -2.0, 1.0, 1.0},
			ReferenceChosen: []float64{0.0, 0.0, 0.0, 0.0},
			Desirable:       []bool{true, true, false, false},
		}
		// desirable mean -2.0 clamps to 0 as the undesirable reference point
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)

		beta := 0.1
		assert.InDelta(t, 1-sigmoid(beta*(0.0-1.0)), res.Losses[2], 1e-12)
		assert.InDelta(t, 1-sigmoid(beta*(0.0-1.0)), res.Losses[3], 1e-12)

		want := 2*(1-sigmoid(beta*(-2.0-1.0))) + 2*(1-sigmoid(beta*(0.0-1.0)))
		assert.InDelta(t, want/4, res.Loss, 1e-12)
	})

	t.Run("GradientSignsFollowLabels", func(t *testing.T) {
		lp := unpairedLogProbs()
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)

		for i, d := range lp.Desirable {
			if d {
				assert.Negative(t, res.DPolicyChosen[i], "desirable row %d", i)
			} else {
				assert.Positive(t, res.DPolicyChosen[i], "undesirable row %d", i)
			}
		}
	})

	t.Run("ClassWeights", func(t *testing.T) {
		p := defaultParams()
		p.DesirableWeight = 2.0
		weighted := resolve(t, types.LossKTOSimple, p)

		lp := unpairedLogProbs()
		plain, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		scaled, err := weighted.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)

		assert.InDelta(t, 2*plain.Losses[0], scaled.Losses[0], 1e-12)
		assert.InDelta(t, plain.Losses[2], scaled.Losses[2], 1e-12)
	})

	t.Run("EmptyClassIsDataDefect", func(t *testing.T) {
		lp := &halo.LogProbs{
			BatchIndex:      3,
			ExampleIDs:      []string{"a", "b"},
			PolicyChosen:    []float64{-1.0, -2.0},
			ReferenceChosen: []float64{-1.0, -2.0},
			Desirable:       []bool{true, true},
		}
		_, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.Error(t, err)
		assert.Equal(t, errors.ErrDataEmptyClass.Code, errors.GetCode(err))
		assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	})
}

// TestKTOZeroLoss tests the fixed-zero reference point variant
func TestKTOZeroLoss(t *testing.T) {
	s := resolve(t, types.LossKTOZero, defaultParams())

	t.Run("SingleClassBatchAccepted", func(t *testing.T) {
		lp := &halo.LogProbs{
			PolicyChosen:    []float64{-1.0, -2.0},
			ReferenceChosen: []float64{-1.5, -1.5},
			Desirable:       []bool{true, true},
		}
		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)

		beta := 0.1
		want := (1 - sigmoid(beta*0.5)) + (1 - sigmoid(beta*-0.5))
		assert.InDelta(t, want/2, res.Loss, 1e-12)
		assert.Zero(t, res.KL)
	})
}

// TestKTOLoss tests the batch-wide KL reference point variant
func TestKTOLoss(t *testing.T) {
	s := resolve(t, types.LossKTO, defaultParams())

	t.Run("MissingKLSlotsIsDataDefect", func(t *testing.T) {
		lp := unpairedLogProbs()
		_, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	})

	t.Run("KLEstimateClampedAtZero", func(t *testing.T) {
		lp := unpairedLogProbs()
		lp.PolicyKL = []float64{-2.0, -2.0, -2.0, -2.0}
		lp.ReferenceKL = []float64{-1.0, -1.0, -1.0, -1.0}

		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		assert.Zero(t, res.KL)
	})

	t.Run("LocalKLEstimateIsMeanRatio", func(t *testing.T) {
		lp := unpairedLogProbs()
		lp.PolicyKL = []float64{-1.0, -2.0, -3.0, -4.0}
		lp.ReferenceKL = []float64{-2.0, -2.0, -4.0, -4.0}

		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)
		// mean of (1, 0, 1, 0)
		assert.InDelta(t, 0.5, res.KL, 1e-12)
	})

	t.Run("KLEstimateAllReducedAcrossRanks", func(t *testing.T) {
		group, err := collective.NewGroup(2)
		require.NoError(t, err)
		klByRank := [][]float64{{2.0, 2.0}, {0.0, 0.0}}

		results := make([]*halo.LossResult, 2)
		errs := make([]error, 2)
		done := make(chan int, 2)

		for rank := 0; rank < 2; rank++ {
			member, merr := group.Member(rank)
			require.NoError(t, merr)

			go func(rank int, member *collective.Member) {
				defer func() { done <- rank }()

				lp := &halo.LogProbs{
					PolicyChosen:    []float64{-1.0, -2.0},
					ReferenceChosen: []float64{-1.0, -2.0},
					PolicyKL:        klByRank[rank],
					ReferenceKL:     []float64{0.0, 0.0},
					Desirable:       []bool{true, false},
				}
				results[rank], errs[rank] = s.Compute(context.Background(), halo.LossInputs{
					LogProbs: lp,
					Member:   member,
				})
			}(rank, member)
		}
		for i := 0; i < 2; i++ {
			<-done
		}

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		// pooled mean of (2, 2, 0, 0)
		assert.InDelta(t, 1.0, results[0].KL, 1e-12)
		assert.Equal(t, results[0].KL, results[1].KL)
		assert.Equal(t, results[0].Loss, results[1].Loss)
	})

	t.Run("GradientMatchesFiniteDifference", func(t *testing.T) {
		lp := unpairedLogProbs()
		lp.PolicyKL = []float64{-1.0, -1.0, -1.0, -1.0}
		lp.ReferenceKL = []float64{-2.0, -2.0, -2.0, -2.0}

		res, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: lp})
		require.NoError(t, err)

		const h = 1e-6
		for i := range lp.PolicyChosen {
			bumped := *lp
			bumped.PolicyChosen = append([]float64(nil), lp.PolicyChosen...)
			bumped.PolicyChosen[i] += h

			bumpedRes, err := s.Compute(context.Background(), halo.LossInputs{LogProbs: &bumped})
			require.NoError(t, err)

			numeric := (bumpedRes.Loss - res.Loss) / h
			assert.InDelta(t, numeric, res.DPolicyChosen[i], 1e-5, "row %d", i)
		}
	})
}

//Personal.AI order the ending
