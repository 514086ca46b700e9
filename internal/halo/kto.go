package halo

import (
	"context"
	"math"

	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
)

func init() {
	for _, variant := range []types.LossName{types.LossKTO, types.LossKTOSimple, types.LossKTOZero} {
		variant := variant
		register(variant, func(p Params) Strategy {
			return &ktoLoss{
				variant: variant,
				beta:    p.Beta,
				wD:      p.DesirableWeight,
				wU:      p.UndesirableWeight,
			}
		})
	}
}

// ktoLoss is the Kahneman-Tversky objective over unpaired labeled examples.
// Each example is pushed above (desirable) or below (undesirable) a
// reference point; the variants differ only in how that point is estimated:
//
//   - kto:        mean log-ratio of mismatched prompt/response pairs across
//     the whole worker group, clamped at zero
//   - kto-simple: mean log-ratio of the opposite class within the
//     microbatch, clamped at zero
//   - kto-zero:   fixed at zero
//
// The reference point is treated as a constant during differentiation.
type ktoLoss struct {
	variant types.LossName
	beta    float64
	wD      float64
	wU      float64
}

func (k *ktoLoss) Name() types.LossName { return k.variant }

func (k *ktoLoss) NeedsReference() bool { return true }

func (k *ktoLoss) Compute(ctx context.Context, in LossInputs) (*LossResult, error) {
	lp := in.LogProbs
	n := lp.Rows()

	desirable, undesirable := 0, 0
	for _, d := range lp.Desirable {
		if d {
			desirable++
		} else {
			undesirable++
		}
	}
	if k.variant != types.LossKTOZero && (desirable == 0 || undesirable == 0) {
		return nil, emptyClassError(lp, desirable, undesirable)
	}

	ratios := make([]float64, n)
	for i := 0; i < n; i++ {
		ratios[i] = lp.PolicyChosen[i] - refAt(lp.ReferenceChosen, i)
	}

	refPointD, refPointU, kl, err := k.referencePoints(ctx, in, ratios)
	if err != nil {
		return nil, err
	}

	res := &LossResult{
		Losses:        make([]float64, n),
		DPolicyChosen: make([]float64, n),
		KL:            kl,
	}

	invN := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		reward := k.beta * ratios[i]

		var t, w float64
		if lp.Desirable[i] {
			t = k.beta * (ratios[i] - refPointD)
			w = k.wD
			res.ChosenRewards = append(res.ChosenRewards, reward)
		} else {
			t = k.beta * (refPointU - ratios[i])
			w = k.wU
			res.RejectedRewards = append(res.RejectedRewards, reward)
		}

		sig := sigmoid(t)
		res.Losses[i] = w * (1 - sig)
		res.Loss += res.Losses[i] * invN

		// d[w(1-sigmoid(t))]/dt = -w sigmoid'(t); the reference point is
		// held constant
		dLdT := -w * sig * (1 - sig)
		if lp.Desirable[i] {
			res.DPolicyChosen[i] = dLdT * k.beta * invN
		} else {
			res.DPolicyChosen[i] = -dLdT * k.beta * invN
		}
	}

	return res, nil
}

// referencePoints returns the reference point for each class and the KL
// estimate reported by the kto variant
func (k *ktoLoss) referencePoints(ctx context.Context, in LossInputs, ratios []float64) (refD, refU, kl float64, err error) {
	lp := in.LogProbs

	switch k.variant {
	case types.LossKTOZero:
		return 0, 0, 0, nil

	case types.LossKTOSimple:
		// Reference point for one class is the opposite class's mean
		// ratio, clamped at zero like the kto estimate below
		var sumD, sumU float64
		var nD, nU int
		for i, d := range lp.Desirable {
			if d {
				sumD += ratios[i]
				nD++
			} else {
				sumU += ratios[i]
				nU++
			}
		}
		return math.Max(sumU/float64(nU), 0), math.Max(sumD/float64(nD), 0), 0, nil

	default:
		// kto: batch-wide mismatched-pair estimate, all-reduced across the
		// worker group, clamped at zero
		if lp.PolicyKL == nil {
			return 0, 0, 0, errors.DataError("kto batch is missing KL slots", lp.BatchIndex, lp.ExampleIDs)
		}

		var sum float64
		for i := range lp.PolicyKL {
			sum += lp.PolicyKL[i] - refAt(lp.ReferenceKL, i)
		}
		count := float64(len(lp.PolicyKL))

		if in.Member != nil {
			reduced, rerr := in.Member.AllReduceSum(ctx, []float64{sum, count})
			if rerr != nil {
				return 0, 0, 0, rerr
			}
			sum, count = reduced[0], reduced[1]
		}

		kl = math.Max(sum/count, 0)
		return kl, kl, kl, nil
	}
}

//Personal.AI order the ending
