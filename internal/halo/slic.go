package halo

import (
	"context"

	"github.com/halotrain/halotrain/pkg/types"
)

func init() {
	register(types.LossSLiC, func(p Params) Strategy {
		return &slicLoss{
			beta:    p.Beta,
			margin:  p.Margin,
			sftCoef: p.SFTCoef,
		}
	})
}

// slicLoss is sequence-likelihood calibration: a hinge on the beta-scaled
// pair margin plus an optional cross-entropy regularizer toward the chosen
// response.
type slicLoss struct {
	beta    float64
	margin  float64
	sftCoef float64
}

func (s *slicLoss) Name() types.LossName { return types.LossSLiC }

func (s *slicLoss) NeedsReference() bool { return true }

func (s *slicLoss) Compute(ctx context.Context, in LossInputs) (*LossResult, error) {
	lp := in.LogProbs
	n := lp.Rows()

	res := &LossResult{
		Losses:          make([]float64, n),
		ChosenRewards:   make([]float64, n),
		RejectedRewards: make([]float64, n),
		DPolicyChosen:   make([]float64, n),
		DPolicyRejected: make([]float64, n),
	}

	invN := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		chosenRatio := lp.PolicyChosen[i] - refAt(lp.ReferenceChosen, i)
		rejectedRatio := lp.PolicyRejected[i] - refAt(lp.ReferenceRejected, i)
		z := s.beta * (chosenRatio - rejectedRatio)

		hinge := s.margin - z
		loss := 0.0
		if hinge > 0 {
			loss = hinge
			res.DPolicyChosen[i] = -s.beta * invN
			res.DPolicyRejected[i] = s.beta * invN
		}

		if s.sftCoef > 0 {
			loss += s.sftCoef * -lp.PolicyChosen[i]
			res.DPolicyChosen[i] += s.sftCoef * -invN
		}

		res.Losses[i] = loss
		res.Loss += loss * invN
		res.ChosenRewards[i] = s.beta * chosenRatio
		res.RejectedRewards[i] = s.beta * rejectedRatio
	}

	return res, nil
}

//Personal.AI order the ending
