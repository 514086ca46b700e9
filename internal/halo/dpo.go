package halo

import (
	"context"

	"github.com/halotrain/halotrain/pkg/types"
)

func init() {
	register(types.LossDPO, func(p Params) Strategy {
		return &dpoLoss{beta: p.Beta}
	})
}

// dpoLoss is direct preference optimization over same-prompt pairs:
// -log sigmoid of the beta-scaled margin between the chosen and rejected
// policy/reference log ratios.
type dpoLoss struct {
	beta float64
}

func (d *dpoLoss) Name() types.LossName { return types.LossDPO }

func (d *dpoLoss) NeedsReference() bool { return true }

func (d *dpoLoss) Compute(ctx context.Context, in LossInputs) (*LossResult, error) {
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
		logits := d.beta * (chosenRatio - rejectedRatio)

		res.Losses[i] = -logSigmoid(logits)
		res.Loss += res.Losses[i] * invN
		res.ChosenRewards[i] = d.beta * chosenRatio
		res.RejectedRewards[i] = d.beta * rejectedRatio

		// d(-log sigmoid(z))/dz = sigmoid(z) - 1
		dz := sigmoid(logits) - 1
		res.DPolicyChosen[i] = d.beta * dz * invN
		res.DPolicyRejected[i] = -d.beta * dz * invN
	}

	return res, nil
}

//Personal.AI order the ending
