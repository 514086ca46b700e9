package halo

import (
	"context"

	"github.com/halotrain/halotrain/pkg/types"
)

func init() {
	register(types.LossSFT, func(p Params) Strategy {
		return &sftLoss{}
	})
}

// sftLoss is plain negative log likelihood of the target sequence. It never
// consumes rejected responses or reference logps.
type sftLoss struct{}

func (s *sftLoss) Name() types.LossName { return types.LossSFT }

func (s *sftLoss) NeedsReference() bool { return false }

func (s *sftLoss) Compute(ctx context.Context, in LossInputs) (*LossResult, error) {
	lp := in.LogProbs
	n := lp.Rows()

	res := &LossResult{
		Losses:        make([]float64, n),
		ChosenRewards: make([]float64, n),
		DPolicyChosen: make([]float64, n),
	}

	invN := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		res.Losses[i] = -lp.PolicyChosen[i]
		res.Loss += res.Losses[i] * invN
		res.ChosenRewards[i] = lp.PolicyChosen[i]
		res.DPolicyChosen[i] = -invN
	}

	return res, nil
}

//Personal.AI order the ending
